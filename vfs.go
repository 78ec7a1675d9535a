package reploid

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Snapshot is a complete, immutable view of the VFS at a moment.
// Restoring a snapshot leaves the VFS byte-equal to it.
type Snapshot struct {
	ID        string
	Timestamp int64 // Unix milliseconds
	Files     map[string][]byte
}

// DiffResult partitions the differences between the current VFS and a
// snapshot. Added paths are present now and absent in the snapshot;
// Deleted the reverse; Modified are present in both with differing bytes.
type DiffResult struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// Empty reports whether the diff carries no changes.
func (d DiffResult) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// VFSOption configures a VFS.
type VFSOption func(*VFS)

// WithVFSQuota bounds total stored bytes. Writes that would exceed the
// quota fail with QuotaExceededError; the caller may prune and retry.
func WithVFSQuota(bytes int64) VFSOption {
	return func(v *VFS) { v.quota = bytes }
}

// WithVFSEvents attaches an event bus; writes, deletes, and restores are
// published on it.
func WithVFSEvents(bus *EventBus) VFSOption {
	return func(v *VFS) { v.bus = bus }
}

// WithVFSLogger sets a structured logger. If not set, no logs are emitted.
func WithVFSLogger(l *slog.Logger) VFSOption {
	return func(v *VFS) { v.logger = l }
}

// VFS is a transactional in-memory path→bytes store with snapshots.
// Paths are absolute POSIX-style strings; directory semantics are
// prefix-based, not nominal. Writes are atomic at path granularity:
// a single RWMutex serializes all mutations, so no two concurrent writes
// to the same path interleave and readers never observe partial writes.
type VFS struct {
	mu     sync.RWMutex
	files  map[string][]byte
	mtimes map[string]int64
	dirs   map[string]bool
	used   int64
	quota  int64 // 0 = unbounded
	bus    *EventBus
	logger *slog.Logger
}

// NewVFS creates an empty VFS.
func NewVFS(opts ...VFSOption) *VFS {
	v := &VFS{
		files:  make(map[string][]byte),
		mtimes: make(map[string]int64),
		dirs:   make(map[string]bool),
		logger: nopLogger,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// normalizePath validates and canonicalizes a path. Paths must be
// absolute; trailing slashes are trimmed except for the root.
func normalizePath(path string) (string, error) {
	if path == "" || path[0] != '/' {
		return "", &ValidationError{Field: "path", Message: fmt.Sprintf("must be absolute: %q", path)}
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}
	if strings.Contains(path, "//") || strings.Contains(path, "/../") || strings.HasSuffix(path, "/..") {
		return "", &ValidationError{Field: "path", Message: fmt.Sprintf("malformed: %q", path)}
	}
	return path, nil
}

// Read returns the bytes stored at path, or NotFoundError. The returned
// slice is a copy; callers may mutate it freely.
func (v *VFS) Read(path string) ([]byte, error) {
	path, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	data, ok := v.files[path]
	if !ok {
		return nil, &NotFoundError{Kind: "path", Name: path}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write stores bytes at path, creating or replacing the file.
func (v *VFS) Write(path string, data []byte) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	v.mu.Lock()
	delta := int64(len(data)) - int64(len(v.files[path]))
	if v.quota > 0 && v.used+delta > v.quota {
		used, quota := v.used, v.quota
		v.mu.Unlock()
		return &QuotaExceededError{Used: used + delta, Quota: quota}
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	v.files[path] = stored
	v.mtimes[path] = NowUnixMilli()
	v.used += delta
	v.mu.Unlock()
	if v.bus != nil {
		v.bus.Publish(TopicVFSWrite, map[string]any{"path": path, "bytes": len(data)})
	}
	return nil
}

// Delete removes the file at path. Deleting an absent path returns
// NotFoundError.
func (v *VFS) Delete(path string) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	v.mu.Lock()
	data, ok := v.files[path]
	if !ok {
		v.mu.Unlock()
		return &NotFoundError{Kind: "path", Name: path}
	}
	delete(v.files, path)
	delete(v.mtimes, path)
	v.used -= int64(len(data))
	v.mu.Unlock()
	if v.bus != nil {
		v.bus.Publish(TopicVFSDelete, map[string]any{"path": path})
	}
	return nil
}

// Exists reports whether path holds a file or was created as a directory.
func (v *VFS) Exists(path string) bool {
	path, err := normalizePath(path)
	if err != nil {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, ok := v.files[path]; ok {
		return true
	}
	if v.dirs[path] {
		return true
	}
	// Prefix-based directory semantics: a path "exists" as a directory
	// when any file lives under it.
	prefix := path + "/"
	for p := range v.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// List returns the lexicographically ordered set of file paths with the
// given prefix.
func (v *VFS) List(prefix string) []string {
	v.mu.RLock()
	paths := make([]string, 0, len(v.files))
	for p := range v.files {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	v.mu.RUnlock()
	sort.Strings(paths)
	return paths
}

// Mkdir marks a directory path as existing. Directories are otherwise
// implicit: listing is prefix-based and Write never requires one.
func (v *VFS) Mkdir(path string) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dirs[path] = true
	return nil
}

// Mtime returns the last-modified time of path in Unix milliseconds,
// or NotFoundError.
func (v *VFS) Mtime(path string) (int64, error) {
	path, err := normalizePath(path)
	if err != nil {
		return 0, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.mtimes[path]
	if !ok {
		return 0, &NotFoundError{Kind: "path", Name: path}
	}
	return t, nil
}

// CreateSnapshot captures the full current state. Snapshots share no
// storage with the live VFS: subsequent writes never alter a snapshot.
func (v *VFS) CreateSnapshot() *Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	files := make(map[string][]byte, len(v.files))
	for p, data := range v.files {
		cp := make([]byte, len(data))
		copy(cp, data)
		files[p] = cp
	}
	return &Snapshot{ID: NewID(), Timestamp: NowUnixMilli(), Files: files}
}

// RestoreSnapshot makes the VFS byte-equal to the snapshot: every path in
// the snapshot is restored and every path not in it is deleted. The VFS is
// logically exclusive for the duration; no external write interleaves.
func (v *VFS) RestoreSnapshot(snap *Snapshot) {
	v.mu.Lock()
	v.files = make(map[string][]byte, len(snap.Files))
	v.mtimes = make(map[string]int64, len(snap.Files))
	v.used = 0
	now := NowUnixMilli()
	for p, data := range snap.Files {
		cp := make([]byte, len(data))
		copy(cp, data)
		v.files[p] = cp
		v.mtimes[p] = now
		v.used += int64(len(cp))
	}
	v.mu.Unlock()
	if v.bus != nil {
		v.bus.Publish(TopicVFSRestore, map[string]any{"snapshot": snap.ID, "files": len(snap.Files)})
	}
	v.logger.Debug("vfs: snapshot restored", "snapshot", snap.ID, "files", len(snap.Files))
}

// DiffSnapshot partitions the differences between the current state and
// the snapshot. Result slices are sorted.
func (v *VFS) DiffSnapshot(snap *Snapshot) DiffResult {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var d DiffResult
	for p, cur := range v.files {
		old, ok := snap.Files[p]
		switch {
		case !ok:
			d.Added = append(d.Added, p)
		case !bytes.Equal(old, cur):
			d.Modified = append(d.Modified, p)
		}
	}
	for p := range snap.Files {
		if _, ok := v.files[p]; !ok {
			d.Deleted = append(d.Deleted, p)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Modified)
	sort.Strings(d.Deleted)
	return d
}

// ApplyChanges applies a batch of writes and deletes under one lock
// acquisition. A nil value deletes the path; deleting an absent path is a
// no-op inside a batch. The batch is all-or-nothing with respect to quota:
// if the net growth would exceed the quota, nothing is applied.
func (v *VFS) ApplyChanges(changes map[string][]byte) error {
	// Validate paths before taking the lock.
	normalized := make(map[string][]byte, len(changes))
	for p, data := range changes {
		np, err := normalizePath(p)
		if err != nil {
			return err
		}
		normalized[np] = data
	}
	v.mu.Lock()
	var delta int64
	for p, data := range normalized {
		if data == nil {
			delta -= int64(len(v.files[p]))
		} else {
			delta += int64(len(data)) - int64(len(v.files[p]))
		}
	}
	if v.quota > 0 && v.used+delta > v.quota {
		used, quota := v.used, v.quota
		v.mu.Unlock()
		return &QuotaExceededError{Used: used + delta, Quota: quota}
	}
	now := NowUnixMilli()
	for p, data := range normalized {
		if data == nil {
			v.used -= int64(len(v.files[p]))
			delete(v.files, p)
			delete(v.mtimes, p)
			continue
		}
		v.used += int64(len(data)) - int64(len(v.files[p]))
		cp := make([]byte, len(data))
		copy(cp, data)
		v.files[p] = cp
		v.mtimes[p] = now
	}
	v.mu.Unlock()
	if v.bus != nil {
		v.bus.Publish(TopicVFSWrite, map[string]any{"batch": len(normalized)})
	}
	return nil
}

// UnifiedDiff renders a unified diff of every text file that differs from
// the snapshot, for audit records and arena reporting. Binary files are
// summarized by size only.
func (v *VFS) UnifiedDiff(snap *Snapshot) string {
	d := v.DiffSnapshot(snap)
	if d.Empty() {
		return ""
	}
	dmp := diffmatchpatch.New()
	var b strings.Builder
	for _, p := range d.Added {
		data, _ := v.Read(p)
		fmt.Fprintf(&b, "+++ %s (added, %d bytes)\n", p, len(data))
	}
	for _, p := range d.Deleted {
		fmt.Fprintf(&b, "--- %s (deleted, %d bytes)\n", p, len(snap.Files[p]))
	}
	for _, p := range d.Modified {
		cur, _ := v.Read(p)
		old := snap.Files[p]
		if !utf8.Valid(old) || !utf8.Valid(cur) {
			fmt.Fprintf(&b, "~~~ %s (binary, %d -> %d bytes)\n", p, len(old), len(cur))
			continue
		}
		fmt.Fprintf(&b, "~~~ %s\n", p)
		diffs := dmp.DiffMain(string(old), string(cur), true)
		dmp.DiffCleanupSemantic(diffs)
		for _, df := range diffs {
			switch df.Type {
			case diffmatchpatch.DiffInsert:
				writePrefixedLines(&b, "+", df.Text)
			case diffmatchpatch.DiffDelete:
				writePrefixedLines(&b, "-", df.Text)
			}
		}
	}
	return b.String()
}

func writePrefixedLines(b *strings.Builder, prefix, text string) {
	for line := range strings.SplitSeq(strings.TrimRight(text, "\n"), "\n") {
		b.WriteString(prefix)
		b.WriteString(line)
		b.WriteString("\n")
	}
}
