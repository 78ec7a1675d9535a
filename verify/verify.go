// Package verify is the pre-flight verification pipeline: syntax,
// dangerous-pattern, structural, capability-boundary, and complexity
// checks over a proposed change set, executed by the configured Runner:
// SubprocessRunner isolates a run in a sandbox process, while the default
// InProcessRunner runs it on the host process. A proposal that fails
// verification never reaches the VFS.
package verify

import (
	"context"
	"log/slog"
	"time"

	"github.com/clocksmith/reploid/caps"
)

// DefaultTimeout bounds one verification run wall-clock.
const DefaultTimeout = 10 * time.Second

// Options tunes a single VerifyProposal call.
type Options struct {
	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
	// QuickMode verifies only the changed files. Otherwise the changes
	// are overlaid onto a snapshot of the current tree and the whole
	// result is verified.
	QuickMode bool
}

// Runner executes a verification request in some isolation domain.
// SubprocessRunner is the production choice; InProcessRunner exists for
// tests and for hosts that cannot exec.
type Runner interface {
	Run(ctx context.Context, req Request) (Response, error)
}

// SnapshotFunc supplies the current tree for full-mode overlay
// verification. The service never holds a live VFS handle.
type SnapshotFunc func() map[string][]byte

// Service orchestrates verification runs.
type Service struct {
	matrix       *caps.Matrix
	runner       Runner
	snapshot     SnapshotFunc
	allowedHosts []string
	timeout      time.Duration
	logger       *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRunner selects the isolation runner (default: InProcessRunner).
func WithRunner(r Runner) ServiceOption {
	return func(s *Service) { s.runner = r }
}

// WithSnapshot supplies the current-tree snapshot for full-mode runs.
func WithSnapshot(fn SnapshotFunc) ServiceOption {
	return func(s *Service) { s.snapshot = fn }
}

// WithAllowedHosts extends the network URL allowlist (LLM endpoints).
func WithAllowedHosts(hosts []string) ServiceOption {
	return func(s *Service) { s.allowedHosts = hosts }
}

// WithTimeout overrides DefaultTimeout for runs that do not set their
// own.
func WithTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.timeout = d }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a verification service over the given capability
// matrix.
func NewService(matrix *caps.Matrix, opts ...ServiceOption) *Service {
	s := &Service{
		matrix: matrix,
		runner: InProcessRunner{},
		logger: slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// VerifyProposal verifies a proposed change set. changes maps paths to
// new content; nil content marks a deletion. The returned Response is
// always usable: a timeout or worker crash is a failed verification with
// the corresponding event, never a Go error.
func (s *Service) VerifyProposal(ctx context.Context, changes map[string][]byte, opts Options) Response {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	files := make(map[string][]byte, len(changes))
	if !opts.QuickMode && s.snapshot != nil {
		for p, data := range s.snapshot() {
			files[p] = data
		}
	}
	for p, data := range changes {
		if data == nil {
			delete(files, p)
			continue
		}
		files[p] = data
	}

	req := Request{
		Files:        files,
		Profiles:     s.matrix.Profiles(),
		AllowedHosts: s.allowedHosts,
	}

	resp, err := s.runner.Run(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			s.logger.Warn("verification timed out", "timeout", timeout)
			return Response{
				Passed: false,
				Errors: []string{"verification timed out"},
				Events: []Event{{Topic: topicTimeout, Payload: map[string]any{"timeout_ms": timeout.Milliseconds()}}},
			}
		}
		s.logger.Error("verification worker crashed", "error", err)
		return Response{
			Passed: false,
			Errors: []string{"verification worker crashed: " + err.Error()},
			Events: []Event{{Topic: topicCrash, Payload: map[string]any{"error": err.Error()}}},
		}
	}
	return resp
}

// InProcessRunner executes the checks on the caller's goroutine. The
// checks are pure functions over the request, so this is safe — but it
// shares the host's address space and scheduler, so production hosts
// prefer SubprocessRunner.
type InProcessRunner struct{}

func (InProcessRunner) Run(ctx context.Context, req Request) (Response, error) {
	type outcome struct{ resp Response }
	done := make(chan outcome, 1)
	go func() {
		done <- outcome{RunChecks(req)}
	}()
	select {
	case o := <-done:
		return o.resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
