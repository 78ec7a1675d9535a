// Package caps models capability-scoped isolation as data: a per-subtree
// profile and a single write relation. Verification and the tool runner
// both consult this one relation, so a policy change lands in exactly one
// place.
package caps

import "strings"

// Profile specifies what code loaded from a subtree may do and
// where it may write. Writes from source S to target T require T to match
// an allowed prefix and no forbidden prefix of S's profile.
type Profile struct {
	// Allowed lists target-path prefixes writable from this subtree.
	// The single element "*" allows everything not forbidden.
	Allowed []string
	// Forbidden lists target-path prefixes never writable from this
	// subtree, regardless of Allowed.
	Forbidden []string

	CanNetwork bool
	CanEval    bool
	CanFS      bool
	CanProcess bool

	// Privileged marks substrate subtrees. Verification skips
	// capability-free dangerous patterns and complexity heuristics for
	// privileged paths.
	Privileged bool
}

// Grants reports whether the profile carries the named capability
// ("network", "eval", "fs", "process").
func (p Profile) Grants(capability string) bool {
	switch capability {
	case "network":
		return p.CanNetwork
	case "eval":
		return p.CanEval
	case "fs":
		return p.CanFS
	case "process":
		return p.CanProcess
	}
	return false
}

// Matrix maps subtree prefixes to profiles. The matrix is
// configuration: internal/config loads deployment overrides over
// DefaultMatrix.
type Matrix struct {
	profiles map[string]Profile
	// fallback applies to paths matching no configured prefix.
	fallback Profile
}

// DefaultMatrix returns the stock matrix. Substrate subtrees
// (/core/, /infrastructure/) carry broad capabilities; /tools/ and /apps/
// are confined to their own subtrees plus /apps/ artifacts, and /tools/
// may also write /memory/.
func DefaultMatrix() *Matrix {
	return NewMatrix(map[string]Profile{
		"/core/": {
			Allowed:    []string{"*"},
			CanNetwork: true, CanEval: true, CanFS: true, CanProcess: true,
			Privileged: true,
		},
		"/infrastructure/": {
			Allowed:    []string{"*"},
			CanNetwork: true, CanEval: true, CanFS: true, CanProcess: true,
			Privileged: true,
		},
		"/tools/": {
			Allowed:   []string{"/tools/", "/apps/", "/memory/"},
			Forbidden: []string{"/core/", "/infrastructure/", "/.system/"},
			CanFS:     true,
		},
		"/apps/": {
			Allowed:   []string{"/apps/"},
			Forbidden: []string{"/core/", "/infrastructure/", "/tools/", "/.system/"},
			CanFS:     true,
		},
		"/memory/": {
			Allowed:   []string{"/memory/"},
			Forbidden: []string{"/core/", "/infrastructure/", "/tools/", "/.system/"},
		},
	})
}

// NewMatrix builds a matrix from per-prefix profiles. Paths
// matching no prefix get an empty profile (nothing allowed).
func NewMatrix(profiles map[string]Profile) *Matrix {
	cp := make(map[string]Profile, len(profiles))
	for k, v := range profiles {
		cp[k] = v
	}
	return &Matrix{profiles: cp}
}

// Profiles returns a copy of the per-prefix profile table, for
// serialization into a sandbox verification request.
func (m *Matrix) Profiles() map[string]Profile {
	out := make(map[string]Profile, len(m.profiles))
	for k, v := range m.profiles {
		out[k] = v
	}
	return out
}

// CapsFor resolves the profile for a path by longest-prefix match.
func (m *Matrix) CapsFor(path string) Profile {
	best := ""
	for prefix := range m.profiles {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return m.fallback
	}
	return m.profiles[best]
}

// CanWriteTo reports whether code loaded from src may write to dst.
// Both verification and the tool runner consult this one relation.
func (m *Matrix) CanWriteTo(src, dst string) bool {
	p := m.CapsFor(src)
	for _, f := range p.Forbidden {
		if strings.HasPrefix(dst, f) {
			return false
		}
	}
	for _, a := range p.Allowed {
		if a == "*" || strings.HasPrefix(dst, a) {
			return true
		}
	}
	return false
}

// IsSubstratePath reports whether path lives under a substrate subtree.
// Substrate mutations route through arena gating.
func IsSubstratePath(path string) bool {
	return strings.HasPrefix(path, "/core/") || strings.HasPrefix(path, "/infrastructure/")
}
