package caps

import "testing"

func TestCapsForLongestPrefix(t *testing.T) {
	m := NewMatrix(map[string]Profile{
		"/tools/":         {CanFS: true},
		"/tools/special/": {CanFS: true, CanNetwork: true},
		"/core/":          {Privileged: true, CanEval: true},
	})
	if !m.CapsFor("/tools/special/X.js").CanNetwork {
		t.Errorf("longest prefix not preferred")
	}
	if m.CapsFor("/tools/Plain.js").CanNetwork {
		t.Errorf("shorter prefix profile leaked network capability")
	}
	if p := m.CapsFor("/elsewhere/file"); p.CanFS || len(p.Allowed) != 0 {
		t.Errorf("unmatched path got a non-empty profile: %+v", p)
	}
}

func TestDefaultMatrixShape(t *testing.T) {
	m := DefaultMatrix()
	core := m.CapsFor("/core/loop.js")
	if !core.Privileged || !core.CanEval || !core.CanFS {
		t.Errorf("core profile = %+v", core)
	}
	tools := m.CapsFor("/tools/A.js")
	if tools.Privileged || tools.CanEval {
		t.Errorf("tools profile = %+v", tools)
	}
}

func TestCanWriteTo(t *testing.T) {
	m := DefaultMatrix()
	tests := []struct {
		src, dst string
		want     bool
	}{
		{"/core/loop.js", "/tools/X.js", true}, // substrate writes anywhere
		{"/core/loop.js", "/core/loop.js", true},
		{"/tools/A.js", "/tools/B.js", true},    // own subtree
		{"/tools/A.js", "/apps/out.txt", true},  // artifacts
		{"/tools/A.js", "/core/loop.js", false}, // substrate is forbidden
		{"/tools/A.js", "/.system/schemas.json", false},
		{"/apps/site.js", "/apps/page.js", true},
		{"/apps/site.js", "/tools/A.js", false},
		{"/memory/note.md", "/memory/other.md", true},
		{"/memory/note.md", "/apps/x", false}, // not in allowed list
		{"/unknown/x", "/apps/y", false},      // empty profile: nothing allowed
	}
	for _, tt := range tests {
		if got := m.CanWriteTo(tt.src, tt.dst); got != tt.want {
			t.Errorf("CanWriteTo(%s, %s) = %v, want %v", tt.src, tt.dst, got, tt.want)
		}
	}
}

func TestForbiddenBeatsAllowed(t *testing.T) {
	m := NewMatrix(map[string]Profile{
		"/x/": {Allowed: []string{"*"}, Forbidden: []string{"/secret/"}},
	})
	if m.CanWriteTo("/x/a", "/secret/key") {
		t.Errorf("forbidden prefix did not override wildcard allow")
	}
	if !m.CanWriteTo("/x/a", "/anything/else") {
		t.Errorf("wildcard allow failed")
	}
}

func TestIsSubstratePath(t *testing.T) {
	for path, want := range map[string]bool{
		"/core/loop.js":          true,
		"/infrastructure/bus.js": true,
		"/tools/A.js":            false,
		"/apps/core/x":           false,
	} {
		if got := IsSubstratePath(path); got != want {
			t.Errorf("IsSubstratePath(%s) = %v", path, got)
		}
	}
}

func TestGrants(t *testing.T) {
	p := Profile{CanNetwork: true, CanFS: true}
	if !p.Grants("network") || !p.Grants("fs") {
		t.Errorf("granted capabilities denied")
	}
	if p.Grants("eval") || p.Grants("process") || p.Grants("nonsense") {
		t.Errorf("ungranted capabilities allowed")
	}
}
