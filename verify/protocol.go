package verify

import "github.com/clocksmith/reploid/caps"

// Request is the full input to a verification run. It is
// self-contained — file contents and the capability matrix travel with
// it — so the sandbox worker never holds a live VFS handle.
type Request struct {
	// Files maps each path to the content to verify. Deletions are not
	// present: removing code cannot introduce a violation.
	Files map[string][]byte `json:"files"`
	// Profiles is the serialized capability matrix.
	Profiles map[string]caps.Profile `json:"profiles"`
	// AllowedHosts lists network hosts structural analysis accepts in
	// URL literals (LLM endpoints, localhost).
	AllowedHosts []string `json:"allowed_hosts"`
}

// Event mirrors a significant finding. The caller republishes these on
// its event bus.
type Event struct {
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Response is the outcome of a verification run.
type Response struct {
	Passed   bool           `json:"passed"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Events   []Event        `json:"events,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Event topics, mirrored from the substrate's bus topics so sandbox
// output maps 1:1 onto published events.
const (
	topicPattern    = "verification:pattern_detected"
	topicComplexity = "verification:complexity_warning"
	topicCapability = "verification:capability_violation"
	topicSyntax     = "verification:syntax_error"
	topicTimeout    = "verification:timeout"
	topicCrash      = "verification:worker_crash"
)
