package reploid

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input to a core API. Callers recover
// locally; it never halts the loop.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NotFoundError reports a VFS read of an absent path or an unknown tool.
type NotFoundError struct {
	Kind string // "path", "tool", "schema", "worker"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ToolError wraps any failure within a tool invocation, preserving the tool
// name and sanitized arguments for the audit trail.
type ToolError struct {
	Tool    string
	Args    string // sanitized, truncated
	Message string
	Err     error // original cause, if any
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// VerificationError reports a failed pre-flight verification. Distinct from
// ToolError: it prevents the mutation and the VFS is left unchanged.
type VerificationError struct {
	Errors   []string
	Warnings []string
}

func (e *VerificationError) Error() string {
	if len(e.Errors) == 0 {
		return "verification failed"
	}
	return "verification failed: " + e.Errors[0]
}

// PermissionError reports a tool call outside the caller's permitted set.
type PermissionError struct {
	Tool     string
	WorkerID string
}

func (e *PermissionError) Error() string {
	if e.WorkerID != "" {
		return fmt.Sprintf("permission denied: worker %s may not call %s", e.WorkerID, e.Tool)
	}
	return "permission denied: " + e.Tool
}

// ContextExceededError reports a hard-limit breach that aggressive
// compaction could not resolve. It halts the agent loop.
type ContextExceededError struct {
	Tokens    int
	HardLimit int
}

func (e *ContextExceededError) Error() string {
	return fmt.Sprintf("context of %d tokens exceeds hard limit %d", e.Tokens, e.HardLimit)
}

// ResourceExhaustedError reports a saturated pool (worker concurrency cap).
type ResourceExhaustedError struct {
	Resource string
	Limit    int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s exhausted: limit %d reached", e.Resource, e.Limit)
}

// QuotaExceededError reports VFS quota pressure. Recoverable: the caller
// may trigger memory pruning and retry.
type QuotaExceededError struct {
	Used  int64
	Quota int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("vfs quota exceeded: %d of %d bytes", e.Used, e.Quota)
}

// RetryExhaustedError reports that the retry policy for a transient error
// completed unsuccessfully.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// ErrLLM reports a provider-level failure, carrying the HTTP status when
// the transport surfaced one. Status 429 and 503 are treated as transient
// by WithRetry.
type ErrLLM struct {
	Provider string
	Status   int
	Message  string
}

func (e *ErrLLM) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}
