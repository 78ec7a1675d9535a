package reploid

import "encoding/json"

// --- LLM protocol types ---

// ChatMessage is one turn in a conversation.
type ChatMessage struct {
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // provider-specific
}

// ToolCall is a request from the LLM to invoke a named tool.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition describes one callable tool to the LLM.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
	// ReadOnly declares that the handler causes no observable side effect
	// on the VFS, network, or external state. Read-only tools may be
	// batched in parallel within a single loop iteration.
	ReadOnly bool `json:"read_only,omitempty"`
}

// ChatRequest is the input to a Provider call.
type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Model    string           `json:"model,omitempty"`
	// Temperature overrides the provider default. Nil means unset.
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// ChatResponse is the output of a Provider call.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage tracks token consumption for a single call or an aggregate.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ModelConfig names the model an agent or worker talks to.
type ModelConfig struct {
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// --- Memory ---

// MemoryEntry is one item of working or episodic memory.
type MemoryEntry struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Timestamp int64             `json:"timestamp"` // Unix milliseconds
	SessionID string            `json:"session_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// --- Workers ---

// Worker lifecycle states.
const (
	WorkerRunning    = "running"
	WorkerCompleted  = "completed"
	WorkerError      = "error"
	WorkerTerminated = "terminated"
)

// WorkerRecord is the full lifecycle record of a subagent.
type WorkerRecord struct {
	WorkerID      string   `json:"worker_id"`
	Type          string   `json:"type"`
	Task          string   `json:"task"`
	Permissions   []string `json:"permissions"` // allowed tool names; ["*"] = all
	Status        string   `json:"status"`
	StartTime     int64    `json:"start_time"` // Unix milliseconds
	CompletedTime int64    `json:"completed_time,omitempty"`
	Logs          []string `json:"logs,omitempty"`
	Result        string   `json:"result,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// --- Arena ---

// Arena competitor outcomes.
const (
	ArenaPass  = "PASS"
	ArenaFail  = "FAIL"
	ArenaError = "ERROR"
)

// ArenaResult is the scored outcome of one competitor in a competition.
type ArenaResult struct {
	CompetitorName string   `json:"competitor_name"`
	Status         string   `json:"status"` // PASS, FAIL, ERROR
	ExecutionMs    int64    `json:"execution_ms"`
	TokenCount     int      `json:"token_count,omitempty"`
	Solution       string   `json:"solution,omitempty"`
	Errors         []string `json:"errors,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// --- ChatMessage constructors ---

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
