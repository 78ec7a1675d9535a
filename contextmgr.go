package reploid

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Limits is the per-model context budget triple, in tokens, with
// Compact <= Warning <= Hard.
type Limits struct {
	Compact int `json:"compact" toml:"compact"`
	Warning int `json:"warning" toml:"warning"`
	Hard    int `json:"hard" toml:"hard"`
}

// merged returns l with zero fields filled from def.
func (l Limits) merged(def Limits) Limits {
	if l.Compact == 0 {
		l.Compact = def.Compact
	}
	if l.Warning == 0 {
		l.Warning = def.Warning
	}
	if l.Hard == 0 {
		l.Hard = def.Hard
	}
	return l
}

// ModelLimitRule binds a case-insensitive model-id prefix to limits.
// Rules are checked in order; the first matching prefix wins.
type ModelLimitRule struct {
	Prefix string
	Limits Limits
}

// defaultLimits applies to models matching no rule.
var defaultLimits = Limits{Compact: 6000, Warning: 7000, Hard: 8000}

// defaultModelLimits enumerates the stock model table. The table is
// configuration: internal/config may replace or extend it.
var defaultModelLimits = []ModelLimitRule{
	{Prefix: "gemini-", Limits: Limits{Compact: 800000, Warning: 900000, Hard: 1000000}},
	{Prefix: "claude-", Limits: Limits{Compact: 150000, Warning: 170000, Hard: 190000}},
	{Prefix: "gpt-4o", Limits: Limits{Compact: 100000, Warning: 115000, Hard: 128000}},
	{Prefix: "gpt-4-turbo", Limits: Limits{Compact: 100000, Warning: 115000, Hard: 128000}},
	{Prefix: "gpt-4", Limits: Limits{Compact: 6000, Warning: 7000, Hard: 8000}},
	{Prefix: "gpt-3.5", Limits: Limits{Compact: 12000, Warning: 14000, Hard: 16000}},
	{Prefix: "o1", Limits: Limits{Compact: 150000, Warning: 180000, Hard: 200000}},
	{Prefix: "o3", Limits: Limits{Compact: 150000, Warning: 180000, Hard: 200000}},
	{Prefix: "o4", Limits: Limits{Compact: 150000, Warning: 180000, Hard: 200000}},
	{Prefix: "llama", Limits: Limits{Compact: 90000, Warning: 110000, Hard: 128000}},
	{Prefix: "phi", Limits: Limits{Compact: 90000, Warning: 110000, Hard: 128000}},
	{Prefix: "qwen", Limits: Limits{Compact: 24000, Warning: 28000, Hard: 32000}},
	{Prefix: "smollm", Limits: Limits{Compact: 6000, Warning: 7000, Hard: 8000}},
}

// messageOverheadTokens is the fixed per-message token cost added on top
// of the content estimate.
const messageOverheadTokens = 4

// Counts of messages preserved verbatim around the compacted middle.
const (
	compactKeepHead     = 2 // system + initial user
	compactKeepTailStd  = 8
	compactKeepTailAggr = 4
)

// ManageResult is the outcome of ContextManager.Manage.
type ManageResult struct {
	Context   []ChatMessage
	Compacted bool
	Halted    bool
	Err       error
}

type tokenCache struct {
	count      int
	contextLen int
	lastMsgLen int
}

// ContextManager estimates token usage, resolves model-specific limits,
// and compacts conversations that outgrow their budget.
type ContextManager struct {
	mu        sync.Mutex
	rules     []ModelLimitRule
	defaults  Limits
	overrides *Limits
	cache     *tokenCache
	bus       *EventBus
	logger    *slog.Logger
}

// ContextOption configures a ContextManager.
type ContextOption func(*ContextManager)

// WithModelLimits replaces the stock model table.
func WithModelLimits(rules []ModelLimitRule) ContextOption {
	return func(c *ContextManager) { c.rules = rules }
}

// WithDefaultLimits replaces the fallback limits.
func WithDefaultLimits(l Limits) ContextOption {
	return func(c *ContextManager) { c.defaults = l }
}

// WithContextEvents attaches an event bus.
func WithContextEvents(bus *EventBus) ContextOption {
	return func(c *ContextManager) { c.bus = bus }
}

// WithContextLogger sets a structured logger.
func WithContextLogger(l *slog.Logger) ContextOption {
	return func(c *ContextManager) { c.logger = l }
}

// NewContextManager creates a manager with the stock model table.
func NewContextManager(opts ...ContextOption) *ContextManager {
	c := &ContextManager{
		rules:    defaultModelLimits,
		defaults: defaultLimits,
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetRuntimeOverrides installs limits that take precedence over the model
// table until cleared with nil. Partial overrides merge over the defaults.
func (c *ContextManager) SetRuntimeOverrides(l *Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides = l
}

// GetLimitsForModel resolves the limits for a model id: runtime overrides
// win; otherwise the first rule whose prefix case-insensitively matches;
// otherwise the defaults. Prefix matches and overrides merge over the
// defaults so partial rules stay safe.
func (c *ContextManager) GetLimitsForModel(modelID string) Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.overrides != nil {
		return c.overrides.merged(c.defaults)
	}
	lower := strings.ToLower(modelID)
	for _, r := range c.rules {
		if strings.HasPrefix(lower, strings.ToLower(r.Prefix)) {
			return r.Limits.merged(c.defaults)
		}
	}
	return c.defaults
}

// EstimateTokens estimates the token count of text with a word-bucket
// heuristic: short words cost ~1 token, longer words scale with length,
// and punctuation adds half a token per character. The final total is
// rounded up.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var total float64
	for _, w := range strings.Fields(text) {
		n := len(w)
		switch {
		case n <= 4:
			total += 1
		case n <= 8:
			total += 1.3
		case n <= 12:
			total += 1.7
		default:
			total += math.Ceil(float64(n) / 4)
		}
	}
	total += 0.5 * float64(countPunctuation(text))
	return int(math.Ceil(total))
}

func countPunctuation(s string) int {
	n := 0
	for _, r := range s {
		switch r {
		case '.', ',', ';', ':', '!', '?', '(', ')', '[', ']', '{', '}', '"', '\'', '`', '<', '>', '=', '+', '-', '*', '/', '\\', '|', '&', '#', '@', '%', '^', '~':
			n++
		}
	}
	return n
}

// CountTokens returns the estimated token count of a conversation:
// a fixed per-message overhead plus the content estimate. The result is
// cached keyed on (len(messages), len(last content)); any append to the
// conversation changes the key and forces a recount.
func (c *ContextManager) CountTokens(messages []ChatMessage) int {
	lastLen := 0
	if len(messages) > 0 {
		lastLen = len(messages[len(messages)-1].Content)
	}
	c.mu.Lock()
	if c.cache != nil && c.cache.contextLen == len(messages) && c.cache.lastMsgLen == lastLen {
		count := c.cache.count
		c.mu.Unlock()
		return count
	}
	c.mu.Unlock()

	count := 0
	for _, m := range messages {
		count += messageOverheadTokens + EstimateTokens(m.Content)
	}

	c.mu.Lock()
	c.cache = &tokenCache{count: count, contextLen: len(messages), lastMsgLen: lastLen}
	c.mu.Unlock()
	return count
}

// InvalidateCache drops the token cache. CountTokens after invalidation
// performs a full recount.
func (c *ContextManager) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = nil
}

// ShouldCompact reports whether the conversation is over the compact
// threshold for the model.
func (c *ContextManager) ShouldCompact(messages []ChatMessage, modelID string) bool {
	return c.CountTokens(messages) > c.GetLimitsForModel(modelID).Compact
}

// IsAtWarningLevel reports whether the conversation is at or over the
// warning threshold.
func (c *ContextManager) IsAtWarningLevel(messages []ChatMessage, modelID string) bool {
	return c.CountTokens(messages) >= c.GetLimitsForModel(modelID).Warning
}

// ExceedsHardLimit reports whether the conversation is over the hard
// limit. The agent loop must halt before issuing an outbound request in
// this state.
func (c *ContextManager) ExceedsHardLimit(messages []ChatMessage, modelID string) bool {
	return c.CountTokens(messages) > c.GetLimitsForModel(modelID).Hard
}

// Manage enforces the token budget for one cycle: it emits the current
// count, warns near the limit, compacts over the compact threshold,
// escalates to aggressive compaction over the hard limit, and halts with
// ContextExceededError when even aggressive compaction cannot get under.
func (c *ContextManager) Manage(messages []ChatMessage, model ModelConfig) ManageResult {
	limits := c.GetLimitsForModel(model.Model)
	tokens := c.CountTokens(messages)
	c.publish(TopicAgentTokens, map[string]any{"tokens": tokens, "model": model.Model})

	if tokens >= limits.Warning {
		c.publish(TopicContextWarning, map[string]any{"tokens": tokens, "warning": limits.Warning})
	}

	compacted := false
	if tokens > limits.Compact {
		messages = c.compact(messages, compactModeStandard)
		c.InvalidateCache()
		tokens = c.CountTokens(messages)
		compacted = true
		c.publish(TopicContextCompacted, map[string]any{"mode": "standard", "tokens": tokens})
	}
	if tokens > limits.Hard {
		messages = c.compact(messages, compactModeAggressive)
		c.InvalidateCache()
		tokens = c.CountTokens(messages)
		c.publish(TopicContextCompacted, map[string]any{"mode": "aggressive", "tokens": tokens})
	}
	if tokens > limits.Hard {
		err := &ContextExceededError{Tokens: tokens, HardLimit: limits.Hard}
		c.publish(TopicContextHalted, map[string]any{"tokens": tokens, "hard": limits.Hard})
		return ManageResult{Context: messages, Compacted: compacted, Halted: true, Err: err}
	}
	return ManageResult{Context: messages, Compacted: compacted}
}

func (c *ContextManager) publish(topic string, payload map[string]any) {
	if c.bus != nil {
		c.bus.Publish(topic, payload)
	}
}

// --- compaction ---

type compactMode int

const (
	compactModeStandard compactMode = iota
	compactModeAggressive
)

func (m compactMode) label() string {
	if m == compactModeAggressive {
		return "AGGRESSIVE"
	}
	return "STANDARD"
}

// Per-mode extraction tuning: how many recent items each category keeps
// and how long each kept item may be.
func (m compactMode) keepPerCategory() int {
	if m == compactModeAggressive {
		return 3
	}
	return 5
}

func (m compactMode) itemCharCap() int {
	if m == compactModeAggressive {
		return 100
	}
	return 200
}

// Extraction patterns over the discarded middle. Regex-grade by design:
// the transcript formats are substrate-controlled, so the catalog stays
// small and predictable.
var (
	reToolCall   = regexp.MustCompile(`TOOL_CALL:\s*(\w+)`)
	reToolResult = regexp.MustCompile(`Act #(\d+) → (\w+)\s+(.{0,200})`)
	reMemoryOp   = regexp.MustCompile(`\b(WriteFile|CreateTool|LoadModule)\b.{0,160}`)
	reErrorLine  = regexp.MustCompile(`(?m)^.*(ERROR|failed|Error:).*$`)
	reDecision   = regexp.MustCompile(`Think #(\d+)\n(.{0,200})`)
)

// extractionCategory orders the compaction synthesis.
type extractionCategory struct {
	label string
	re    *regexp.Regexp
}

var extractionCategories = []extractionCategory{
	{"Tool calls", reToolCall},
	{"Tool results", reToolResult},
	{"Memory operations", reMemoryOp},
	{"Errors", reErrorLine},
	{"Key decisions", reDecision},
}

// compact keeps the conversation head and tail and replaces the middle
// with a single synthetic user message summarizing extracted critical
// information. Compaction is deterministic; on any degenerate input it
// returns the original slice unchanged.
func (c *ContextManager) compact(messages []ChatMessage, mode compactMode) []ChatMessage {
	keepTail := compactKeepTailStd
	if mode == compactModeAggressive {
		keepTail = compactKeepTailAggr
	}
	if len(messages) <= compactKeepHead+keepTail+1 {
		return messages
	}

	head := messages[:compactKeepHead]
	tail := messages[len(messages)-keepTail:]
	middle := messages[compactKeepHead : len(messages)-keepTail]

	summary := synthesizeCompaction(middle, mode)

	out := make([]ChatMessage, 0, compactKeepHead+1+keepTail)
	out = append(out, head...)
	out = append(out, UserMessage(summary))
	out = append(out, tail...)

	c.logger.Info("context compacted",
		"mode", mode.label(),
		"before_messages", len(messages),
		"after_messages", len(out))
	return out
}

// synthesizeCompaction extracts critical information from the discarded
// middle, grouped by category with the most recent items kept per
// category.
func synthesizeCompaction(middle []ChatMessage, mode compactMode) string {
	var corpus strings.Builder
	for _, m := range middle {
		corpus.WriteString(m.Content)
		corpus.WriteString("\n")
	}
	text := corpus.String()

	var b strings.Builder
	fmt.Fprintf(&b, "[CONTEXT COMPACTED - %s]\n", mode.label())
	fmt.Fprintf(&b, "%d messages summarized. Extracted critical information:\n", len(middle))

	keep := mode.keepPerCategory()
	charCap := mode.itemCharCap()
	for _, cat := range extractionCategories {
		matches := cat.re.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		matches = dedupeRecent(matches, keep)
		fmt.Fprintf(&b, "\n%s:\n", cat.label)
		for _, m := range matches {
			m = strings.TrimSpace(m)
			if len(m) > charCap {
				m = m[:charCap] + "…"
			}
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}
	return b.String()
}

// dedupeRecent removes duplicates preserving order, then keeps the n most
// recent entries.
func dedupeRecent(items []string, n int) []string {
	seen := make(map[string]bool, len(items))
	var uniq []string
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			uniq = append(uniq, it)
		}
	}
	if len(uniq) > n {
		uniq = uniq[len(uniq)-n:]
	}
	return uniq
}

// SortRulesByPrefixLen orders rules longest-prefix-first. Used by
// internal/config when assembling a custom table so that overlapping
// prefixes resolve deterministically.
func SortRulesByPrefixLen(rules []ModelLimitRule) []ModelLimitRule {
	out := make([]ModelLimitRule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].Prefix) > len(out[j].Prefix) })
	return out
}
