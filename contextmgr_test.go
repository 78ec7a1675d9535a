package reploid

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEstimateTokensBuckets(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"hi", 1},              // one short word
		{"hi ho", 2},           // two short words
		{"medium", 2},          // 6 chars -> 1.3, ceil to 2
		{"considering", 2},     // 11 chars -> 1.7, ceil to 2
		{"extraordinarily", 4}, // 15 chars -> ceil(15/4) = 4
		{"a.b", 2},             // 1 word (3 chars -> 1) + 1 punct × 0.5, ceil to 2
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestGetLimitsForModel(t *testing.T) {
	c := NewContextManager()

	claude := c.GetLimitsForModel("claude-3-opus")
	if claude != (Limits{Compact: 150000, Warning: 170000, Hard: 190000}) {
		t.Errorf("claude limits = %+v", claude)
	}
	// Case-insensitive prefix match.
	if c.GetLimitsForModel("Claude-3-Haiku") != claude {
		t.Errorf("prefix match should be case-insensitive")
	}
	// Unknown model falls back to defaults.
	if c.GetLimitsForModel("mystery-model") != defaultLimits {
		t.Errorf("unknown model should resolve defaults")
	}
	// gpt-4o wins over gpt-4 for its prefix.
	if c.GetLimitsForModel("gpt-4o-mini").Hard != 128000 {
		t.Errorf("gpt-4o rule not matched first")
	}
}

func TestRuntimeOverridesWin(t *testing.T) {
	c := NewContextManager()
	c.SetRuntimeOverrides(&Limits{Compact: 10, Warning: 20, Hard: 30})
	if got := c.GetLimitsForModel("claude-3-opus"); got != (Limits{Compact: 10, Warning: 20, Hard: 30}) {
		t.Errorf("overrides ignored: %+v", got)
	}
	// Partial overrides merge over defaults.
	c.SetRuntimeOverrides(&Limits{Hard: 99})
	got := c.GetLimitsForModel("claude-3-opus")
	if got.Hard != 99 || got.Compact != defaultLimits.Compact {
		t.Errorf("partial override merge = %+v", got)
	}
	c.SetRuntimeOverrides(nil)
	if c.GetLimitsForModel("claude-3-opus").Hard != 190000 {
		t.Errorf("clearing overrides did not restore the table")
	}
}

// A recount after invalidation equals the cached count.
func TestCountTokensCacheCoherence(t *testing.T) {
	c := NewContextManager()
	msgs := []ChatMessage{
		SystemMessage("system prompt"),
		UserMessage("do the thing"),
		AssistantMessage("working on it"),
	}
	first := c.CountTokens(msgs)
	cached := c.CountTokens(msgs)
	if first != cached {
		t.Errorf("cached = %d, first = %d", cached, first)
	}
	c.InvalidateCache()
	if recount := c.CountTokens(msgs); recount != first {
		t.Errorf("recount = %d, want %d", recount, first)
	}

	// Appending a message changes the cache key and forces a recount.
	grown := append(msgs, UserMessage("one more instruction here"))
	if c.CountTokens(grown) <= first {
		t.Errorf("count did not grow with the conversation")
	}
}

func TestCountTokensBoundaries(t *testing.T) {
	c := NewContextManager()
	if got := c.CountTokens(nil); got != 0 {
		t.Errorf("empty conversation = %d tokens", got)
	}
	single := []ChatMessage{UserMessage("hello")}
	want := messageOverheadTokens + EstimateTokens("hello")
	if got := c.CountTokens(single); got != want {
		t.Errorf("single message = %d, want %d", got, want)
	}
}

// buildConversation produces a transcript-shaped conversation large
// enough to cross the given compact threshold.
func buildConversation(n, msgChars int) []ChatMessage {
	msgs := []ChatMessage{
		SystemMessage("You are an agent."),
		UserMessage("Initial goal: refactor the tooling."),
	}
	filler := strings.Repeat("word ", msgChars/5)
	for i := 0; i < n; i++ {
		msgs = append(msgs, AssistantMessage(fmt.Sprintf("Think #%d\nconsider the next step\nTOOL_CALL: ReadFile\n%s", i, filler)))
		msgs = append(msgs, UserMessage(fmt.Sprintf("Act #%d → ReadFile content chunk\n%s", i, filler)))
	}
	return msgs
}

func TestManageStandardCompaction(t *testing.T) {
	bus := NewEventBus()
	var compactedEvents []Event
	bus.Subscribe(TopicContextCompacted, func(ev Event) { compactedEvents = append(compactedEvents, ev) })

	c := NewContextManager(WithContextEvents(bus))
	c.SetRuntimeOverrides(&Limits{Compact: 2000, Warning: 100000, Hard: 200000})

	msgs := buildConversation(60, 400)
	before := c.CountTokens(msgs)
	res := c.Manage(msgs, ModelConfig{Model: "claude-3-opus"})
	if res.Halted {
		t.Fatalf("unexpected halt: %v", res.Err)
	}
	if !res.Compacted {
		t.Fatalf("compaction did not fire")
	}
	after := c.CountTokens(res.Context)
	if after >= before {
		t.Errorf("tokens after = %d, before = %d; compaction must shrink", after, before)
	}

	// First two and last eight messages preserved verbatim.
	if res.Context[0].Content != msgs[0].Content || res.Context[1].Content != msgs[1].Content {
		t.Errorf("head not preserved")
	}
	for i := range 8 {
		got := res.Context[len(res.Context)-8+i].Content
		want := msgs[len(msgs)-8+i].Content
		if got != want {
			t.Errorf("tail message %d not preserved", i)
		}
	}

	synthetic := res.Context[2].Content
	if !strings.Contains(synthetic, "[CONTEXT COMPACTED - STANDARD]") {
		t.Errorf("synthetic message missing marker: %q", synthetic[:80])
	}
	for _, want := range []string{"Tool calls", "Tool results", "Key decisions"} {
		if !strings.Contains(synthetic, want) {
			t.Errorf("extraction missing category %q", want)
		}
	}
	if len(compactedEvents) == 0 {
		t.Errorf("no context:compacted event")
	}
}

func TestManageAggressiveThenHalt(t *testing.T) {
	bus := NewEventBus()
	halted := false
	bus.Subscribe(TopicContextHalted, func(Event) { halted = true })

	c := NewContextManager(WithContextEvents(bus))
	// Hard limit so low that even the kept head+tail exceeds it.
	c.SetRuntimeOverrides(&Limits{Compact: 50, Warning: 60, Hard: 80})

	msgs := buildConversation(40, 400)
	res := c.Manage(msgs, ModelConfig{Model: "claude-3-opus"})
	if !res.Halted {
		t.Fatalf("expected halt")
	}
	var ce *ContextExceededError
	if !errors.As(res.Err, &ce) {
		t.Fatalf("err = %v, want ContextExceededError", res.Err)
	}
	if !strings.Contains(strings.ToLower(ce.Error()), "exceeds hard limit") {
		t.Errorf("error text = %q", ce.Error())
	}
	if !halted {
		t.Errorf("no context:halted event")
	}
}

func TestManageAggressiveKeepsFourTail(t *testing.T) {
	c := NewContextManager()
	// Compact fires and standard output still exceeds hard, forcing the
	// aggressive pass; hard is high enough for the aggressive result.
	c.SetRuntimeOverrides(&Limits{Compact: 500, Warning: 600, Hard: 1000})

	msgs := buildConversation(40, 400)
	res := c.Manage(msgs, ModelConfig{Model: "claude-3-opus"})
	if res.Halted {
		t.Fatalf("unexpected halt: %v", res.Err)
	}
	// Aggressive shape: head(2) + synthetic + tail(4).
	if len(res.Context) != compactKeepHead+1+compactKeepTailAggr {
		t.Fatalf("len = %d, want %d", len(res.Context), compactKeepHead+1+compactKeepTailAggr)
	}
	if !strings.Contains(res.Context[2].Content, "[CONTEXT COMPACTED - AGGRESSIVE]") {
		t.Errorf("aggressive marker missing")
	}
}

func TestManageNoCompactionUnderThreshold(t *testing.T) {
	c := NewContextManager()
	msgs := []ChatMessage{SystemMessage("s"), UserMessage("u")}
	res := c.Manage(msgs, ModelConfig{Model: "claude-3-opus"})
	if res.Compacted || res.Halted {
		t.Errorf("tiny conversation should pass through: %+v", res)
	}
	if len(res.Context) != 2 {
		t.Errorf("conversation mutated")
	}
}

func TestCompactTooShortPassesThrough(t *testing.T) {
	c := NewContextManager()
	msgs := buildConversation(3, 40) // 8 messages: under head+tail+1
	out := c.compact(msgs, compactModeStandard)
	if len(out) != len(msgs) {
		t.Errorf("short conversation was compacted")
	}
}

func TestShouldCompactThresholds(t *testing.T) {
	c := NewContextManager()
	c.SetRuntimeOverrides(&Limits{Compact: 100, Warning: 200, Hard: 300})
	small := []ChatMessage{UserMessage("hi")}
	if c.ShouldCompact(small, "m") || c.IsAtWarningLevel(small, "m") || c.ExceedsHardLimit(small, "m") {
		t.Errorf("small conversation tripped thresholds")
	}
	big := buildConversation(20, 200)
	if !c.ShouldCompact(big, "m") {
		t.Errorf("big conversation should compact")
	}
}
