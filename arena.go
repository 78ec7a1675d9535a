package reploid

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clocksmith/reploid/verify"
)

// defaultProposalTimeout caps one competitor's proposal generation.
const defaultProposalTimeout = 60 * time.Second

// Competitor produces one candidate solution for an arena task.
// Generate typically wraps an LLM call with a competitor-specific model
// or prompt.
type Competitor struct {
	Name     string
	Generate func(ctx context.Context) (solution string, tokenCount int, err error)
}

// ParseChangesFunc turns a competitor's free-form solution into a VFS
// change set. The grammar is caller-supplied; the arena only requires
// that the result be applicable.
type ParseChangesFunc func(solution string) (map[string][]byte, error)

// CompetitionSpec describes one arena run.
type CompetitionSpec struct {
	Task         string
	Context      string
	Competitors  []Competitor
	ParseChanges ParseChangesFunc
	// ProposalTimeout caps each competitor's generation individually;
	// a timeout fails only that competitor.
	ProposalTimeout time.Duration
}

// CompetitionResult is the ranked outcome of a run.
type CompetitionResult struct {
	Winner   string        `json:"winner,omitempty"`
	Solution string        `json:"solution,omitempty"`
	Rankings []ArenaResult `json:"rankings"`
}

// SoloVerdict is the outcome of the solo verification path used for
// substrate gating.
type SoloVerdict struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

// Arena runs competitive test-driven selection over proposed mutations.
// Every apply happens between a snapshot and a restore, so a competition
// never leaves a trace in the VFS regardless of outcome.
type Arena struct {
	vfs      *VFS
	verifier *verify.Service
	bus      *EventBus
	audit    AuditLogger
	logger   *slog.Logger
	tracer   Tracer
}

// ArenaOption configures an Arena.
type ArenaOption func(*Arena)

// WithArenaEvents attaches an event bus.
func WithArenaEvents(bus *EventBus) ArenaOption {
	return func(a *Arena) { a.bus = bus }
}

// WithArenaAudit attaches an audit logger; each competition is recorded.
func WithArenaAudit(audit AuditLogger) ArenaOption {
	return func(a *Arena) { a.audit = audit }
}

// WithArenaLogger sets a structured logger.
func WithArenaLogger(l *slog.Logger) ArenaOption {
	return func(a *Arena) { a.logger = l }
}

// WithArenaTracer attaches a tracer.
func WithArenaTracer(t Tracer) ArenaOption {
	return func(a *Arena) { a.tracer = t }
}

// NewArena creates an arena over the given VFS and verifier.
func NewArena(vfs *VFS, verifier *verify.Service, opts ...ArenaOption) *Arena {
	a := &Arena{vfs: vfs, verifier: verifier, logger: nopLogger}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RunCompetition snapshots the VFS, generates all proposals in parallel,
// verifies each sequentially under the shared snapshot, restores the
// original state, and returns the ranked results. PASS ranks before FAIL
// before ERROR; among passes the fastest verification wins.
func (a *Arena) RunCompetition(ctx context.Context, spec CompetitionSpec) (CompetitionResult, error) {
	if len(spec.Competitors) == 0 {
		return CompetitionResult{}, &ValidationError{Field: "competitors", Message: "no competitors"}
	}
	if spec.ParseChanges == nil {
		return CompetitionResult{}, &ValidationError{Field: "parseChanges", Message: "required"}
	}
	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "arena.competition",
			IntAttr("competitors", len(spec.Competitors)))
		defer span.End()
	}
	a.publish(TopicArenaStart, map[string]any{"task": spec.Task, "competitors": len(spec.Competitors)})

	snap := a.vfs.CreateSnapshot()
	// The deferred restore is the isolation backstop: whatever happens below,
	// the VFS leaves this function byte-equal to its entry state.
	defer func() {
		a.vfs.RestoreSnapshot(snap)
	}()

	proposals := a.generateProposals(ctx, spec)

	results := make([]ArenaResult, len(proposals))
	for i, p := range proposals {
		results[i] = ArenaResult{CompetitorName: p.name, TokenCount: p.tokens}
		if p.err != nil {
			results[i].Status = ArenaError
			results[i].Errors = []string{p.err.Error()}
			continue
		}
		a.publish(TopicArenaVerifying, map[string]any{"competitor": p.name})

		a.vfs.RestoreSnapshot(snap)
		changes, err := spec.ParseChanges(p.solution)
		if err != nil {
			results[i].Status = ArenaError
			results[i].Errors = []string{fmt.Sprintf("parse changes: %v", err)}
			continue
		}
		start := time.Now()
		if err := a.vfs.ApplyChanges(changes); err != nil {
			results[i].Status = ArenaError
			results[i].Errors = []string{fmt.Sprintf("apply changes: %v", err)}
			continue
		}
		resp := a.verifier.VerifyProposal(ctx, changes, verify.Options{QuickMode: true})
		results[i].ExecutionMs = time.Since(start).Milliseconds()
		results[i].Warnings = resp.Warnings
		if resp.Passed {
			results[i].Status = ArenaPass
			results[i].Solution = p.solution
		} else {
			results[i].Status = ArenaFail
			results[i].Errors = resp.Errors
		}
	}

	ranked := rankResults(results)
	out := CompetitionResult{Rankings: ranked}
	if len(ranked) > 0 && ranked[0].Status == ArenaPass {
		out.Winner = ranked[0].CompetitorName
		out.Solution = ranked[0].Solution
	}
	a.publish(TopicArenaComplete, map[string]any{"winner": out.Winner})
	auditInfo(ctx, a.audit, AuditArenaCompetition, map[string]any{
		"task": spec.Task, "winner": out.Winner, "competitors": len(spec.Competitors),
	})
	return out, nil
}

type proposal struct {
	name     string
	solution string
	tokens   int
	err      error
}

// generateProposals runs all competitors concurrently, each under its
// own timeout. A failed or timed-out competitor yields an error proposal
// and never blocks its peers.
func (a *Arena) generateProposals(ctx context.Context, spec CompetitionSpec) []proposal {
	timeout := spec.ProposalTimeout
	if timeout <= 0 {
		timeout = defaultProposalTimeout
	}
	a.publish(TopicArenaProposalsStart, map[string]any{"count": len(spec.Competitors)})

	proposals := make([]proposal, len(spec.Competitors))
	var wg sync.WaitGroup
	for i, c := range spec.Competitors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					proposals[i] = proposal{name: c.Name, err: fmt.Errorf("competitor panic: %v", p)}
				}
			}()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			solution, tokens, err := c.Generate(cctx)
			proposals[i] = proposal{name: c.Name, solution: solution, tokens: tokens, err: err}
		}()
	}
	wg.Wait()
	return proposals
}

// rankResults orders PASS before FAIL before ERROR; within PASS, faster
// verification wins. The sort is stable so equal entries keep submission
// order.
func rankResults(results []ArenaResult) []ArenaResult {
	out := make([]ArenaResult, len(results))
	copy(out, results)
	rank := func(status string) int {
		switch status {
		case ArenaPass:
			return 0
		case ArenaFail:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i].Status), rank(out[j].Status)
		if ri != rj {
			return ri < rj
		}
		if out[i].Status == ArenaPass {
			return out[i].ExecutionMs < out[j].ExecutionMs
		}
		return false
	})
	return out
}

// VerifySolution is the solo path used by substrate gating: snapshot,
// apply, verify, restore. The caller applies the changes itself
// afterwards when the verdict passes.
func (a *Arena) VerifySolution(ctx context.Context, changes map[string][]byte) SoloVerdict {
	snap := a.vfs.CreateSnapshot()
	defer a.vfs.RestoreSnapshot(snap)

	if err := a.vfs.ApplyChanges(changes); err != nil {
		return SoloVerdict{Errors: []string{err.Error()}}
	}
	resp := a.verifier.VerifyProposal(ctx, changes, verify.Options{})
	return SoloVerdict{Passed: resp.Passed, Errors: resp.Errors, Warnings: resp.Warnings}
}

func (a *Arena) publish(topic string, payload map[string]any) {
	if a.bus != nil {
		a.bus.Publish(topic, payload)
	}
}
