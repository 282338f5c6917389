package assembly

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mnemos-io/mnemos/internal/capsule"
	"github.com/mnemos-io/mnemos/internal/decision"
	"github.com/mnemos-io/mnemos/internal/event"
	"github.com/mnemos-io/mnemos/internal/memerr"
	"github.com/mnemos-io/mnemos/internal/memory"
	mnemosotel "github.com/mnemos-io/mnemos/internal/otel"
)

var tracer = mnemosotel.Tracer("github.com/mnemos-io/mnemos/internal/assembly")

// errBudgetExceeded is internal to the packer; Assemble converts it into
// truncation and never lets it escape.
var errBudgetExceeded = errors.New("assembly: segment budget exceeded")

const (
	evidenceCandidateLimit = 100
	recentWindowLimit      = 50
)

// Engine assembles ACBs from the engine's stores.
type Engine struct {
	rules     *RulesStore
	view      *memory.View
	decisions *decision.Ledger
	events    *event.Store
	capsules  *capsule.Store
	tok       Tokenizer
}

// NewEngine wires the assembly engine. The default tokenizer approximates
// one token per four characters.
func NewEngine(rules *RulesStore, view *memory.View, decisions *decision.Ledger,
	events *event.Store, capsules *capsule.Store) *Engine {
	return &Engine{
		rules:     rules,
		view:      view,
		decisions: decisions,
		events:    events,
		capsules:  capsules,
		tok:       charTokenizer{},
	}
}

// SetTokenizer replaces the token estimator.
func (e *Engine) SetTokenizer(t Tokenizer) {
	if t != nil {
		e.tok = t
	}
}

// Assemble builds a token-budgeted ACB for one request. The summed token
// estimate never exceeds the budget; per-segment allocations are strict
// caps with no redistribution of unused headroom. When the caller's
// deadline expires mid-assembly, lower-priority segments are dropped and
// the bundle is returned partial but internally consistent. Identity and
// rules are always completed.
func (e *Engine) Assemble(ctx context.Context, req Request) (*ACB, error) {
	ctx, span := tracer.Start(ctx, "assembly.assemble",
		trace.WithAttributes(
			attribute.String("tenant_id", req.TenantID),
			attribute.String("session_id", req.SessionID),
			attribute.String("agent_id", req.AgentID),
		))
	defer span.End()

	if req.TenantID == "" {
		return nil, memerr.Validationf("tenant_id", "required")
	}
	if req.SessionID == "" {
		return nil, memerr.Validationf("session_id", "required")
	}
	if !event.ValidChannel(req.Channel) {
		return nil, memerr.Validationf("channel", "unknown channel %q", req.Channel)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	acb := &ACB{
		SessionID:    req.SessionID,
		AgentID:      req.AgentID,
		Channel:      req.Channel,
		Intent:       req.Intent,
		BudgetTokens: maxTokens,
		AssembledAt:  time.Now().UTC(),
	}

	for _, name := range segmentOrder {
		alloc := scaledAllocation(name, maxTokens)
		section := Section{Name: name, Budget: alloc}

		if name == SegReserve {
			// Reserve is headroom, never filled with content.
			acb.Sections = append(acb.Sections, section)
			continue
		}

		critical := name == SegIdentity || name == SegRules
		if !critical && ctx.Err() != nil {
			acb.Partial = true
			acb.DroppedSegments = append(acb.DroppedSegments, name)
			acb.Sections = append(acb.Sections, section)
			continue
		}

		candidates, err := e.fetchSegment(ctx, name, req)
		if err != nil {
			if critical {
				return nil, err
			}
			log.Warn().Err(err).
				Str("tenant_id", req.TenantID).
				Str("segment", name).
				Func(mnemosotel.LogTraceFields(ctx)).
				Msg("acb_segment_dropped")
			acb.Partial = true
			acb.DroppedSegments = append(acb.DroppedSegments, name)
			acb.Sections = append(acb.Sections, section)
			continue
		}

		packSegment(&section, candidates, alloc)
		acb.Sections = append(acb.Sections, section)
		acb.TokenUsedEst += section.TokenCount
	}

	e.enforceGlobalBudget(ctx, acb, maxTokens)

	assembliesTotal.Add(ctx, 1)
	span.SetAttributes(
		attribute.Int("acb.token_used_est", acb.TokenUsedEst),
		attribute.Bool("acb.partial", acb.Partial),
	)
	return acb, nil
}

// scaledAllocation returns the segment cap for maxTokens: the default split
// scaled proportionally, deterministic via integer floor.
func scaledAllocation(name string, maxTokens int) int {
	return defaultAllocations[name] * maxTokens / DefaultMaxTokens
}

// packSegment fills a section greedily from candidates (already in priority
// order), skipping anything that would overflow the allocation. The lowest
// priority content is what gets truncated.
func packSegment(section *Section, candidates []Item, alloc int) {
	for _, it := range candidates {
		if section.TokenCount+it.Tokens > alloc {
			continue
		}
		section.Items = append(section.Items, it)
		section.TokenCount += it.Tokens
		section.ChunkCount++
	}
}

// enforceGlobalBudget is a backstop for the invariant that the bundle total
// never exceeds max_tokens. Per-segment caps already sum to at most the
// budget, so a trim here indicates a bug; it is repaired by truncating from
// the lowest-priority sections backwards rather than failing the request.
func (e *Engine) enforceGlobalBudget(ctx context.Context, acb *ACB, maxTokens int) {
	if acb.TokenUsedEst <= maxTokens {
		return
	}
	budgetOverruns.Add(ctx, 1)
	log.Error().
		Int("token_used_est", acb.TokenUsedEst).
		Int("budget_tokens", maxTokens).
		Msg("acb_budget_overrun_trimmed")

	for i := len(acb.Sections) - 1; i >= 0 && acb.TokenUsedEst > maxTokens; i-- {
		sec := &acb.Sections[i]
		for len(sec.Items) > 0 && acb.TokenUsedEst > maxTokens {
			last := sec.Items[len(sec.Items)-1]
			sec.Items = sec.Items[:len(sec.Items)-1]
			sec.TokenCount -= last.Tokens
			sec.ChunkCount--
			acb.TokenUsedEst -= last.Tokens
		}
	}
}

// fetchSegment returns the candidate items for one segment in priority
// order (best first).
func (e *Engine) fetchSegment(ctx context.Context, name string, req Request) ([]Item, error) {
	switch name {
	case SegIdentity:
		return e.fetchRules(ctx, req, RuleKindIdentity)
	case SegRules:
		return e.fetchRules(ctx, req, RuleKindRule)
	case SegTaskState:
		return e.fetchRules(ctx, req, RuleKindTaskState)
	case SegDecisions:
		return e.fetchDecisions(ctx, req)
	case SegEvidence:
		return e.fetchEvidence(ctx, req)
	case SegRecent:
		return e.fetchRecent(ctx, req)
	case SegHandoff:
		return e.fetchHandoff(ctx, req)
	}
	return nil, errBudgetExceeded // unreachable; segment names are closed
}

func (e *Engine) fetchRules(ctx context.Context, req Request, kind string) ([]Item, error) {
	rules, err := e.rules.ByKind(ctx, req.TenantID, req.Channel, kind)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(rules))
	for _, r := range rules {
		items = append(items, Item{Ref: r.RuleID, Text: r.Text, Tokens: e.tok.EstimateTokens(r.Text)})
	}
	return items, nil
}

func (e *Engine) fetchDecisions(ctx context.Context, req Request) ([]Item, error) {
	// Active() already orders by precedence desc then ts desc; that is the
	// conflict-resolution order, so higher-precedence decisions win the
	// budget.
	decisions, err := e.decisions.Active(ctx, decision.ActiveParams{
		TenantID:  req.TenantID,
		ProjectID: req.ProjectID,
	})
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(decisions))
	for _, d := range decisions {
		text := d.Decision
		for _, c := range d.Constraints {
			text += "\nconstraint: " + c
		}
		items = append(items, Item{Ref: d.DecisionID, Text: text, Tokens: e.tok.EstimateTokens(text)})
	}
	return items, nil
}

func (e *Engine) fetchEvidence(ctx context.Context, req Request) ([]Item, error) {
	results, err := e.view.Search(ctx, memory.SearchParams{
		TenantID: req.TenantID,
		Query:    req.QueryText,
		Channel:  req.Channel,
		Limit:    evidenceCandidateLimit,
	})
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(results))
	for i := range results {
		r := &results[i]
		items = append(items, Item{Ref: r.ChunkID, Text: r.Text, Tokens: e.tok.EstimateTokens(r.Text)})
	}
	return items, nil
}

func (e *Engine) fetchRecent(ctx context.Context, req Request) ([]Item, error) {
	events, err := e.events.Recent(ctx, req.TenantID, req.SessionID, recentWindowLimit)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(events))
	for i := range events {
		// Recent() is ts desc, so truncation drops the oldest entries.
		text := memory.DeriveChunk(&events[i]).Text
		items = append(items, Item{Ref: events[i].EventID, Text: text, Tokens: e.tok.EstimateTokens(text)})
	}
	return items, nil
}

func (e *Engine) fetchHandoff(ctx context.Context, req Request) ([]Item, error) {
	capsules, err := e.capsules.Available(ctx, capsule.AvailableParams{
		TenantID:          req.TenantID,
		RequestingAgentID: req.AgentID,
		ProjectID:         req.ProjectID,
	})
	if err != nil {
		return nil, err
	}
	if len(capsules) == 0 {
		return nil, nil
	}

	// Most recent applicable capsule only.
	c := &capsules[0]
	var items []Item
	for i := range c.Items.Chunks {
		ch := &c.Items.Chunks[i]
		items = append(items, Item{
			Ref:    c.CapsuleID + "/" + ch.ChunkID,
			Text:   ch.Text,
			Tokens: e.tok.EstimateTokens(ch.Text),
		})
	}
	for i := range c.Items.Decisions {
		d := &c.Items.Decisions[i]
		items = append(items, Item{
			Ref:    c.CapsuleID + "/" + d.DecisionID,
			Text:   d.Decision,
			Tokens: e.tok.EstimateTokens(d.Decision),
		})
	}
	return items, nil
}
