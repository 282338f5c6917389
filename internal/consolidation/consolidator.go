package consolidation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mnemos-io/mnemos/internal/memerr"
	mnemosotel "github.com/mnemos-io/mnemos/internal/otel"
)

// Window limits per schedule type.
const (
	dailyLimit   = 100
	weeklyLimit  = 700
	monthlyLimit = 10000
)

// Decay parameters applied after the weekly run only: consolidated
// handoffs older than the cutoff with significance below the threshold
// lose a tenth of their strength per week.
const (
	decayAgeDays           = 30
	decaySignificanceBelow = 0.5
	decayFactor            = 0.9
)

// Consolidator runs one consolidation pass: select the unconsolidated
// window, reflect per tenant, mark the batch, and (weekly) decay.
type Consolidator struct {
	handoffs    *HandoffStore
	reflections *ReflectionStore
	jobs        *JobStore
	summarizer  Summarizer // nil means heuristic wording only
	now         func() time.Time
}

// NewConsolidator wires a consolidator. summarizer may be nil.
func NewConsolidator(handoffs *HandoffStore, reflections *ReflectionStore, jobs *JobStore, summarizer Summarizer) *Consolidator {
	return &Consolidator{
		handoffs:    handoffs,
		reflections: reflections,
		jobs:        jobs,
		summarizer:  summarizer,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the consolidator's clock for deterministic windows.
func (c *Consolidator) SetNow(now func() time.Time) {
	c.now = now
}

func windowFor(scheduleType string, now time.Time) (start, end time.Time, limit int, err error) {
	end = now
	switch scheduleType {
	case ScheduleDaily:
		return now.AddDate(0, 0, -1), end, dailyLimit, nil
	case ScheduleWeekly:
		return now.AddDate(0, 0, -7), end, weeklyLimit, nil
	case ScheduleMonthly:
		return now.AddDate(0, -1, 0), end, monthlyLimit, nil
	}
	return time.Time{}, time.Time{}, 0, memerr.Validationf("schedule_type", "unknown schedule type %q", scheduleType)
}

// Run executes one consolidation job for the schedule type. A failure in
// one tenant's extraction is logged and tallied but does not abort the
// others; the job is marked failed only when the batch-level bookkeeping
// itself fails.
func (c *Consolidator) Run(ctx context.Context, scheduleType string) (*Job, error) {
	ctx, span := tracer.Start(ctx, "consolidation.run",
		trace.WithAttributes(attribute.String("schedule_type", scheduleType)))
	defer span.End()

	now := c.now()
	start, end, limit, err := windowFor(scheduleType, now)
	if err != nil {
		return nil, err
	}

	job, err := c.jobs.Create(ctx, scheduleType)
	if err != nil {
		return nil, err
	}
	if err := c.jobs.MarkRunning(ctx, job.JobID); err != nil {
		return nil, err
	}

	batch, err := c.handoffs.Unconsolidated(ctx, start, end, limit)
	if err != nil {
		_ = c.jobs.Fail(ctx, job.JobID, err)
		return nil, fmt.Errorf("selecting consolidation window: %w", err)
	}

	byTenant := make(map[string][]Handoff)
	for _, h := range batch {
		byTenant[h.TenantID] = append(byTenant[h.TenantID], h)
	}
	tenants := make([]string, 0, len(byTenant))
	for t := range byTenant {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	var affected int64
	tenantErrors := 0
	for _, tenantID := range tenants {
		n, err := c.consolidateTenant(ctx, tenantID, scheduleType, start, end, byTenant[tenantID])
		if err != nil {
			tenantErrors++
			tenantFailures.Add(ctx, 1)
			log.Error().Err(err).
				Str("tenant_id", tenantID).
				Str("schedule_type", scheduleType).
				Func(mnemosotel.LogTraceFields(ctx)).
				Msg("consolidation_tenant_failed")
			continue
		}
		affected += n
	}

	if scheduleType == ScheduleWeekly {
		cutoff := now.AddDate(0, 0, -decayAgeDays)
		if _, err := c.handoffs.DecayStrength(ctx, cutoff, decaySignificanceBelow, decayFactor); err != nil {
			log.Warn().Err(err).Msg("memory_decay_failed")
		}
	}

	if err := c.jobs.Complete(ctx, job.JobID, len(batch), int(affected), tenantErrors); err != nil {
		_ = c.jobs.Fail(ctx, job.JobID, err)
		return nil, fmt.Errorf("completing consolidation job: %w", err)
	}

	runsTotal.Add(ctx, 1)
	span.SetAttributes(
		attribute.Int("consolidation.items_processed", len(batch)),
		attribute.Int64("consolidation.items_affected", affected),
		attribute.Int("consolidation.tenant_errors", tenantErrors),
	)
	log.Info().
		Str("job_id", job.JobID).
		Str("schedule_type", scheduleType).
		Int("items_processed", len(batch)).
		Int64("items_affected", affected).
		Int("tenant_errors", tenantErrors).
		Msg("consolidation_completed")

	return c.jobs.Get(ctx, job.JobID)
}

// consolidateTenant reflects one tenant's batch: salient questions,
// insights, themes, identity evolution, summary, semantic principles, then
// one batched update marking the handoffs. Returns the number of handoffs
// marked (zero when a concurrent run already claimed them).
func (c *Consolidator) consolidateTenant(ctx context.Context, tenantID, scheduleType string, start, end time.Time, batch []Handoff) (int64, error) {
	questions := salientQuestions(batch)
	insights := deriveInsights(batch, questions)
	themes := extractThemes(batch)
	identity := identityEvolution(batch)

	summary := heuristicSummary(batch, themes)
	if c.summarizer != nil {
		if worded, err := c.summarizer.Summarize(ctx, batch, questions); err == nil && worded != "" {
			summary = worded
		} else if err != nil {
			log.Warn().Err(err).
				Str("tenant_id", tenantID).
				Msg("summarizer_fallback_to_heuristic")
		}
	}

	sessions := make(map[string]bool, len(batch))
	ids := make([]string, 0, len(batch))
	for _, h := range batch {
		sessions[h.SessionID] = true
		ids = append(ids, h.HandoffID)
	}

	// Two-phase write: placeholder first, so the batched handoff update
	// always points at an existing reflection row.
	reflectionID, err := c.reflections.Begin(ctx, tenantID, start, end)
	if err != nil {
		return 0, err
	}

	marked, err := c.handoffs.MarkConsolidated(ctx, tenantID, ids, reflectionID,
		"compressed:"+scheduleType, c.now())
	if err != nil {
		return 0, err
	}

	if err := c.reflections.AddPrinciples(ctx, tenantID, reflectionID, extractPrinciples(batch)); err != nil {
		return marked, err
	}

	err = c.reflections.Complete(ctx, tenantID, reflectionID, &Reflection{
		SessionCount:      len(sessions),
		Summary:           summary,
		KeyInsights:       insights,
		Themes:            themes,
		IdentityEvolution: identity,
	})
	if err != nil {
		return marked, err
	}
	return marked, nil
}

const (
	minQuestions = 3
	maxQuestions = 5
	maxInsights  = 5
)

// salientQuestions derives 3 to 5 questions from the batch: significant
// sessions, identity movement, and repeated tags, padded with standing
// questions when the batch is thin.
func salientQuestions(batch []Handoff) []string {
	var questions []string

	significant := 0
	for _, h := range batch {
		if h.Significance >= 0.8 {
			significant++
		}
	}
	if significant > 0 {
		questions = append(questions, fmt.Sprintf("What made %d of these sessions highly significant?", significant))
	}

	for i := len(batch) - 1; i >= 0; i-- {
		if batch[i].Becoming != "" {
			questions = append(questions, "How is the agent's identity evolving?")
			break
		}
	}

	for _, tag := range repeatedTags(batch, 2) {
		if len(questions) >= maxQuestions {
			break
		}
		questions = append(questions, fmt.Sprintf("What connects the recurring work on %q?", tag))
	}

	standing := []string{
		"What happened across these sessions?",
		"What should carry forward into future work?",
	}
	for _, q := range standing {
		if len(questions) >= minQuestions {
			break
		}
		questions = append(questions, q)
	}
	return questions
}

// deriveInsights answers the questions heuristically, at most five.
func deriveInsights(batch []Handoff, questions []string) []string {
	var insights []string

	ranked := make([]Handoff, len(batch))
	copy(ranked, batch)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Significance > ranked[j].Significance
	})
	for _, h := range ranked {
		if len(insights) >= maxInsights-2 || h.Significance < 0.8 {
			break
		}
		insights = append(insights, fmt.Sprintf("Significant: %s", h.Summary))
	}

	for _, tag := range repeatedTags(batch, 2) {
		if len(insights) >= maxInsights {
			break
		}
		n := 0
		for _, h := range batch {
			for _, t := range h.Tags {
				if t == tag {
					n++
					break
				}
			}
		}
		insights = append(insights, fmt.Sprintf("Theme %q recurred across %d sessions", tag, n))
	}

	if len(insights) == 0 && len(questions) > 0 && len(batch) > 0 {
		insights = append(insights, fmt.Sprintf("Period covered %d handoffs without a dominant theme", len(batch)))
	}
	return insights
}

// extractThemes returns tags occurring at least twice, ranked by frequency
// then lexicographically for determinism.
func extractThemes(batch []Handoff) []string {
	return repeatedTags(batch, 2)
}

func repeatedTags(batch []Handoff, minCount int) []string {
	freq := make(map[string]int)
	for _, h := range batch {
		for _, t := range h.Tags {
			freq[t]++
		}
	}
	var tags []string
	for t, n := range freq {
		if n >= minCount {
			tags = append(tags, t)
		}
	}
	sort.Slice(tags, func(i, j int) bool {
		if freq[tags[i]] != freq[tags[j]] {
			return freq[tags[i]] > freq[tags[j]]
		}
		return tags[i] < tags[j]
	})
	return tags
}

// identityEvolution compares the first and last "becoming" statements in
// the window.
func identityEvolution(batch []Handoff) string {
	var first, last string
	for _, h := range batch {
		if h.Becoming == "" {
			continue
		}
		if first == "" {
			first = h.Becoming
		}
		last = h.Becoming
	}
	if first == "" {
		return ""
	}
	if first == last {
		return first
	}
	return fmt.Sprintf("from %q to %q", first, last)
}

// heuristicSummary compresses the batch into one string without any LLM.
func heuristicSummary(batch []Handoff, themes []string) string {
	if len(batch) == 0 {
		return "No handoffs in this period."
	}
	sessions := make(map[string]bool, len(batch))
	top := ""
	topSig := -1.0
	for _, h := range batch {
		sessions[h.SessionID] = true
		if h.Significance > topSig {
			topSig = h.Significance
			top = h.Summary
		}
	}
	s := fmt.Sprintf("%d handoffs across %d sessions.", len(batch), len(sessions))
	if len(themes) > 0 {
		s += " Recurring themes: "
		for i, t := range themes {
			if i > 0 {
				s += ", "
			}
			s += t
		}
		s += "."
	}
	if top != "" {
		s += " Most significant: " + top
	}
	return s
}

// extractPrinciples pulls timeless learnings out of the episodic batch:
// statements from highly significant sessions and strongly recurring tags.
// A separate step from insight derivation so principles stay
// de-contextualized.
func extractPrinciples(batch []Handoff) []string {
	var principles []string
	for _, h := range batch {
		if h.Significance >= 0.9 && h.Summary != "" {
			principles = append(principles, h.Summary)
		}
	}
	for _, tag := range repeatedTags(batch, 3) {
		principles = append(principles, fmt.Sprintf("Sustained engagement with %s is part of this agent's practice", tag))
	}
	return principles
}
