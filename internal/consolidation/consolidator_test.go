package consolidation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-io/mnemos/internal/memerr"
	"github.com/mnemos-io/mnemos/internal/storage"
)

type testEnv struct {
	handoffs     *HandoffStore
	reflections  *ReflectionStore
	jobs         *JobStore
	consolidator *Consolidator
	now          time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "mnemos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	handoffs, err := NewHandoffStore(db)
	require.NoError(t, err)
	reflections, err := NewReflectionStore(db)
	require.NoError(t, err)
	jobs, err := NewJobStore(db)
	require.NoError(t, err)

	env := &testEnv{
		handoffs:     handoffs,
		reflections:  reflections,
		jobs:         jobs,
		consolidator: NewConsolidator(handoffs, reflections, jobs, nil),
		now:          time.Date(2026, 6, 15, 3, 0, 0, 0, time.UTC),
	}
	env.consolidator.SetNow(func() time.Time { return env.now })
	return env
}

func (env *testEnv) record(t *testing.T, tenant, session, summary string, significance float64, age time.Duration, tags ...string) *Handoff {
	t.Helper()
	h := &Handoff{
		TenantID:     tenant,
		SessionID:    session,
		Summary:      summary,
		Significance: significance,
		Tags:         tags,
		CreatedAt:    env.now.Add(-age),
	}
	require.NoError(t, env.handoffs.Record(context.Background(), h))
	return h
}

func TestRun_ConsolidatesDailyWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inWindow := env.record(t, "acme", "s1", "migrated the billing tables", 0.9, 2*time.Hour, "billing")
	env.record(t, "acme", "s2", "reviewed invoice rounding", 0.5, 5*time.Hour, "billing")
	tooOld := env.record(t, "acme", "s3", "ancient work", 0.5, 48*time.Hour)

	job, err := env.consolidator.Run(ctx, ScheduleDaily)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 2, job.ItemsProcessed)
	assert.Equal(t, 2, job.ItemsAffected)
	assert.Equal(t, 0, job.TenantErrors)

	got, err := env.handoffs.Get(ctx, "acme", inWindow.HandoffID)
	require.NoError(t, err)
	require.NotNil(t, got.ConsolidatedAt)
	assert.Equal(t, "compressed:daily", got.CompressionLevel)
	assert.NotEmpty(t, got.ReflectionID)

	ref, err := env.reflections.Get(ctx, "acme", got.ReflectionID)
	require.NoError(t, err)
	assert.True(t, ref.Completed)
	assert.Equal(t, 2, ref.SessionCount)
	assert.NotEmpty(t, ref.Summary)

	old, err := env.handoffs.Get(ctx, "acme", tooOld.HandoffID)
	require.NoError(t, err)
	assert.Nil(t, old.ConsolidatedAt)
}

func TestRun_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.record(t, "acme", "s1", "did a thing", 0.5, time.Hour)

	first, err := env.consolidator.Run(ctx, ScheduleDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ItemsAffected)

	second, err := env.consolidator.Run(ctx, ScheduleDaily)
	require.NoError(t, err)
	assert.Equal(t, 0, second.ItemsProcessed)
	assert.Equal(t, 0, second.ItemsAffected)
	assert.Equal(t, JobCompleted, second.Status)
}

func TestRun_TenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.record(t, "acme", "s1", "acme work", 0.5, time.Hour)
	g := env.record(t, "globex", "s9", "globex work", 0.5, time.Hour)

	_, err := env.consolidator.Run(ctx, ScheduleDaily)
	require.NoError(t, err)

	gotA, err := env.handoffs.Get(ctx, "acme", a.HandoffID)
	require.NoError(t, err)
	gotG, err := env.handoffs.Get(ctx, "globex", g.HandoffID)
	require.NoError(t, err)

	// each tenant gets its own reflection; batches never mix
	assert.NotEmpty(t, gotA.ReflectionID)
	assert.NotEmpty(t, gotG.ReflectionID)
	assert.NotEqual(t, gotA.ReflectionID, gotG.ReflectionID)

	_, err = env.reflections.Get(ctx, "acme", gotG.ReflectionID)
	assert.True(t, memerr.IsNotFound(err))
}

func TestRun_UnknownScheduleType(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.consolidator.Run(context.Background(), "hourly")
	assert.True(t, memerr.IsValidation(err))
}

func TestRun_WeeklyDecaysOldLowSignificance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale := env.record(t, "acme", "s1", "minor cleanup", 0.2, 40*24*time.Hour)
	marked, err := env.handoffs.MarkConsolidated(ctx, "acme", []string{stale.HandoffID},
		"ref_x", "compressed:daily", env.now.Add(-39*24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, marked)

	_, err = env.consolidator.Run(ctx, ScheduleWeekly)
	require.NoError(t, err)

	got, err := env.handoffs.Get(ctx, "acme", stale.HandoffID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, got.MemoryStrength, 1e-9)
}

func TestRun_DailyDoesNotDecay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale := env.record(t, "acme", "s1", "minor cleanup", 0.2, 40*24*time.Hour)
	_, err := env.handoffs.MarkConsolidated(ctx, "acme", []string{stale.HandoffID},
		"ref_x", "compressed:daily", env.now.Add(-39*24*time.Hour))
	require.NoError(t, err)

	_, err = env.consolidator.Run(ctx, ScheduleDaily)
	require.NoError(t, err)

	got, err := env.handoffs.Get(ctx, "acme", stale.HandoffID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.MemoryStrength, 1e-9)
}

// failingSummarizer always errors; consolidation must fall back to the
// heuristic summary instead of failing the tenant.
type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, []Handoff, []string) (string, error) {
	return "", errors.New("upstream unavailable")
}

func TestRun_SummarizerFailureFallsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.consolidator.summarizer = failingSummarizer{}

	env.record(t, "acme", "s1", "did a thing", 0.5, time.Hour)

	job, err := env.consolidator.Run(ctx, ScheduleDaily)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 0, job.TenantErrors)
	assert.Equal(t, 1, job.ItemsAffected)
}

type fixedSummarizer struct{ text string }

func (s fixedSummarizer) Summarize(context.Context, []Handoff, []string) (string, error) {
	return s.text, nil
}

func TestRun_SummarizerWordingUsed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.consolidator.summarizer = fixedSummarizer{text: "a week of billing migrations"}

	h := env.record(t, "acme", "s1", "did a thing", 0.5, time.Hour)

	_, err := env.consolidator.Run(ctx, ScheduleDaily)
	require.NoError(t, err)

	got, err := env.handoffs.Get(ctx, "acme", h.HandoffID)
	require.NoError(t, err)
	ref, err := env.reflections.Get(ctx, "acme", got.ReflectionID)
	require.NoError(t, err)
	assert.Equal(t, "a week of billing migrations", ref.Summary)
}

func TestRun_ExtractsPrinciples(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.record(t, "acme", "s1", "never ship schema changes without a rollback plan", 0.95, time.Hour)
	for i, s := range []string{"s2", "s3", "s4"} {
		env.record(t, "acme", s, "routine", 0.3, time.Duration(i+2)*time.Hour, "refactoring")
	}

	_, err := env.consolidator.Run(ctx, ScheduleDaily)
	require.NoError(t, err)

	principles, err := env.reflections.Principles(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, principles, 2)

	texts := []string{principles[0].Text, principles[1].Text}
	assert.Contains(t, texts, "never ship schema changes without a rollback plan")
}

func TestWindowFor(t *testing.T) {
	now := time.Date(2026, 6, 15, 3, 0, 0, 0, time.UTC)

	start, end, limit, err := windowFor(ScheduleDaily, now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -1), start)
	assert.Equal(t, now, end)
	assert.Equal(t, 100, limit)

	start, _, limit, err = windowFor(ScheduleWeekly, now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -7), start)
	assert.Equal(t, 700, limit)

	start, _, limit, err = windowFor(ScheduleMonthly, now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, -1, 0), start)
	assert.Equal(t, 10000, limit)

	_, _, _, err = windowFor("yearly", now)
	assert.True(t, memerr.IsValidation(err))
}

func TestSalientQuestions_Bounds(t *testing.T) {
	var batch []Handoff
	for i := 0; i < 10; i++ {
		batch = append(batch, Handoff{
			Significance: 0.9,
			Becoming:     "a careful reviewer",
			Tags:         []string{"alpha", "beta", "gamma", "delta"},
		})
	}
	qs := salientQuestions(batch)
	assert.GreaterOrEqual(t, len(qs), minQuestions)
	assert.LessOrEqual(t, len(qs), maxQuestions)

	thin := salientQuestions([]Handoff{{Summary: "one session"}})
	assert.GreaterOrEqual(t, len(thin), minQuestions)
}

func TestIdentityEvolution(t *testing.T) {
	assert.Empty(t, identityEvolution([]Handoff{{Summary: "x"}}))
	assert.Equal(t, "a builder", identityEvolution([]Handoff{{Becoming: "a builder"}, {Becoming: "a builder"}}))
	assert.Equal(t, `from "a builder" to "a maintainer"`,
		identityEvolution([]Handoff{{Becoming: "a builder"}, {Becoming: "a maintainer"}}))
}

func TestExtractThemes_DeterministicOrder(t *testing.T) {
	batch := []Handoff{
		{Tags: []string{"billing", "auth"}},
		{Tags: []string{"billing", "auth"}},
		{Tags: []string{"billing"}},
		{Tags: []string{"once"}},
	}
	assert.Equal(t, []string{"billing", "auth"}, extractThemes(batch))
}

func TestJobLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.jobs.Create(ctx, ScheduleDaily)
	require.NoError(t, err)
	assert.Contains(t, job.JobID, "job_")
	assert.Equal(t, JobPending, job.Status)

	require.NoError(t, env.jobs.MarkRunning(ctx, job.JobID))

	// completed is terminal
	require.NoError(t, env.jobs.Complete(ctx, job.JobID, 5, 4, 1))
	err = env.jobs.Fail(ctx, job.JobID, errors.New("late failure"))
	assert.True(t, memerr.IsConflict(err))

	got, err := env.jobs.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, got.Status)
	assert.Equal(t, 5, got.ItemsProcessed)
	assert.Equal(t, 4, got.ItemsAffected)
	assert.Equal(t, 1, got.TenantErrors)
	require.NotNil(t, got.CompletedAt)
}

func TestScheduler_RegistersAllSchedules(t *testing.T) {
	env := newTestEnv(t)
	s, err := NewScheduler(env.consolidator, DefaultSchedules())
	require.NoError(t, err)
	assert.Equal(t, 3, s.Entries())
}

func TestNewScheduler_RejectsBadExpression(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewScheduler(env.consolidator, Schedules{Daily: "not a cron", Weekly: "@weekly", Monthly: "@monthly"})
	assert.Error(t, err)
}
