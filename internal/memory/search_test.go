package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-io/mnemos/internal/event"
)

func TestSearch_MatchesQueryText(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.insertChunk(t, "acme", "the billing cycle runs monthly")
	env.insertChunk(t, "acme", "deployment uses blue green rollout")

	results, err := env.view.Search(ctx, SearchParams{TenantID: "acme", Query: "billing"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Text, "billing")
	assert.Greater(t, results[0].Score, 0.0)
}

func TestSearch_ExcludesRetractedAndQuarantined(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	keep := env.insertChunk(t, "acme", "billing policy keep")
	gone := env.insertChunk(t, "acme", "billing policy retracted")
	shady := env.insertChunk(t, "acme", "billing policy quarantined")

	env.applyEdit(t, "acme", gone.ChunkID, OpRetract, `{}`)
	env.applyEdit(t, "acme", shady.ChunkID, OpQuarantine, `{}`)

	results, err := env.view.Search(ctx, SearchParams{TenantID: "acme", Query: "billing"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, keep.ChunkID, results[0].ChunkID)

	results, err = env.view.Search(ctx, SearchParams{TenantID: "acme", Query: "billing", IncludeQuarantined: true})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearch_ChannelBlockApplies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := env.insertChunk(t, "acme", "internal billing detail")
	env.applyEdit(t, "acme", c.ChunkID, OpBlock, `{"channel":"public"}`)

	results, err := env.view.Search(ctx, SearchParams{TenantID: "acme", Query: "billing", Channel: event.ChannelPublic})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = env.view.Search(ctx, SearchParams{TenantID: "acme", Query: "billing", Channel: event.ChannelPrivate})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearch_ScoresEditedImportance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	low := env.insertChunk(t, "acme", "billing fact one")
	high := env.insertChunk(t, "acme", "billing fact two")
	env.applyEdit(t, "acme", high.ChunkID, OpAmend, `{"importance":1.0}`)
	env.applyEdit(t, "acme", low.ChunkID, OpAttenuate, `{"importance_delta":-0.4}`)

	results, err := env.view.Search(ctx, SearchParams{TenantID: "acme", Query: "billing"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, high.ChunkID, results[0].ChunkID, "edited importance must drive ranking")
}

func TestSearch_TenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.insertChunk(t, "acme", "acme billing secret")
	env.insertChunk(t, "globex", "globex billing secret")

	results, err := env.view.Search(ctx, SearchParams{TenantID: "acme", Query: "billing"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "acme", results[0].TenantID)
}

func TestSearch_EmptyQueryListsRecent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.insertChunk(t, "acme", "alpha")
	env.insertChunk(t, "acme", "beta")

	results, err := env.view.Search(ctx, SearchParams{TenantID: "acme", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestCandidateLimit_OverFetchesForFold(t *testing.T) {
	assert.Equal(t, searchCandidateLimit, candidateLimit(0))
	assert.Equal(t, searchCandidateLimit, candidateLimit(10))
	assert.Equal(t, 100*candidateFetchFactor, candidateLimit(100))
}

func TestSearch_FoldDoesNotStarveResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// the survivor is the oldest row, so every retracted chunk precedes it
	// in the recency-ordered candidate fetch; more retracted rows than the
	// base candidate cap must not push it out
	keep := env.insertChunk(t, "acme", "billing survivor fact")
	for i := 0; i < searchCandidateLimit+10; i++ {
		c := env.insertChunk(t, "acme", "billing noise fact")
		env.applyEdit(t, "acme", c.ChunkID, OpRetract, `{}`)
	}

	results, err := env.view.Search(ctx, SearchParams{TenantID: "acme", Limit: 100})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, keep.ChunkID, results[0].ChunkID)
}

func TestKeywordSimilarity(t *testing.T) {
	assert.Equal(t, 0.0, keywordSimilarity("", "anything"))
	assert.Greater(t, keywordSimilarity("billing cycle", "the billing cycle runs monthly"), 0.5)
	assert.Equal(t, 0.0, keywordSimilarity("kubernetes", "the billing cycle"))
}
