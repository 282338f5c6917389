package capsule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-io/mnemos/internal/memerr"
	"github.com/mnemos-io/mnemos/internal/memory"
	"github.com/mnemos-io/mnemos/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "mnemos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func testCapsule(tenant string) *Capsule {
	return &Capsule{
		TenantID:         tenant,
		Scope:            ScopeSession,
		AuthorAgentID:    "agent-a",
		AudienceAgentIDs: []string{"agent-b"},
		TTLDays:          7,
		Items: Items{
			Chunks: []memory.EffectiveChunk{{Chunk: memory.Chunk{ChunkID: "chk_1", Text: "the billing job runs nightly"}}},
		},
	}
}

func TestCreate_AssignsIDAndExpiry(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { return created })

	c, err := store.Create(ctx, testCapsule("acme"))
	require.NoError(t, err)
	assert.Contains(t, c.CapsuleID, "cap_")
	assert.Equal(t, StatusActive, c.Status)
	assert.Equal(t, created.AddDate(0, 0, 7), c.ExpiresAt)
}

func TestCreate_Validation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Capsule)
	}{
		{"missing tenant", func(c *Capsule) { c.TenantID = "" }},
		{"bad scope", func(c *Capsule) { c.Scope = "global" }},
		{"missing author", func(c *Capsule) { c.AuthorAgentID = "" }},
		{"zero ttl", func(c *Capsule) { c.TTLDays = 0 }},
		{"empty audience", func(c *Capsule) { c.AudienceAgentIDs = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testCapsule("acme")
			tc.mutate(c)
			_, err := store.Create(ctx, c)
			assert.True(t, memerr.IsValidation(err))
		})
	}
}

func TestGet_AudienceScoped(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	c, err := store.Create(ctx, testCapsule("acme"))
	require.NoError(t, err)

	got, err := store.Get(ctx, "acme", c.CapsuleID, "agent-b")
	require.NoError(t, err)
	assert.Equal(t, c.CapsuleID, got.CapsuleID)

	// the author is not implicitly in the audience
	_, err = store.Get(ctx, "acme", c.CapsuleID, "agent-a")
	assert.True(t, memerr.IsNotFound(err))

	_, err = store.Get(ctx, "acme", c.CapsuleID, "agent-z")
	assert.True(t, memerr.IsNotFound(err))
}

func TestGet_ExpiryIsNotFound(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { return created })
	c, err := store.Create(ctx, testCapsule("acme"))
	require.NoError(t, err)

	store.SetNow(func() time.Time { return created.AddDate(0, 0, 6) })
	_, err = store.Get(ctx, "acme", c.CapsuleID, "agent-b")
	require.NoError(t, err)

	store.SetNow(func() time.Time { return created.AddDate(0, 0, 7) })
	_, err = store.Get(ctx, "acme", c.CapsuleID, "agent-b")
	assert.True(t, memerr.IsNotFound(err))
}

func TestItems_SnapshotByValue(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	src := testCapsule("acme")
	c, err := store.Create(ctx, src)
	require.NoError(t, err)

	// mutating the caller's slice after create does not reach the stored copy
	src.Items.Chunks[0].Text = "rewritten"

	got, err := store.Get(ctx, "acme", c.CapsuleID, "agent-b")
	require.NoError(t, err)
	require.Len(t, got.Items.Chunks, 1)
	assert.Equal(t, "the billing job runs nightly", got.Items.Chunks[0].Text)
}

func TestRevoke(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	c, err := store.Create(ctx, testCapsule("acme"))
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, "acme", c.CapsuleID))
	_, err = store.Get(ctx, "acme", c.CapsuleID, "agent-b")
	assert.True(t, memerr.IsNotFound(err))

	// already revoked
	err = store.Revoke(ctx, "acme", c.CapsuleID)
	assert.True(t, memerr.IsNotFound(err))
}

func TestAvailable_FiltersAudienceAndStatus(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	visible, err := store.Create(ctx, testCapsule("acme"))
	require.NoError(t, err)

	other := testCapsule("acme")
	other.AudienceAgentIDs = []string{"agent-c"}
	_, err = store.Create(ctx, other)
	require.NoError(t, err)

	revoked, err := store.Create(ctx, testCapsule("acme"))
	require.NoError(t, err)
	require.NoError(t, store.Revoke(ctx, "acme", revoked.CapsuleID))

	got, err := store.Available(ctx, AvailableParams{TenantID: "acme", RequestingAgentID: "agent-b"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, visible.CapsuleID, got[0].CapsuleID)
}

func TestAvailable_TenantIsolation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, testCapsule("acme"))
	require.NoError(t, err)

	got, err := store.Available(ctx, AvailableParams{TenantID: "globex", RequestingAgentID: "agent-b"})
	require.NoError(t, err)
	assert.Empty(t, got)
}
