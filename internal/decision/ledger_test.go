package decision

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-io/mnemos/internal/memerr"
	"github.com/mnemos-io/mnemos/internal/storage"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "mnemos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ledger, err := NewLedger(db)
	require.NoError(t, err)
	return ledger
}

func testDecision(tenant, scope, text string) *Decision {
	return &Decision{
		TenantID: tenant,
		Scope:    scope,
		Decision: text,
	}
}

func TestPropose_AssignsIDAndActiveStatus(t *testing.T) {
	ledger := testLedger(t)
	ctx := context.Background()

	d, err := ledger.Propose(ctx, testDecision("acme", ScopeProject, "use postgres"))
	require.NoError(t, err)
	assert.Contains(t, d.DecisionID, "dec_")
	assert.Equal(t, StatusActive, d.Status)
	assert.False(t, d.TS.IsZero())
}

func TestPropose_Validation(t *testing.T) {
	ledger := testLedger(t)
	ctx := context.Background()

	_, err := ledger.Propose(ctx, testDecision("", ScopeProject, "x"))
	assert.True(t, memerr.IsValidation(err))

	_, err = ledger.Propose(ctx, testDecision("acme", "galaxy", "x"))
	assert.True(t, memerr.IsValidation(err))

	_, err = ledger.Propose(ctx, testDecision("acme", ScopeProject, ""))
	assert.True(t, memerr.IsValidation(err))
}

func TestSupersede_AtomicSwap(t *testing.T) {
	ledger := testLedger(t)
	ctx := context.Background()

	old, err := ledger.Propose(ctx, testDecision("acme", ScopeProject, "use mysql"))
	require.NoError(t, err)

	repl, err := ledger.Supersede(ctx, "acme", old.DecisionID, testDecision("acme", ScopeProject, "use postgres"))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, repl.Status)

	gotOld, err := ledger.Get(ctx, "acme", old.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, gotOld.Status)
	assert.Equal(t, repl.DecisionID, gotOld.SupersededBy)

	active, err := ledger.Active(ctx, ActiveParams{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, repl.DecisionID, active[0].DecisionID)
}

func TestSupersede_RequiresActiveTarget(t *testing.T) {
	ledger := testLedger(t)
	ctx := context.Background()

	_, err := ledger.Supersede(ctx, "acme", "dec_missing", testDecision("acme", ScopeProject, "x"))
	assert.True(t, memerr.IsNotFound(err))

	old, err := ledger.Propose(ctx, testDecision("acme", ScopeUser, "a"))
	require.NoError(t, err)
	_, err = ledger.Supersede(ctx, "acme", old.DecisionID, testDecision("acme", ScopeUser, "b"))
	require.NoError(t, err)

	// superseded rows are never re-superseded
	_, err = ledger.Supersede(ctx, "acme", old.DecisionID, testDecision("acme", ScopeUser, "c"))
	assert.True(t, memerr.IsNotFound(err))
}

func TestActive_PrecedenceOrdering(t *testing.T) {
	ledger := testLedger(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, scope := range []string{ScopeSession, ScopePolicy, ScopeUser, ScopeProject} {
		d := testDecision("acme", scope, "decision for "+scope)
		d.TS = base.Add(time.Duration(i) * time.Hour)
		_, err := ledger.Propose(ctx, d)
		require.NoError(t, err)
	}

	active, err := ledger.Active(ctx, ActiveParams{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, active, 4)
	assert.Equal(t, ScopePolicy, active[0].Scope)
	assert.Equal(t, ScopeProject, active[1].Scope)
	assert.Equal(t, ScopeUser, active[2].Scope)
	assert.Equal(t, ScopeSession, active[3].Scope)
}

func TestActive_RecencyWithinEqualPrecedence(t *testing.T) {
	ledger := testLedger(t)
	ctx := context.Background()

	older := testDecision("acme", ScopeProject, "older")
	older.TS = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := testDecision("acme", ScopeProject, "newer")
	newer.TS = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err := ledger.Propose(ctx, older)
	require.NoError(t, err)
	_, err = ledger.Propose(ctx, newer)
	require.NoError(t, err)

	active, err := ledger.Active(ctx, ActiveParams{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "newer", active[0].Decision)
}

func TestActive_Filters(t *testing.T) {
	ledger := testLedger(t)
	ctx := context.Background()

	d := testDecision("acme", ScopeProject, "scoped")
	d.ProjectID = "proj-1"
	_, err := ledger.Propose(ctx, d)
	require.NoError(t, err)
	_, err = ledger.Propose(ctx, testDecision("acme", ScopeSession, "unscoped"))
	require.NoError(t, err)

	active, err := ledger.Active(ctx, ActiveParams{TenantID: "acme", ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "scoped", active[0].Decision)
}

func TestPrecedence(t *testing.T) {
	assert.Greater(t, Precedence(ScopePolicy), Precedence(ScopeProject))
	assert.Greater(t, Precedence(ScopeProject), Precedence(ScopeUser))
	assert.Greater(t, Precedence(ScopeUser), Precedence(ScopeSession))
	assert.Equal(t, 0, Precedence("unknown"))
}
