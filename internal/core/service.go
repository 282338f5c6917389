// Package core wires the engine's subsystems behind one service facade.
// Transport layers call into this package; nothing here knows about HTTP.
package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mnemos-io/mnemos/internal/assembly"
	"github.com/mnemos-io/mnemos/internal/capsule"
	"github.com/mnemos-io/mnemos/internal/consolidation"
	"github.com/mnemos-io/mnemos/internal/decision"
	"github.com/mnemos-io/mnemos/internal/event"
	"github.com/mnemos-io/mnemos/internal/graph"
	"github.com/mnemos-io/mnemos/internal/memerr"
	"github.com/mnemos-io/mnemos/internal/memory"
	mnemosotel "github.com/mnemos-io/mnemos/internal/otel"
)

// Service owns every store and exposes the engine's composite operations.
// The underlying *sql.DB is shared; each store manages its own schema.
type Service struct {
	Events       *event.Store
	Chunks       *memory.Store
	Edits        *memory.EditLog
	View         *memory.View
	Decisions    *decision.Ledger
	Capsules     *capsule.Store
	Rules        *assembly.RulesStore
	Assembler    *assembly.Engine
	Handoffs     *consolidation.HandoffStore
	Reflections  *consolidation.ReflectionStore
	Jobs         *consolidation.JobStore
	Consolidator *consolidation.Consolidator
	Graph        *graph.Store
}

// New builds the full engine on one database handle. summarizer may be
// nil, in which case reflections fall back to heuristic summaries.
func New(db *sql.DB, summarizer consolidation.Summarizer) (*Service, error) {
	events, err := event.NewStore(db)
	if err != nil {
		return nil, err
	}
	chunks, err := memory.NewStore(db)
	if err != nil {
		return nil, err
	}
	decisions, err := decision.NewLedger(db)
	if err != nil {
		return nil, err
	}
	edits, err := memory.NewEditLog(db, chunks, decisions)
	if err != nil {
		return nil, err
	}
	view := memory.NewView(chunks, edits)
	capsules, err := capsule.NewStore(db)
	if err != nil {
		return nil, err
	}
	rules, err := assembly.NewRulesStore(db)
	if err != nil {
		return nil, err
	}
	handoffs, err := consolidation.NewHandoffStore(db)
	if err != nil {
		return nil, err
	}
	reflections, err := consolidation.NewReflectionStore(db)
	if err != nil {
		return nil, err
	}
	jobs, err := consolidation.NewJobStore(db)
	if err != nil {
		return nil, err
	}
	g, err := graph.NewStore(db)
	if err != nil {
		return nil, err
	}

	return &Service{
		Events:       events,
		Chunks:       chunks,
		Edits:        edits,
		View:         view,
		Decisions:    decisions,
		Capsules:     capsules,
		Rules:        rules,
		Assembler:    assembly.NewEngine(rules, view, decisions, events, capsules),
		Handoffs:     handoffs,
		Reflections:  reflections,
		Jobs:         jobs,
		Consolidator: consolidation.NewConsolidator(handoffs, reflections, jobs, summarizer),
		Graph:        g,
	}, nil
}

// RecordEvent appends an event and derives its retrieval chunk in one
// logical operation. The event is the source of truth; a chunk insert
// failure after a successful append is surfaced so the caller can retry
// derivation, not the append.
func (s *Service) RecordEvent(ctx context.Context, ev *event.Event) (*event.Event, *memory.Chunk, error) {
	if err := s.Events.Append(ctx, ev); err != nil {
		return nil, nil, err
	}
	c := memory.DeriveChunk(ev)
	if err := s.Chunks.Insert(ctx, c); err != nil {
		return ev, nil, fmt.Errorf("deriving chunk for event %s: %w", ev.EventID, err)
	}
	return ev, c, nil
}

// AssembleContext builds a token-budgeted context bundle.
func (s *Service) AssembleContext(ctx context.Context, req assembly.Request) (*assembly.ACB, error) {
	return s.Assembler.Assemble(ctx, req)
}

// ApplyEdit proposes and immediately approves a memory edit. Callers that
// want a review step use Edits.Propose and Edits.Approve directly.
func (s *Service) ApplyEdit(ctx context.Context, e *memory.MemoryEdit) (*memory.MemoryEdit, error) {
	proposed, err := s.Edits.Propose(ctx, e)
	if err != nil {
		return nil, err
	}
	if err := s.Edits.Approve(ctx, proposed.TenantID, proposed.EditID); err != nil {
		return nil, err
	}
	return s.Edits.Get(ctx, proposed.TenantID, proposed.EditID)
}

// CapsuleSpec names the content to snapshot into a new capsule.
type CapsuleSpec struct {
	TenantID         string            `json:"tenant_id"`
	Scope            string            `json:"scope"`
	SubjectType      string            `json:"subject_type"`
	SubjectID        string            `json:"subject_id"`
	ProjectID        string            `json:"project_id,omitempty"`
	AuthorAgentID    string            `json:"author_agent_id"`
	AudienceAgentIDs []string          `json:"audience_agent_ids"`
	ChunkIDs         []string          `json:"chunk_ids"`
	DecisionIDs      []string          `json:"decision_ids"`
	Artifacts        []json.RawMessage `json:"artifacts,omitempty"`
	Risks            []string          `json:"risks,omitempty"`
	TTLDays          int               `json:"ttl_days"`
}

// CreateCapsule resolves the named chunks through the effective view and
// the named decisions through the ledger, then snapshots them by value.
// A retracted or unknown chunk fails the whole create; the author named
// it explicitly and silence would ship a hollow capsule.
func (s *Service) CreateCapsule(ctx context.Context, spec CapsuleSpec) (*capsule.Capsule, error) {
	items := capsule.Items{Artifacts: spec.Artifacts}
	for _, id := range spec.ChunkIDs {
		eff, err := s.View.Resolve(ctx, spec.TenantID, id)
		if err != nil {
			return nil, fmt.Errorf("resolving chunk %s for capsule: %w", id, err)
		}
		items.Chunks = append(items.Chunks, *eff)
	}
	for _, id := range spec.DecisionIDs {
		d, err := s.Decisions.Get(ctx, spec.TenantID, id)
		if err != nil {
			return nil, fmt.Errorf("resolving decision %s for capsule: %w", id, err)
		}
		items.Decisions = append(items.Decisions, *d)
	}

	return s.Capsules.Create(ctx, &capsule.Capsule{
		TenantID:         spec.TenantID,
		Scope:            spec.Scope,
		SubjectType:      spec.SubjectType,
		SubjectID:        spec.SubjectID,
		ProjectID:        spec.ProjectID,
		AuthorAgentID:    spec.AuthorAgentID,
		AudienceAgentIDs: spec.AudienceAgentIDs,
		Items:            items,
		Risks:            spec.Risks,
		TTLDays:          spec.TTLDays,
	})
}

// ReviseDecision supersedes oldID with the replacement in one transaction.
func (s *Service) ReviseDecision(ctx context.Context, tenantID, oldID string, replacement *decision.Decision) (*decision.Decision, error) {
	return s.Decisions.Supersede(ctx, tenantID, oldID, replacement)
}

// RunConsolidation triggers one consolidation pass outside the schedule.
func (s *Service) RunConsolidation(ctx context.Context, scheduleType string) (*consolidation.Job, error) {
	log.Info().
		Str("schedule_type", scheduleType).
		Func(mnemosotel.LogTraceFields(ctx)).
		Msg("manual_consolidation_triggered")
	return s.Consolidator.Run(ctx, scheduleType)
}

// ChunkStatus is a graph.StatusFunc over effective chunks: a tag of the
// form "status:<column>" sets the node's board column, default backlog.
// Retracted chunks count as done so finished work stops blocking.
func (s *Service) ChunkStatus(tenantID string) graph.StatusFunc {
	return func(ctx context.Context, nodeID string) (string, error) {
		eff, err := s.View.Resolve(ctx, tenantID, nodeID)
		if err != nil {
			if memerr.IsNotFound(err) {
				return graph.StatusDone, nil
			}
			return "", err
		}
		for _, tag := range eff.Tags {
			if st, ok := strings.CutPrefix(tag, "status:"); ok {
				return st, nil
			}
		}
		return graph.StatusBacklog, nil
	}
}

// TenantStats is a per-tenant row count snapshot for the stats surface.
type TenantStats struct {
	TenantID  string `json:"tenant_id"`
	Events    int64  `json:"events"`
	Chunks    int64  `json:"chunks"`
	Edits     int64  `json:"edits"`
	Decisions int64  `json:"decisions"`
	Capsules  int64  `json:"capsules"`
	Handoffs  int64  `json:"handoffs"`
	Edges     int64  `json:"edges"`
}

// Stats counts a tenant's rows across every store.
func (s *Service) Stats(ctx context.Context, tenantID string) (*TenantStats, error) {
	st := &TenantStats{TenantID: tenantID}
	for _, c := range []struct {
		dst   *int64
		count func(context.Context, string) (int64, error)
	}{
		{&st.Events, s.Events.CountByTenant},
		{&st.Chunks, s.Chunks.CountByTenant},
		{&st.Edits, s.Edits.CountByTenant},
		{&st.Decisions, s.Decisions.CountByTenant},
		{&st.Capsules, s.Capsules.CountByTenant},
		{&st.Handoffs, s.Handoffs.CountByTenant},
		{&st.Edges, s.Graph.CountByTenant},
	} {
		n, err := c.count(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		*c.dst = n
	}
	return st, nil
}
