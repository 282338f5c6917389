package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/mnemos-io/mnemos/internal/assembly"
	"github.com/mnemos-io/mnemos/internal/capsule"
	"github.com/mnemos-io/mnemos/internal/consolidation"
	"github.com/mnemos-io/mnemos/internal/core"
	"github.com/mnemos-io/mnemos/internal/decision"
	"github.com/mnemos-io/mnemos/internal/event"
	"github.com/mnemos-io/mnemos/internal/graph"
	"github.com/mnemos-io/mnemos/internal/memerr"
	"github.com/mnemos-io/mnemos/internal/memory"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": msg},
	})
}

// writeEngineError maps the engine's error taxonomy to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case memerr.IsValidation(err):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case memerr.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case memerr.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		log.Error().Err(err).Msg("request_failed")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if s := r.URL.Query().Get(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleEventRecord(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if !decodeJSON(w, r, &ev) {
		return
	}
	stored, chunk, err := s.svc.RecordEvent(r.Context(), &ev)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"event": stored,
		"chunk": chunk,
	})
}

func (s *Server) handleEventsRecent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := s.svc.Events.Recent(r.Context(), q.Get("tenant_id"), q.Get("session_id"), queryInt(r, "limit", 50))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	var req assembly.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	acb, err := s.svc.AssembleContext(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acb)
}

func (s *Server) handleRulePut(w http.ResponseWriter, r *http.Request) {
	var rule assembly.Rule
	if !decodeJSON(w, r, &rule) {
		return
	}
	if err := s.svc.Rules.Put(r.Context(), &rule); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	results, err := s.svc.View.Search(r.Context(), memory.SearchParams{
		TenantID:           q.Get("tenant_id"),
		Query:              q.Get("q"),
		Channel:            q.Get("channel"),
		Scope:              q.Get("scope"),
		Kind:               q.Get("kind"),
		IncludeQuarantined: q.Get("include_quarantined") == "true",
		Limit:              queryInt(r, "limit", 20),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleMemoryResolve(w http.ResponseWriter, r *http.Request) {
	eff, err := s.svc.View.Resolve(r.Context(), r.URL.Query().Get("tenant_id"), chi.URLParam(r, "chunk_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}

type editRequest struct {
	memory.MemoryEdit
	// Apply approves the edit immediately instead of leaving it proposed.
	Apply bool `json:"apply"`
}

func (s *Server) handleEditPropose(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var (
		edit *memory.MemoryEdit
		err  error
	)
	if req.Apply {
		edit, err = s.svc.ApplyEdit(r.Context(), &req.MemoryEdit)
	} else {
		edit, err = s.svc.Edits.Propose(r.Context(), &req.MemoryEdit)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, edit)
}

func (s *Server) handleEditApprove(w http.ResponseWriter, r *http.Request) {
	s.editTransition(w, r, s.svc.Edits.Approve)
}

func (s *Server) handleEditReject(w http.ResponseWriter, r *http.Request) {
	s.editTransition(w, r, s.svc.Edits.Reject)
}

func (s *Server) editTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, tenantID, editID string) error) {
	tenantID := r.URL.Query().Get("tenant_id")
	editID := chi.URLParam(r, "edit_id")
	if err := fn(r.Context(), tenantID, editID); err != nil {
		writeEngineError(w, err)
		return
	}
	edit, err := s.svc.Edits.Get(r.Context(), tenantID, editID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edit)
}

func (s *Server) handleDecisionsActive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	decisions, err := s.svc.Decisions.Active(r.Context(), decision.ActiveParams{
		TenantID:  q.Get("tenant_id"),
		Scope:     q.Get("scope"),
		ProjectID: q.Get("project_id"),
		SubjectID: q.Get("subject_id"),
		Limit:     queryInt(r, "limit", 50),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"decisions": decisions})
}

func (s *Server) handleDecisionPropose(w http.ResponseWriter, r *http.Request) {
	var d decision.Decision
	if !decodeJSON(w, r, &d) {
		return
	}
	stored, err := s.svc.Decisions.Propose(r.Context(), &d)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleDecisionSupersede(w http.ResponseWriter, r *http.Request) {
	var d decision.Decision
	if !decodeJSON(w, r, &d) {
		return
	}
	stored, err := s.svc.ReviseDecision(r.Context(), d.TenantID, chi.URLParam(r, "decision_id"), &d)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleCapsulesAvailable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	capsules, err := s.svc.Capsules.Available(r.Context(), capsule.AvailableParams{
		TenantID:          q.Get("tenant_id"),
		RequestingAgentID: q.Get("agent_id"),
		Scope:             q.Get("scope"),
		SubjectType:       q.Get("subject_type"),
		SubjectID:         q.Get("subject_id"),
		ProjectID:         q.Get("project_id"),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"capsules": capsules})
}

func (s *Server) handleCapsuleCreate(w http.ResponseWriter, r *http.Request) {
	var spec core.CapsuleSpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	c, err := s.svc.CreateCapsule(r.Context(), spec)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleCapsuleGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c, err := s.svc.Capsules.Get(r.Context(), q.Get("tenant_id"), chi.URLParam(r, "capsule_id"), q.Get("agent_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCapsuleRevoke(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Capsules.Revoke(r.Context(), r.URL.Query().Get("tenant_id"), chi.URLParam(r, "capsule_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleHandoffRecord(w http.ResponseWriter, r *http.Request) {
	var h consolidation.Handoff
	if !decodeJSON(w, r, &h) {
		return
	}
	if err := s.svc.Handoffs.Record(r.Context(), &h); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleConsolidationRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScheduleType string `json:"schedule_type"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	job, err := s.svc.RunConsolidation(r.Context(), req.ScheduleType)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleConsolidationJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.Jobs.Recent(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleReflectionsList(w http.ResponseWriter, r *http.Request) {
	reflections, err := s.svc.Reflections.List(r.Context(), r.URL.Query().Get("tenant_id"), queryInt(r, "limit", 20))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reflections": reflections})
}

func (s *Server) handlePrinciplesList(w http.ResponseWriter, r *http.Request) {
	principles, err := s.svc.Reflections.Principles(r.Context(), r.URL.Query().Get("tenant_id"), queryInt(r, "limit", 50))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"principles": principles})
}

func (s *Server) handleEdgeCreate(w http.ResponseWriter, r *http.Request) {
	var e graph.Edge
	if !decodeJSON(w, r, &e) {
		return
	}
	stored, err := s.svc.Graph.CreateEdge(r.Context(), &e)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleEdgesList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	edges, err := s.svc.Graph.Edges(r.Context(), q.Get("tenant_id"), q.Get("node_id"), q.Get("direction"), q.Get("type"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"edges": edges})
}

func (s *Server) handleTraverse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nodes, err := s.svc.Graph.Traverse(r.Context(), q.Get("tenant_id"), q.Get("node_id"),
		q.Get("type"), q.Get("direction"), queryInt(r, "depth", 3))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

func (s *Server) handleEdgePatch(w http.ResponseWriter, r *http.Request) {
	var patch json.RawMessage
	if !decodeJSON(w, r, &patch) {
		return
	}
	edge, err := s.svc.Graph.UpdateEdgeProperties(r.Context(), r.URL.Query().Get("tenant_id"), chi.URLParam(r, "edge_id"), patch)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edge)
}

func (s *Server) handleEdgeDelete(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Graph.DeleteEdge(r.Context(), r.URL.Query().Get("tenant_id"), chi.URLParam(r, "edge_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	board, err := s.svc.Graph.Board(r.Context(), tenantID, q.Get("root_id"),
		queryInt(r, "depth", 3), s.svc.ChunkStatus(tenantID))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"board": board})
}

func (s *Server) handleUnblocked(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	ok, err := s.svc.Graph.Unblocked(r.Context(), tenantID, chi.URLParam(r, "node_id"), s.svc.ChunkStatus(tenantID))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unblocked": ok})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
