// Package server exposes the memory engine over HTTP. It is a thin
// translation layer: decode, call core, map the error taxonomy to status
// codes. No engine logic lives here.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mnemos-io/mnemos/internal/core"
	"github.com/mnemos-io/mnemos/internal/otel"
)

const defaultTimeout = 60 * time.Second

// Server holds the HTTP surface over one core.Service.
type Server struct {
	router    *chi.Mux
	svc       *core.Service
	startTime time.Time
}

// NewServer builds a Server around the service.
func NewServer(svc *core.Service) *Server {
	return &Server{
		router:    chi.NewRouter(),
		svc:       svc,
		startTime: time.Now(),
	}
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())

	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/events", s.handleEventRecord)
		r.Get("/v1/events/recent", s.handleEventsRecent)

		r.Post("/v1/context/assemble", s.handleAssemble)
		r.Post("/v1/rules", s.handleRulePut)

		r.Get("/v1/memory/search", s.handleMemorySearch)
		r.Get("/v1/memory/{chunk_id}", s.handleMemoryResolve)

		r.Post("/v1/edits", s.handleEditPropose)
		r.Post("/v1/edits/{edit_id}/approve", s.handleEditApprove)
		r.Post("/v1/edits/{edit_id}/reject", s.handleEditReject)

		r.Get("/v1/decisions", s.handleDecisionsActive)
		r.Post("/v1/decisions", s.handleDecisionPropose)
		r.Post("/v1/decisions/{decision_id}/supersede", s.handleDecisionSupersede)

		r.Get("/v1/capsules", s.handleCapsulesAvailable)
		r.Post("/v1/capsules", s.handleCapsuleCreate)
		r.Get("/v1/capsules/{capsule_id}", s.handleCapsuleGet)
		r.Post("/v1/capsules/{capsule_id}/revoke", s.handleCapsuleRevoke)

		r.Post("/v1/handoffs", s.handleHandoffRecord)
		r.Post("/v1/consolidation/run", s.handleConsolidationRun)
		r.Get("/v1/consolidation/jobs", s.handleConsolidationJobs)
		r.Get("/v1/reflections", s.handleReflectionsList)
		r.Get("/v1/reflections/principles", s.handlePrinciplesList)

		r.Post("/v1/edges", s.handleEdgeCreate)
		r.Get("/v1/edges", s.handleEdgesList)
		r.Get("/v1/edges/traverse", s.handleTraverse)
		r.Patch("/v1/edges/{edge_id}/properties", s.handleEdgePatch)
		r.Delete("/v1/edges/{edge_id}", s.handleEdgeDelete)
		r.Get("/v1/board", s.handleBoard)
		r.Get("/v1/nodes/{node_id}/unblocked", s.handleUnblocked)

		r.Get("/v1/stats", s.handleStats)
	})

	return r
}
