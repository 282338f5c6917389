// Package capsule implements cross-agent memory handoff: immutable,
// audience-scoped, TTL-bound bundles snapshotted by value at creation.
package capsule

import (
	"encoding/json"
	"time"

	"github.com/mnemos-io/mnemos/internal/decision"
	"github.com/mnemos-io/mnemos/internal/memory"
)

// Capsule statuses. Revocation is the only mutation a capsule ever sees.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// Capsule scopes.
const (
	ScopeSession = "session"
	ScopeProject = "project"
)

// Items is a capsule's point-in-time payload, copied in by value at
// creation. Later edits to the source chunks or decisions do not reach it.
type Items struct {
	Chunks    []memory.EffectiveChunk `json:"chunks"`
	Decisions []decision.Decision     `json:"decisions"`
	Artifacts []json.RawMessage       `json:"artifacts"`
}

// Capsule is one immutable handoff bundle. Visible only to agents in
// AudienceAgentIDs, only while status is active and now < expires_at.
type Capsule struct {
	CapsuleID        string    `json:"capsule_id"`
	TenantID         string    `json:"tenant_id"`
	Scope            string    `json:"scope"`
	SubjectType      string    `json:"subject_type"`
	SubjectID        string    `json:"subject_id"`
	ProjectID        string    `json:"project_id,omitempty"`
	AuthorAgentID    string    `json:"author_agent_id"`
	AudienceAgentIDs []string  `json:"audience_agent_ids"`
	Items            Items     `json:"items"`
	Risks            []string  `json:"risks"`
	TTLDays          int       `json:"ttl_days"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// VisibleTo reports whether the capsule is visible to agentID at now.
func (c *Capsule) VisibleTo(agentID string, now time.Time) bool {
	if c.Status != StatusActive || !now.Before(c.ExpiresAt) {
		return false
	}
	for _, id := range c.AudienceAgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}
