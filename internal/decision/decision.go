// Package decision implements the decision ledger: first-class decisions
// with scope-based precedence and audit-retained supersession history.
package decision

import (
	"time"
)

// Decision statuses.
const (
	StatusActive     = "active"
	StatusSuperseded = "superseded"
)

// Decision scopes, narrowest to widest.
const (
	ScopeSession = "session"
	ScopeUser    = "user"
	ScopeProject = "project"
	ScopePolicy  = "policy"
)

// Precedence returns the conflict-resolution rank of a scope:
// policy(4) > project(3) > user(2) > session(1). Unknown scopes rank 0.
func Precedence(scope string) int {
	switch scope {
	case ScopePolicy:
		return 4
	case ScopeProject:
		return 3
	case ScopeUser:
		return 2
	case ScopeSession:
		return 1
	}
	return 0
}

// ValidScope reports whether scope is one of the closed scope set.
func ValidScope(scope string) bool {
	return Precedence(scope) > 0
}

// Decision is one ledger entry. Superseded decisions are retained for
// audit, never deleted.
type Decision struct {
	DecisionID   string    `json:"decision_id"`
	TenantID     string    `json:"tenant_id"`
	Status       string    `json:"status"`
	Scope        string    `json:"scope"`
	SubjectID    string    `json:"subject_id,omitempty"`
	ProjectID    string    `json:"project_id,omitempty"`
	Decision     string    `json:"decision"`
	Rationale    []string  `json:"rationale"`
	Constraints  []string  `json:"constraints"`
	Alternatives []string  `json:"alternatives"`
	Consequences []string  `json:"consequences"`
	SupersededBy string    `json:"superseded_by,omitempty"`
	TS           time.Time `json:"ts"`
}
