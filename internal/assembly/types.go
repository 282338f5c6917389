// Package assembly builds the Active Context Bundle (ACB): a token-budgeted
// context delivered for one live request, drawn from identity and rules,
// the decision ledger, effective-memory retrieval, the recent event window,
// and the most recent applicable handoff capsule.
package assembly

import "time"

// Segment names, in assembly order.
const (
	SegIdentity  = "identity"
	SegRules     = "rules"
	SegTaskState = "task_state"
	SegDecisions = "decision_ledger"
	SegEvidence  = "retrieved_evidence"
	SegRecent    = "recent_window"
	SegHandoff   = "handoff_packet"
	SegReserve   = "reserve"
)

// DefaultMaxTokens is the whole-bundle budget when the caller passes none.
const DefaultMaxTokens = 65000

// defaultAllocations sum to DefaultMaxTokens. For other max_tokens values
// each allocation is scaled proportionally (integer floor), keeping the
// split deterministic. Unused allocation is not redistributed.
var defaultAllocations = map[string]int{
	SegIdentity:  1200,
	SegRules:     6000,
	SegTaskState: 3000,
	SegDecisions: 4000,
	SegEvidence:  28000,
	SegRecent:    8000,
	SegHandoff:   6000,
	SegReserve:   8800,
}

// segmentOrder is the fill order; deadline pressure drops segments from the
// back (reserve first, then handoff_packet, then recent_window, ...).
// identity and rules are always completed.
var segmentOrder = []string{
	SegIdentity, SegRules, SegTaskState, SegDecisions,
	SegEvidence, SegRecent, SegHandoff, SegReserve,
}

// Item is one piece of content placed in a segment.
type Item struct {
	Ref    string `json:"ref"` // source id: rule_id, decision_id, chunk_id, event_id, capsule_id
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

// Section reports one assembled segment with its observability counters.
type Section struct {
	Name       string `json:"name"`
	Budget     int    `json:"budget"`
	TokenCount int    `json:"token_count"`
	ChunkCount int    `json:"chunk_count"`
	Items      []Item `json:"items,omitempty"`
}

// ACB is the assembled bundle. TokenUsedEst never exceeds BudgetTokens.
type ACB struct {
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id"`
	Channel      string    `json:"channel"`
	Intent       string    `json:"intent"`
	BudgetTokens int       `json:"budget_tokens"`
	TokenUsedEst int       `json:"token_used_est"`
	Sections     []Section `json:"sections"`
	// Partial is true when the caller's deadline forced lower-priority
	// segments to be dropped; the bundle is still internally consistent.
	Partial         bool      `json:"partial,omitempty"`
	DroppedSegments []string  `json:"dropped_segments,omitempty"`
	AssembledAt     time.Time `json:"assembled_at"`
}

// Request holds the assemble parameters.
type Request struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Channel   string `json:"channel"`
	Intent    string `json:"intent,omitempty"`
	QueryText string `json:"query_text,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"` // 0 means DefaultMaxTokens
}

// Tokenizer estimates token counts. The default approximates one token per
// four characters; a real tokenizer can be plugged in.
type Tokenizer interface {
	EstimateTokens(text string) int
}

type charTokenizer struct{}

func (charTokenizer) EstimateTokens(text string) int { return len(text) / 4 }
