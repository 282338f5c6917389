// Package memory implements the retrieval core: chunks derived from events,
// the append-only edit log, and the effective view that folds approved edits
// onto base chunks at read time.
package memory

import (
	"encoding/json"
	"time"

	"github.com/mnemos-io/mnemos/internal/event"
)

// Chunk scopes.
const (
	ScopeSession = "session"
	ScopeUser    = "user"
	ScopeProject = "project"
)

// Chunk is a derived, indexed, retrievable excerpt of exactly one event.
// The event_id is a back-reference, not ownership. Importance changes only
// through edits, never in place.
type Chunk struct {
	ChunkID       string    `json:"chunk_id"`
	TenantID      string    `json:"tenant_id"`
	EventID       string    `json:"event_id"`
	TS            time.Time `json:"ts"`
	Kind          string    `json:"kind"`
	Channel       string    `json:"channel"`
	Sensitivity   string    `json:"sensitivity"`
	Tags          []string  `json:"tags"`
	TokenEstimate int       `json:"token_estimate"`
	Importance    float64   `json:"importance"`
	Text          string    `json:"text"`
	Scope         string    `json:"scope"`
	SubjectType   string    `json:"subject_type"`
	SubjectID     string    `json:"subject_id"`
	ProjectID     string    `json:"project_id,omitempty"`
}

// EffectiveChunk is a chunk with its approved edit sequence folded in.
// Computed at read time, never persisted.
type EffectiveChunk struct {
	Chunk
	IsQuarantined   bool     `json:"is_quarantined,omitempty"`
	BlockedChannels []string `json:"blocked_channels,omitempty"`
}

// BlockedOn reports whether the chunk is invisible on the given channel.
func (c *EffectiveChunk) BlockedOn(channel string) bool {
	for _, ch := range c.BlockedChannels {
		if ch == channel {
			return true
		}
	}
	return false
}

// importanceByKind seeds the initial importance of a derived chunk.
var importanceByKind = map[string]float64{
	"decision":  0.8,
	"artifact":  0.6,
	"message":   0.5,
	"tool_call": 0.4,
}

// DeriveChunk turns an event into its retrievable chunk. The text field is
// taken from content.text when present, otherwise the compact JSON encoding
// of the whole content document.
func DeriveChunk(ev *event.Event) *Chunk {
	text := extractText(ev.Content)
	importance, ok := importanceByKind[ev.Kind]
	if !ok {
		importance = 0.5
	}

	tags := ev.Tags
	if tags == nil {
		tags = []string{}
	}

	return &Chunk{
		TenantID:      ev.TenantID,
		EventID:       ev.EventID,
		TS:            ev.TS,
		Kind:          ev.Kind,
		Channel:       ev.Channel,
		Sensitivity:   ev.Sensitivity,
		Tags:          tags,
		TokenEstimate: len(text) / 4,
		Importance:    importance,
		Text:          text,
		Scope:         ScopeSession,
		SubjectType:   "session",
		SubjectID:     ev.SessionID,
	}
}

func extractText(content json.RawMessage) string {
	var doc struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &doc); err == nil && doc.Text != "" {
		return doc.Text
	}
	return string(content)
}
