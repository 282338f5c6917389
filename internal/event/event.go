// Package event implements the append-only event store: the engine's source
// of truth. Events record raw actor activity (messages, tool calls,
// decisions, artifacts) and are never mutated once written.
package event

import (
	"encoding/json"
	"time"
)

// Channels an event may be recorded on. Chunk visibility blocks apply per
// channel, so the set here is closed.
const (
	ChannelPrivate = "private"
	ChannelPublic  = "public"
	ChannelTeam    = "team"
	ChannelAgent   = "agent"
)

// Sensitivity levels, least to most restricted.
const (
	SensitivityNone   = "none"
	SensitivityLow    = "low"
	SensitivityHigh   = "high"
	SensitivitySecret = "secret"
)

// Actor identifies who produced an event.
type Actor struct {
	Type string `json:"type"` // "human", "agent", "system"
	ID   string `json:"id"`
}

// Event is one immutable record of actor activity, owned by the session
// that produced it.
type Event struct {
	EventID     string          `json:"event_id"`
	TenantID    string          `json:"tenant_id"`
	SessionID   string          `json:"session_id"`
	Channel     string          `json:"channel"`
	Actor       Actor           `json:"actor"`
	Kind        string          `json:"kind"` // "message", "tool_call", "decision", "artifact"
	Sensitivity string          `json:"sensitivity"`
	Tags        []string        `json:"tags"`
	Content     json.RawMessage `json:"content"`
	TS          time.Time       `json:"ts"`
}

// ValidChannel reports whether ch is one of the closed channel set.
func ValidChannel(ch string) bool {
	switch ch {
	case ChannelPrivate, ChannelPublic, ChannelTeam, ChannelAgent:
		return true
	}
	return false
}

// ValidSensitivity reports whether s is a known sensitivity level.
func ValidSensitivity(s string) bool {
	switch s {
	case SensitivityNone, SensitivityLow, SensitivityHigh, SensitivitySecret:
		return true
	}
	return false
}
