package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mnemos-io/mnemos/internal/memerr"
	mnemosotel "github.com/mnemos-io/mnemos/internal/otel"
	"github.com/mnemos-io/mnemos/internal/storage"
)

var tracer = mnemosotel.Tracer("github.com/mnemos-io/mnemos/internal/event")

const schema = `
CREATE TABLE IF NOT EXISTS events (
    event_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    actor_type TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    sensitivity TEXT NOT NULL DEFAULT 'none',
    tags TEXT NOT NULL DEFAULT '[]',
    content TEXT NOT NULL,
    ts TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_tenant_session ON events(tenant_id, session_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_tenant_ts ON events(tenant_id, ts);
`

// Store persists events in the shared SQLite database. Append-only: there
// is no update or delete path.
type Store struct {
	db *sql.DB
}

// NewStore initializes the events schema on db and returns a store.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating events schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append writes an event, assigning EventID and TS when unset.
// Channel and sensitivity must be members of their closed sets.
func (s *Store) Append(ctx context.Context, ev *Event) error {
	ctx, span := tracer.Start(ctx, "event.append",
		trace.WithAttributes(
			attribute.String("tenant_id", ev.TenantID),
			attribute.String("session_id", ev.SessionID),
			attribute.String("event.kind", ev.Kind),
		))
	defer span.End()

	if ev.TenantID == "" {
		return memerr.Validationf("tenant_id", "required")
	}
	if ev.SessionID == "" {
		return memerr.Validationf("session_id", "required")
	}
	if !ValidChannel(ev.Channel) {
		return memerr.Validationf("channel", "unknown channel %q", ev.Channel)
	}
	if ev.Sensitivity == "" {
		ev.Sensitivity = SensitivityNone
	}
	if !ValidSensitivity(ev.Sensitivity) {
		return memerr.Validationf("sensitivity", "unknown sensitivity %q", ev.Sensitivity)
	}
	if ev.EventID == "" {
		ev.EventID = "evt_" + uuid.New().String()[:12]
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if len(ev.Content) == 0 {
		ev.Content = json.RawMessage("{}")
	}

	tagsJSON, _ := json.Marshal(ev.Tags)
	if ev.Tags == nil {
		tagsJSON = []byte("[]")
	}

	err := storage.WithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO events (event_id, tenant_id, session_id, channel, actor_type, actor_id,
			                     kind, sensitivity, tags, content, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.EventID, ev.TenantID, ev.SessionID, ev.Channel, ev.Actor.Type, ev.Actor.ID,
			ev.Kind, ev.Sensitivity, string(tagsJSON), string(ev.Content), ev.TS)
		return err
	})
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}

	appendsTotal.Add(ctx, 1)
	span.SetAttributes(attribute.String("event.id", ev.EventID))
	return nil
}

// Get retrieves one event by ID, tenant-scoped.
func (s *Store) Get(ctx context.Context, tenantID, eventID string) (*Event, error) {
	ctx, span := tracer.Start(ctx, "event.get",
		trace.WithAttributes(attribute.String("event.id", eventID)))
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, tenant_id, session_id, channel, actor_type, actor_id,
		        kind, sensitivity, tags, content, ts
		 FROM events WHERE event_id = ? AND tenant_id = ?`, eventID, tenantID)

	ev, err := scanEvent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, memerr.NotFound("event", eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return ev, nil
}

// Recent returns the most recent events for a session, ts descending.
// This feeds the recent-window segment of context assembly.
func (s *Store) Recent(ctx context.Context, tenantID, sessionID string, limit int) ([]Event, error) {
	ctx, span := tracer.Start(ctx, "event.recent",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("session_id", sessionID),
		))
	defer span.End()

	query := `SELECT event_id, tenant_id, session_id, channel, actor_type, actor_id,
	                 kind, sensitivity, tags, content, ts
	          FROM events WHERE tenant_id = ? AND session_id = ?
	          ORDER BY ts DESC`
	args := []interface{}{tenantID, sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			continue
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// CountByTenant returns the number of events for a tenant (stats reporting).
func (s *Store) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}

func scanEvent(scan func(dest ...interface{}) error) (*Event, error) {
	var ev Event
	var tagsJSON, content string
	var ts interface{}
	err := scan(&ev.EventID, &ev.TenantID, &ev.SessionID, &ev.Channel,
		&ev.Actor.Type, &ev.Actor.ID, &ev.Kind, &ev.Sensitivity,
		&tagsJSON, &content, &ts)
	if err != nil {
		return nil, err
	}
	if t, ok := storage.ScanTime(ts); ok {
		ev.TS = t
	}
	_ = json.Unmarshal([]byte(tagsJSON), &ev.Tags)
	if ev.Tags == nil {
		ev.Tags = []string{}
	}
	ev.Content = json.RawMessage(content)
	return &ev, nil
}
