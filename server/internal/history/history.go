// Package history persists published relay events in sqlite so that
// operators can see what a scope went through. It is optional: the relay
// runs without it when server.history.path is empty.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	event       TEXT    NOT NULL,
	scope       TEXT    NOT NULL DEFAULT '',
	data        TEXT    NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_scope ON events (scope, received_at);
CREATE INDEX IF NOT EXISTS idx_events_received ON events (received_at);
`

// Event is one stored publish.
type Event struct {
	ID         int64           `json:"id"`
	Event      string          `json:"event"`
	Scope      string          `json:"scope,omitempty"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

// History is a sqlite-backed event log.
type History struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*History, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared and serialises writes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &History{db: db, now: time.Now}, nil
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

// Record appends one event stamped with the current time.
func (h *History) Record(ctx context.Context, event, scope string, data json.RawMessage) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO events (event, scope, data, received_at) VALUES (?, ?, ?, ?)`,
		event, scope, string(data), h.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("history: record %s: %w", event, err)
	}
	return nil
}

// List returns up to limit events for scope, newest first.
func (h *History) List(ctx context.Context, scope string, limit int) ([]Event, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, event, scope, data, received_at FROM events
		 WHERE scope = ? ORDER BY received_at DESC, id DESC LIMIT ?`,
		scope, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query %q: %w", scope, err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var (
			e    Event
			data string
			ts   int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &e.Scope, &data, &ts); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Data = json.RawMessage(data)
		e.ReceivedAt = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return out, nil
}

// Prune deletes events received before cutoff and returns how many were
// removed.
func (h *History) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := h.db.ExecContext(ctx, `DELETE FROM events WHERE received_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

// Run prunes events older than retention every interval until ctx is
// cancelled. A zero retention keeps everything.
func (h *History) Run(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := h.Prune(ctx, h.now().Add(-retention))
			if err != nil {
				slog.Warn("history: prune failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Debug("history: pruned events", "count", n)
			}
		}
	}
}
