package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Schema for the audit sink table. Applied by deployment tooling; EnsureSchema
// exists for local development.
const auditSchema = `
CREATE TABLE IF NOT EXISTS registration_audit (
	id         UUID PRIMARY KEY,
	event_name TEXT NOT NULL,
	session_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	occurred   TIMESTAMPTZ NOT NULL,
	snapshot   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS registration_audit_session_idx ON registration_audit (session_id);
`

// PostgresSink appends lifecycle events to an audit table. Append-only:
// rows are never updated or read back by the orchestrator.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink connects the audit sink. Returns nil when no DSN is
// configured.
func NewPostgresSink(dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// EnsureSchema creates the audit table when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, auditSchema)
	return err
}

func (s *PostgresSink) Name() string { return "postgres-audit" }

func (s *PostgresSink) Handle(ctx context.Context, event LifecycleEvent) error {
	snapshot, err := json.Marshal(event.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	occurred := event.Timestamp
	if occurred.IsZero() {
		occurred = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO registration_audit (id, event_name, session_id, from_state, to_state, occurred, snapshot)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), event.Name, event.SessionID, event.FromState, event.ToState, occurred, snapshot,
	)
	if err != nil {
		return fmt.Errorf("append audit row: %w", err)
	}
	return nil
}

// Close releases the database pool.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
