// Package store provides durable keyed storage for registration sessions
// with per-key TTL. Reads treat an expired record as absent (lazy expiry);
// writes are conditional on an expected version to prevent lost updates.
package store

import (
	"context"
	"time"

	"enrolld/internal/registration/model"
)

// SessionStore is the narrow adapter the orchestrator owns sessions through.
// Implementations return sentinel errors (pkg/platform/sentinel):
// ErrConflict from Create when the key exists, ErrNotFound from reads of
// absent or expired keys, ErrVersionMismatch from stale conditional writes,
// ErrUnavailable (wrapped) when the backing store is unreachable.
type SessionStore interface {
	// Create stores a new session, failing if the key already exists.
	Create(ctx context.Context, s *model.Session) error

	// Get returns the session or ErrNotFound. It never extends TTL.
	Get(ctx context.Context, sessionID string) (*model.Session, error)

	// Update replaces the full record, conditional on the stored version
	// still being expectedVersion. TTL is re-derived from ExpiresAt, so
	// transition writes are the only place TTL moves.
	Update(ctx context.Context, s *model.Session, expectedVersion int64) error

	// Delete removes the session and its natural-key index.
	Delete(ctx context.Context, sessionID string) error

	// FindByEmail resolves the natural-key index to the most recently
	// created session for that email, with Get's expiry semantics.
	FindByEmail(ctx context.Context, emailKey string) (*model.Session, error)

	// PurgeExpired physically reclaims expired records. Correctness never
	// depends on it; lazy expiry already hides stale reads.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
