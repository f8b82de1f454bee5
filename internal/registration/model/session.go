// Package model holds the registration session record and the staged data
// bundle it carries. The session is exclusively owned by the orchestrator:
// created on initiate, mutated on every transition, read-only once terminal.
package model

import (
	"time"

	"github.com/google/uuid"
)

// FlowKind selects which lifecycle shape a session follows.
type FlowKind string

const (
	// FlowApproval is the committee-reviewed onboarding flow.
	FlowApproval FlowKind = "approval"
	// FlowPayment is the self-service flow gated on payment confirmation.
	FlowPayment FlowKind = "payment"
)

// State is a session lifecycle state. The two flows share the mechanism and
// differ only in their adjacency tables.
type State string

const (
	// Approval-gated flow.
	StateStaged                   State = "STAGED"
	StateEmailVerificationPending State = "EMAIL_VERIFICATION_PENDING"
	StateEmailVerified            State = "EMAIL_VERIFIED"
	StatePendingApproval          State = "PENDING_APPROVAL"
	StateApproved                 State = "APPROVED"

	// Payment-gated flow.
	StateInitiated         State = "INITIATED"
	StateCollectingData    State = "COLLECTING_DATA"
	StatePricingCalculated State = "PRICING_CALCULATED"
	StatePaymentPending    State = "PAYMENT_PENDING"
	StatePaymentConfirmed  State = "PAYMENT_CONFIRMED"

	// Shared.
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateExpired    State = "EXPIRED"
	StateCancelled  State = "CANCELLED"
	StateRejected   State = "REJECTED"
)

// Terminal reports whether s is an immutable sink.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExpired, StateCancelled, StateRejected:
		return true
	}
	return false
}

// Outcome classifies one entity creation attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "SUCCESS"
	OutcomeFailure     Outcome = "FAILURE"
	OutcomeCompensated Outcome = "COMPENSATED"
)

// CreationRecord is one append-only entry in the session's progress log.
// Entries are never rewritten except for the SUCCESS→COMPENSATED flip during
// rollback, which appends a new record rather than mutating the original.
type CreationRecord struct {
	EntityType  EntityType `json:"entityType"`
	Outcome     Outcome    `json:"outcome"`
	ExternalID  string     `json:"externalId,omitempty"`
	ErrorDetail string     `json:"errorDetail,omitempty"`
	RecordedAt  time.Time  `json:"recordedAt"`
}

// Session tracks one in-progress multi-entity registration attempt.
type Session struct {
	ID        string    `json:"id"`
	Flow      FlowKind  `json:"flow"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	// Version guards conditional writes at the store layer. Every persisted
	// mutation increments it; a stale write fails.
	Version int64 `json:"version"`

	// EmailKey is the normalized natural key enforcing the one-in-progress-
	// session-per-email policy.
	EmailKey string `json:"emailKey"`

	// VerifyToken is the email verification secret for the approval flow.
	VerifyToken string `json:"verifyToken,omitempty"`

	Bundle    Bundle           `json:"bundle"`
	Progress  []CreationRecord `json:"progress"`
	LastError string           `json:"lastError,omitempty"`
}

// NewSession creates a session in the flow's initial state. UUIDv4 gives the
// token the required entropy.
func NewSession(flow FlowKind, bundle Bundle, ttl time.Duration, now time.Time) *Session {
	initial := StateStaged
	verify := ""
	if flow == FlowPayment {
		initial = StateInitiated
	} else {
		verify = uuid.NewString()
	}
	return &Session{
		ID:          uuid.NewString(),
		Flow:        flow,
		State:       initial,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Version:     1,
		EmailKey:    bundle.EmailKey(),
		VerifyToken: verify,
		Bundle:      bundle,
	}
}

// ExpiredAt reports whether the session has passed its TTL. Every read path
// treats an expired session as absent regardless of physical deletion.
func (s *Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// BundleMutable reports whether staged data may still change. The bundle
// freezes once the validation gate has passed.
func (s *Session) BundleMutable() bool {
	switch s.State {
	case StateStaged, StateInitiated, StateCollectingData:
		return true
	}
	return false
}

// SucceededEntity reports whether the progress log already records a SUCCESS
// for the entity type that was not later compensated, along with its external
// id. The sequencer uses this for idempotent resume.
func (s *Session) SucceededEntity(entity EntityType) (string, bool) {
	externalID := ""
	ok := false
	for _, rec := range s.Progress {
		if rec.EntityType != entity {
			continue
		}
		switch rec.Outcome {
		case OutcomeSuccess:
			externalID, ok = rec.ExternalID, true
		case OutcomeCompensated:
			externalID, ok = "", false
		}
	}
	return externalID, ok
}

// AppendRecord appends one progress entry stamped at now.
func (s *Session) AppendRecord(rec CreationRecord, now time.Time) {
	rec.RecordedAt = now
	s.Progress = append(s.Progress, rec)
}
