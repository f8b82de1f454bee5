// Package events carries lifecycle notifications out of the orchestrator.
// Events are published on every transition and never read back, so a
// misbehaving subscriber can never affect orchestrator correctness.
package events

import (
	"time"

	"enrolld/internal/registration/model"
)

// Lifecycle event names. One per meaningful transition; generic state moves
// use EventTransitioned.
const (
	EventInitiated        = "session.initiated"
	EventValidated        = "session.validated"
	EventEmailVerified    = "session.email_verified"
	EventPendingApproval  = "session.pending_approval"
	EventApproved         = "session.approved"
	EventRejected         = "session.rejected"
	EventPricingReady     = "session.pricing_calculated"
	EventPaymentConfirmed = "session.payment_confirmed"
	EventProcessing       = "session.processing"
	EventCompleted        = "session.completed"
	EventFailed           = "session.failed"
	EventCancelled        = "session.cancelled"
	EventTransitioned     = "session.transitioned"
)

// Snapshot is the minimal session view a subscriber may need. Staged payloads
// are not included wholesale; subscribers that need PII must go through the
// entity store.
type Snapshot struct {
	Flow      model.FlowKind         `json:"flow"`
	Email     string                 `json:"email,omitempty"`
	FirstName string                 `json:"firstName,omitempty"`
	LastName  string                 `json:"lastName,omitempty"`
	Progress  []model.CreationRecord `json:"progress,omitempty"`
	LastError string                 `json:"lastError,omitempty"`
}

// LifecycleEvent is published on every state transition.
type LifecycleEvent struct {
	Name      string      `json:"name"`
	SessionID string      `json:"sessionId"`
	FromState model.State `json:"fromState"`
	ToState   model.State `json:"toState"`
	Timestamp time.Time   `json:"timestamp"`
	Snapshot  Snapshot    `json:"snapshot"`
}

// SnapshotOf builds the event snapshot for a session.
func SnapshotOf(s *model.Session) Snapshot {
	snap := Snapshot{
		Flow:      s.Flow,
		Progress:  s.Progress,
		LastError: s.LastError,
	}
	if s.Bundle.Contact != nil {
		snap.Email = s.Bundle.Contact.Email
	}
	if s.Bundle.Person != nil {
		snap.FirstName = s.Bundle.Person.FirstName
		snap.LastName = s.Bundle.Person.LastName
	}
	return snap
}
