// Package statemachine enforces legal session state transitions over static
// adjacency tables, one per flow. Transitions are the only point where a
// session's TTL may be extended.
package statemachine

import (
	"time"

	"enrolld/internal/registration/model"
	dErrors "enrolld/pkg/domain-errors"
)

// Adjacency tables. Terminal states have no outgoing edges; a request to
// leave one always fails.
var approvalTable = map[model.State][]model.State{
	model.StateStaged: {
		model.StateEmailVerificationPending,
		model.StateCancelled, model.StateExpired,
	},
	model.StateEmailVerificationPending: {
		model.StateEmailVerified,
		model.StateCancelled, model.StateExpired,
	},
	model.StateEmailVerified: {
		model.StatePendingApproval,
		model.StateCancelled, model.StateExpired,
	},
	model.StatePendingApproval: {
		model.StateApproved, model.StateRejected,
		model.StateCancelled, model.StateExpired,
	},
	model.StateApproved: {
		model.StateProcessing,
		model.StateCancelled, model.StateExpired,
	},
	model.StateProcessing: {
		model.StateCompleted, model.StateFailed,
	},
}

var paymentTable = map[model.State][]model.State{
	model.StateInitiated: {
		model.StateCollectingData, model.StatePricingCalculated,
		model.StateFailed, model.StateCancelled, model.StateExpired,
	},
	model.StateCollectingData: {
		model.StatePricingCalculated,
		model.StateFailed, model.StateCancelled, model.StateExpired,
	},
	model.StatePricingCalculated: {
		model.StatePaymentPending,
		model.StateFailed, model.StateCancelled, model.StateExpired,
	},
	model.StatePaymentPending: {
		model.StatePaymentConfirmed,
		model.StateFailed, model.StateCancelled, model.StateExpired,
	},
	model.StatePaymentConfirmed: {
		model.StateProcessing,
		model.StateFailed, model.StateCancelled, model.StateExpired,
	},
	model.StateProcessing: {
		model.StateCompleted, model.StateFailed,
	},
}

// Machine applies transitions and the per-target TTL policy.
type Machine struct {
	reviewWindow  time.Duration
	paymentWindow time.Duration
}

// Option configures a Machine.
type Option func(*Machine)

// WithReviewWindow sets the TTL granted on entering PENDING_APPROVAL.
func WithReviewWindow(d time.Duration) Option {
	return func(m *Machine) { m.reviewWindow = d }
}

// WithPaymentWindow sets the TTL granted on entering PAYMENT_PENDING.
func WithPaymentWindow(d time.Duration) Option {
	return func(m *Machine) { m.paymentWindow = d }
}

// New creates a Machine with default review (72h) and payment (48h) windows.
func New(opts ...Option) *Machine {
	m := &Machine{
		reviewWindow:  72 * time.Hour,
		paymentWindow: 48 * time.Hour,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CanStep reports whether the flow's table permits from→to.
func (m *Machine) CanStep(flow model.FlowKind, from, to model.State) bool {
	table := approvalTable
	if flow == model.FlowPayment {
		table = paymentTable
	}
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Step validates and applies a transition in place, bumping the version and
// extending the TTL where the target state grants a longer window. An illegal
// request leaves the session untouched.
func (m *Machine) Step(s *model.Session, to model.State, now time.Time) error {
	if !m.CanStep(s.Flow, s.State, to) {
		return dErrors.Newf(dErrors.CodeInvalidStateTransition,
			"cannot transition from %s to %s", s.State, to)
	}

	s.State = to
	s.Version++

	// Only explicit writes tied to transitions extend TTL, never reads.
	switch to {
	case model.StatePendingApproval:
		if deadline := now.Add(m.reviewWindow); deadline.After(s.ExpiresAt) {
			s.ExpiresAt = deadline
		}
	case model.StatePaymentPending:
		if deadline := now.Add(m.paymentWindow); deadline.After(s.ExpiresAt) {
			s.ExpiresAt = deadline
		}
	}
	return nil
}
