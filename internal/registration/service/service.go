// Package service is the orchestrator facade. Every operation is a
// short-lived unit of work: read one session, mutate it through the state
// machine, write it back under optimistic concurrency. No operation holds a
// session across calls, so instances scale horizontally with no coordination
// beyond the store's conditional writes.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	dErrors "enrolld/pkg/domain-errors"
	"enrolld/pkg/platform/sentinel"

	"enrolld/internal/events"
	"enrolld/internal/platform/metrics"
	"enrolld/internal/registration/model"
	"enrolld/internal/registration/statemachine"
	"enrolld/internal/registration/store"
	"enrolld/internal/registration/validate"
)

const tracerName = "enrolld/internal/registration/service"

// Runner executes the entity-creation saga. Satisfied by
// sequencer.Sequencer.
type Runner interface {
	Run(ctx context.Context, s *model.Session) error
}

// Emitter publishes lifecycle events. Satisfied by events.Dispatcher.
type Emitter interface {
	Emit(event events.LifecycleEvent)
}

// Decision is a reviewer's verdict on a PENDING_APPROVAL session.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ValidationResult is the outcome of one Validate call. Either Violations is
// non-empty and State is unchanged by the gate, or Violations is empty and
// State is the advanced post-validation state.
type ValidationResult struct {
	State      model.State
	Violations []validate.Violation
}

// Service composes the store, validator, state machine, sequencer, and event
// emitter into the caller-facing registration operations.
type Service struct {
	sessions  store.SessionStore
	machine   *statemachine.Machine
	validator *validate.Validator
	runner    Runner
	emitter   Emitter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer

	approvalTTL time.Duration
	paymentTTL  time.Duration
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithTTLs overrides the per-flow initial session TTLs.
func WithTTLs(approval, payment time.Duration) Option {
	return func(s *Service) {
		s.approvalTTL = approval
		s.paymentTTL = payment
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates the orchestrator facade.
func New(
	sessions store.SessionStore,
	machine *statemachine.Machine,
	validator *validate.Validator,
	runner Runner,
	emitter Emitter,
	m *metrics.Metrics,
	opts ...Option,
) *Service {
	s := &Service{
		sessions:    sessions,
		machine:     machine,
		validator:   validator,
		runner:      runner,
		emitter:     emitter,
		metrics:     m,
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		approvalTTL: 24 * time.Hour,
		paymentTTL:  48 * time.Hour,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initiate creates a session for the given flow with shape-valid staged data.
// Business validation happens later at the Validate gate. One non-terminal
// session per contact email: a live duplicate fails with duplicate_session.
func (s *Service) Initiate(ctx context.Context, flow model.FlowKind, bundle model.Bundle) (*model.Session, error) {
	ctx, span := s.tracer.Start(ctx, "registration.initiate",
		trace.WithAttributes(attribute.String("flow", string(flow))))
	defer span.End()

	if flow != model.FlowApproval && flow != model.FlowPayment {
		return nil, s.fail(span, dErrors.Newf(dErrors.CodeBadRequest, "unknown flow %q", flow))
	}
	if bundle.EmailKey() == "" {
		return nil, s.fail(span, dErrors.New(dErrors.CodeBadRequest, "contact email is required"))
	}

	existing, err := s.sessions.FindByEmail(ctx, bundle.EmailKey())
	switch {
	case err == nil && !existing.State.Terminal():
		return nil, s.fail(span, dErrors.Newf(dErrors.CodeDuplicateSession,
			"a registration is already in progress for this email"))
	case err != nil && !errors.Is(err, sentinel.ErrNotFound):
		return nil, s.fail(span, translateStore(err))
	}

	ttl := s.approvalTTL
	if flow == model.FlowPayment {
		ttl = s.paymentTTL
	}
	session := model.NewSession(flow, bundle, ttl, s.now())

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, s.fail(span, translateStore(err))
	}

	s.metrics.SessionsInitiated.WithLabelValues(string(flow)).Inc()
	s.emit(events.EventInitiated, session, session.State, session.State)
	s.logger.InfoContext(ctx, "registration session initiated",
		"session_id", session.ID,
		"flow", flow,
	)
	span.SetAttributes(attribute.String("session_id", session.ID))
	return session, nil
}

// Validate merges an optional partial bundle while the bundle is still
// mutable, runs the full cross-entity check set, and advances the session
// when no violations remain. Violations leave the lifecycle gate unpassed
// and the complete list is returned so callers can present every problem at
// once.
func (s *Service) Validate(ctx context.Context, sessionID string, patch *model.Bundle) (*ValidationResult, error) {
	ctx, span := s.tracer.Start(ctx, "registration.validate",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if !session.BundleMutable() {
		return nil, s.fail(span, dErrors.Newf(dErrors.CodeInvalidStateTransition,
			"staged data is frozen in state %s", session.State))
	}

	expected := session.Version
	from := session.State

	if patch != nil {
		merged := session.Bundle.Merge(*patch)
		if merged.EmailKey() != session.EmailKey {
			// The natural key anchors the duplicate policy and the store
			// index; changing it mid-session is not supported.
			return nil, s.fail(span, dErrors.New(dErrors.CodeBadRequest,
				"contact email cannot change after initiate"))
		}
		session.Bundle = merged
		if session.State == model.StateInitiated {
			if err := s.machine.Step(session, model.StateCollectingData, s.now()); err != nil {
				return nil, s.fail(span, err)
			}
		}
	}

	violations := s.validator.Validate(session.Bundle)
	if len(violations) > 0 {
		s.metrics.ValidationFailures.Inc()
		// Persist the merged bundle so the caller's fixes accumulate. Step
		// already bumped the version when INITIATED moved to COLLECTING_DATA.
		if session.Version == expected {
			session.Version++
		}
		if err := s.sessions.Update(ctx, session, expected); err != nil {
			return nil, s.fail(span, translateStore(err))
		}
		span.SetAttributes(attribute.Int("violations", len(violations)))
		return &ValidationResult{State: session.State, Violations: violations}, nil
	}

	target := model.StateEmailVerificationPending
	if session.Flow == model.FlowPayment {
		target = model.StatePricingCalculated
	}
	if err := s.machine.Step(session, target, s.now()); err != nil {
		return nil, s.fail(span, err)
	}
	if err := s.sessions.Update(ctx, session, expected); err != nil {
		return nil, s.fail(span, translateStore(err))
	}

	s.metrics.Transitions.WithLabelValues(string(session.State)).Inc()
	name := events.EventValidated
	if session.State == model.StatePricingCalculated {
		name = events.EventPricingReady
	}
	s.emit(name, session, from, session.State)
	return &ValidationResult{State: session.State}, nil
}

// VerifyEmail confirms the approval flow's address-ownership check and moves
// the session into the review queue. The token comes from the initiate
// notification mail.
func (s *Service) VerifyEmail(ctx context.Context, sessionID, token string) (*model.Session, error) {
	ctx, span := s.tracer.Start(ctx, "registration.verify_email",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if session.Flow != model.FlowApproval {
		return nil, s.fail(span, dErrors.New(dErrors.CodeInvalidStateTransition,
			"email verification applies to the approval flow only"))
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(session.VerifyToken)) != 1 {
		return nil, s.fail(span, dErrors.New(dErrors.CodeForbidden, "verification token mismatch"))
	}

	expected := session.Version
	from := session.State
	// Verified sessions queue for review immediately; EMAIL_VERIFIED is
	// never a resting state.
	if err := s.machine.Step(session, model.StateEmailVerified, s.now()); err != nil {
		return nil, s.fail(span, err)
	}
	if err := s.machine.Step(session, model.StatePendingApproval, s.now()); err != nil {
		return nil, s.fail(span, err)
	}
	if err := s.sessions.Update(ctx, session, expected); err != nil {
		return nil, s.fail(span, translateStore(err))
	}

	s.metrics.Transitions.WithLabelValues(string(session.State)).Inc()
	s.emit(events.EventEmailVerified, session, from, session.State)
	s.emit(events.EventPendingApproval, session, model.StateEmailVerified, session.State)
	return session, nil
}

// Approve records a reviewer's decision. The elevated-privilege capability is
// verified by the transport layer before this is reached; the orchestrator
// never re-checks it. Losers of a concurrent decision race get
// concurrent_modification, or invalid_state_transition when the session
// already turned terminal.
func (s *Service) Approve(ctx context.Context, sessionID string, decision Decision, approver string) (*model.Session, error) {
	ctx, span := s.tracer.Start(ctx, "registration.approve",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("decision", string(decision)),
		))
	defer span.End()

	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if session.Flow != model.FlowApproval {
		return nil, s.fail(span, dErrors.New(dErrors.CodeInvalidStateTransition,
			"approval decisions apply to the approval flow only"))
	}

	var target model.State
	switch decision {
	case DecisionApprove:
		target = model.StateApproved
	case DecisionReject:
		target = model.StateRejected
	default:
		return nil, s.fail(span, dErrors.Newf(dErrors.CodeBadRequest, "unknown decision %q", decision))
	}

	expected := session.Version
	from := session.State
	if err := s.machine.Step(session, target, s.now()); err != nil {
		return nil, s.fail(span, err)
	}
	if err := s.sessions.Update(ctx, session, expected); err != nil {
		return nil, s.fail(span, translateStore(err))
	}

	s.metrics.Transitions.WithLabelValues(string(session.State)).Inc()
	name := events.EventApproved
	if target == model.StateRejected {
		name = events.EventRejected
	}
	s.emit(name, session, from, session.State)
	s.logger.InfoContext(ctx, "approval decision recorded",
		"session_id", session.ID,
		"decision", decision,
		"approver", approver,
	)
	return session, nil
}

// RequestPayment opens the payment window on a priced session. Creating the
// provider-side payment intent is the transport boundary's job.
func (s *Service) RequestPayment(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.step(ctx, "registration.request_payment", sessionID,
		model.StatePaymentPending, events.EventTransitioned)
}

// ConfirmPayment records the provider's confirmation callback.
func (s *Service) ConfirmPayment(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.step(ctx, "registration.confirm_payment", sessionID,
		model.StatePaymentConfirmed, events.EventPaymentConfirmed)
}

// step applies one guarded transition and persists it.
func (s *Service) step(ctx context.Context, spanName, sessionID string, target model.State, eventName string) (*model.Session, error) {
	ctx, span := s.tracer.Start(ctx, spanName,
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, err)
	}
	expected := session.Version
	from := session.State
	if err := s.machine.Step(session, target, s.now()); err != nil {
		return nil, s.fail(span, err)
	}
	if err := s.sessions.Update(ctx, session, expected); err != nil {
		return nil, s.fail(span, translateStore(err))
	}
	s.metrics.Transitions.WithLabelValues(string(session.State)).Inc()
	s.emit(eventName, session, from, session.State)
	return session, nil
}

// Execute materializes the staged bundle in the remote store. Idempotent:
// repeated calls resume from the progress log without re-invoking completed
// steps, and an already-COMPLETED session returns as-is.
func (s *Service) Execute(ctx context.Context, sessionID string) (*model.Session, error) {
	ctx, span := s.tracer.Start(ctx, "registration.execute",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, err)
	}

	switch session.State {
	case model.StateCompleted:
		return session, nil
	case model.StateApproved, model.StatePaymentConfirmed:
		expected := session.Version
		from := session.State
		if err := s.machine.Step(session, model.StateProcessing, s.now()); err != nil {
			return nil, s.fail(span, err)
		}
		// The conditional write is the execution lock: a concurrent execute
		// loses here and must re-read status.
		if err := s.sessions.Update(ctx, session, expected); err != nil {
			return nil, s.fail(span, translateStore(err))
		}
		s.metrics.Transitions.WithLabelValues(string(session.State)).Inc()
		s.emit(events.EventProcessing, session, from, session.State)
	case model.StateProcessing:
		// Crash or retry mid-run; resume below.
	default:
		return nil, s.fail(span, dErrors.Newf(dErrors.CodeInvalidStateTransition,
			"cannot execute from state %s", session.State))
	}

	runErr := s.runner.Run(ctx, session)
	switch {
	case runErr == nil:
		if err := s.finish(ctx, session, model.StateCompleted, events.EventCompleted); err != nil {
			return nil, s.fail(span, err)
		}
		s.metrics.SessionsCompleted.WithLabelValues(string(session.Flow)).Inc()
		s.logger.InfoContext(ctx, "registration completed",
			"session_id", session.ID,
			"entities", len(session.Progress),
		)
		return session, nil

	case dErrors.Is(runErr, dErrors.CodeEntityCreationFailed):
		if err := s.finish(ctx, session, model.StateFailed, events.EventFailed); err != nil {
			return nil, s.fail(span, err)
		}
		s.metrics.SessionsFailed.WithLabelValues(string(session.Flow)).Inc()
		s.logger.ErrorContext(ctx, "registration failed and was rolled back",
			"session_id", session.ID,
			"error", runErr.Error(),
		)
		return session, s.fail(span, runErr)

	default:
		// Store trouble mid-run; the progress log makes a retry safe.
		return nil, s.fail(span, translateStore(runErr))
	}
}

// finish applies the terminal transition after a sequencer run and persists
// it.
func (s *Service) finish(ctx context.Context, session *model.Session, target model.State, eventName string) error {
	expected := session.Version
	from := session.State
	if err := s.machine.Step(session, target, s.now()); err != nil {
		return err
	}
	if err := s.sessions.Update(ctx, session, expected); err != nil {
		return translateStore(err)
	}
	s.metrics.Transitions.WithLabelValues(string(session.State)).Inc()
	s.emit(eventName, session, from, session.State)
	return nil
}

// Status returns the session snapshot, including the full progress log.
// Read-only; never extends TTL.
func (s *Service) Status(ctx context.Context, sessionID string) (*model.Session, error) {
	ctx, span := s.tracer.Start(ctx, "registration.status",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, err)
	}
	return session, nil
}

// Cancel is the caller-initiated terminal transition. Not permitted while
// the sequencer owns the session in PROCESSING; the saga must finish or roll
// back first.
func (s *Service) Cancel(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.step(ctx, "registration.cancel", sessionID,
		model.StateCancelled, events.EventCancelled)
}

// Sweep physically reclaims expired sessions. Correctness never depends on
// it running; lazy expiry already hides stale records from readers.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	purged, err := s.sessions.PurgeExpired(ctx, s.now())
	if err != nil {
		return 0, translateStore(err)
	}
	if purged > 0 {
		s.logger.InfoContext(ctx, "purged expired sessions", "count", purged)
	}
	return purged, nil
}

func (s *Service) load(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, translateStore(err)
	}
	return session, nil
}

func (s *Service) emit(name string, session *model.Session, from, to model.State) {
	s.emitter.Emit(events.LifecycleEvent{
		Name:      name,
		SessionID: session.ID,
		FromState: from,
		ToState:   to,
		Timestamp: s.now(),
		Snapshot:  events.SnapshotOf(session),
	})
}

// fail records err on the span and passes it through.
func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// translateStore maps infrastructure sentinels onto the caller-facing
// taxonomy. Domain errors pass through untouched.
func translateStore(err error) error {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(dErrors.CodeSessionNotFound, "session not found or expired", err)
	case errors.Is(err, sentinel.ErrVersionMismatch):
		return dErrors.Wrap(dErrors.CodeConcurrentModification,
			"session was modified concurrently, re-read status and retry", err)
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(dErrors.CodeDuplicateSession, "session already exists", err)
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(dErrors.CodeStoreUnavailable, "backing store unavailable", err)
	default:
		return dErrors.Wrap(dErrors.CodeInternal, "internal error", err)
	}
}
