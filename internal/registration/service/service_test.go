package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "enrolld/pkg/domain-errors"
	"enrolld/pkg/platform/sentinel"

	"enrolld/internal/events"
	"enrolld/internal/platform/metrics"
	"enrolld/internal/registration/model"
	"enrolld/internal/registration/sequencer"
	"enrolld/internal/registration/statemachine"
	"enrolld/internal/registration/store"
	"enrolld/internal/registration/validate"
)

// promauto registers on the default registry; one instance per test binary.
var testMetrics = metrics.New()

type fakeRunner struct {
	err   error
	calls int
}

func (f *fakeRunner) Run(_ context.Context, _ *model.Session) error {
	f.calls++
	return f.err
}

type captureEmitter struct {
	mu     sync.Mutex
	events []events.LifecycleEvent
}

func (c *captureEmitter) Emit(event events.LifecycleEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureEmitter) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Name
	}
	return out
}

func validBundle() model.Bundle {
	return model.Bundle{
		Person:     &model.PersonPayload{FirstName: "Ada", LastName: "Lovelace", BirthDate: "1990-03-14"},
		Address:    &model.AddressPayload{Street: "1 Main St", City: "Dublin", PostalCode: "D02 AF30", Country: "IE"},
		Contact:    &model.ContactPayload{Email: "ada@example.org"},
		Identity:   &model.IdentityPayload{NationalID: "1234567A", Nationality: "IE"},
		Membership: &model.MembershipPayload{Grade: "member", Declaration: true},
	}
}

type fixture struct {
	svc     *Service
	store   store.SessionStore
	runner  *fakeRunner
	emitter *captureEmitter
}

func newFixture(opts ...Option) *fixture {
	mem := store.NewMemory()
	runner := &fakeRunner{}
	emitter := &captureEmitter{}
	svc := New(mem, statemachine.New(), validate.New(), runner, emitter, testMetrics, opts...)
	return &fixture{svc: svc, store: mem, runner: runner, emitter: emitter}
}

func TestInitiate_CreatesApprovalSession(t *testing.T) {
	f := newFixture()

	session, err := f.svc.Initiate(context.Background(), model.FlowApproval, validBundle())
	require.NoError(t, err)

	assert.Equal(t, model.StateStaged, session.State)
	assert.NotEmpty(t, session.ID)
	assert.NotEmpty(t, session.VerifyToken)
	assert.Equal(t, "ada@example.org", session.EmailKey)
	assert.Contains(t, f.emitter.names(), events.EventInitiated)
}

func TestInitiate_RejectsUnknownFlowAndMissingEmail(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Initiate(context.Background(), model.FlowKind("sponsorship"), validBundle())
	assert.Equal(t, dErrors.CodeBadRequest, dErrors.CodeOf(err))

	bundle := validBundle()
	bundle.Contact = nil
	_, err = f.svc.Initiate(context.Background(), model.FlowApproval, bundle)
	assert.Equal(t, dErrors.CodeBadRequest, dErrors.CodeOf(err))
}

func TestInitiate_DuplicateInProgressSessionRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Initiate(ctx, model.FlowApproval, validBundle())
	require.NoError(t, err)

	_, err = f.svc.Initiate(ctx, model.FlowApproval, validBundle())
	assert.Equal(t, dErrors.CodeDuplicateSession, dErrors.CodeOf(err))
}

func TestInitiate_TerminalSessionDoesNotBlockNewOne(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.svc.Initiate(ctx, model.FlowApproval, validBundle())
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, first.ID)
	require.NoError(t, err)

	_, err = f.svc.Initiate(ctx, model.FlowApproval, validBundle())
	assert.NoError(t, err)
}

func TestValidate_MissingDeclarationReturnsSingleViolation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	bundle := validBundle()
	bundle.Membership = &model.MembershipPayload{Grade: "member", Declaration: false}
	session, err := f.svc.Initiate(ctx, model.FlowApproval, bundle)
	require.NoError(t, err)

	result, err := f.svc.Validate(ctx, session.ID, nil)
	require.NoError(t, err)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "declaration", result.Violations[0].Field)
	assert.Equal(t, validate.CodeRequired, result.Violations[0].Code)
	assert.Equal(t, model.StateStaged, result.State)
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	bundle := validBundle()
	bundle.Address.PostalCode = "XX"
	bundle.Membership.Declaration = false
	bundle.Education = &model.EducationPayload{Category: "interpretive dance"}
	session, err := f.svc.Initiate(ctx, model.FlowApproval, bundle)
	require.NoError(t, err)

	result, err := f.svc.Validate(ctx, session.ID, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(result.Violations), 3)
}

func TestValidate_SuccessAdvancesApprovalFlow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	session, err := f.svc.Initiate(ctx, model.FlowApproval, validBundle())
	require.NoError(t, err)

	result, err := f.svc.Validate(ctx, session.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Violations)
	assert.Equal(t, model.StateEmailVerificationPending, result.State)
}

func TestValidate_PatchMergesAndAdvancesPaymentFlow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	bundle := validBundle()
	person := bundle.Person
	bundle.Person = nil
	session, err := f.svc.Initiate(ctx, model.FlowPayment, bundle)
	require.NoError(t, err)
	assert.Equal(t, model.StateInitiated, session.State)

	// First patch is incomplete; session moves to COLLECTING_DATA and the
	// violations cover the still-missing person slot.
	result, err := f.svc.Validate(ctx, session.ID, &model.Bundle{})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Violations)
	assert.Equal(t, model.StateCollectingData, result.State)

	result, err = f.svc.Validate(ctx, session.ID, &model.Bundle{Person: person})
	require.NoError(t, err)
	assert.Empty(t, result.Violations)
	assert.Equal(t, model.StatePricingCalculated, result.State)
}

func TestValidate_EmailChangeRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	session, err := f.svc.Initiate(ctx, model.FlowApproval, validBundle())
	require.NoError(t, err)

	_, err = f.svc.Validate(ctx, session.ID, &model.Bundle{
		Contact: &model.ContactPayload{Email: "other@example.org"},
	})
	assert.Equal(t, dErrors.CodeBadRequest, dErrors.CodeOf(err))
}

func TestValidate_FrozenBundleRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	session, err := f.svc.Initiate(ctx, model.FlowApproval, validBundle())
	require.NoError(t, err)
	_, err = f.svc.Validate(ctx, session.ID, nil)
	require.NoError(t, err)

	_, err = f.svc.Validate(ctx, session.ID, nil)
	assert.Equal(t, dErrors.CodeInvalidStateTransition, dErrors.CodeOf(err))
}

func TestVerifyEmail_TokenGateAndQueueing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	session, err := f.svc.Initiate(ctx, model.FlowApproval, validBundle())
	require.NoError(t, err)
	_, err = f.svc.Validate(ctx, session.ID, nil)
	require.NoError(t, err)

	_, err = f.svc.VerifyEmail(ctx, session.ID, "wrong-token")
	assert.Equal(t, dErrors.CodeForbidden, dErrors.CodeOf(err))

	verified, err := f.svc.VerifyEmail(ctx, session.ID, session.VerifyToken)
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingApproval, verified.State)

	// Entering the review queue grants the longer review window.
	assert.Greater(t, verified.ExpiresAt.Sub(verified.CreatedAt), 24*time.Hour)
}

func pendingApprovalSession(t *testing.T, f *fixture) *model.Session {
	t.Helper()
	ctx := context.Background()
	session, err := f.svc.Initiate(ctx, model.FlowApproval, validBundle())
	require.NoError(t, err)
	_, err = f.svc.Validate(ctx, session.ID, nil)
	require.NoError(t, err)
	session, err = f.svc.VerifyEmail(ctx, session.ID, session.VerifyToken)
	require.NoError(t, err)
	return session
}

func TestApprove_RecordsDecision(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	session := pendingApprovalSession(t, f)

	approved, err := f.svc.Approve(ctx, session.ID, DecisionApprove, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, approved.State)
	assert.Contains(t, f.emitter.names(), events.EventApproved)
}

func TestApprove_RejectIsTerminal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	session := pendingApprovalSession(t, f)

	rejected, err := f.svc.Approve(ctx, session.ID, DecisionReject, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateRejected, rejected.State)

	_, err = f.svc.Approve(ctx, session.ID, DecisionApprove, "reviewer-2")
	assert.Equal(t, dErrors.CodeInvalidStateTransition, dErrors.CodeOf(err))
}

// raceStore makes the next conditional write lose, simulating a concurrent
// writer landing between this operation's read and write.
type raceStore struct {
	store.SessionStore
	loseNext bool
}

func (r *raceStore) Update(ctx context.Context, s *model.Session, expectedVersion int64) error {
	if r.loseNext {
		r.loseNext = false
		return sentinel.ErrVersionMismatch
	}
	return r.SessionStore.Update(ctx, s, expectedVersion)
}

func TestApprove_ConcurrentLoserGetsConcurrentModification(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	session := pendingApprovalSession(t, f)

	racing := &raceStore{SessionStore: f.store, loseNext: true}
	svc := New(racing, statemachine.New(), validate.New(), f.runner, f.emitter, testMetrics)

	_, err := svc.Approve(ctx, session.ID, DecisionReject, "reviewer-2")
	assert.Equal(t, dErrors.CodeConcurrentModification, dErrors.CodeOf(err))
	assert.True(t, dErrors.Retryable(err))
}

func TestExecute_RunsSagaAndCompletes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	session := pendingApprovalSession(t, f)
	_, err := f.svc.Approve(ctx, session.ID, DecisionApprove, "reviewer-1")
	require.NoError(t, err)

	done, err := f.svc.Execute(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, done.State)
	assert.Equal(t, 1, f.runner.calls)
	assert.Contains(t, f.emitter.names(), events.EventProcessing)
	assert.Contains(t, f.emitter.names(), events.EventCompleted)
}

func TestExecute_IdempotentOnCompleted(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	session := pendingApprovalSession(t, f)
	_, err := f.svc.Approve(ctx, session.ID, DecisionApprove, "reviewer-1")
	require.NoError(t, err)
	_, err = f.svc.Execute(ctx, session.ID)
	require.NoError(t, err)

	again, err := f.svc.Execute(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, again.State)
	assert.Equal(t, 1, f.runner.calls, "saga must not rerun")
}

func TestExecute_RequiresAuthorizedState(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	session, err := f.svc.Initiate(ctx, model.FlowApproval, validBundle())
	require.NoError(t, err)

	_, err = f.svc.Execute(ctx, session.ID)
	assert.Equal(t, dErrors.CodeInvalidStateTransition, dErrors.CodeOf(err))
	assert.Zero(t, f.runner.calls)
}

func TestExecute_SagaFailureEndsFailed(t *testing.T) {
	f := newFixture()
	f.runner.err = dErrors.New(dErrors.CodeEntityCreationFailed, "creating contact failed")
	ctx := context.Background()
	session := pendingApprovalSession(t, f)
	_, err := f.svc.Approve(ctx, session.ID, DecisionApprove, "reviewer-1")
	require.NoError(t, err)

	failed, err := f.svc.Execute(ctx, session.ID)
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeEntityCreationFailed, dErrors.CodeOf(err))
	require.NotNil(t, failed)
	assert.Equal(t, model.StateFailed, failed.State)
	assert.Contains(t, f.emitter.names(), events.EventFailed)
}

func TestPaymentFlow_EndToEnd(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	session, err := f.svc.Initiate(ctx, model.FlowPayment, validBundle())
	require.NoError(t, err)

	result, err := f.svc.Validate(ctx, session.ID, nil)
	require.NoError(t, err)
	require.Equal(t, model.StatePricingCalculated, result.State)

	pending, err := f.svc.RequestPayment(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePaymentPending, pending.State)

	confirmed, err := f.svc.ConfirmPayment(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePaymentConfirmed, confirmed.State)

	done, err := f.svc.Execute(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, done.State)
}

func TestStatus_ExpiredSessionReadsAsAbsent(t *testing.T) {
	now := time.Now()
	clock := &now
	mem := store.NewMemory().WithClock(func() time.Time { return *clock })
	svc := New(mem, statemachine.New(), validate.New(), &fakeRunner{}, &captureEmitter{}, testMetrics,
		WithTTLs(time.Minute, time.Minute),
		WithClock(func() time.Time { return *clock }),
	)
	ctx := context.Background()

	session, err := svc.Initiate(ctx, model.FlowApproval, validBundle())
	require.NoError(t, err)

	_, err = svc.Status(ctx, session.ID)
	require.NoError(t, err)

	later := now.Add(2 * time.Minute)
	clock = &later
	_, err = svc.Status(ctx, session.ID)
	assert.Equal(t, dErrors.CodeSessionNotFound, dErrors.CodeOf(err))
}

func TestCancel_FromNonTerminalOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	session, err := f.svc.Initiate(ctx, model.FlowApproval, validBundle())
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, cancelled.State)

	_, err = f.svc.Cancel(ctx, session.ID)
	assert.Equal(t, dErrors.CodeInvalidStateTransition, dErrors.CodeOf(err))
}

// End-to-end with the real sequencer: a mid-plan create failure rolls back
// every earlier success in reverse and the session ends FAILED with an
// inspectable progress log.
func TestExecute_WithRealSequencerRollsBack(t *testing.T) {
	mem := store.NewMemory()
	emitter := &captureEmitter{}

	creators := []sequencer.EntityCreator{
		&scriptedCreator{entity: model.EntityPerson},
		&scriptedCreator{entity: model.EntityAddress},
		&scriptedCreator{entity: model.EntityContact, createErr: errors.New("connection reset")},
		&scriptedCreator{entity: model.EntityIdentity},
		&scriptedCreator{entity: model.EntityMembership},
	}
	seq := sequencer.New(mem, testMetrics, sequencer.BuildSteps(creators...))
	svc := New(mem, statemachine.New(), validate.New(), seq, emitter, testMetrics)
	ctx := context.Background()

	session, err := svc.Initiate(ctx, model.FlowPayment, validBundle())
	require.NoError(t, err)
	_, err = svc.Validate(ctx, session.ID, nil)
	require.NoError(t, err)
	_, err = svc.RequestPayment(ctx, session.ID)
	require.NoError(t, err)
	_, err = svc.ConfirmPayment(ctx, session.ID)
	require.NoError(t, err)

	failed, err := svc.Execute(ctx, session.ID)
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeEntityCreationFailed, dErrors.CodeOf(err))
	assert.Equal(t, model.StateFailed, failed.State)

	var outcomes []string
	for _, rec := range failed.Progress {
		outcomes = append(outcomes, string(rec.EntityType)+":"+string(rec.Outcome))
	}
	assert.Equal(t, []string{
		"person:SUCCESS",
		"address:SUCCESS",
		"contact:FAILURE",
		"address:COMPENSATED",
		"person:COMPENSATED",
	}, outcomes)

	// The stored record matches what the caller saw.
	stored, err := svc.Status(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, stored.State)
	assert.Len(t, stored.Progress, 5)
}

type scriptedCreator struct {
	entity    model.EntityType
	createErr error
}

func (c *scriptedCreator) EntityType() model.EntityType { return c.entity }

func (c *scriptedCreator) Create(_ context.Context, _ model.Bundle, _ map[model.EntityType]string) (string, error) {
	if c.createErr != nil {
		return "", c.createErr
	}
	return string(c.entity) + "-ext", nil
}

func (c *scriptedCreator) Delete(_ context.Context, _ string) error { return nil }
