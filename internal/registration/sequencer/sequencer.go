// Package sequencer executes the multi-entity creation saga for a session:
// a fixed dependency-ordered plan of remote creates with idempotent resume
// and reverse-order compensation on required-step failure.
package sequencer

import (
	"context"
	"log/slog"
	"time"

	dErrors "enrolld/pkg/domain-errors"

	"enrolld/internal/platform/metrics"
	"enrolld/internal/registration/model"
	"enrolld/internal/registration/store"
)

// EntityCreator is one step's remote effect. Satisfied by
// entitystore.EntityClient.
type EntityCreator interface {
	EntityType() model.EntityType
	Create(ctx context.Context, b model.Bundle, parents map[model.EntityType]string) (string, error)
	Delete(ctx context.Context, externalID string) error
}

// Step is one slot in the creation plan. Optional steps never trigger
// compensation: an absent slot is skipped, a failed create is recorded and
// the run continues.
type Step struct {
	Creator  EntityCreator
	Required bool
	Present  func(b model.Bundle) bool
}

// planEntry pins the dependency order. Children bind to the person record,
// so person always runs first; membership last among required steps so a
// rejection there rolls back the least.
var planEntries = []struct {
	entity   model.EntityType
	required bool
	present  func(b model.Bundle) bool
}{
	{model.EntityPerson, true, func(b model.Bundle) bool { return b.Person != nil }},
	{model.EntityAddress, true, func(b model.Bundle) bool { return b.Address != nil }},
	{model.EntityContact, true, func(b model.Bundle) bool { return b.Contact != nil }},
	{model.EntityIdentity, true, func(b model.Bundle) bool { return b.Identity != nil }},
	{model.EntityEducation, false, func(b model.Bundle) bool { return b.Education != nil }},
	{model.EntityMembership, true, func(b model.Bundle) bool { return b.Membership != nil }},
	{model.EntityPreferences, false, func(b model.Bundle) bool { return b.Preferences != nil }},
}

// BuildSteps orders the given creators into the fixed plan. Creators for
// entities outside the plan are ignored; a missing creator for a plan entry
// drops that entry, which only makes sense in tests.
func BuildSteps(creators ...EntityCreator) []Step {
	byType := make(map[model.EntityType]EntityCreator, len(creators))
	for _, c := range creators {
		byType[c.EntityType()] = c
	}
	steps := make([]Step, 0, len(planEntries))
	for _, entry := range planEntries {
		c, ok := byType[entry.entity]
		if !ok {
			continue
		}
		steps = append(steps, Step{Creator: c, Required: entry.required, Present: entry.present})
	}
	return steps
}

// Sequencer runs the plan against a session, persisting progress after every
// recorded outcome so a crashed run resumes without repeating completed
// creates.
type Sequencer struct {
	steps   []Step
	store   store.SessionStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Sequencer) { q.logger = logger }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Sequencer) { q.now = now }
}

// New creates a sequencer over the given plan.
func New(sessions store.SessionStore, m *metrics.Metrics, steps []Step, opts ...Option) *Sequencer {
	q := &Sequencer{
		steps:   steps,
		store:   sessions,
		metrics: m,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Run executes the plan for s, mutating its progress log in place. The
// session must already be in PROCESSING; Run does not transition state.
//
// A nil return means every required step holds a SUCCESS record. A non-nil
// return is either a store error (the run can be retried and will resume) or
// an entity_creation_failed domain error, in which case every prior SUCCESS
// has been compensated and the caller should fail the session.
func (q *Sequencer) Run(ctx context.Context, s *model.Session) error {
	parents := make(map[model.EntityType]string, len(q.steps))
	for _, step := range q.steps {
		entity := step.Creator.EntityType()

		if id, ok := s.SucceededEntity(entity); ok {
			parents[entity] = id
			continue
		}
		if !step.Present(s.Bundle) {
			if step.Required {
				// Validation guarantees required slots; reaching here means
				// the session was corrupted after the freeze.
				return dErrors.Newf(dErrors.CodeEntityCreationFailed,
					"required %s data missing from frozen bundle", entity)
			}
			continue
		}

		start := q.now()
		externalID, err := step.Creator.Create(ctx, s.Bundle, parents)
		q.observeStep(entity, err == nil, q.now().Sub(start))

		if err == nil {
			parents[entity] = externalID
			s.AppendRecord(model.CreationRecord{
				EntityType: entity,
				Outcome:    model.OutcomeSuccess,
				ExternalID: externalID,
			}, q.now())
			if perr := q.persist(ctx, s); perr != nil {
				return perr
			}
			continue
		}

		s.AppendRecord(model.CreationRecord{
			EntityType:  entity,
			Outcome:     model.OutcomeFailure,
			ErrorDetail: err.Error(),
		}, q.now())

		if !step.Required {
			q.logger.WarnContext(ctx, "optional entity creation failed, continuing",
				"session_id", s.ID,
				"entity", entity,
				"error", err.Error(),
			)
			if perr := q.persist(ctx, s); perr != nil {
				return perr
			}
			continue
		}

		q.logger.ErrorContext(ctx, "required entity creation failed, compensating",
			"session_id", s.ID,
			"entity", entity,
			"error", err.Error(),
		)
		s.LastError = string(entity) + ": " + err.Error()
		if perr := q.persist(ctx, s); perr != nil {
			return perr
		}
		if perr := q.compensate(ctx, s); perr != nil {
			return perr
		}
		return dErrors.Wrap(dErrors.CodeEntityCreationFailed,
			"creating "+string(entity)+" failed", err)
	}
	return nil
}

// compensate deletes every prior SUCCESS in reverse plan order. A failed
// delete is recorded but never stops the sweep; a human reconciles leaked
// records from the progress log.
func (q *Sequencer) compensate(ctx context.Context, s *model.Session) error {
	for i := len(q.steps) - 1; i >= 0; i-- {
		step := q.steps[i]
		entity := step.Creator.EntityType()
		externalID, ok := s.SucceededEntity(entity)
		if !ok {
			continue
		}

		q.metrics.Compensations.Inc()
		rec := model.CreationRecord{
			EntityType: entity,
			Outcome:    model.OutcomeCompensated,
			ExternalID: externalID,
		}
		if err := step.Creator.Delete(ctx, externalID); err != nil {
			rec.ErrorDetail = err.Error()
			q.logger.ErrorContext(ctx, "compensation delete failed",
				"session_id", s.ID,
				"entity", entity,
				"external_id", externalID,
				"error", err.Error(),
			)
		}
		s.AppendRecord(rec, q.now())
		if perr := q.persist(ctx, s); perr != nil {
			return perr
		}
	}
	return nil
}

// persist writes the session under optimistic concurrency, bumping the
// version. The sequencer is the sole writer while a session is PROCESSING,
// so a mismatch means operator interference and aborts the run.
func (q *Sequencer) persist(ctx context.Context, s *model.Session) error {
	prev := s.Version
	s.Version++
	if err := q.store.Update(ctx, s, prev); err != nil {
		s.Version = prev
		return err
	}
	return nil
}

func (q *Sequencer) observeStep(entity model.EntityType, ok bool, elapsed time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	q.metrics.StepDuration.WithLabelValues(string(entity), outcome).Observe(elapsed.Seconds())
}
