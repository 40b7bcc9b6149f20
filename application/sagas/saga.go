package sagas

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"treechat/pkg/utils"
)

// Step is one unit of a saga operating on shared state S.
type Step[S any] struct {
	Name    string
	Execute func(ctx context.Context, state *S) error
	// Compensate undoes Execute when a later required step fails.
	Compensate func(ctx context.Context, state *S) error
	// Optional steps log their failure and let the saga continue.
	Optional bool
	// Retry bounds re-execution; the zero value runs once.
	Retry utils.RetryConfig
}

// State is the lifecycle of a saga execution.
type State string

const (
	StatePending      State = "PENDING"
	StateRunning      State = "RUNNING"
	StateCompleted    State = "COMPLETED"
	StateCompensating State = "COMPENSATING"
	StateCompensated  State = "COMPENSATED"
)

// StepFailure records an optional step that did not succeed.
type StepFailure struct {
	Step string
	Err  error
}

// Saga runs steps in order and compensates completed ones, newest first,
// when a required step fails.
type Saga[S any] struct {
	id       string
	name     string
	steps    []Step[S]
	state    State
	failures []StepFailure
	logger   *zap.Logger
}

func New[S any](name string, logger *zap.Logger) *Saga[S] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Saga[S]{
		id:     uuid.New().String(),
		name:   name,
		state:  StatePending,
		logger: logger,
	}
}

// AddStep appends a step.
func (s *Saga[S]) AddStep(step Step[S]) *Saga[S] {
	s.steps = append(s.steps, step)
	return s
}

// Execute runs the saga against state.
func (s *Saga[S]) Execute(ctx context.Context, state *S) error {
	s.state = StateRunning
	s.logger.Info("Starting saga execution",
		zap.String("saga_id", s.id),
		zap.String("saga_name", s.name),
		zap.Int("total_steps", len(s.steps)),
	)

	var done []Step[S]
	for i, step := range s.steps {
		err := utils.RetryWithBackoff(ctx, step.Retry, nil, func(ctx context.Context) error {
			return step.Execute(ctx, state)
		})
		if err == nil {
			done = append(done, step)
			continue
		}

		if step.Optional {
			s.logger.Warn("Optional saga step failed, continuing",
				zap.String("saga_id", s.id),
				zap.String("step_name", step.Name),
				zap.Error(err),
			)
			s.failures = append(s.failures, StepFailure{Step: step.Name, Err: err})
			continue
		}

		s.logger.Error("Saga step failed",
			zap.String("saga_id", s.id),
			zap.String("step_name", step.Name),
			zap.Int("step_number", i+1),
			zap.Error(err),
		)
		s.compensate(ctx, state, done)
		return fmt.Errorf("saga %s failed at step %s: %w", s.name, step.Name, err)
	}

	s.state = StateCompleted
	s.logger.Info("Saga completed",
		zap.String("saga_id", s.id),
		zap.String("saga_name", s.name),
		zap.Int("skipped_steps", len(s.failures)),
	)
	return nil
}

// compensate undoes done in reverse order. A failing compensation is logged
// and the rest still run.
func (s *Saga[S]) compensate(ctx context.Context, state *S, done []Step[S]) {
	s.state = StateCompensating
	for i := len(done) - 1; i >= 0; i-- {
		if done[i].Compensate == nil {
			continue
		}
		if err := done[i].Compensate(ctx, state); err != nil {
			s.logger.Error("Compensation failed",
				zap.String("saga_id", s.id),
				zap.String("step_name", done[i].Name),
				zap.Error(err),
			)
		}
	}
	s.state = StateCompensated
}

func (s *Saga[S]) ID() string              { return s.id }
func (s *Saga[S]) State() State            { return s.state }
func (s *Saga[S]) Failures() []StepFailure { return s.failures }
