package execution

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/internal/metrics"
)

// Store is the slice of the repository the tracker writes through.
// UpdateExecution must apply fn atomically and persist nothing when fn fails.
type Store interface {
	UpdateExecution(ctx context.Context, id string, fn func(*Execution) error) (*Execution, error)
	SaveStep(ctx context.Context, step *StepExecution) error
	IncrementStats(ctx context.Context, ruleID string, status Status, at time.Time) error
}

// TerminalHook runs once for every execution that reaches a terminal state.
type TerminalHook func(ctx context.Context, e *Execution)

type Tracker struct {
	store   Store
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
	hooks   []TerminalHook
}

type TrackerOption func(*Tracker)

func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(logger *zap.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger.Named("tracker")
		}
	}
}

func WithMetrics(m *metrics.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

func OnTerminal(hook TerminalHook) TrackerOption {
	return func(t *Tracker) { t.hooks = append(t.hooks, hook) }
}

func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:  store,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transition applies mutate and the status change in one store update. The
// stats of a terminal transition are counted by the single caller whose
// update succeeded.
func (t *Tracker) Transition(ctx context.Context, id string, to Status, mutate func(*Execution) error) (*Execution, error) {
	now := t.now()
	var from Status
	updated, err := t.store.UpdateExecution(ctx, id, func(e *Execution) error {
		from = e.Status
		if mutate != nil {
			if err := mutate(e); err != nil {
				return err
			}
		}
		return e.Transition(to, now)
	})
	if err != nil {
		return nil, err
	}
	t.logger.Debug("execution transition",
		zap.String("execution_id", id),
		zap.String("rule_id", updated.RuleID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if to.Terminal() {
		t.finish(ctx, updated)
	}
	return updated, nil
}

func (t *Tracker) Start(ctx context.Context, id string) (*Execution, error) {
	return t.Transition(ctx, id, Running, nil)
}

// Resume moves a paused execution back to running. mutate may record the
// outcome of the step it was paused on.
func (t *Tracker) Resume(ctx context.Context, id string, mutate func(*Execution) error) (*Execution, error) {
	return t.Transition(ctx, id, Running, mutate)
}

// Pause parks a running execution on an approval at step index.
func (t *Tracker) Pause(ctx context.Context, id, approvalID string, step int) (*Execution, error) {
	return t.Transition(ctx, id, Paused, func(e *Execution) error {
		e.CurrentStep = step
		e.ApprovalID = approvalID
		return nil
	})
}

func (t *Tracker) Complete(ctx context.Context, id string, mutate func(*Execution) error) (*Execution, error) {
	return t.Transition(ctx, id, Completed, mutate)
}

// Fail ends the execution with cause as its error. Output gathered so far is
// kept.
func (t *Tracker) Fail(ctx context.Context, id string, cause error, mutate func(*Execution) error) (*Execution, error) {
	return t.Transition(ctx, id, Failed, func(e *Execution) error {
		if mutate != nil {
			if err := mutate(e); err != nil {
				return err
			}
		}
		e.Error = fault.Message(cause)
		e.ErrorKind = fault.KindOf(cause)
		e.Retryable = fault.IsRetryable(cause)
		return nil
	})
}

func (t *Tracker) Cancel(ctx context.Context, id, reason string) (*Execution, error) {
	return t.Transition(ctx, id, Cancelled, func(e *Execution) error {
		if reason != "" {
			e.Error = reason
		}
		return nil
	})
}

// Update saves progress of a live execution without changing its status.
func (t *Tracker) Update(ctx context.Context, id string, fn func(*Execution) error) (*Execution, error) {
	now := t.now()
	return t.store.UpdateExecution(ctx, id, func(e *Execution) error {
		if e.Status.Terminal() {
			return fault.Conflict("execution %s is already %s", e.ID, e.Status)
		}
		if err := fn(e); err != nil {
			return err
		}
		e.UpdatedAt = now
		return nil
	})
}

func (t *Tracker) RecordStep(ctx context.Context, step *StepExecution) error {
	if step.StartedAt.IsZero() {
		step.StartedAt = t.now()
	}
	if step.Status.Final() && step.CompletedAt.IsZero() {
		step.CompletedAt = t.now()
	}
	if err := t.store.SaveStep(ctx, step); err != nil {
		return err
	}
	if step.Status.Final() {
		t.metrics.StepFinished(string(step.StepType), string(step.Status))
	}
	return nil
}

func (t *Tracker) finish(ctx context.Context, e *Execution) {
	if err := t.store.IncrementStats(ctx, e.RuleID, e.Status, e.CompletedAt); err != nil {
		t.logger.Error("update rule stats",
			zap.String("execution_id", e.ID),
			zap.String("rule_id", e.RuleID),
			zap.Error(err))
	}
	t.metrics.ExecutionFinished(e.RuleID, string(e.Status), e.Duration())
	t.logger.Info("execution finished",
		zap.String("execution_id", e.ID),
		zap.String("rule_id", e.RuleID),
		zap.String("status", string(e.Status)),
		zap.Int("attempt", e.Attempt),
		zap.String("error", e.Error))
	for _, hook := range t.hooks {
		hook(ctx, e)
	}
}
