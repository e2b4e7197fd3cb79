// Package ruleflow runs automation rules: it takes trigger events, queues
// executions and walks their steps on a pool of workers, pausing on
// approvals and delays without holding a worker.
package ruleflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ccbhj/ruleflow/action"
	"github.com/ccbhj/ruleflow/approval"
	"github.com/ccbhj/ruleflow/condition"
	"github.com/ccbhj/ruleflow/execution"
	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/internal/metrics"
	"github.com/ccbhj/ruleflow/notify"
	"github.com/ccbhj/ruleflow/rule"
	"github.com/ccbhj/ruleflow/scheduler"
	"github.com/ccbhj/ruleflow/store"
)

type (
	// Indexer receives every execution that reaches a terminal state.
	Indexer interface {
		Index(ctx context.Context, e *execution.Execution) error
	}

	Engine struct {
		repo      store.Repository
		registry  *action.Registry
		eval      *condition.Evaluator
		tracker   *execution.Tracker
		gate      *approval.Gate
		pool      *scheduler.Pool
		queue     scheduler.Queue
		notifier  notify.Dispatcher
		indexer   Indexer
		directory approval.Directory

		logger   *zap.Logger
		metrics  *metrics.Metrics
		now      func() time.Time
		workers  int
		claimTTL time.Duration
		resubmit time.Duration
		instance string
	}

	Option func(*Engine)

	SweepResult struct {
		ExpiredApprovals int
		TimedOut         int
	}
)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithQueue replaces the default bounded in-memory queue.
func WithQueue(q scheduler.Queue) Option {
	return func(e *Engine) { e.queue = q }
}

func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithNotifier(d notify.Dispatcher) Option {
	return func(e *Engine) {
		if d != nil {
			e.notifier = d
		}
	}
}

func WithIndexer(x Indexer) Option {
	return func(e *Engine) { e.indexer = x }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDirectory resolves approver roles for approval steps that list roles.
func WithDirectory(d approval.Directory) Option {
	return func(e *Engine) { e.directory = d }
}

// WithClaimTTL bounds how long a crashed worker keeps an execution locked.
func WithClaimTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.claimTTL = d
		}
	}
}

func WithResubmitInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.resubmit = d
		}
	}
}

func New(repo store.Repository, registry *action.Registry, opts ...Option) *Engine {
	e := &Engine{
		repo:     repo,
		registry: registry,
		notifier: notify.Nop,
		logger:   zap.NewNop(),
		now:      time.Now,
		workers:  4,
		claimTTL: 5 * time.Minute,
		resubmit: time.Second,
		instance: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.queue == nil {
		e.queue = scheduler.NewMemoryQueue(256)
	}
	if e.registry == nil {
		e.registry = action.NewRegistry(action.WithLogger(e.logger), action.WithMetrics(e.metrics))
	}

	e.eval = condition.NewEvaluator(e.logger.Named("condition"))
	e.tracker = execution.NewTracker(repo,
		execution.WithClock(e.now),
		execution.WithLogger(e.logger),
		execution.WithMetrics(e.metrics),
		execution.OnTerminal(e.onTerminal))

	gateOpts := []approval.Option{
		approval.WithClock(e.now),
		approval.WithLogger(e.logger),
		approval.WithMetrics(e.metrics),
	}
	if e.directory != nil {
		gateOpts = append(gateOpts, approval.WithDirectory(e.directory))
	}
	e.gate = approval.NewGate(repo, e.onApprovalResolved, gateOpts...)

	e.pool = scheduler.NewPool(e.queue, e,
		scheduler.WithWorkers(e.workers),
		scheduler.WithResubmitInterval(e.resubmit),
		scheduler.WithClock(e.now),
		scheduler.WithLogger(e.logger),
		scheduler.WithMetrics(e.metrics))
	return e
}

func (e *Engine) Registry() *action.Registry { return e.registry }

// Start returns redelivered work to the queue, starts the workers and
// re-submits executions that were queued or running when the process last
// stopped.
func (e *Engine) Start(ctx context.Context) error {
	if r, ok := e.queue.(interface {
		Recover(ctx context.Context) (int, error)
	}); ok {
		n, err := r.Recover(ctx)
		if err != nil {
			return errors.Wrap(err, "recover queue")
		}
		if n > 0 {
			e.logger.Info("returned unacknowledged executions to the queue", zap.Int("count", n))
		}
	}
	if err := e.pool.Start(ctx); err != nil {
		return err
	}
	return e.recover(ctx)
}

func (e *Engine) Stop(ctx context.Context) error {
	return e.pool.Stop(ctx)
}

func (e *Engine) recover(ctx context.Context) error {
	open, err := e.repo.ListExecutions(ctx, store.ExecutionFilter{
		Status: []execution.Status{execution.Pending, execution.Running},
	})
	if err != nil {
		return errors.Wrap(err, "list unfinished executions")
	}
	n := 0
	for _, ex := range open {
		if ex.Rejected {
			e.discard(ctx, ex.ID)
			continue
		}
		n++
		at := ex.NotBefore
		if at.IsZero() {
			at = e.now()
		}
		e.pool.SubmitAfter(ex.ID, at)
	}
	if n > 0 {
		e.logger.Info("re-submitted unfinished executions", zap.Int("count", n))
	}
	return nil
}

// Submit snapshots the rule, records a pending execution and queues it. When
// the queue is full the record is removed again and the system fault is
// returned to the caller.
func (e *Engine) Submit(ctx context.Context, ruleID string, payload map[string]interface{}, actor rule.Identity) (string, error) {
	def, err := e.repo.GetRule(ctx, ruleID)
	if err != nil {
		return "", err
	}
	ex := e.newExecution(def.Normalized(), payload, actor)
	if err := e.repo.CreateExecution(ctx, ex); err != nil {
		return "", err
	}
	if err := e.pool.Submit(ctx, ex.ID); err != nil {
		e.discard(context.WithoutCancel(ctx), ex.ID)
		if _, ok := fault.As(err); !ok {
			err = fault.System(err, "enqueue execution for rule %s", ruleID)
		}
		return "", err
	}
	e.logger.Debug("execution submitted",
		zap.String("execution_id", ex.ID),
		zap.String("rule_id", ruleID),
		zap.String("actor", actor.UserID))
	return ex.ID, nil
}

// discard removes an execution the queue refused. When the delete fails the
// record is flagged so that neither recovery nor a stray delivery runs it.
func (e *Engine) discard(ctx context.Context, id string) {
	derr := e.repo.DeleteExecution(ctx, id)
	if derr == nil || fault.Is(derr, fault.KindNotFound) {
		return
	}
	_, err := e.repo.UpdateExecution(ctx, id, func(x *execution.Execution) error {
		x.Rejected = true
		x.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		e.logger.Error("remove rejected execution",
			zap.String("execution_id", id),
			zap.NamedError("delete_error", derr),
			zap.Error(err))
		return
	}
	e.logger.Warn("rejected execution flagged instead of removed",
		zap.String("execution_id", id), zap.Error(derr))
}

func (e *Engine) newExecution(def *rule.Definition, payload map[string]interface{}, actor rule.Identity) *execution.Execution {
	now := e.now()
	ex := &execution.Execution{
		ID:        uuid.New().String(),
		RuleID:    def.ID,
		Rule:      def,
		Status:    execution.Pending,
		Payload:   payload,
		Output:    map[string]interface{}{},
		Variables: def.Variables,
		Actor:     actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return ex.Clone()
}

// Resolve records an approver's decision on the approval an execution is
// paused on.
func (e *Engine) Resolve(ctx context.Context, executionID, approverID string, d approval.Decision, notes string) error {
	ex, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if ex.Status != execution.Paused || ex.ApprovalID == "" {
		return fault.Conflict("execution %s is %s, not waiting for approval", executionID, ex.Status)
	}
	_, err = e.gate.Resolve(ctx, ex.ApprovalID, approverID, d, notes)
	return err
}

// Cancel stops an execution. Pending and paused executions end immediately;
// a running one stops at its next step boundary.
func (e *Engine) Cancel(ctx context.Context, id string) (*execution.Execution, error) {
	for i := 0; i < 3; i++ {
		ex, err := e.repo.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		switch ex.Status {
		case execution.Pending, execution.Paused:
			from := ex.Status
			updated, err := e.tracker.Transition(ctx, id, execution.Cancelled, func(x *execution.Execution) error {
				if x.Status != from {
					return errStatusMoved
				}
				x.Error = "cancelled on request"
				return nil
			})
			if err == errStatusMoved {
				continue
			}
			if err != nil {
				return nil, err
			}
			if ex.ApprovalID != "" {
				if _, err := e.gate.Withdraw(ctx, ex.ApprovalID); err != nil {
					e.logger.Warn("withdraw approval", zap.String("approval_id", ex.ApprovalID), zap.Error(err))
				}
			}
			return updated, nil
		case execution.Running:
			updated, err := e.tracker.Update(ctx, id, func(x *execution.Execution) error {
				if x.Status != execution.Running {
					return errStatusMoved
				}
				x.CancelRequested = true
				return nil
			})
			if err == errStatusMoved {
				continue
			}
			return updated, err
		default:
			return nil, fault.Conflict("execution %s is already %s", id, ex.Status)
		}
	}
	return nil, fault.Conflict("execution %s changed state while cancelling", id)
}

var errStatusMoved = errors.New("execution status changed")

// Sweep expires overdue approvals and applies the timeout action to paused
// executions that outlived their max execution time.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	n, err := e.gate.Sweep(ctx)
	if err != nil {
		return res, err
	}
	res.ExpiredApprovals = n

	paused, err := e.repo.ListExecutions(ctx, store.ExecutionFilter{Status: []execution.Status{execution.Paused}})
	if err != nil {
		return res, errors.Wrap(err, "list paused executions")
	}
	now := e.now()
	for _, ex := range paused {
		deadline, ok := ex.Deadline()
		if !ok || now.Before(deadline) {
			continue
		}
		res.TimedOut++
		if ex.Rule.EffectiveTimeoutAction() == rule.TimeoutCancel {
			e.cancelPaused(ctx, ex, "max execution time exceeded")
			continue
		}
		// continue and notify resume past the approval as if it expired
		if _, err := e.gate.Expire(ctx, ex.ApprovalID); err != nil {
			e.logger.Error("expire approval of timed out execution",
				zap.String("execution_id", ex.ID), zap.Error(err))
		}
	}
	return res, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if res, err := e.Sweep(ctx); err != nil {
				e.logger.Error("sweep", zap.Error(err))
			} else if res.ExpiredApprovals+res.TimedOut > 0 {
				e.logger.Info("sweep",
					zap.Int("expired_approvals", res.ExpiredApprovals),
					zap.Int("timed_out", res.TimedOut))
			}
		}
	}
}

func (e *Engine) cancelPaused(ctx context.Context, ex *execution.Execution, reason string) {
	_, err := e.tracker.Transition(ctx, ex.ID, execution.Cancelled, func(x *execution.Execution) error {
		if x.Status != execution.Paused || x.ApprovalID != ex.ApprovalID {
			return errStatusMoved
		}
		x.Error = reason
		return nil
	})
	if err != nil {
		if err != errStatusMoved {
			e.logger.Error("cancel paused execution", zap.String("execution_id", ex.ID), zap.Error(err))
		}
		return
	}
	if ex.ApprovalID != "" {
		if _, err := e.gate.Withdraw(ctx, ex.ApprovalID); err != nil {
			e.logger.Warn("withdraw approval", zap.String("approval_id", ex.ApprovalID), zap.Error(err))
		}
	}
}

// resubmit queues id again, falling back to a timer when the queue is full.
func (e *Engine) resubmitNow(ctx context.Context, id string) {
	if err := e.pool.Submit(ctx, id); err != nil {
		e.logger.Warn("queue rejected resumed execution, deferring",
			zap.String("execution_id", id), zap.Error(err))
		e.pool.SubmitAfter(id, e.now().Add(e.resubmit))
	}
}

func (e *Engine) Execution(ctx context.Context, id string) (*execution.Execution, error) {
	return e.repo.GetExecution(ctx, id)
}

func (e *Engine) Steps(ctx context.Context, executionID string) ([]*execution.StepExecution, error) {
	return e.repo.ListSteps(ctx, executionID)
}

func (e *Engine) Executions(ctx context.Context, f store.ExecutionFilter) ([]*execution.Execution, error) {
	return e.repo.ListExecutions(ctx, f)
}

func (e *Engine) Stats(ctx context.Context, ruleID string) (*execution.Stats, error) {
	return e.repo.GetStats(ctx, ruleID)
}

func (e *Engine) Approval(ctx context.Context, id string) (*approval.Approval, error) {
	return e.gate.Get(ctx, id)
}
