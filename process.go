package ruleflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ccbhj/ruleflow/approval"
	"github.com/ccbhj/ruleflow/execution"
	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/internal/values"
	"github.com/ccbhj/ruleflow/notify"
	"github.com/ccbhj/ruleflow/rule"
)

// next tells the step walker what to do after a step.
type next int

const (
	advance next = iota
	halt         // conditions stopped the run; complete it
	wait         // the execution was parked; release the worker
	ended        // the step already moved the execution to a terminal state
)

// run is the state of one Process call.
type run struct {
	*Engine
	ex     *execution.Execution
	owner  string
	logger *zap.Logger
}

// Process runs a queued execution until it pauses, waits for a delay or
// ends. It is the worker pool's Processor.
func (e *Engine) Process(ctx context.Context, id string) error {
	owner := e.instance + "/" + uuid.New().String()
	ok, err := e.repo.Claim(ctx, id, owner, e.claimTTL)
	if err != nil {
		e.pool.SubmitAfter(id, e.now().Add(e.resubmit))
		return err
	}
	if !ok {
		// The holder may be about to release it; look again later. A stale
		// delivery then finds nothing left to do.
		e.logger.Debug("execution claimed by another worker", zap.String("execution_id", id))
		e.pool.SubmitAfter(id, e.now().Add(e.resubmit))
		return nil
	}
	defer func() {
		if err := e.repo.Release(context.WithoutCancel(ctx), id, owner); err != nil {
			e.logger.Warn("release claim", zap.String("execution_id", id), zap.Error(err))
		}
	}()

	err = e.process(ctx, id, owner)
	if fault.Is(err, fault.KindSystem) {
		e.pool.SubmitAfter(id, e.now().Add(e.resubmit))
	}
	return err
}

func (e *Engine) process(ctx context.Context, id, owner string) error {
	ex, err := e.repo.GetExecution(ctx, id)
	if fault.Is(err, fault.KindNotFound) {
		e.logger.Warn("dropping unknown execution", zap.String("execution_id", id))
		return nil
	}
	if err != nil {
		return err
	}
	if ex.Rejected || ex.Status.Terminal() || ex.Status == execution.Paused {
		return nil
	}
	if ex.NotBefore.After(e.now()) {
		e.pool.SubmitAfter(id, ex.NotBefore)
		return nil
	}

	r := &run{
		Engine: e,
		ex:     ex,
		owner:  owner,
		logger: e.logger.With(
			zap.String("execution_id", id),
			zap.String("rule_id", ex.RuleID),
			zap.Int("attempt", ex.Attempt)),
	}
	if ex.Status == execution.Pending {
		if r.ex, err = e.tracker.Start(ctx, id); err != nil {
			return err
		}
		if !e.eval.Evaluate(r.ex.Rule.Conditions, r.ex.View()) {
			r.logger.Info("rule conditions not met")
			_, err = e.tracker.Complete(ctx, id, nil)
			return err
		}
	}
	return r.walk(ctx)
}

func (r *run) walk(ctx context.Context) error {
	steps := r.ex.Steps()
	for i := r.ex.CurrentStep; i < len(steps); i++ {
		if stop, err := r.boundary(ctx); stop || err != nil {
			return err
		}
		step := steps[i]
		out, n, err := r.step(ctx, i, step)
		if err != nil {
			return err
		}
		switch n {
		case wait, ended:
			return nil
		case halt:
			_, err = r.tracker.Complete(ctx, r.ex.ID, func(x *execution.Execution) error {
				x.CurrentStep = i + 1
				return nil
			})
			return err
		}
		if err := r.save(ctx, i+1, out, time.Time{}); err != nil {
			return err
		}
	}
	_, err := r.tracker.Complete(ctx, r.ex.ID, nil)
	return err
}

// save persists the progress of a finished step and extends the claim.
func (r *run) save(ctx context.Context, nextStep int, out map[string]interface{}, notBefore time.Time) error {
	updated, err := r.tracker.Update(ctx, r.ex.ID, func(x *execution.Execution) error {
		x.Output = values.Merge(x.Output, out)
		x.CurrentStep = nextStep
		x.NotBefore = notBefore
		return nil
	})
	if err != nil {
		return err
	}
	r.ex = updated
	if _, err := r.repo.Claim(ctx, r.ex.ID, r.owner, r.claimTTL); err != nil {
		r.logger.Warn("extend claim", zap.Error(err))
	}
	return nil
}

// boundary applies cancellation and the rule's max execution time before a
// step starts.
func (r *run) boundary(ctx context.Context) (bool, error) {
	if r.ex.CancelRequested {
		_, err := r.tracker.Cancel(ctx, r.ex.ID, "cancelled on request")
		return true, err
	}
	deadline, ok := r.ex.Deadline()
	if !ok || r.now().Before(deadline) {
		return false, nil
	}
	switch r.ex.Rule.EffectiveTimeoutAction() {
	case rule.TimeoutCancel:
		r.logger.Info("max execution time exceeded", zap.Time("deadline", deadline))
		_, err := r.tracker.Cancel(ctx, r.ex.ID, "max execution time exceeded")
		return true, err
	case rule.TimeoutNotify:
		if r.ex.TimeoutNotified {
			return false, nil
		}
		updated, err := r.tracker.Update(ctx, r.ex.ID, func(x *execution.Execution) error {
			x.TimeoutNotified = true
			return nil
		})
		if err != nil {
			return false, err
		}
		r.ex = updated
		r.notifyTimeout(ctx, r.ex)
	}
	return false, nil
}

// handlerContext carries the execution deadline when exceeding it cancels
// the run.
func (r *run) handlerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := r.ex.Deadline()
	if !ok || r.ex.Rule.EffectiveTimeoutAction() != rule.TimeoutCancel {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

func (r *run) step(ctx context.Context, i int, step rule.Step) (map[string]interface{}, next, error) {
	view := r.ex.View()
	rec := &execution.StepExecution{
		ExecutionID: r.ex.ID,
		StepID:      step.ID,
		StepName:    step.Label(),
		StepType:    step.Type,
		Order:       step.Order,
		Status:      execution.StepRunning,
		Input:       view,
	}
	if step.Type != rule.StepCondition && !r.eval.Evaluate(step.Conditions, view) {
		rec.Status = execution.StepSkipped
		r.logger.Debug("step skipped", zap.String("step_id", step.ID))
		return nil, advance, r.tracker.RecordStep(ctx, rec)
	}
	if step.Type != rule.StepApproval {
		if err := r.tracker.RecordStep(ctx, rec); err != nil {
			return nil, 0, err
		}
	}

	switch step.Type {
	case rule.StepAction:
		return r.actions(ctx, rec, step, view)
	case rule.StepIntegration, rule.StepScript:
		return r.dispatch(ctx, rec, step, view)
	case rule.StepCondition:
		passed := r.eval.Evaluate(step.Conditions, view)
		rec.Status = execution.StepCompleted
		rec.Output = map[string]interface{}{"passed": passed}
		if err := r.tracker.RecordStep(ctx, rec); err != nil {
			return nil, 0, err
		}
		if !passed {
			r.logger.Info("condition step halted the run", zap.String("step_id", step.ID))
			return nil, halt, nil
		}
		return nil, advance, nil
	case rule.StepDelay:
		return r.delay(ctx, i, rec, step)
	case rule.StepNotification:
		return r.notification(ctx, rec, step)
	case rule.StepApproval:
		return r.approval(ctx, i, rec, step)
	}
	return nil, 0, fault.Validation("step %s: unknown type %q", step.ID, step.Type)
}

func (r *run) actions(ctx context.Context, rec *execution.StepExecution, step rule.Step, view map[string]interface{}) (map[string]interface{}, next, error) {
	hctx, cancel := r.handlerContext(ctx)
	defer cancel()

	out := make(map[string]interface{}, len(step.Actions))
	for _, a := range step.Actions {
		res, err := r.registry.Execute(hctx, a.Type, a.Config, view)
		if err != nil {
			r.logger.Warn("action failed",
				zap.String("step_id", step.ID),
				zap.String("action", a.Name),
				zap.String("action_type", a.Type),
				zap.Error(err))
			return nil, ended, r.failStep(ctx, rec, out, err)
		}
		out[a.Name] = res
		if o, ok := view["output"].(map[string]interface{}); ok {
			o[a.Name] = values.CloneMap(res)
		}
	}
	rec.Status = execution.StepCompleted
	rec.Output = out
	return out, advance, r.tracker.RecordStep(ctx, rec)
}

func (r *run) dispatch(ctx context.Context, rec *execution.StepExecution, step rule.Step, view map[string]interface{}) (map[string]interface{}, next, error) {
	handler := rule.String(step.Config, "handler")
	if handler == "" {
		handler = string(step.Type)
	}
	hctx, cancel := r.handlerContext(ctx)
	defer cancel()

	res, err := r.registry.Execute(hctx, handler, step.Config, view)
	if err != nil {
		r.logger.Warn("step handler failed",
			zap.String("step_id", step.ID),
			zap.String("action_type", handler),
			zap.Error(err))
		return nil, ended, r.failStep(ctx, rec, nil, err)
	}
	out := map[string]interface{}{step.ID: res}
	rec.Status = execution.StepCompleted
	rec.Output = out
	return out, advance, r.tracker.RecordStep(ctx, rec)
}

// failStep records the failed step and fails the execution, keeping the
// output of actions that already succeeded. A handler stopped by the
// execution deadline cancels the run instead.
func (r *run) failStep(ctx context.Context, rec *execution.StepExecution, partial map[string]interface{}, cause error) error {
	rec.Status = execution.StepFailed
	rec.Output = partial
	rec.Error = fault.Message(cause)
	if err := r.tracker.RecordStep(ctx, rec); err != nil {
		return err
	}
	if deadline, ok := r.ex.Deadline(); ok && !r.now().Before(deadline) &&
		r.ex.Rule.EffectiveTimeoutAction() == rule.TimeoutCancel {
		_, err := r.tracker.Cancel(ctx, r.ex.ID, "max execution time exceeded")
		return err
	}
	_, err := r.tracker.Fail(ctx, r.ex.ID, cause, func(x *execution.Execution) error {
		x.Output = values.Merge(x.Output, partial)
		return nil
	})
	return err
}

func (r *run) delay(ctx context.Context, i int, rec *execution.StepExecution, step rule.Step) (map[string]interface{}, next, error) {
	d, _, err := rule.Duration(step.Config, "duration")
	if err != nil {
		return nil, ended, r.failStep(ctx, rec, nil, err)
	}
	until := r.now().Add(d)
	rec.Status = execution.StepCompleted
	rec.Output = map[string]interface{}{"until": until.Format(time.RFC3339Nano)}
	if err := r.tracker.RecordStep(ctx, rec); err != nil {
		return nil, 0, err
	}
	if err := r.save(ctx, i+1, nil, until); err != nil {
		return nil, 0, err
	}
	r.logger.Debug("execution delayed", zap.String("step_id", step.ID), zap.Time("until", until))
	r.pool.SubmitAfter(r.ex.ID, until)
	return nil, wait, nil
}

func (r *run) notification(ctx context.Context, rec *execution.StepExecution, step rule.Step) (map[string]interface{}, next, error) {
	n := notify.Notification{
		Kind:        notify.KindMessage,
		Title:       rule.String(step.Config, "title"),
		Message:     rule.String(step.Config, "message"),
		Recipients:  rule.Strings(step.Config, "recipients"),
		Channel:     rule.String(step.Config, "channel"),
		ExecutionID: r.ex.ID,
		RuleID:      r.ex.RuleID,
	}
	if len(n.Recipients) == 0 {
		n.Recipients = values.CloneStrings(r.ex.Rule.Notify.Recipients)
	}
	if n.Channel == "" {
		n.Channel = r.ex.Rule.Notify.Channel
	}
	rec.Status = execution.StepCompleted
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.logger.Warn("notification step delivery failed", zap.String("step_id", step.ID), zap.Error(err))
		rec.Status = execution.StepFailed
		rec.Error = err.Error()
	}
	return nil, advance, r.tracker.RecordStep(ctx, rec)
}

func (r *run) approval(ctx context.Context, i int, rec *execution.StepExecution, step rule.Step) (map[string]interface{}, next, error) {
	id := approval.ID(r.ex.ID, step.ID)
	a, err := r.gate.Get(ctx, id)
	if fault.Is(err, fault.KindNotFound) {
		a, err = r.requestApproval(ctx, rec, step)
	}
	if err != nil {
		if fault.Is(err, fault.KindSystem) {
			return nil, 0, err
		}
		return nil, ended, r.failStep(ctx, rec, nil, err)
	}

	switch a.Status {
	case approval.StatusPending:
		if _, err := r.tracker.Pause(ctx, r.ex.ID, a.ID, i); err != nil {
			return nil, 0, err
		}
		r.logger.Info("execution paused for approval", zap.String("approval_id", a.ID))
		// A decision that landed before the pause was stored found nothing
		// to resume.
		if latest, err := r.gate.Get(ctx, a.ID); err == nil && latest.Status.Resolved() {
			r.onApprovalResolved(ctx, latest)
		}
		return nil, wait, nil
	case approval.StatusApproved, approval.StatusExpired:
		if a.Status == approval.StatusExpired && r.ex.Rule.EffectiveTimeoutAction() == rule.TimeoutCancel {
			_, err := r.tracker.Cancel(ctx, r.ex.ID, "approval expired")
			return nil, ended, err
		}
		out := map[string]interface{}{step.ID: a.Outcome()}
		rec.Status = execution.StepCompleted
		rec.Output = out
		return out, advance, r.tracker.RecordStep(ctx, rec)
	default:
		rec.Status = execution.StepFailed
		rec.Output = map[string]interface{}{step.ID: a.Outcome()}
		rec.Error = "approval " + string(a.Status)
		if err := r.tracker.RecordStep(ctx, rec); err != nil {
			return nil, 0, err
		}
		_, err := r.tracker.Cancel(ctx, r.ex.ID, "approval "+string(a.Status))
		return nil, ended, err
	}
}

func (r *run) requestApproval(ctx context.Context, rec *execution.StepExecution, step rule.Step) (*approval.Approval, error) {
	req := approval.Request{
		ExecutionID: r.ex.ID,
		RuleID:      r.ex.RuleID,
		StepID:      step.ID,
		Approvers: approval.Approvers{
			Users: rule.Strings(step.Config, "approvers"),
			Roles: rule.Strings(step.Config, "roles"),
		},
	}
	if n, ok := rule.Int(step.Config, "required_approvals"); ok {
		req.Required = n
	}
	ttl, ok, err := rule.Duration(step.Config, "expires_in")
	if err != nil {
		return nil, err
	}
	if ok && ttl > 0 {
		req.ExpiresAt = r.now().Add(ttl)
	}
	a, err := r.gate.RequestApproval(ctx, req)
	if err != nil {
		return nil, err
	}

	rec.Status = execution.StepWaiting
	rec.Output = map[string]interface{}{"approval_id": a.ID}
	if err := r.tracker.RecordStep(ctx, rec); err != nil {
		return nil, err
	}
	recipients := append(values.CloneStrings(a.Approvers.Users), a.Approvers.Roles...)
	n := notify.Notification{
		Kind:        notify.KindApprovalRequest,
		Title:       "Approval requested: " + r.ex.Rule.Name,
		Message:     rule.String(step.Config, "message"),
		Recipients:  recipients,
		Channel:     r.ex.Rule.Notify.Channel,
		ExecutionID: r.ex.ID,
		RuleID:      r.ex.RuleID,
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.logger.Warn("approval request notification failed", zap.String("approval_id", a.ID), zap.Error(err))
	}
	return a, nil
}

// onApprovalResolved moves the execution parked on a out of Paused. It acts
// only while the execution is still paused on that approval, so duplicate
// calls are harmless.
func (e *Engine) onApprovalResolved(ctx context.Context, a *approval.Approval) {
	ex, err := e.repo.GetExecution(ctx, a.ExecutionID)
	if err != nil {
		e.logger.Error("load execution of resolved approval",
			zap.String("approval_id", a.ID), zap.Error(err))
		return
	}
	if ex.Status != execution.Paused || ex.ApprovalID != a.ID {
		return
	}

	switch a.Status {
	case approval.StatusRejected:
		e.cancelPaused(ctx, ex, "approval rejected")
	case approval.StatusExpired:
		if ex.Rule.EffectiveTimeoutAction() == rule.TimeoutCancel {
			e.cancelPaused(ctx, ex, "approval expired")
			return
		}
		e.resume(ctx, ex, a.ID, true)
	case approval.StatusApproved:
		e.resume(ctx, ex, a.ID, false)
	}
}

func (e *Engine) resume(ctx context.Context, ex *execution.Execution, approvalID string, expired bool) {
	sendTimeout := false
	resumed, err := e.tracker.Resume(ctx, ex.ID, func(x *execution.Execution) error {
		if x.Status != execution.Paused || x.ApprovalID != approvalID {
			return errStatusMoved
		}
		if expired && x.Rule.EffectiveTimeoutAction() == rule.TimeoutNotify && !x.TimeoutNotified {
			x.TimeoutNotified = true
			sendTimeout = true
		}
		return nil
	})
	if err == errStatusMoved {
		return
	}
	if err != nil {
		e.logger.Error("resume execution", zap.String("execution_id", ex.ID), zap.Error(err))
		return
	}
	if sendTimeout {
		e.notifyTimeout(ctx, resumed)
	}
	e.logger.Info("execution resumed",
		zap.String("execution_id", ex.ID),
		zap.String("approval_id", approvalID),
		zap.Bool("expired", expired))
	e.resubmitNow(ctx, ex.ID)
}

// HandlePanic fails an execution whose processing panicked.
func (e *Engine) HandlePanic(ctx context.Context, id string, recovered interface{}) {
	cause := fault.System(errors.Errorf("panic: %v", recovered), "process execution %s", id)
	if _, err := e.tracker.Fail(ctx, id, cause, nil); err != nil {
		e.logger.Error("fail panicked execution", zap.String("execution_id", id), zap.Error(err))
	}
}

// onTerminal notifies, indexes and retries every execution that ends.
func (e *Engine) onTerminal(ctx context.Context, ex *execution.Execution) {
	ctx = context.WithoutCancel(ctx)
	e.notifyOutcome(ctx, ex)
	if e.indexer != nil {
		if err := e.indexer.Index(ctx, ex); err != nil {
			e.logger.Warn("index execution", zap.String("execution_id", ex.ID), zap.Error(err))
		}
	}
	e.retry(ctx, ex)
}

func (e *Engine) retry(ctx context.Context, ex *execution.Execution) {
	if ex.Status != execution.Failed || !ex.Retryable || ex.ErrorKind != fault.KindActionExecution {
		return
	}
	if ex.Rule == nil || ex.Attempt >= ex.Rule.Retry.MaxAttempts {
		return
	}
	next := e.newExecution(ex.Rule, ex.Payload, ex.Actor)
	next.Attempt = ex.Attempt + 1
	next.RetryOf = ex.ID
	next.NotBefore = e.now().Add(ex.Rule.Retry.Delay)
	if err := e.repo.CreateExecution(ctx, next); err != nil {
		e.logger.Error("create retry",
			zap.String("execution_id", ex.ID),
			zap.String("rule_id", ex.RuleID),
			zap.Error(err))
		return
	}
	e.metrics.RetryScheduled(ex.RuleID)
	e.logger.Info("retry scheduled",
		zap.String("execution_id", next.ID),
		zap.String("retry_of", ex.ID),
		zap.String("rule_id", ex.RuleID),
		zap.Int("attempt", next.Attempt),
		zap.Time("not_before", next.NotBefore))
	e.pool.SubmitAfter(next.ID, next.NotBefore)
}

var outcomeKinds = map[execution.Status]notify.Kind{
	execution.Completed: notify.KindCompleted,
	execution.Failed:    notify.KindFailed,
	execution.Cancelled: notify.KindCancelled,
}

func (e *Engine) notifyOutcome(ctx context.Context, ex *execution.Execution) {
	n := notify.Notification{
		Kind:        outcomeKinds[ex.Status],
		Title:       ruleName(ex) + " " + string(ex.Status),
		Message:     ex.Error,
		ExecutionID: ex.ID,
		RuleID:      ex.RuleID,
	}
	if ex.Rule != nil {
		n.Recipients = values.CloneStrings(ex.Rule.Notify.Recipients)
		n.Channel = ex.Rule.Notify.Channel
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("outcome notification failed", zap.String("execution_id", ex.ID), zap.Error(err))
	}
}

func (e *Engine) notifyTimeout(ctx context.Context, ex *execution.Execution) {
	n := notify.Notification{
		Kind:        notify.KindTimeout,
		Title:       ruleName(ex) + " exceeded its max execution time",
		ExecutionID: ex.ID,
		RuleID:      ex.RuleID,
	}
	if ex.Rule != nil {
		n.Message = "max execution time " + ex.Rule.MaxExecutionTime.String() + " exceeded"
		n.Recipients = values.CloneStrings(ex.Rule.Notify.Recipients)
		n.Channel = ex.Rule.Notify.Channel
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("timeout notification failed", zap.String("execution_id", ex.ID), zap.Error(err))
	}
}

func ruleName(ex *execution.Execution) string {
	if ex.Rule != nil && ex.Rule.Name != "" {
		return ex.Rule.Name
	}
	return ex.RuleID
}
