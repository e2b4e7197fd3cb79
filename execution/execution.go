// Package execution tracks run instances of rules: the execution and step
// state machines and per-rule statistics.
package execution

import (
	"time"

	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/internal/values"
	"github.com/ccbhj/ruleflow/rule"
)

type (
	Status     string
	StepStatus string

	Execution struct {
		ID     string           `json:"id"`
		RuleID string           `json:"rule_id"`
		Rule   *rule.Definition `json:"rule"`
		Status Status           `json:"status"`

		Payload   map[string]interface{} `json:"payload"`
		Output    map[string]interface{} `json:"output"`
		Variables map[string]interface{} `json:"variables,omitempty"`
		Error     string                 `json:"error,omitempty"`
		ErrorKind fault.Kind             `json:"error_kind,omitempty"`
		Retryable bool                   `json:"retryable,omitempty"`

		Attempt int           `json:"attempt"`
		RetryOf string        `json:"retry_of,omitempty"`
		Actor   rule.Identity `json:"actor"`

		// CurrentStep indexes the normalized steps of Rule; it is where a
		// resumed run picks up.
		CurrentStep     int       `json:"current_step"`
		ApprovalID      string    `json:"approval_id,omitempty"`
		CancelRequested bool      `json:"cancel_requested,omitempty"`
		TimeoutNotified bool      `json:"timeout_notified,omitempty"`
		NotBefore       time.Time `json:"not_before,omitempty"`

		// Rejected marks a record the queue refused that could not be
		// removed. It never runs.
		Rejected bool `json:"rejected,omitempty"`

		CreatedAt   time.Time `json:"created_at"`
		StartedAt   time.Time `json:"started_at,omitempty"`
		CompletedAt time.Time `json:"completed_at,omitempty"`
		UpdatedAt   time.Time `json:"updated_at"`
	}

	StepExecution struct {
		ExecutionID string                 `json:"execution_id"`
		StepID      string                 `json:"step_id"`
		StepName    string                 `json:"step_name"`
		StepType    rule.StepType          `json:"step_type"`
		Order       int                    `json:"order"`
		Status      StepStatus             `json:"status"`
		Input       map[string]interface{} `json:"input,omitempty"`
		Output      map[string]interface{} `json:"output,omitempty"`
		Error       string                 `json:"error,omitempty"`
		StartedAt   time.Time              `json:"started_at"`
		CompletedAt time.Time              `json:"completed_at,omitempty"`
	}

	Stats struct {
		RuleID         string    `json:"rule_id"`
		ExecutionCount int64     `json:"execution_count"`
		SuccessCount   int64     `json:"success_count"`
		ErrorCount     int64     `json:"error_count"`
		CancelledCount int64     `json:"cancelled_count"`
		LastExecution  time.Time `json:"last_execution,omitempty"`
		LastStatus     Status    `json:"last_status,omitempty"`
	}
)

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Paused    Status = "paused"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

const (
	StepRunning   StepStatus = "running"
	StepWaiting   StepStatus = "waiting"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

var transitions = map[Status][]Status{
	Pending: {Running, Cancelled},
	Running: {Completed, Failed, Cancelled, Paused},
	Paused:  {Running, Cancelled},
}

func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

func (s Status) String() string { return string(s) }

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves e to status to, stamping the timestamps that go with it.
// Illegal moves, including any move out of a terminal state, are conflicts.
func (e *Execution) Transition(to Status, now time.Time) error {
	if !CanTransition(e.Status, to) {
		return fault.Conflict("execution %s: cannot move from %s to %s", e.ID, e.Status, to)
	}
	switch {
	case to == Running && e.StartedAt.IsZero():
		e.StartedAt = now
	case to.Terminal():
		e.CompletedAt = now
	}
	if to != Paused {
		e.ApprovalID = ""
	}
	e.Status = to
	e.UpdatedAt = now
	return nil
}

// Deadline is StartedAt plus the rule's max execution time.
func (e *Execution) Deadline() (time.Time, bool) {
	if e.Rule == nil || e.Rule.MaxExecutionTime <= 0 || e.StartedAt.IsZero() {
		return time.Time{}, false
	}
	return e.StartedAt.Add(e.Rule.MaxExecutionTime), true
}

// Duration is the wall clock time between start and completion.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.CompletedAt.IsZero() {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// View is what conditions and handlers see: the payload fields plus
// "variables", "output" and "execution" metadata.
func (e *Execution) View() map[string]interface{} {
	v := values.CloneMap(e.Payload)
	if v == nil {
		v = make(map[string]interface{}, 3)
	}
	v["variables"] = values.CloneMap(e.Variables)
	v["output"] = values.CloneMap(e.Output)
	v["execution"] = map[string]interface{}{
		"id":      e.ID,
		"rule_id": e.RuleID,
		"attempt": e.Attempt,
		"actor":   e.Actor.UserID,
	}
	return v
}

func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Rule = e.Rule.Clone()
	c.Payload = values.CloneMap(e.Payload)
	c.Output = values.CloneMap(e.Output)
	c.Variables = values.CloneMap(e.Variables)
	c.Actor.Roles = values.CloneStrings(e.Actor.Roles)
	return &c
}

// Steps returns the normalized steps of the rule snapshot.
func (e *Execution) Steps() []rule.Step {
	if e.Rule == nil {
		return nil
	}
	return e.Rule.Steps
}

func (s *StepExecution) Clone() *StepExecution {
	if s == nil {
		return nil
	}
	c := *s
	c.Input = values.CloneMap(s.Input)
	c.Output = values.CloneMap(s.Output)
	return &c
}

func (s StepStatus) Final() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// Record counts one terminal transition.
func (s *Stats) Record(status Status, at time.Time) {
	s.ExecutionCount++
	switch status {
	case Completed:
		s.SuccessCount++
	case Failed:
		s.ErrorCount++
	case Cancelled:
		s.CancelledCount++
	}
	s.LastExecution = at
	s.LastStatus = status
}
