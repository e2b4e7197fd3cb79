package rule

import (
	"sort"

	"github.com/robfig/cron/v3"

	"github.com/ccbhj/ruleflow/condition"
	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/internal/values"
)

// Validate rejects definitions that a worker could not run. Every problem is
// reported as a validation fault naming the offending element.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fault.Validation("rule id is required")
	}
	if d.Name == "" {
		return fault.Validation("rule %s: name is required", d.ID)
	}
	if err := d.Trigger.validate(); err != nil {
		return fault.Validation("rule %s: %s", d.ID, fault.Message(err))
	}
	if err := condition.Validate(d.Conditions); err != nil {
		return fault.Validation("rule %s: %s", d.ID, fault.Message(err))
	}
	if d.Retry.MaxAttempts < 0 {
		return fault.Validation("rule %s: retry_policy.max_attempts must not be negative", d.ID)
	}
	if d.Retry.Delay < 0 {
		return fault.Validation("rule %s: retry_policy.delay must not be negative", d.ID)
	}
	if d.MaxExecutionTime < 0 {
		return fault.Validation("rule %s: max_execution_time must not be negative", d.ID)
	}
	switch d.TimeoutAction {
	case "", TimeoutCancel, TimeoutContinue, TimeoutNotify:
	default:
		return fault.Validation("rule %s: unknown timeout_action %q", d.ID, d.TimeoutAction)
	}
	if len(d.Steps) == 0 {
		return fault.Validation("rule %s: at least one step is required", d.ID)
	}

	steps := sortedSteps(d.Steps)
	ids := make(map[string]struct{}, len(steps))
	outputs := make(map[string]string)
	for i, s := range steps {
		if s.ID == "" {
			return fault.Validation("rule %s: step[%d]: id is required", d.ID, i)
		}
		if _, dup := ids[s.ID]; dup {
			return fault.Validation("rule %s: duplicate step id %q", d.ID, s.ID)
		}
		ids[s.ID] = struct{}{}
		if i > 0 && s.Order != steps[i-1].Order+1 {
			return fault.Validation("rule %s: step orders must be unique and dense, got %d after %d",
				d.ID, s.Order, steps[i-1].Order)
		}
		if err := s.validate(); err != nil {
			return fault.Validation("rule %s: step %s: %s", d.ID, s.ID, fault.Message(err))
		}
		for _, key := range s.OutputKeys() {
			if owner, dup := outputs[key]; dup {
				return fault.Validation("rule %s: output key %q produced by both %s and %s", d.ID, key, owner, s.ID)
			}
			outputs[key] = s.ID
		}
	}
	return nil
}

func (t Trigger) validate() error {
	if t.Type == "" {
		return fault.Validation("trigger.type is required")
	}
	if t.Type != TriggerSchedule {
		return nil
	}
	spec, _ := t.Config["cron"].(string)
	if spec == "" {
		return fault.Validation("schedule trigger requires config.cron")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fault.Validation("invalid cron expression %q: %v", spec, err)
	}
	return nil
}

func (s Step) validate() error {
	if _, ok := stepTypes[s.Type]; !ok {
		return fault.Validation("unknown step type %q", s.Type)
	}
	if err := condition.Validate(s.Conditions); err != nil {
		return err
	}
	switch s.Type {
	case StepAction:
		if len(s.Actions) == 0 {
			return fault.Validation("action step requires at least one action")
		}
		for i, a := range s.Actions {
			if a.Name == "" || a.Type == "" {
				return fault.Validation("action[%d]: name and type are required", i)
			}
		}
	case StepCondition:
		if len(s.Conditions) == 0 {
			return fault.Validation("condition step requires conditions")
		}
	case StepDelay:
		d, ok, err := Duration(s.Config, "duration")
		if err != nil {
			return err
		}
		if !ok || d <= 0 {
			return fault.Validation("delay step requires a positive config.duration")
		}
	case StepApproval:
		users := Strings(s.Config, "approvers")
		roles := Strings(s.Config, "roles")
		if len(users) == 0 && len(roles) == 0 {
			return fault.Validation("approval step requires config.approvers or config.roles")
		}
		n, ok := Int(s.Config, "required_approvals")
		if ok && n < 1 {
			return fault.Validation("required_approvals must be at least 1")
		}
		// Only roles can admit approvers beyond the listed users.
		if distinct := countDistinct(users); len(roles) == 0 && n > distinct {
			return fault.Validation("required_approvals %d exceeds the %d listed approvers", n, distinct)
		}
		if _, _, err := Duration(s.Config, "expires_in"); err != nil {
			return err
		}
	}
	return nil
}

// OutputKeys lists the keys the step writes into Execution.Output.
func (s Step) OutputKeys() []string {
	switch s.Type {
	case StepAction:
		keys := make([]string, 0, len(s.Actions))
		for _, a := range s.Actions {
			keys = append(keys, a.Name)
		}
		return keys
	case StepIntegration, StepScript, StepApproval:
		return []string{s.ID}
	}
	return nil
}

// Normalized returns a deep copy of d with steps sorted by order. Executions
// keep this copy so later edits of the rule do not affect them.
func (d *Definition) Normalized() *Definition {
	c := d.Clone()
	c.Steps = sortedSteps(c.Steps)
	return c
}

func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	c := *d
	c.Trigger.Config = values.CloneMap(d.Trigger.Config)
	c.Conditions = cloneConditions(d.Conditions)
	c.Variables = values.CloneMap(d.Variables)
	c.Access.AllowedUsers = values.CloneStrings(d.Access.AllowedUsers)
	c.Access.AllowedRoles = values.CloneStrings(d.Access.AllowedRoles)
	c.Notify.Recipients = values.CloneStrings(d.Notify.Recipients)
	if d.Steps != nil {
		c.Steps = make([]Step, len(d.Steps))
		for i, s := range d.Steps {
			c.Steps[i] = s.clone()
		}
	}
	return &c
}

// EffectiveTimeoutAction defaults an unset timeout action to cancel.
func (d *Definition) EffectiveTimeoutAction() TimeoutAction {
	if d.TimeoutAction == "" {
		return TimeoutCancel
	}
	return d.TimeoutAction
}

// IsScheduled reports whether the rule fires on a cron schedule.
func (d *Definition) IsScheduled() bool {
	return d.Trigger.Type == TriggerSchedule
}

func (s Step) clone() Step {
	c := s
	c.Config = values.CloneMap(s.Config)
	c.Conditions = cloneConditions(s.Conditions)
	if s.Actions != nil {
		c.Actions = make([]Action, len(s.Actions))
		for i, a := range s.Actions {
			a.Config = values.CloneMap(a.Config)
			c.Actions[i] = a
		}
	}
	return c
}

func cloneConditions(conds []condition.Condition) []condition.Condition {
	if conds == nil {
		return nil
	}
	out := make([]condition.Condition, len(conds))
	for i, c := range conds {
		c.Value = values.Clone(c.Value)
		out[i] = c
	}
	return out
}

func sortedSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func countDistinct(ss []string) int {
	seen := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		seen[s] = struct{}{}
	}
	return len(seen)
}
