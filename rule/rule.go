// Package rule defines automation rules: what triggers them, which conditions
// gate them and which ordered steps they run.
package rule

import (
	"time"

	"github.com/ccbhj/ruleflow/condition"
)

type (
	StepType      string
	TimeoutAction string

	// Trigger describes what fires a rule. Type is informational for event
	// triggers; "schedule" triggers carry a cron expression in Config["cron"].
	Trigger struct {
		Type   string                 `json:"type" yaml:"type"`
		Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	}

	// Action is one handler invocation inside an action step. Its result is
	// stored in the execution output under Name.
	Action struct {
		Name   string                 `json:"name" yaml:"name"`
		Type   string                 `json:"type" yaml:"type"`
		Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	}

	Step struct {
		ID         string                 `json:"id" yaml:"id"`
		Name       string                 `json:"name,omitempty" yaml:"name,omitempty"`
		Order      int                    `json:"order" yaml:"order"`
		Type       StepType               `json:"type" yaml:"type"`
		Config     map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
		Conditions []condition.Condition  `json:"conditions,omitempty" yaml:"conditions,omitempty"`
		Actions    []Action               `json:"actions,omitempty" yaml:"actions,omitempty"`
	}

	// RetryPolicy allows MaxAttempts further attempts after the first one.
	RetryPolicy struct {
		MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
		Delay       time.Duration `json:"delay" yaml:"delay"`
	}

	AccessScope struct {
		Public       bool     `json:"public" yaml:"public"`
		AllowedUsers []string `json:"allowed_users,omitempty" yaml:"allowed_users,omitempty"`
		AllowedRoles []string `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
	}

	// NotifySettings addresses the notifications emitted when an execution
	// of the rule ends or times out.
	NotifySettings struct {
		Recipients []string `json:"recipients,omitempty" yaml:"recipients,omitempty"`
		Channel    string   `json:"channel,omitempty" yaml:"channel,omitempty"`
	}

	Definition struct {
		ID               string                 `json:"id" yaml:"id"`
		Name             string                 `json:"name" yaml:"name"`
		Description      string                 `json:"description,omitempty" yaml:"description,omitempty"`
		Enabled          bool                   `json:"enabled" yaml:"enabled"`
		Version          int                    `json:"version,omitempty" yaml:"version,omitempty"`
		Trigger          Trigger                `json:"trigger" yaml:"trigger"`
		Conditions       []condition.Condition  `json:"conditions,omitempty" yaml:"conditions,omitempty"`
		Steps            []Step                 `json:"steps" yaml:"steps"`
		Variables        map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`
		Retry            RetryPolicy            `json:"retry_policy" yaml:"retry_policy"`
		MaxExecutionTime time.Duration          `json:"max_execution_time,omitempty" yaml:"max_execution_time,omitempty"`
		TimeoutAction    TimeoutAction          `json:"timeout_action,omitempty" yaml:"timeout_action,omitempty"`
		Access           AccessScope            `json:"access" yaml:"access"`
		Notify           NotifySettings         `json:"notify,omitempty" yaml:"notify,omitempty"`
	}

	// Identity is the caller firing a rule or deciding an approval.
	Identity struct {
		UserID string   `json:"user_id" yaml:"user_id"`
		Roles  []string `json:"roles,omitempty" yaml:"roles,omitempty"`
		System bool     `json:"system,omitempty" yaml:"system,omitempty"`
	}
)

const (
	StepAction       StepType = "action"
	StepCondition    StepType = "condition"
	StepDelay        StepType = "delay"
	StepNotification StepType = "notification"
	StepApproval     StepType = "approval"
	StepIntegration  StepType = "integration"
	StepScript       StepType = "script"
)

const (
	TimeoutCancel   TimeoutAction = "cancel"
	TimeoutContinue TimeoutAction = "continue"
	TimeoutNotify   TimeoutAction = "notify"
)

const (
	TriggerEvent    = "event"
	TriggerSchedule = "schedule"
	TriggerWebhook  = "webhook"
	TriggerManual   = "manual"
)

var stepTypes = map[StepType]struct{}{
	StepAction:       {},
	StepCondition:    {},
	StepDelay:        {},
	StepNotification: {},
	StepApproval:     {},
	StepIntegration:  {},
	StepScript:       {},
}

// SystemIdentity is used by schedule triggers and internal resubmissions.
var SystemIdentity = Identity{UserID: "system", System: true}

// Allows reports whether id may fire a rule guarded by this scope. System
// identities bypass the check.
func (a AccessScope) Allows(id Identity) bool {
	if a.Public || id.System {
		return true
	}
	for _, u := range a.AllowedUsers {
		if u == id.UserID && u != "" {
			return true
		}
	}
	for _, want := range a.AllowedRoles {
		for _, have := range id.Roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Label returns a human friendly name for the step.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}
