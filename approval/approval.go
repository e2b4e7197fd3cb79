// Package approval suspends executions until enough people approve them, one
// of them rejects, or the request expires.
package approval

import (
	"time"

	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/internal/values"
)

type (
	Decision string
	Status   string

	Approvers struct {
		Users []string `json:"users,omitempty"`
		Roles []string `json:"roles,omitempty"`
	}

	Vote struct {
		Decision Decision  `json:"decision"`
		Notes    string    `json:"notes,omitempty"`
		At       time.Time `json:"at"`
	}

	Approval struct {
		ID                string          `json:"id"`
		ExecutionID       string          `json:"execution_id"`
		RuleID            string          `json:"rule_id"`
		StepID            string          `json:"step_id"`
		Approvers         Approvers       `json:"approvers"`
		RequiredApprovals int             `json:"required_approvals"`
		Decisions         map[string]Vote `json:"decisions"`
		Status            Status          `json:"status"`
		ExpiresAt         time.Time       `json:"expires_at,omitempty"`
		CreatedAt         time.Time       `json:"created_at"`
		ResolvedAt        time.Time       `json:"resolved_at,omitempty"`
	}
)

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	// StatusWithdrawn closes an approval whose execution went away; it does
	// not call back into the engine.
	StatusWithdrawn Status = "withdrawn"
)

func (d Decision) Valid() bool {
	return d == Approve || d == Reject
}

func (s Status) Resolved() bool {
	return s != StatusPending
}

// ID derives the approval id of an execution step.
func ID(executionID, stepID string) string {
	return executionID + "/" + stepID
}

// Approvals counts distinct approve decisions.
func (a *Approval) Approvals() int {
	n := 0
	for _, v := range a.Decisions {
		if v.Decision == Approve {
			n++
		}
	}
	return n
}

// Overdue reports whether a pending approval has passed its expiry.
func (a *Approval) Overdue(now time.Time) bool {
	return a.Status == StatusPending && !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// Decide records one approver's decision. It returns true when the decision
// resolved the approval. Any reject resolves it as rejected.
func (a *Approval) Decide(approverID string, d Decision, notes string, now time.Time) (bool, error) {
	if !d.Valid() {
		return false, fault.Validation("unknown decision %q", d)
	}
	if a.Status != StatusPending {
		return false, fault.Conflict("approval %s is already %s", a.ID, a.Status)
	}
	if _, dup := a.Decisions[approverID]; dup {
		return false, fault.Conflict("approver %s already decided on %s", approverID, a.ID)
	}
	if a.Decisions == nil {
		a.Decisions = make(map[string]Vote)
	}
	a.Decisions[approverID] = Vote{Decision: d, Notes: notes, At: now}

	switch {
	case d == Reject:
		a.resolve(StatusRejected, now)
	case a.Approvals() >= a.RequiredApprovals:
		a.resolve(StatusApproved, now)
	default:
		return false, nil
	}
	return true, nil
}

// Expire resolves a pending approval as expired.
func (a *Approval) Expire(now time.Time) bool {
	if a.Status != StatusPending {
		return false
	}
	a.resolve(StatusExpired, now)
	return true
}

func (a *Approval) resolve(s Status, now time.Time) {
	a.Status = s
	a.ResolvedAt = now
}

func (a *Approval) Clone() *Approval {
	if a == nil {
		return nil
	}
	c := *a
	c.Approvers.Users = values.CloneStrings(a.Approvers.Users)
	c.Approvers.Roles = values.CloneStrings(a.Approvers.Roles)
	if a.Decisions != nil {
		c.Decisions = make(map[string]Vote, len(a.Decisions))
		for k, v := range a.Decisions {
			c.Decisions[k] = v
		}
	}
	return &c
}

// Outcome is the step output recorded for a resolved approval.
func (a *Approval) Outcome() map[string]interface{} {
	decisions := make(map[string]interface{}, len(a.Decisions))
	for who, v := range a.Decisions {
		decisions[who] = string(v.Decision)
	}
	return map[string]interface{}{
		"status":    string(a.Status),
		"approvals": a.Approvals(),
		"required":  a.RequiredApprovals,
		"decisions": decisions,
	}
}
