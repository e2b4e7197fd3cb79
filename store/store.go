// Package store is the persistence boundary of the engine: rules,
// executions, step executions, approvals, statistics and execution claims.
package store

import (
	"context"
	"time"

	"github.com/ccbhj/ruleflow/approval"
	"github.com/ccbhj/ruleflow/execution"
	"github.com/ccbhj/ruleflow/rule"
)

// ExecutionFilter narrows ListExecutions. Zero fields match everything;
// results are ordered by creation time.
type ExecutionFilter struct {
	RuleID string
	Status []execution.Status
	Limit  int
}

// Repository is implemented by Memory and Redis. Update methods apply fn
// atomically and persist nothing when fn returns an error, which is passed
// back unchanged. Missing records are not_found faults and infrastructure
// failures are system faults.
type Repository interface {
	SaveRule(ctx context.Context, def *rule.Definition) error
	GetRule(ctx context.Context, id string) (*rule.Definition, error)
	ListRules(ctx context.Context) ([]*rule.Definition, error)
	DeleteRule(ctx context.Context, id string) error

	CreateExecution(ctx context.Context, e *execution.Execution) error
	GetExecution(ctx context.Context, id string) (*execution.Execution, error)
	UpdateExecution(ctx context.Context, id string, fn func(*execution.Execution) error) (*execution.Execution, error)
	DeleteExecution(ctx context.Context, id string) error
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*execution.Execution, error)

	SaveStep(ctx context.Context, step *execution.StepExecution) error
	ListSteps(ctx context.Context, executionID string) ([]*execution.StepExecution, error)

	CreateApproval(ctx context.Context, a *approval.Approval) error
	GetApproval(ctx context.Context, id string) (*approval.Approval, error)
	UpdateApproval(ctx context.Context, id string, fn func(*approval.Approval) error) (*approval.Approval, error)
	ListPendingApprovals(ctx context.Context) ([]*approval.Approval, error)

	IncrementStats(ctx context.Context, ruleID string, status execution.Status, at time.Time) error
	GetStats(ctx context.Context, ruleID string) (*execution.Stats, error)

	// Claim leases an execution to owner for ttl. It reports false when
	// another owner holds an unexpired lease.
	Claim(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error)
	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, executionID, owner string) error
}

var (
	_ Repository      = (*Memory)(nil)
	_ Repository      = (*Redis)(nil)
	_ execution.Store = Repository(nil)
	_ approval.Store  = Repository(nil)
)

func (f ExecutionFilter) match(e *execution.Execution) bool {
	if f.RuleID != "" && e.RuleID != f.RuleID {
		return false
	}
	if len(f.Status) == 0 {
		return true
	}
	for _, s := range f.Status {
		if e.Status == s {
			return true
		}
	}
	return false
}
