package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ccbhj/ruleflow/approval"
	"github.com/ccbhj/ruleflow/execution"
	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/rule"
)

type claim struct {
	owner   string
	expires time.Time
}

// Memory keeps everything in process memory behind one lock. Records are
// copied in and out so callers never share state with the store.
type Memory struct {
	mu        sync.RWMutex
	now       func() time.Time
	rules     map[string]*rule.Definition
	execs     map[string]*execution.Execution
	steps     map[string]map[string]*execution.StepExecution
	approvals map[string]*approval.Approval
	stats     map[string]*execution.Stats
	claims    map[string]claim
}

func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		rules:     make(map[string]*rule.Definition),
		execs:     make(map[string]*execution.Execution),
		steps:     make(map[string]map[string]*execution.StepExecution),
		approvals: make(map[string]*approval.Approval),
		stats:     make(map[string]*execution.Stats),
		claims:    make(map[string]claim),
	}
}

// WithClock sets the clock used to expire claims.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) SaveRule(_ context.Context, def *rule.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[def.ID] = def.Clone()
	return nil
}

func (m *Memory) GetRule(_ context.Context, id string) (*rule.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.rules[id]
	if !ok {
		return nil, fault.NotFound("rule %s", id)
	}
	return def.Clone(), nil
}

func (m *Memory) ListRules(context.Context) ([]*rule.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*rule.Definition, 0, len(m.rules))
	for _, def := range m.rules {
		out = append(out, def.Clone())
	}
	sortRules(out)
	return out, nil
}

func (m *Memory) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fault.NotFound("rule %s", id)
	}
	delete(m.rules, id)
	return nil
}

func (m *Memory) CreateExecution(_ context.Context, e *execution.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.execs[e.ID]; dup {
		return fault.Conflict("execution %s already exists", e.ID)
	}
	m.execs[e.ID] = e.Clone()
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.execs[id]
	if !ok {
		return nil, fault.NotFound("execution %s", id)
	}
	return e.Clone(), nil
}

func (m *Memory) UpdateExecution(_ context.Context, id string, fn func(*execution.Execution) error) (*execution.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return nil, fault.NotFound("execution %s", id)
	}
	next := e.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	m.execs[id] = next
	return next.Clone(), nil
}

func (m *Memory) DeleteExecution(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.execs, id)
	delete(m.steps, id)
	delete(m.claims, id)
	return nil
}

func (m *Memory) ListExecutions(_ context.Context, f ExecutionFilter) ([]*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*execution.Execution
	for _, e := range m.execs {
		if f.match(e) {
			out = append(out, e.Clone())
		}
	}
	sortExecutions(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) SaveStep(_ context.Context, step *execution.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStep, ok := m.steps[step.ExecutionID]
	if !ok {
		byStep = make(map[string]*execution.StepExecution)
		m.steps[step.ExecutionID] = byStep
	}
	byStep[step.StepID] = step.Clone()
	return nil
}

func (m *Memory) ListSteps(_ context.Context, executionID string) ([]*execution.StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*execution.StepExecution, 0, len(m.steps[executionID]))
	for _, s := range m.steps[executionID] {
		out = append(out, s.Clone())
	}
	sortSteps(out)
	return out, nil
}

func (m *Memory) CreateApproval(_ context.Context, a *approval.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.approvals[a.ID]; dup {
		return fault.Conflict("approval %s already exists", a.ID)
	}
	m.approvals[a.ID] = a.Clone()
	return nil
}

func (m *Memory) GetApproval(_ context.Context, id string) (*approval.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, fault.NotFound("approval %s", id)
	}
	return a.Clone(), nil
}

func (m *Memory) UpdateApproval(_ context.Context, id string, fn func(*approval.Approval) error) (*approval.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, fault.NotFound("approval %s", id)
	}
	next := a.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	m.approvals[id] = next
	return next.Clone(), nil
}

func (m *Memory) ListPendingApprovals(context.Context) ([]*approval.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*approval.Approval
	for _, a := range m.approvals {
		if a.Status == approval.StatusPending {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) IncrementStats(_ context.Context, ruleID string, status execution.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[ruleID]
	if !ok {
		st = &execution.Stats{RuleID: ruleID}
		m.stats[ruleID] = st
	}
	st.Record(status, at)
	return nil
}

func (m *Memory) GetStats(_ context.Context, ruleID string) (*execution.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stats[ruleID]
	if !ok {
		return &execution.Stats{RuleID: ruleID}, nil
	}
	c := *st
	return &c, nil
}

func (m *Memory) Claim(_ context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if c, ok := m.claims[executionID]; ok && c.owner != owner && now.Before(c.expires) {
		return false, nil
	}
	m.claims[executionID] = claim{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, executionID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[executionID]; ok && c.owner == owner {
		delete(m.claims, executionID)
	}
	return nil
}

func sortRules(defs []*rule.Definition) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
}

func sortExecutions(execs []*execution.Execution) {
	sort.SliceStable(execs, func(i, j int) bool {
		if execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].ID < execs[j].ID
		}
		return execs[i].CreatedAt.Before(execs[j].CreatedAt)
	})
}

func sortSteps(steps []*execution.StepExecution) {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
}
