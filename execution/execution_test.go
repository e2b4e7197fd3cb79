package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/rule"
)

type fakeStore struct {
	mu    sync.Mutex
	execs map[string]*Execution
	steps map[string]*StepExecution
	stats map[string]*Stats
}

func newFakeStore(execs ...*Execution) *fakeStore {
	s := &fakeStore{
		execs: make(map[string]*Execution),
		steps: make(map[string]*StepExecution),
		stats: make(map[string]*Stats),
	}
	for _, e := range execs {
		s.execs[e.ID] = e.Clone()
	}
	return s
}

func (s *fakeStore) UpdateExecution(_ context.Context, id string, fn func(*Execution) error) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.execs[id]
	if !ok {
		return nil, fault.NotFound("execution %s", id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.execs[id] = next
	return next.Clone(), nil
}

func (s *fakeStore) SaveStep(_ context.Context, step *StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step.ExecutionID+"/"+step.StepID] = step.Clone()
	return nil
}

func (s *fakeStore) IncrementStats(_ context.Context, ruleID string, status Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[ruleID]
	if !ok {
		st = &Stats{RuleID: ruleID}
		s.stats[ruleID] = st
	}
	st.Record(status, at)
	return nil
}

func newExecution(id string) *Execution {
	return &Execution{
		ID:      id,
		RuleID:  "r1",
		Status:  Pending,
		Rule:    &rule.Definition{ID: "r1", MaxExecutionTime: time.Minute},
		Payload: map[string]interface{}{"ticket_category": "billing"},
		Output:  map[string]interface{}{},
	}
}

func TestStatusMachine(t *testing.T) {
	legal := [][2]Status{
		{Pending, Running}, {Pending, Cancelled},
		{Running, Completed}, {Running, Failed}, {Running, Cancelled}, {Running, Paused},
		{Paused, Running}, {Paused, Cancelled},
	}
	for _, l := range legal {
		assert.True(t, CanTransition(l[0], l[1]), "%s -> %s", l[0], l[1])
	}

	all := []Status{Pending, Running, Paused, Completed, Failed, Cancelled}
	for _, from := range []Status{Completed, Failed, Cancelled} {
		assert.True(t, from.Terminal())
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, CanTransition(Pending, Completed))
	assert.False(t, CanTransition(Paused, Completed))
	assert.False(t, Paused.Terminal())
}

func TestTransitionStampsTimes(t *testing.T) {
	e := newExecution("e1")
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, e.Transition(Running, t0))
	assert.Equal(t, t0, e.StartedAt)
	d, ok := e.Deadline()
	assert.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), d)

	e.ApprovalID = "e1/sign-off"
	require.NoError(t, e.Transition(Paused, t0.Add(time.Second)))
	assert.Equal(t, "e1/sign-off", e.ApprovalID)
	require.NoError(t, e.Transition(Running, t0.Add(2*time.Second)))
	assert.Equal(t, t0, e.StartedAt)
	assert.Empty(t, e.ApprovalID)

	require.NoError(t, e.Transition(Completed, t0.Add(3*time.Second)))
	assert.Equal(t, 3*time.Second, e.Duration())

	err := e.Transition(Running, t0.Add(4*time.Second))
	assert.True(t, fault.Is(err, fault.KindConflict))
	assert.Equal(t, Completed, e.Status)
}

func TestTrackerCountsTerminalTransitionOnce(t *testing.T) {
	store := newFakeStore(newExecution("e1"))
	var finished []string
	tr := NewTracker(store, OnTerminal(func(_ context.Context, e *Execution) {
		finished = append(finished, e.ID+":"+string(e.Status))
	}))
	ctx := context.Background()

	_, err := tr.Start(ctx, "e1")
	require.NoError(t, err)
	_, err = tr.Update(ctx, "e1", func(e *Execution) error {
		e.Output["classify"] = map[string]interface{}{"category": "billing"}
		return nil
	})
	require.NoError(t, err)

	e, err := tr.Fail(ctx, "e1", fault.ActionExecution(errors.New("crm timeout"), true, "action route"), nil)
	require.NoError(t, err)
	assert.Equal(t, Failed, e.Status)
	assert.Equal(t, "action route: crm timeout", e.Error)
	assert.Equal(t, fault.KindActionExecution, e.ErrorKind)
	assert.True(t, e.Retryable)
	assert.Contains(t, e.Output, "classify")

	_, err = tr.Complete(ctx, "e1", nil)
	assert.True(t, fault.Is(err, fault.KindConflict))
	_, err = tr.Cancel(ctx, "e1", "too late")
	assert.True(t, fault.Is(err, fault.KindConflict))
	_, err = tr.Update(ctx, "e1", func(*Execution) error { return nil })
	assert.True(t, fault.Is(err, fault.KindConflict))

	st := store.stats["r1"]
	require.NotNil(t, st)
	assert.Equal(t, int64(1), st.ExecutionCount)
	assert.Equal(t, int64(1), st.ErrorCount)
	assert.Equal(t, int64(0), st.SuccessCount)
	assert.Equal(t, []string{"e1:failed"}, finished)
}

func TestTrackerPauseResume(t *testing.T) {
	store := newFakeStore(newExecution("e1"))
	tr := NewTracker(store)
	ctx := context.Background()

	_, err := tr.Pause(ctx, "e1", "e1/sign-off", 1)
	assert.True(t, fault.Is(err, fault.KindConflict), "pending cannot pause")

	_, err = tr.Start(ctx, "e1")
	require.NoError(t, err)
	e, err := tr.Pause(ctx, "e1", "e1/sign-off", 1)
	require.NoError(t, err)
	assert.Equal(t, Paused, e.Status)
	assert.Equal(t, 1, e.CurrentStep)

	e, err = tr.Resume(ctx, "e1", func(e *Execution) error {
		e.Output["sign-off"] = map[string]interface{}{"status": "approved"}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Running, e.Status)
	assert.Equal(t, "approved", e.Output["sign-off"].(map[string]interface{})["status"])

	e, err = tr.Complete(ctx, "e1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.stats["r1"].SuccessCount)
}

func TestTrackerMutateFailureLeavesRecordUntouched(t *testing.T) {
	store := newFakeStore(newExecution("e1"))
	tr := NewTracker(store)

	_, err := tr.Transition(context.Background(), "e1", Running, func(e *Execution) error {
		e.CurrentStep = 9
		return errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, Pending, store.execs["e1"].Status)
	assert.Equal(t, 0, store.execs["e1"].CurrentStep)
	assert.Empty(t, store.stats)
}

func TestRecordStep(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	tr := NewTracker(store, WithClock(func() time.Time { return now }))

	step := &StepExecution{ExecutionID: "e1", StepID: "route", Status: StepCompleted}
	require.NoError(t, tr.RecordStep(context.Background(), step))
	saved := store.steps["e1/route"]
	assert.Equal(t, now, saved.StartedAt)
	assert.Equal(t, now, saved.CompletedAt)

	waiting := &StepExecution{ExecutionID: "e1", StepID: "sign-off", Status: StepWaiting}
	require.NoError(t, tr.RecordStep(context.Background(), waiting))
	assert.True(t, store.steps["e1/sign-off"].CompletedAt.IsZero())
}

func TestViewAndClone(t *testing.T) {
	e := newExecution("e1")
	e.Variables = map[string]interface{}{"queue": "l1"}
	e.Output["classify"] = map[string]interface{}{"category": "billing"}

	v := e.View()
	assert.Equal(t, "billing", v["ticket_category"])
	assert.Equal(t, "l1", v["variables"].(map[string]interface{})["queue"])
	assert.Equal(t, "e1", v["execution"].(map[string]interface{})["id"])

	v["output"].(map[string]interface{})["classify"].(map[string]interface{})["category"] = "x"
	assert.Equal(t, "billing", e.Output["classify"].(map[string]interface{})["category"])

	c := e.Clone()
	c.Payload["ticket_category"] = "sales"
	assert.Equal(t, "billing", e.Payload["ticket_category"])
}

func TestStatsRecord(t *testing.T) {
	var st Stats
	at := time.Now()
	st.Record(Completed, at)
	st.Record(Failed, at)
	st.Record(Cancelled, at)
	assert.Equal(t, int64(3), st.ExecutionCount)
	assert.Equal(t, int64(1), st.SuccessCount)
	assert.Equal(t, int64(1), st.ErrorCount)
	assert.Equal(t, int64(1), st.CancelledCount)
	assert.Equal(t, Cancelled, st.LastStatus)
}
