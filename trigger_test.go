package ruleflow

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbhj/ruleflow/action"
	"github.com/ccbhj/ruleflow/approval"
	"github.com/ccbhj/ruleflow/execution"
	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/rule"
	"github.com/ccbhj/ruleflow/store"
)

func scheduledRule(id, spec string) *rule.Definition {
	def := newRule(id, actionStep("digest", act("digest", action.TypeEcho)))
	def.Trigger = rule.Trigger{Type: rule.TriggerSchedule, Config: map[string]interface{}{"cron": spec}}
	def.Access = rule.AccessScope{AllowedUsers: []string{"nobody"}}
	return def
}

func TestCronTriggersSync(t *testing.T) {
	f := newFixture(t)
	f.register(t, scheduledRule("nightly", "0 2 * * *"))
	f.register(t, scheduledRule("hourly", "0 * * * *"))
	f.register(t, newRule("event", actionStep("x", act("x", action.TypeEcho))))
	require.NoError(t, f.DisableRule(ctx, "hourly"))

	c := NewCronTriggers(f.Engine)
	n, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := c.Next("nightly")
	assert.True(t, ok)
	_, ok = c.Next("hourly")
	assert.False(t, ok)

	require.NoError(t, f.EnableRule(ctx, "hourly"))
	require.NoError(t, f.DisableRule(ctx, "nightly"))
	n, err = c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok = c.Next("nightly")
	assert.False(t, ok)
}

func TestCronFireUsesSystemIdentity(t *testing.T) {
	f := newFixture(t)
	f.register(t, scheduledRule("nightly", "0 2 * * *"))

	NewCronTriggers(f.Engine).fire("nightly")

	execs, err := f.Executions(ctx, store.ExecutionFilter{RuleID: "nightly"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	ex := execs[0]
	assert.Equal(t, execution.Pending, ex.Status)
	assert.True(t, ex.Actor.System)
	assert.Equal(t, "schedule", ex.Payload["triggered_by"])
	assert.Equal(t, "nightly", ex.Payload["rule_id"])
	assert.Equal(t, "2024-03-01T09:00:00Z", ex.Payload["scheduled_at"])
}

func TestNATSTriggerDispatch(t *testing.T) {
	f := newFixture(t)
	def := newRule("guarded", actionStep("x", act("x", action.TypeEcho)))
	def.Access = rule.AccessScope{AllowedUsers: []string{"alice"}}
	f.register(t, def)
	src := NewNATSTriggerSource(f.Engine, nil, "")
	assert.Equal(t, DefaultTriggerSubject, src.subject)

	msg := func(m TriggerMessage) []byte {
		data, err := json.Marshal(m)
		require.NoError(t, err)
		return data
	}

	reply := src.dispatch(ctx, msg(TriggerMessage{
		RuleID:  "guarded",
		Payload: map[string]interface{}{"ticket": 7},
		Actor:   rule.Identity{UserID: "alice"},
	}))
	assert.Empty(t, reply.Error)
	require.NotEmpty(t, reply.ExecutionID)
	ex, err := f.Execution(ctx, reply.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "alice", ex.Actor.UserID)

	reply = src.dispatch(ctx, msg(TriggerMessage{RuleID: "guarded", Actor: rule.Identity{UserID: "eve", System: true}}))
	assert.Equal(t, fault.KindDenied, reply.Kind)
	assert.Empty(t, reply.ExecutionID)

	reply = src.dispatch(ctx, msg(TriggerMessage{RuleID: "missing", Actor: rule.Identity{UserID: "alice"}}))
	assert.Equal(t, fault.KindNotFound, reply.Kind)

	reply = src.dispatch(ctx, []byte("{not json"))
	assert.Equal(t, fault.KindValidation, reply.Kind)
	reply = src.dispatch(ctx, []byte(`{"payload":{}}`))
	assert.Equal(t, fault.KindValidation, reply.Kind)
}

func encode(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestNATSControlDispatch(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.register(t, newRule("refund", approvalStep("sign-off", 1, "alice"), actionStep("pay", act("refund", action.TypeEcho))))
	src := NewNATSControlSource(f.Engine, nil, "", "")
	assert.Equal(t, DefaultApprovalSubject, src.approvalSubject)
	assert.Equal(t, DefaultCancelSubject, src.cancelSubject)

	id := f.fire(t, "refund", nil)
	f.waitFor(t, id, execution.Paused)

	reply := src.decide(ctx, encode(t, DecisionMessage{ExecutionID: id, ApproverID: "mallory", Decision: approval.Approve}))
	assert.Equal(t, fault.KindDenied, reply.Kind)
	assert.Equal(t, id, reply.ExecutionID)
	reply = src.decide(ctx, []byte("{not json"))
	assert.Equal(t, fault.KindValidation, reply.Kind)
	reply = src.decide(ctx, encode(t, DecisionMessage{ApproverID: "alice", Decision: approval.Approve}))
	assert.Equal(t, fault.KindValidation, reply.Kind)

	reply = src.decide(ctx, encode(t, DecisionMessage{ExecutionID: id, ApproverID: "alice", Decision: approval.Approve, Notes: "ok"}))
	assert.Empty(t, reply.Error)
	assert.Equal(t, id, reply.ExecutionID)
	f.waitFor(t, id, execution.Completed)

	reply = src.decide(ctx, encode(t, DecisionMessage{ExecutionID: id, ApproverID: "alice", Decision: approval.Approve}))
	assert.Equal(t, fault.KindConflict, reply.Kind)

	paused := f.fire(t, "refund", nil)
	f.waitFor(t, paused, execution.Paused)
	reply = src.cancel(ctx, encode(t, CancelMessage{ExecutionID: paused}))
	assert.Empty(t, reply.Error)
	assert.Equal(t, execution.Cancelled, reply.Status)
	reply = src.cancel(ctx, encode(t, CancelMessage{ExecutionID: paused}))
	assert.Equal(t, fault.KindConflict, reply.Kind)
	reply = src.cancel(ctx, encode(t, CancelMessage{ExecutionID: "missing"}))
	assert.Equal(t, fault.KindNotFound, reply.Kind)
	reply = src.cancel(ctx, []byte(`{}`))
	assert.Equal(t, fault.KindValidation, reply.Kind)
}

func TestNATSControlSourceAnswersRequests(t *testing.T) {
	url := os.Getenv("RULEFLOW_TEST_NATS_URL")
	if url == "" {
		t.Skip("RULEFLOW_TEST_NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	f := newFixture(t)
	f.start(t)
	f.register(t, newRule("refund", approvalStep("sign-off", 1, "alice"), actionStep("pay", act("refund", action.TypeEcho))))
	src := NewNATSControlSource(f.Engine, nc, "ruleflow.test.approval", "ruleflow.test.cancel")
	require.NoError(t, src.Start(ctx))
	defer src.Stop()

	id := f.fire(t, "refund", nil)
	f.waitFor(t, id, execution.Paused)

	msg, err := nc.Request("ruleflow.test.approval",
		encode(t, DecisionMessage{ExecutionID: id, ApproverID: "alice", Decision: approval.Approve}), 2*time.Second)
	require.NoError(t, err)
	var reply Reply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.Empty(t, reply.Error)
	f.waitFor(t, id, execution.Completed)

	msg, err = nc.Request("ruleflow.test.cancel", encode(t, CancelMessage{ExecutionID: id}), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.Equal(t, fault.KindConflict, reply.Kind)
}
