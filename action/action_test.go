package action

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/internal/metrics"
	"github.com/ccbhj/ruleflow/notify"
)

func TestRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("classify", HandlerFunc(Echo)))

	assert.True(t, fault.Is(r.Register("classify", HandlerFunc(Echo)), fault.KindValidation))
	assert.True(t, fault.Is(r.Register("", HandlerFunc(Echo)), fault.KindValidation))
	assert.True(t, fault.Is(r.Register("route", nil), fault.KindValidation))
	assert.Panics(t, func() { r.MustRegister("classify", HandlerFunc(Echo)) })

	assert.True(t, r.Has("classify"))
	assert.Equal(t, []string{"classify"}, r.Types())
}

func TestExecuteUnknownActionIsNotAnError(t *testing.T) {
	r := NewRegistry(WithMetrics(metrics.New(prometheus.NewRegistry())))
	out, err := r.Execute(context.Background(), "ocr", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknownAction, out["status"])
	assert.Equal(t, "ocr", out["action_type"])
}

func TestExecuteClassifiesErrors(t *testing.T) {
	r := NewRegistry(WithLogger(zap.NewNop()))
	r.MustRegister("permanent", HandlerFunc(func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("invalid account")
	}))
	r.MustRegister("transient", HandlerFunc(func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.Wrap(Transient(errors.New("503 from crm")), "sync contact")
	}))
	r.MustRegister("panics", HandlerFunc(func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		panic("nil map")
	}))
	r.MustRegister("empty", HandlerFunc(func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	}))

	_, err := r.Execute(context.Background(), "permanent", nil, nil)
	assert.True(t, fault.Is(err, fault.KindActionExecution))
	assert.False(t, fault.IsRetryable(err))
	assert.Contains(t, err.Error(), "invalid account")

	_, err = r.Execute(context.Background(), "transient", nil, nil)
	assert.True(t, fault.Is(err, fault.KindActionExecution))
	assert.True(t, fault.IsRetryable(err))

	_, err = r.Execute(context.Background(), "panics", nil, nil)
	assert.True(t, fault.Is(err, fault.KindActionExecution))
	assert.False(t, fault.IsRetryable(err))
	assert.Contains(t, err.Error(), "nil map")

	out, err := r.Execute(context.Background(), "empty", nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.Nil(t, Transient(nil))
	assert.False(t, IsTransient(errors.New("x")))
	assert.True(t, IsTransient(Transient(errors.New("x"))))
	assert.True(t, IsTransient(errors.WithStack(Transient(errors.New("x")))))
}

func TestBuiltins(t *testing.T) {
	var sent []notify.Notification
	d := notify.Func(func(_ context.Context, n notify.Notification) error {
		sent = append(sent, n)
		return nil
	})
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, nil, d))
	assert.Equal(t, []string{TypeEcho, TypeLog, TypeNotify}, r.Types())

	input := map[string]interface{}{
		"ticket_category": "billing",
		"execution":       map[string]interface{}{"id": "e1", "rule_id": "r1"},
	}

	out, err := r.Execute(context.Background(), TypeEcho,
		map[string]interface{}{"fields": []interface{}{"ticket_category"}, "queue": "l1"}, input)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"ticket_category": "billing", "queue": "l1"}, out)

	out, err = r.Execute(context.Background(), TypeLog, map[string]interface{}{"message": "hi", "level": "warn"}, input)
	require.NoError(t, err)
	assert.Equal(t, true, out["logged"])

	_, err = r.Execute(context.Background(), TypeLog, map[string]interface{}{"level": "shout"}, input)
	assert.Error(t, err)

	out, err = r.Execute(context.Background(), TypeNotify,
		map[string]interface{}{"title": "New ticket", "recipients": []interface{}{"a@x", "b@x"}}, input)
	require.NoError(t, err)
	assert.Equal(t, 2, out["recipients"])
	require.Len(t, sent, 1)
	assert.Equal(t, "e1", sent[0].ExecutionID)
	assert.Equal(t, "r1", sent[0].RuleID)
}

func TestNotifyFailureIsTransient(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, nil, notify.Func(func(context.Context, notify.Notification) error {
		return errors.New("broker down")
	})))
	_, err := r.Execute(context.Background(), TypeNotify, map[string]interface{}{"title": "x"}, nil)
	assert.True(t, fault.IsRetryable(err))
}
