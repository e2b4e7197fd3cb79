package notify

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMultiFansOut(t *testing.T) {
	var got []string
	record := func(name string) Dispatcher {
		return Func(func(_ context.Context, n Notification) error {
			got = append(got, name+":"+n.Title)
			return nil
		})
	}
	failing := Func(func(context.Context, Notification) error { return errors.New("smtp down") })

	m := Multi{record("a"), failing, nil, record("b")}
	err := m.Notify(context.Background(), Notification{Title: "done"})

	assert.Equal(t, []string{"a:done", "b:done"}, got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
	assert.NoError(t, Multi{record("c")}.Notify(context.Background(), Notification{}))
}

func TestLogDispatcher(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	d := NewLogDispatcher(zap.New(core))

	require.NoError(t, d.Notify(context.Background(), Notification{
		Kind:        KindFailed,
		Title:       "Rule failed",
		Recipients:  []string{"ops@example.com"},
		ExecutionID: "e1",
	}))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Rule failed", entries[0].Message)
	assert.Equal(t, "e1", entries[0].ContextMap()["execution_id"])
	assert.Equal(t, string(KindFailed), entries[0].ContextMap()["kind"])
}

func TestNATSDispatcherSubject(t *testing.T) {
	d := NewNATSDispatcher(nil, "")
	assert.Equal(t, DefaultSubject, d.Subject(Notification{}))
	assert.Equal(t, DefaultSubject+".email", d.Subject(Notification{Channel: "email"}))
}

func TestNATSDispatcherPublishes(t *testing.T) {
	url := os.Getenv("RULEFLOW_TEST_NATS_URL")
	if url == "" {
		t.Skip("RULEFLOW_TEST_NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("ruleflow.test.notifications.>")
	require.NoError(t, err)

	d := NewNATSDispatcher(nc, "ruleflow.test.notifications")
	require.NoError(t, d.Notify(context.Background(), Notification{Title: "hello", Channel: "slack"}))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ruleflow.test.notifications.slack", msg.Subject)

	var n Notification
	require.NoError(t, json.Unmarshal(msg.Data, &n))
	assert.Equal(t, "hello", n.Title)
}
