package scheduler

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbhj/ruleflow/fault"
)

type seen struct {
	mu  sync.Mutex
	ids []string
}

func (s *seen) add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
}

func (s *seen) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func TestMemoryQueueBackpressure(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(2)
	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))

	err := q.Enqueue(ctx, "c")
	assert.True(t, fault.Is(err, fault.KindSystem))
	assert.True(t, errors.Is(err, ErrQueueFull))
	n, _ := q.Len(ctx)
	assert.Equal(t, 2, n)

	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, q.Enqueue(cctx, "d"))
	q2 := NewMemoryQueue(1)
	_, err = q2.Dequeue(cctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolProcessesSubmissions(t *testing.T) {
	var s seen
	p := NewPool(NewMemoryQueue(8), ProcessorFunc(func(_ context.Context, id string) error {
		s.add(id)
		return nil
	}), WithWorkers(3))
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, p.Submit(context.Background(), id))
	}
	require.Eventually(t, func() bool { return len(s.list()) == 4 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, s.list())
	assert.Error(t, p.Start(context.Background()))
}

func TestSubmitFailsFastWhenFull(t *testing.T) {
	p := NewPool(NewMemoryQueue(1), ProcessorFunc(func(context.Context, string) error { return nil }))
	require.NoError(t, p.Submit(context.Background(), "a"))
	err := p.Submit(context.Background(), "b")
	assert.True(t, fault.Is(err, fault.KindSystem))
}

func TestSubmitAfterDefersAndRearms(t *testing.T) {
	var s seen
	q := NewMemoryQueue(1)
	p := NewPool(q, ProcessorFunc(func(_ context.Context, id string) error {
		s.add(id)
		return nil
	}), WithWorkers(1), WithResubmitInterval(10*time.Millisecond))

	require.NoError(t, q.Enqueue(context.Background(), "blocker"))
	p.SubmitAfter("late", time.Now().Add(20*time.Millisecond))
	assert.Equal(t, 1, p.Deferred())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.list())
	n, _ := q.Len(context.Background())
	assert.Equal(t, 1, n, "full queue keeps the submission on a timer")

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())
	require.Eventually(t, func() bool { return len(s.list()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"blocker", "late"}, s.list())
	assert.Equal(t, 0, p.Deferred())
}

type panicky struct {
	mu        sync.Mutex
	recovered []string
}

func (p *panicky) Process(_ context.Context, id string) error {
	if id == "bad" {
		panic("boom")
	}
	return nil
}

func (p *panicky) HandlePanic(_ context.Context, id string, r interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recovered = append(p.recovered, id)
}

func (p *panicky) list() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.recovered...)
}

func TestPoolRecoversPanics(t *testing.T) {
	proc := &panicky{}
	p := NewPool(NewMemoryQueue(4), proc, WithWorkers(1))
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	require.NoError(t, p.Submit(context.Background(), "bad"))
	require.NoError(t, p.Submit(context.Background(), "good"))
	require.Eventually(t, func() bool { return len(proc.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"bad"}, proc.list())
}

func TestStopCancelsTimersAndWaits(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := NewPool(NewMemoryQueue(4), ProcessorFunc(func(context.Context, string) error {
		started <- struct{}{}
		<-release
		return nil
	}), WithWorkers(1))
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(context.Background(), "slow"))
	<-started
	p.SubmitAfter("never", time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Stop(ctx), "worker still busy")
	assert.Equal(t, 0, p.Deferred())

	close(release)
	assert.NoError(t, p.Stop(context.Background()))
	p.SubmitAfter("ignored", time.Now())
	assert.Equal(t, 0, p.Deferred())
}

func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("RULEFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RULEFLOW_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	prefix := "ruleflow-test-" + uuid.New().String()
	defer client.Del(ctx, prefix+":queue", prefix+":queue:processing")

	q := NewRedisQueue(client, prefix, 2)
	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))
	assert.True(t, fault.Is(q.Enqueue(ctx, "c"), fault.KindSystem))

	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	l, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, l)

	id, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", id)
	require.NoError(t, q.Ack(ctx, id))
	n, err = q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
