package scheduler

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/ccbhj/ruleflow/fault"
)

// enqueueScript pushes ARGV[2] unless the list already holds ARGV[1] items.
var enqueueScript = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("LPUSH", KEYS[1], ARGV[2])
return 1
`)

// RedisQueue is a durable bounded queue. Dequeued ids move to a processing
// list until acknowledged, so ids taken by a crashed process can be returned
// to the queue with Recover.
type RedisQueue struct {
	client     redis.UniversalClient
	pending    string
	processing string
	capacity   int
	poll       time.Duration
}

func NewRedisQueue(client redis.UniversalClient, prefix string, capacity int) *RedisQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &RedisQueue{
		client:     client,
		pending:    prefix + ":queue",
		processing: prefix + ":queue:processing",
		capacity:   capacity,
		poll:       time.Second,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, id string) error {
	ok, err := enqueueScript.Run(ctx, q.client, []string{q.pending}, q.capacity, id).Int()
	if err != nil {
		return fault.System(err, "enqueue %s", id)
	}
	if ok == 0 {
		return queueFull(q.capacity)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id, err := q.client.BRPopLPush(ctx, q.pending, q.processing, q.poll).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", errors.Wrap(err, "redis queue: dequeue")
		}
		return id, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	return errors.Wrapf(q.client.LRem(ctx, q.processing, 1, id).Err(), "redis queue: ack %s", id)
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis queue: len")
	}
	return int(n), nil
}

// Recover moves every id left in the processing list back to the queue and
// returns how many it moved. Call it before any worker starts.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.pending).Err()
		if err == redis.Nil {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrap(err, "redis queue: recover")
		}
		n++
	}
}
