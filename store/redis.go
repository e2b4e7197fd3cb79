package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/ccbhj/ruleflow/approval"
	"github.com/ccbhj/ruleflow/execution"
	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/rule"
)

const maxTxRetries = 16

// releaseScript deletes a claim only while ARGV[1] still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis stores records as JSON documents. Updates run in optimistic
// WATCH/MULTI transactions; claims are SET NX PX leases.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "ruleflow"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func unavailable(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fault.System(err, format, args...)
}

func (r *Redis) SaveRule(ctx context.Context, def *rule.Definition) error {
	buf, err := json.Marshal(def)
	if err != nil {
		return errors.Wrapf(err, "marshal rule %s", def.ID)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key("rule", def.ID), buf, 0)
		pipe.SAdd(ctx, r.key("rules"), def.ID)
		return nil
	})
	return unavailable(err, "save rule %s", def.ID)
}

func (r *Redis) GetRule(ctx context.Context, id string) (*rule.Definition, error) {
	var def rule.Definition
	if err := r.getJSON(ctx, r.key("rule", id), &def); err != nil {
		if err == redis.Nil {
			return nil, fault.NotFound("rule %s", id)
		}
		return nil, err
	}
	return &def, nil
}

func (r *Redis) ListRules(ctx context.Context) ([]*rule.Definition, error) {
	ids, err := r.client.SMembers(ctx, r.key("rules")).Result()
	if err != nil {
		return nil, unavailable(err, "list rules")
	}
	out := make([]*rule.Definition, 0, len(ids))
	for _, id := range ids {
		def, err := r.GetRule(ctx, id)
		if fault.Is(err, fault.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	sortRules(out)
	return out, nil
}

func (r *Redis) DeleteRule(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, r.key("rule", id)).Result()
	if err != nil {
		return unavailable(err, "delete rule %s", id)
	}
	if n == 0 {
		return fault.NotFound("rule %s", id)
	}
	return unavailable(r.client.SRem(ctx, r.key("rules"), id).Err(), "delete rule %s", id)
}

func (r *Redis) CreateExecution(ctx context.Context, e *execution.Execution) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return errors.Wrapf(err, "marshal execution %s", e.ID)
	}
	ok, err := r.client.SetNX(ctx, r.key("exec", e.ID), buf, 0).Result()
	if err != nil {
		return unavailable(err, "create execution %s", e.ID)
	}
	if !ok {
		return fault.Conflict("execution %s already exists", e.ID)
	}
	score := float64(e.CreatedAt.UnixNano())
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, r.key("execs"), &redis.Z{Score: score, Member: e.ID})
		pipe.ZAdd(ctx, r.key("rule", e.RuleID, "execs"), &redis.Z{Score: score, Member: e.ID})
		return nil
	})
	return unavailable(err, "index execution %s", e.ID)
}

func (r *Redis) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	var e execution.Execution
	if err := r.getJSON(ctx, r.key("exec", id), &e); err != nil {
		if err == redis.Nil {
			return nil, fault.NotFound("execution %s", id)
		}
		return nil, err
	}
	return &e, nil
}

func (r *Redis) UpdateExecution(ctx context.Context, id string, fn func(*execution.Execution) error) (*execution.Execution, error) {
	return updateJSON(ctx, r.client, r.key("exec", id),
		func() error { return fault.NotFound("execution %s", id) },
		fn, nil)
}

func (r *Redis) DeleteExecution(ctx context.Context, id string) error {
	e, err := r.GetExecution(ctx, id)
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key("exec", id), r.key("steps", id), r.key("claim", id))
		pipe.ZRem(ctx, r.key("execs"), id)
		pipe.ZRem(ctx, r.key("rule", e.RuleID, "execs"), id)
		return nil
	})
	return unavailable(err, "delete execution %s", id)
}

func (r *Redis) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*execution.Execution, error) {
	index := r.key("execs")
	if f.RuleID != "" {
		index = r.key("rule", f.RuleID, "execs")
	}
	ids, err := r.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, unavailable(err, "list executions")
	}
	var out []*execution.Execution
	for _, id := range ids {
		e, err := r.GetExecution(ctx, id)
		if fault.Is(err, fault.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !f.match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (r *Redis) SaveStep(ctx context.Context, step *execution.StepExecution) error {
	buf, err := json.Marshal(step)
	if err != nil {
		return errors.Wrapf(err, "marshal step %s", step.StepID)
	}
	return unavailable(r.client.HSet(ctx, r.key("steps", step.ExecutionID), step.StepID, buf).Err(),
		"save step %s/%s", step.ExecutionID, step.StepID)
}

func (r *Redis) ListSteps(ctx context.Context, executionID string) ([]*execution.StepExecution, error) {
	fields, err := r.client.HGetAll(ctx, r.key("steps", executionID)).Result()
	if err != nil {
		return nil, unavailable(err, "list steps of %s", executionID)
	}
	out := make([]*execution.StepExecution, 0, len(fields))
	for _, raw := range fields {
		var s execution.StepExecution
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, errors.Wrapf(err, "decode step of %s", executionID)
		}
		out = append(out, &s)
	}
	sortSteps(out)
	return out, nil
}

func (r *Redis) CreateApproval(ctx context.Context, a *approval.Approval) error {
	buf, err := json.Marshal(a)
	if err != nil {
		return errors.Wrapf(err, "marshal approval %s", a.ID)
	}
	ok, err := r.client.SetNX(ctx, r.key("approval", a.ID), buf, 0).Result()
	if err != nil {
		return unavailable(err, "create approval %s", a.ID)
	}
	if !ok {
		return fault.Conflict("approval %s already exists", a.ID)
	}
	if a.Status == approval.StatusPending {
		return unavailable(r.client.SAdd(ctx, r.key("approvals", "pending"), a.ID).Err(), "index approval %s", a.ID)
	}
	return nil
}

func (r *Redis) GetApproval(ctx context.Context, id string) (*approval.Approval, error) {
	var a approval.Approval
	if err := r.getJSON(ctx, r.key("approval", id), &a); err != nil {
		if err == redis.Nil {
			return nil, fault.NotFound("approval %s", id)
		}
		return nil, err
	}
	return &a, nil
}

func (r *Redis) UpdateApproval(ctx context.Context, id string, fn func(*approval.Approval) error) (*approval.Approval, error) {
	pending := r.key("approvals", "pending")
	return updateJSON(ctx, r.client, r.key("approval", id),
		func() error { return fault.NotFound("approval %s", id) },
		fn,
		func(pipe redis.Pipeliner, a *approval.Approval) {
			if a.Status != approval.StatusPending {
				pipe.SRem(ctx, pending, a.ID)
			}
		})
}

func (r *Redis) ListPendingApprovals(ctx context.Context) ([]*approval.Approval, error) {
	ids, err := r.client.SMembers(ctx, r.key("approvals", "pending")).Result()
	if err != nil {
		return nil, unavailable(err, "list pending approvals")
	}
	var out []*approval.Approval
	for _, id := range ids {
		a, err := r.GetApproval(ctx, id)
		if fault.Is(err, fault.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if a.Status == approval.StatusPending {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *Redis) IncrementStats(ctx context.Context, ruleID string, status execution.Status, at time.Time) error {
	key := r.key("stats", ruleID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "execution_count", 1)
		switch status {
		case execution.Completed:
			pipe.HIncrBy(ctx, key, "success_count", 1)
		case execution.Failed:
			pipe.HIncrBy(ctx, key, "error_count", 1)
		case execution.Cancelled:
			pipe.HIncrBy(ctx, key, "cancelled_count", 1)
		}
		pipe.HSet(ctx, key, "last_execution", at.UnixNano(), "last_status", string(status))
		return nil
	})
	return unavailable(err, "increment stats of %s", ruleID)
}

func (r *Redis) GetStats(ctx context.Context, ruleID string) (*execution.Stats, error) {
	fields, err := r.client.HGetAll(ctx, r.key("stats", ruleID)).Result()
	if err != nil {
		return nil, unavailable(err, "stats of %s", ruleID)
	}
	st := &execution.Stats{RuleID: ruleID}
	num := func(name string) int64 {
		n, _ := strconv.ParseInt(fields[name], 10, 64)
		return n
	}
	st.ExecutionCount = num("execution_count")
	st.SuccessCount = num("success_count")
	st.ErrorCount = num("error_count")
	st.CancelledCount = num("cancelled_count")
	if ns := num("last_execution"); ns > 0 {
		st.LastExecution = time.Unix(0, ns)
	}
	st.LastStatus = execution.Status(fields["last_status"])
	return st, nil
}

func (r *Redis) Claim(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	key := r.key("claim", executionID)
	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, unavailable(err, "claim %s", executionID)
	}
	if ok {
		return true, nil
	}
	holder, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return r.Claim(ctx, executionID, owner, ttl)
	}
	if err != nil {
		return false, unavailable(err, "claim %s", executionID)
	}
	if holder != owner {
		return false, nil
	}
	return true, unavailable(r.client.PExpire(ctx, key, ttl).Err(), "extend claim %s", executionID)
}

func (r *Redis) Release(ctx context.Context, executionID, owner string) error {
	err := releaseScript.Run(ctx, r.client, []string{r.key("claim", executionID)}, owner).Err()
	if err == redis.Nil {
		err = nil
	}
	return unavailable(err, "release %s", executionID)
}

func (r *Redis) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return err
	}
	if err != nil {
		return unavailable(err, "get %s", key)
	}
	return errors.Wrapf(json.Unmarshal(data, v), "decode %s", key)
}

// updateJSON reads key, applies fn and writes the result back inside a
// WATCH transaction, retrying when another client wrote key in between.
func updateJSON[T any](
	ctx context.Context,
	client redis.UniversalClient,
	key string,
	notFound func() error,
	fn func(*T) error,
	extra func(redis.Pipeliner, *T),
) (*T, error) {
	var (
		out   *T
		fnErr error
	)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return notFound()
		}
		if err != nil {
			return unavailable(err, "get %s", key)
		}
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			return errors.Wrapf(err, "decode %s", key)
		}
		if fnErr = fn(v); fnErr != nil {
			return fnErr
		}
		buf, err := json.Marshal(v)
		if err != nil {
			return errors.Wrapf(err, "encode %s", key)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, 0)
			if extra != nil {
				extra(pipe, v)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = v
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if fnErr != nil {
			return nil, fnErr
		}
		if err != nil {
			if _, ok := fault.As(err); ok {
				return nil, err
			}
			return nil, unavailable(err, "update %s", key)
		}
		return out, nil
	}
	return nil, fault.System(redis.TxFailedErr, "update %s: too much contention", key)
}
