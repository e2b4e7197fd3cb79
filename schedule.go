package ruleflow

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ccbhj/ruleflow/rule"
)

// CronTriggers fires every enabled rule whose trigger type is schedule on
// the cron expression in its trigger config.
type CronTriggers struct {
	engine *Engine
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]cronEntry
}

type cronEntry struct {
	spec string
	id   cron.EntryID
}

// cronLogger routes robfig/cron's logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

func NewCronTriggers(e *Engine) *CronTriggers {
	logger := e.logger.Named("cron")
	return &CronTriggers{
		engine:  e,
		logger:  logger,
		cron:    cron.New(cron.WithLogger(cronLogger{s: logger.Sugar()})),
		entries: make(map[string]cronEntry),
	}
}

// Sync brings the schedule in line with the stored rules and returns the
// number of scheduled rules.
func (c *CronTriggers) Sync(ctx context.Context) (int, error) {
	defs, err := c.engine.Rules(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list rules")
	}
	want := make(map[string]string)
	for _, d := range defs {
		if d.Enabled && d.IsScheduled() {
			want[d.ID] = rule.String(d.Trigger.Config, "cron")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.entries {
		if spec, ok := want[id]; !ok || spec != entry.spec {
			c.cron.Remove(entry.id)
			delete(c.entries, id)
		}
	}
	for id, spec := range want {
		if _, ok := c.entries[id]; ok {
			continue
		}
		ruleID := id
		entryID, err := c.cron.AddFunc(spec, func() { c.fire(ruleID) })
		if err != nil {
			c.logger.Error("schedule rule", zap.String("rule_id", id), zap.String("cron", spec), zap.Error(err))
			continue
		}
		c.entries[id] = cronEntry{spec: spec, id: entryID}
		c.logger.Info("rule scheduled", zap.String("rule_id", id), zap.String("cron", spec))
	}
	return len(c.entries), nil
}

// Next returns the next fire time of a scheduled rule.
func (c *CronTriggers) Next(ruleID string) (time.Time, bool) {
	c.mu.Lock()
	entry, ok := c.entries[ruleID]
	c.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return c.cron.Entry(entry.id).Next, true
}

func (c *CronTriggers) Start() { c.cron.Start() }

// Stop halts the schedule and waits for running fires until ctx is done.
func (c *CronTriggers) Stop(ctx context.Context) error {
	select {
	case <-c.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *CronTriggers) fire(ruleID string) {
	payload := map[string]interface{}{
		"triggered_by": "schedule",
		"rule_id":      ruleID,
		"scheduled_at": c.engine.now().UTC().Format(time.RFC3339),
	}
	id, err := c.engine.Fire(context.Background(), ruleID, payload, rule.SystemIdentity)
	if err != nil {
		c.logger.Warn("scheduled fire rejected", zap.String("rule_id", ruleID), zap.Error(err))
		return
	}
	c.logger.Debug("scheduled fire", zap.String("rule_id", ruleID), zap.String("execution_id", id))
}
