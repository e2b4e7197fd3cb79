// Package notify hands notification records to an external delivery system.
// Delivery itself (email, SMS, push) happens elsewhere.
package notify

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type (
	Kind string

	Notification struct {
		Kind        Kind     `json:"kind"`
		Title       string   `json:"title"`
		Message     string   `json:"message"`
		Recipients  []string `json:"recipients,omitempty"`
		Channel     string   `json:"channel,omitempty"`
		ExecutionID string   `json:"execution_id,omitempty"`
		RuleID      string   `json:"rule_id,omitempty"`
	}

	Dispatcher interface {
		Notify(ctx context.Context, n Notification) error
	}

	// Func adapts a plain function to a Dispatcher.
	Func func(ctx context.Context, n Notification) error

	// Multi fans a notification out to every dispatcher and joins errors.
	Multi []Dispatcher

	LogDispatcher struct {
		logger *zap.Logger
	}
)

const (
	KindCompleted       Kind = "execution_completed"
	KindFailed          Kind = "execution_failed"
	KindCancelled       Kind = "execution_cancelled"
	KindApprovalRequest Kind = "approval_requested"
	KindTimeout         Kind = "execution_timeout"
	KindMessage         Kind = "message"
)

func (f Func) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var first error
	failed := 0
	for _, d := range m {
		if d == nil {
			continue
		}
		if err := d.Notify(ctx, n); err != nil {
			failed++
			if first == nil {
				first = err
			}
		}
	}
	if first != nil {
		return errors.Wrapf(first, "notify: %d of %d dispatchers failed", failed, len(m))
	}
	return nil
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger.Named("notify")}
}

func (l *LogDispatcher) Notify(_ context.Context, n Notification) error {
	l.logger.Info(n.Title,
		zap.String("kind", string(n.Kind)),
		zap.String("message", n.Message),
		zap.Strings("recipients", n.Recipients),
		zap.String("channel", n.Channel),
		zap.String("execution_id", n.ExecutionID),
		zap.String("rule_id", n.RuleID))
	return nil
}

// Nop drops every notification.
var Nop Dispatcher = Func(func(context.Context, Notification) error { return nil })
