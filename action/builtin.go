package action

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ccbhj/ruleflow/internal/values"
	"github.com/ccbhj/ruleflow/notify"
	"github.com/ccbhj/ruleflow/rule"
)

const (
	TypeLog    = "log"
	TypeEcho   = "echo"
	TypeNotify = "notify"
)

// RegisterBuiltins installs the log, echo and notify handlers. A nil
// dispatcher leaves notify out.
func RegisterBuiltins(r *Registry, logger *zap.Logger, d notify.Dispatcher) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := r.Register(TypeLog, LogHandler(logger)); err != nil {
		return err
	}
	if err := r.Register(TypeEcho, HandlerFunc(Echo)); err != nil {
		return err
	}
	if d != nil {
		if err := r.Register(TypeNotify, NotifyHandler(d)); err != nil {
			return err
		}
	}
	return nil
}

// LogHandler writes config.message at config.level (default info).
func LogHandler(logger *zap.Logger) Handler {
	logger = logger.Named("action.log")
	return HandlerFunc(func(_ context.Context, config, input map[string]interface{}) (map[string]interface{}, error) {
		lvl := zapcore.InfoLevel
		if s := rule.String(config, "level"); s != "" {
			if err := lvl.UnmarshalText([]byte(s)); err != nil {
				return nil, errors.Wrapf(err, "log action: level %q", s)
			}
		}
		msg := rule.String(config, "message")
		if ce := logger.Check(lvl, msg); ce != nil {
			ce.Write(zap.Any("execution", input["execution"]))
		}
		return map[string]interface{}{"logged": true, "message": msg}, nil
	})
}

// Echo copies the input keys listed in config.fields and then every other
// config entry into its output.
func Echo(_ context.Context, config, input map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(config))
	for _, f := range rule.Strings(config, "fields") {
		if v, ok := input[f]; ok {
			out[f] = values.Clone(v)
		}
	}
	for k, v := range config {
		if k == "fields" {
			continue
		}
		out[k] = values.Clone(v)
	}
	return out, nil
}

// NotifyHandler sends config.{title,message,recipients,channel} through d.
// Dispatch failures are transient.
func NotifyHandler(d notify.Dispatcher) Handler {
	return HandlerFunc(func(ctx context.Context, config, input map[string]interface{}) (map[string]interface{}, error) {
		n := notify.Notification{
			Kind:       notify.KindMessage,
			Title:      rule.String(config, "title"),
			Message:    rule.String(config, "message"),
			Recipients: rule.Strings(config, "recipients"),
			Channel:    rule.String(config, "channel"),
		}
		if meta, ok := input["execution"].(map[string]interface{}); ok {
			n.ExecutionID, _ = meta["id"].(string)
			n.RuleID, _ = meta["rule_id"].(string)
		}
		if err := d.Notify(ctx, n); err != nil {
			return nil, Transient(errors.Wrap(err, "notify action"))
		}
		return map[string]interface{}{"sent": true, "recipients": len(n.Recipients)}, nil
	})
}
