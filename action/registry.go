// Package action maps action type names to pluggable handlers and runs them.
package action

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/internal/metrics"
)

// StatusUnknownAction is the status reported for an action type nobody
// registered. The run carries on.
const StatusUnknownAction = "unknown_action"

type (
	// Handler performs one action. It only sees its own config and input and
	// returns an output map or an error.
	Handler interface {
		Execute(ctx context.Context, config, input map[string]interface{}) (map[string]interface{}, error)
	}

	HandlerFunc func(ctx context.Context, config, input map[string]interface{}) (map[string]interface{}, error)

	Registry struct {
		mu       sync.RWMutex
		handlers map[string]Handler
		logger   *zap.Logger
		metrics  *metrics.Metrics
	}

	Option func(*Registry)
)

func (f HandlerFunc) Execute(ctx context.Context, config, input map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, config, input)
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.Named("action")
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(actionType string, h Handler) error {
	if actionType == "" {
		return fault.Validation("action type is required")
	}
	if h == nil {
		return fault.Validation("action %q: handler is nil", actionType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[actionType]; dup {
		return fault.Validation("action %q already registered", actionType)
	}
	r.handlers[actionType] = h
	return nil
}

// MustRegister is Register for start-up wiring.
func (r *Registry) MustRegister(actionType string, h Handler) {
	if err := r.Register(actionType, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Has(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[actionType]
	return ok
}

// Types returns the registered action types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Execute runs the handler registered for actionType. An unknown type yields
// an unknown_action result and no error. Handler errors and panics come back
// as action_execution faults.
func (r *Registry) Execute(ctx context.Context, actionType string, config, input map[string]interface{}) (out map[string]interface{}, err error) {
	r.mu.RLock()
	h, ok := r.handlers[actionType]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("unknown action type", zap.String("action_type", actionType))
		r.metrics.ActionExecuted(actionType, "unknown")
		return map[string]interface{}{
			"status":      StatusUnknownAction,
			"action_type": actionType,
		}, nil
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("action handler panicked",
				zap.String("action_type", actionType),
				zap.Any("panic", p),
				zap.Stack("stack"))
			r.metrics.ActionExecuted(actionType, "panic")
			out = nil
			err = fault.ActionExecution(errors.Errorf("panic: %v", p), false, "action %s", actionType)
		}
	}()

	out, err = h.Execute(ctx, config, input)
	if err != nil {
		r.metrics.ActionExecuted(actionType, "error")
		return nil, fault.ActionExecution(err, IsTransient(err), "")
	}
	r.metrics.ActionExecuted(actionType, "ok")
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}
