package ruleflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/ccbhj/ruleflow/rule"
)

// RegisterRule validates def and stores its normalized form, replacing an
// earlier version with the same id. Running executions keep the snapshot
// they started with.
func (e *Engine) RegisterRule(ctx context.Context, def *rule.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	norm := def.Normalized()
	for _, s := range norm.Steps {
		for _, a := range s.Actions {
			if !e.registry.Has(a.Type) {
				e.logger.Warn("rule references an unregistered action type",
					zap.String("rule_id", norm.ID),
					zap.String("step_id", s.ID),
					zap.String("action_type", a.Type))
			}
		}
	}
	if err := e.repo.SaveRule(ctx, norm); err != nil {
		return err
	}
	e.logger.Info("rule registered",
		zap.String("rule_id", norm.ID),
		zap.Bool("enabled", norm.Enabled),
		zap.Int("steps", len(norm.Steps)))
	return nil
}

// LoadRules registers every definition found in the YAML files of dir.
func (e *Engine) LoadRules(ctx context.Context, dir string) (int, error) {
	defs, err := rule.LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, def := range defs {
		if err := e.RegisterRule(ctx, def); err != nil {
			return 0, err
		}
	}
	return len(defs), nil
}

func (e *Engine) EnableRule(ctx context.Context, id string) error {
	return e.setEnabled(ctx, id, true)
}

// DisableRule stops new firings. Executions already queued still run.
func (e *Engine) DisableRule(ctx context.Context, id string) error {
	return e.setEnabled(ctx, id, false)
}

func (e *Engine) setEnabled(ctx context.Context, id string, enabled bool) error {
	def, err := e.repo.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if def.Enabled == enabled {
		return nil
	}
	def.Enabled = enabled
	return e.repo.SaveRule(ctx, def)
}

func (e *Engine) Rule(ctx context.Context, id string) (*rule.Definition, error) {
	return e.repo.GetRule(ctx, id)
}

func (e *Engine) Rules(ctx context.Context) ([]*rule.Definition, error) {
	return e.repo.ListRules(ctx)
}

func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	return e.repo.DeleteRule(ctx, id)
}
