package ruleflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/rule"
)

// Fire is the entry point for events. It checks that the rule exists, is
// enabled and admits actor, then submits a new execution.
func (e *Engine) Fire(ctx context.Context, ruleID string, payload map[string]interface{}, actor rule.Identity) (string, error) {
	def, err := e.repo.GetRule(ctx, ruleID)
	if err != nil {
		return "", err
	}
	if !def.Enabled {
		return "", fault.Denied("rule %s is disabled", ruleID)
	}
	if !def.Access.Allows(actor) {
		e.logger.Info("trigger denied",
			zap.String("rule_id", ruleID),
			zap.String("actor", actor.UserID),
			zap.Strings("roles", actor.Roles))
		return "", fault.Denied("%s may not fire rule %s", actor.UserID, ruleID)
	}
	return e.Submit(ctx, ruleID, payload, actor)
}
