package condition

import (
	"github.com/pkg/errors"

	"github.com/ccbhj/ruleflow/fault"
)

var ErrUnsupportedOperator = errors.New("unsupported operator")

func newEvalErr(c Condition, err error) error {
	return fault.Wrap(err, fault.KindConditionEvaluation, "field %q operator %q", c.Field, c.Operator)
}

// Validate rejects conditions that cannot be evaluated. It runs when a rule
// is registered so bad operators never reach a worker.
func Validate(conds []Condition) error {
	for i, c := range conds {
		if c.Field == "" && c.Operator != Always {
			return fault.Validation("condition[%d]: field is required", i)
		}
		if !Supported(c.Operator) {
			return fault.Validation("condition[%d]: unsupported operator %q", i, c.Operator)
		}
		switch c.Operator {
		case In, NotIn:
			if _, ok := asList(c.Value); !ok {
				return fault.Validation("condition[%d]: operator %s expects a list value", i, c.Operator)
			}
		case GreaterThan, LessThan:
			if _, ok := toFloat(c.Value); !ok {
				return fault.Validation("condition[%d]: operator %s expects a numeric value", i, c.Operator)
			}
		case Contains, NotContains:
			if _, ok := c.Value.(string); !ok {
				return fault.Validation("condition[%d]: operator %s expects a string value", i, c.Operator)
			}
		}
	}
	return nil
}
