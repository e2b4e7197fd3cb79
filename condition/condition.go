// Package condition evaluates the field/operator/value triples that gate a
// rule and its steps. All conditions of a list are ANDed.
package condition

import (
	"go.uber.org/zap"
)

type (
	Operator string

	// Condition compares the payload value found at Field with Value.
	Condition struct {
		Field    string      `json:"field" yaml:"field"`
		Operator Operator    `json:"operator" yaml:"operator"`
		Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	}

	// Evaluator is safe for concurrent use; it only holds a logger.
	Evaluator struct {
		logger *zap.Logger
	}
)

const (
	Equals      Operator = "equals"
	NotEquals   Operator = "not_equals"
	Contains    Operator = "contains"
	NotContains Operator = "not_contains"
	In          Operator = "in"
	NotIn       Operator = "not_in"
	GreaterThan Operator = "greater_than"
	LessThan    Operator = "less_than"
	IsEmpty     Operator = "is_empty"
	IsNotEmpty  Operator = "is_not_empty"
	Always      Operator = "always"
)

var defaultEvaluator = NewEvaluator(nil)

func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{logger: logger}
}

// Evaluate reports whether every condition holds for payload. An empty list
// is true.
func Evaluate(conds []Condition, payload map[string]interface{}) bool {
	return defaultEvaluator.Evaluate(conds, payload)
}

func (e *Evaluator) Evaluate(conds []Condition, payload map[string]interface{}) bool {
	for _, c := range conds {
		ok, err := Check(c, payload)
		if err != nil {
			e.logger.Warn("condition evaluated as false",
				zap.String("field", c.Field),
				zap.String("operator", string(c.Operator)),
				zap.Error(err))
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// Check evaluates a single condition. An unsupported operator yields false
// together with an ErrUnsupportedOperator error.
func Check(c Condition, payload map[string]interface{}) (bool, error) {
	fn, in := operatorTab[c.Operator]
	if !in {
		return false, newEvalErr(c, ErrUnsupportedOperator)
	}
	actual, found := Lookup(payload, c.Field)
	return fn(actual, found, c.Value), nil
}

// Supported reports whether op is known to the evaluator.
func Supported(op Operator) bool {
	_, in := operatorTab[op]
	return in
}

func (o Operator) String() string {
	return string(o)
}
