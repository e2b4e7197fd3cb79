package condition

import (
	"github.com/olivere/elastic/v7"
	"github.com/pkg/errors"
)

// ToQuery translates a condition list into an Elasticsearch bool query so the
// same conditions that gate a rule can search indexed executions. Every field
// is prefixed with fieldPrefix (e.g. "payload.").
func ToQuery(conds []Condition, fieldPrefix string) (*elastic.BoolQuery, error) {
	q := elastic.NewBoolQuery()
	for i, c := range conds {
		field := fieldPrefix + c.Field
		switch c.Operator {
		case Equals:
			q.Filter(elastic.NewTermQuery(field, c.Value))
		case NotEquals:
			q.MustNot(elastic.NewTermQuery(field, c.Value))
		case Contains, NotContains:
			s, ok := c.Value.(string)
			if !ok {
				return nil, errors.Errorf("condition[%d]: %s expects a string value", i, c.Operator)
			}
			wq := elastic.NewWildcardQuery(field, "*"+s+"*")
			if c.Operator == Contains {
				q.Filter(wq)
			} else {
				q.MustNot(wq)
			}
		case In, NotIn:
			list, ok := asList(c.Value)
			if !ok {
				return nil, errors.Errorf("condition[%d]: %s expects a list value", i, c.Operator)
			}
			tq := elastic.NewTermsQuery(field, list...)
			if c.Operator == In {
				q.Filter(tq)
			} else {
				q.MustNot(tq)
			}
		case GreaterThan:
			q.Filter(elastic.NewRangeQuery(field).Gt(c.Value))
		case LessThan:
			q.Filter(elastic.NewRangeQuery(field).Lt(c.Value))
		case IsEmpty:
			q.MustNot(elastic.NewExistsQuery(field))
		case IsNotEmpty:
			q.Filter(elastic.NewExistsQuery(field))
		case Always:
			q.Filter(elastic.NewMatchAllQuery())
		default:
			return nil, errors.Wrapf(ErrUnsupportedOperator, "condition[%d] %q", i, c.Operator)
		}
	}
	return q, nil
}
