package condition

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbhj/ruleflow/fault"
)

func TestEvalOperator(t *testing.T) {
	payload := map[string]interface{}{
		"ticket_category": "billing",
		"subject":         "Refund for invoice 42",
		"priority":        3,
		"amount":          120.5,
		"score":           json.Number("0.8"),
		"tags":            []interface{}{},
		"owner":           "",
		"customer": map[string]interface{}{
			"tier":  "gold",
			"seats": 25,
		},
	}

	cases := map[string]struct {
		cond   Condition
		expect bool
	}{
		"equals string":          {Condition{"ticket_category", Equals, "billing"}, true},
		"equals int vs float":    {Condition{"priority", Equals, 3.0}, true},
		"equals mismatch":        {Condition{"ticket_category", Equals, "technical"}, false},
		"equals number vs str":   {Condition{"priority", Equals, "3"}, false},
		"not equals":             {Condition{"ticket_category", NotEquals, "technical"}, true},
		"contains":               {Condition{"subject", Contains, "invoice"}, true},
		"contains non string":    {Condition{"priority", Contains, "3"}, false},
		"not contains":           {Condition{"subject", NotContains, "urgent"}, true},
		"not contains nonstring": {Condition{"priority", NotContains, "x"}, false},
		"in":                     {Condition{"ticket_category", In, []interface{}{"billing", "technical"}}, true},
		"in typed list":          {Condition{"ticket_category", In, []string{"sales"}}, false},
		"in not a list":          {Condition{"ticket_category", In, "billing"}, false},
		"not in":                 {Condition{"ticket_category", NotIn, []string{"sales"}}, true},
		"not in missing field":   {Condition{"region", NotIn, []string{"eu"}}, true},
		"greater than":           {Condition{"amount", GreaterThan, 100}, true},
		"greater than json num":  {Condition{"score", GreaterThan, 0.5}, true},
		"greater than string":    {Condition{"ticket_category", GreaterThan, 1}, false},
		"less than":              {Condition{"priority", LessThan, 2}, false},
		"less than string value": {Condition{"priority", LessThan, "10"}, false},
		"is empty missing":       {Condition{"region", IsEmpty, nil}, true},
		"is empty string":        {Condition{"owner", IsEmpty, nil}, true},
		"is empty list":          {Condition{"tags", IsEmpty, nil}, true},
		"is not empty":           {Condition{"subject", IsNotEmpty, nil}, true},
		"nested path":            {Condition{"customer.tier", Equals, "gold"}, true},
		"nested numeric":         {Condition{"customer.seats", GreaterThan, 10}, true},
		"always":                 {Condition{Operator: Always}, true},
		"unsupported fails shut": {Condition{"ticket_category", Operator("matches"), "b.*"}, false},
	}

	for name, c := range cases {
		assert.Equal(t, c.expect, Evaluate([]Condition{c.cond}, payload), name)
	}
}

func TestEvaluateIsConjunction(t *testing.T) {
	payload := map[string]interface{}{"ticket_category": "billing", "priority": 1}
	pass := Condition{"ticket_category", In, []interface{}{"billing", "technical"}}
	fail := Condition{"priority", GreaterThan, 5}

	assert.True(t, Evaluate(nil, payload))
	assert.True(t, Evaluate([]Condition{pass}, payload))
	assert.False(t, Evaluate([]Condition{pass, fail}, payload))
	assert.False(t, Evaluate([]Condition{fail, pass}, payload))
}

func TestCheckReportsUnsupportedOperator(t *testing.T) {
	ok, err := Check(Condition{"a", Operator("regex"), "x"}, nil)
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindConditionEvaluation))
	assert.ErrorIs(t, err, ErrUnsupportedOperator)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]Condition{
		{"ticket_category", In, []string{"billing"}},
		{"amount", GreaterThan, 10},
		{Operator: Always},
	}))

	bad := [][]Condition{
		{{"a", Operator("regex"), "x"}},
		{{"", Equals, "x"}},
		{{"a", In, "x"}},
		{{"a", LessThan, "ten"}},
		{{"a", Contains, 1}},
	}
	for _, conds := range bad {
		err := Validate(conds)
		assert.True(t, fault.Is(err, fault.KindValidation), "%+v", conds)
	}
}

func TestLookup(t *testing.T) {
	payload := map[string]interface{}{
		"a.b": 1,
		"a":   map[string]interface{}{"b": 2, "c": map[string]interface{}{"d": 3}},
		"s":   map[string]string{"k": "v"},
	}
	v, ok := Lookup(payload, "a.b")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = Lookup(payload, "a.c.d")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	v, ok = Lookup(payload, "s.k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok = Lookup(payload, "a.x")
	assert.False(t, ok)
	_, ok = Lookup(nil, "a")
	assert.False(t, ok)
}
