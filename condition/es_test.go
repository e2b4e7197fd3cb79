package condition

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEsQuery(t *testing.T) {
	conds := []Condition{
		{"ticket_category", In, []interface{}{"billing", "technical"}},
		{"priority", NotEquals, "low"},
		{"amount", GreaterThan, 100},
		{"assignee", IsNotEmpty, nil},
	}

	query, err := ToQuery(conds, "payload.")
	require.NoError(t, err)

	src, err := query.Source()
	require.NoError(t, err)
	s, err := json.MarshalIndent(src, "", "  ")
	require.NoError(t, err)
	t.Logf("query =\n %s", s)

	out := string(s)
	assert.Contains(t, out, `"terms"`)
	assert.Contains(t, out, `"payload.ticket_category"`)
	assert.Contains(t, out, `"must_not"`)
	assert.Contains(t, out, `"payload.priority"`)
	assert.Contains(t, out, `"range"`)
	assert.Contains(t, out, `"exists"`)
}

func TestEsQueryRejectsUnsupportedOperator(t *testing.T) {
	_, err := ToQuery([]Condition{{"a", Operator("regex"), "x"}}, "")
	assert.ErrorIs(t, err, ErrUnsupportedOperator)

	_, err = ToQuery([]Condition{{"a", In, 5}}, "")
	assert.Error(t, err)
}
