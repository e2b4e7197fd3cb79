package values

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCloneIsDeep(t *testing.T) {
	src := map[string]interface{}{
		"list":   []interface{}{map[string]interface{}{"k": "v"}},
		"nested": map[string]interface{}{"n": 1},
		"tags":   []string{"a"},
		"labels": map[string]string{"env": "prod"},
	}
	c := CloneMap(src)
	c["list"].([]interface{})[0].(map[string]interface{})["k"] = "changed"
	c["nested"].(map[string]interface{})["n"] = 2
	c["tags"].([]string)[0] = "b"
	c["labels"].(map[string]string)["env"] = "dev"

	assert.Equal(t, "v", src["list"].([]interface{})[0].(map[string]interface{})["k"])
	assert.Equal(t, 1, src["nested"].(map[string]interface{})["n"])
	assert.Equal(t, "a", src["tags"].([]string)[0])
	assert.Equal(t, "prod", src["labels"].(map[string]string)["env"])
	assert.Nil(t, CloneMap(nil))
}

func TestCloneKeepsTypes(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	c := CloneMap(map[string]interface{}{
		"count":  int64(3),
		"ratio":  float32(0.5),
		"at":     at,
		"nested": map[string]interface{}{"n": 7},
		"none":   nil,
	})
	assert.IsType(t, int64(0), c["count"])
	assert.IsType(t, float32(0), c["ratio"])
	assert.Equal(t, at, c["at"])
	assert.Equal(t, 7, c["nested"].(map[string]interface{})["n"])
	assert.Contains(t, c, "none")
	assert.Nil(t, c["none"])
}

func TestMerge(t *testing.T) {
	dst := Merge(nil, map[string]interface{}{"a": 1})
	dst = Merge(dst, map[string]interface{}{"b": 2, "a": 3})
	assert.Equal(t, map[string]interface{}{"a": 3, "b": 2}, dst)
}
