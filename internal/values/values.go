// Package values deep-copies the loosely typed maps that flow through rules,
// payloads and action results.
package values

import (
	"github.com/mitchellh/copystructure"
)

// CloneMap returns a deep copy of m. Concrete value types survive the copy,
// so an int stays an int.
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}

// Clone deep-copies v. Values copystructure cannot walk are returned as is.
func Clone(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	c, err := copystructure.Copy(v)
	if err != nil {
		return v
	}
	return c
}

// Merge copies src over dst, allocating dst when nil.
func Merge(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = Clone(v)
	}
	return dst
}

func CloneStrings(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
