package condition

import "strings"

// Lookup resolves a dotted field path against nested maps. A key containing
// dots is matched literally before the path is split.
func Lookup(payload map[string]interface{}, field string) (interface{}, bool) {
	if payload == nil || field == "" {
		return nil, false
	}
	if v, in := payload[field]; in {
		return v, true
	}
	head, rest, ok := strings.Cut(field, ".")
	if !ok {
		return nil, false
	}
	next, in := payload[head]
	if !in {
		return nil, false
	}
	switch m := next.(type) {
	case map[string]interface{}:
		return Lookup(m, rest)
	case map[string]string:
		v, in := m[rest]
		return v, in
	}
	return nil, false
}
