package rule

import (
	"encoding/json"
	"time"

	"github.com/ccbhj/ruleflow/fault"
)

// String reads a string parameter from a step or action config.
func String(cfg map[string]interface{}, key string) string {
	s, _ := cfg[key].(string)
	return s
}

// Int reads an integral parameter. YAML and JSON decoders produce different
// numeric types, all of which are accepted.
func Int(cfg map[string]interface{}, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// Strings reads a list of strings; a single string is a one element list.
func Strings(cfg map[string]interface{}, key string) []string {
	switch v := cfg[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Duration reads a duration given either as a Go duration string ("90s",
// "1h30m") or as a number of seconds.
func Duration(cfg map[string]interface{}, key string) (time.Duration, bool, error) {
	raw, in := cfg[key]
	if !in || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, true, fault.Validation("config.%s: %v", key, err)
		}
		return d, true, nil
	case float64:
		return time.Duration(v * float64(time.Second)), true, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, true, fault.Validation("config.%s: %v", key, err)
		}
		return time.Duration(f * float64(time.Second)), true, nil
	}
	if n, ok := Int(cfg, key); ok {
		return time.Duration(n) * time.Second, true, nil
	}
	return 0, true, fault.Validation("config.%s: expected a duration, got %T", key, raw)
}
