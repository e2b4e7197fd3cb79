package condition

import (
	"encoding/json"
	"reflect"
)

// toFloat converts a numeric value into float64 and reports whether it could.
// Strings are never numeric here, even when they look like numbers.
func toFloat(i interface{}) (float64, bool) {
	switch v := i.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// asList flattens any slice or array into []interface{}.
func asList(i interface{}) ([]interface{}, bool) {
	if l, ok := i.([]interface{}); ok {
		return l, true
	}
	if i == nil {
		return nil, false
	}
	v := reflect.ValueOf(i)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, v.Len())
	for idx := 0; idx < v.Len(); idx++ {
		out[idx] = v.Index(idx).Interface()
	}
	return out, true
}
