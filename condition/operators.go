package condition

import (
	"reflect"
	"strings"
)

// opFn receives the payload value, whether the field was present, and the
// condition's expected value.
type opFn func(actual interface{}, found bool, expected interface{}) bool

var operatorTab = map[Operator]opFn{
	Equals:      evalEquals,
	NotEquals:   negate(evalEquals),
	Contains:    newContainsFn(true),
	NotContains: newContainsFn(false),
	In:          evalIn,
	NotIn:       evalNotIn,
	GreaterThan: newCmpFn(GreaterThan),
	LessThan:    newCmpFn(LessThan),
	IsEmpty:     evalIsEmpty,
	IsNotEmpty:  negate(evalIsEmpty),
	Always:      func(interface{}, bool, interface{}) bool { return true },
}

func negate(fn opFn) opFn {
	return func(actual interface{}, found bool, expected interface{}) bool {
		return !fn(actual, found, expected)
	}
}

func evalEquals(actual interface{}, found bool, expected interface{}) bool {
	if !found {
		return expected == nil
	}
	return equal(actual, expected)
}

// equal compares numbers by value whatever their Go type and falls back to
// deep equality otherwise.
func equal(x, y interface{}) bool {
	if x == nil || y == nil {
		return x == nil && y == nil
	}
	fx, okx := toFloat(x)
	fy, oky := toFloat(y)
	if okx && oky {
		return fx == fy
	}
	if okx != oky {
		return false
	}
	return reflect.DeepEqual(x, y)
}

func newContainsFn(want bool) opFn {
	return func(actual interface{}, found bool, expected interface{}) bool {
		s, ok := actual.(string)
		if !found || !ok {
			return false
		}
		sub, ok := expected.(string)
		if !ok {
			return false
		}
		return strings.Contains(s, sub) == want
	}
}

func evalIn(actual interface{}, found bool, expected interface{}) bool {
	list, ok := asList(expected)
	if !ok || !found {
		return false
	}
	for _, v := range list {
		if equal(actual, v) {
			return true
		}
	}
	return false
}

func evalNotIn(actual interface{}, found bool, expected interface{}) bool {
	list, ok := asList(expected)
	if !ok {
		return false
	}
	if !found {
		return true
	}
	for _, v := range list {
		if equal(actual, v) {
			return false
		}
	}
	return true
}

func newCmpFn(op Operator) opFn {
	return func(actual interface{}, found bool, expected interface{}) bool {
		if !found {
			return false
		}
		x, ok1 := toFloat(actual)
		y, ok2 := toFloat(expected)
		if !ok1 || !ok2 {
			return false
		}
		switch op {
		case GreaterThan:
			return x > y
		case LessThan:
			return x < y
		}
		return false
	}
}

func evalIsEmpty(actual interface{}, found bool, _ interface{}) bool {
	if !found || actual == nil {
		return true
	}
	v := reflect.ValueOf(actual)
	switch v.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return v.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	}
	return false
}
