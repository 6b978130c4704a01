// Package nilcheck detects typed-nil interface values.
//
// An interface holding a nil pointer is not equal to nil, which makes plain
// `iface == nil` guards unreliable at package boundaries. Constructors use
// Interface to reject both forms.
package nilcheck

import "reflect"

// Interface reports whether value is nil or wraps a nil pointer, map, slice,
// channel, or function.
func Interface(value any) bool {
	if value == nil {
		return true
	}

	rv := reflect.ValueOf(value)

	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
