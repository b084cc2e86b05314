// Package nilcheck detects typed-nil interface values. Constructors here
// accept interfaces (loggers, tracers, classifiers, delay primitives) and a
// typed nil smuggled through one of those parameters would only surface as a
// panic mid-retry, so option validation rejects it up front.
package nilcheck

import "reflect"

// Interface reports whether value is nil, including typed-nil interfaces.
func Interface(value any) bool {
	if value == nil {
		return true
	}

	v := reflect.ValueOf(value)

	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}

// AnyNil reports whether any of the given values is nil, including typed
// nils. Useful for validating a batch of injected dependencies at once.
func AnyNil(values ...any) bool {
	for _, value := range values {
		if Interface(value) {
			return true
		}
	}

	return false
}
