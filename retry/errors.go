package retry

import (
	"context"
	"errors"
	"fmt"
)

// Class is the classification of a failed attempt. It decides whether the
// driver keeps retrying, stops, or fast-forwards the backoff ramp.
type Class int

const (
	// ClassTransient marks failures worth another attempt.
	ClassTransient Class = iota
	// ClassPermanent marks failures that no amount of retrying will fix.
	ClassPermanent
	// ClassResourceExhausted marks failures caused by exhausted capacity or
	// quota on the remote side. The driver jumps the backoff to its maximum
	// delay before the next attempt.
	ClassResourceExhausted
)

// String returns the metric/log label for the class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassResourceExhausted:
		return "resource_exhausted"
	default:
		return "unknown"
	}
}

var (
	// ErrResourceExhausted signals the remote side ran out of capacity.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrQuotaExceeded signals a consumed quota that refills slowly.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrRateLimited signals the caller is being throttled.
	ErrRateLimited = errors.New("rate limited")
	// ErrAttemptsExhausted is returned by Do when the attempt budget is
	// spent without success. The last attempt error is wrapped alongside.
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")
	// ErrOperationRequired is returned when a nil operation is given.
	ErrOperationRequired = errors.New("retry operation is required")
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the driver stops after the attempt that produced
// it. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// Classifier decides how the driver treats a failed attempt.
type Classifier interface {
	Classify(err error) Class
}

// ClassifierFunc adapts a plain function into a Classifier. A nil function
// falls back to ClassifyError.
type ClassifierFunc func(err error) Class

func (fn ClassifierFunc) Classify(err error) Class {
	if fn == nil {
		return ClassifyError(err)
	}

	return fn(err)
}

// DefaultClassifier is the classifier used when a policy does not set one.
var DefaultClassifier Classifier = ClassifierFunc(ClassifyError)

// ClassifyError is the default classification. Context errors and
// PermanentError marks are permanent: retrying a dead context or a rejected
// request only burns the budget. The exhaustion sentinels fast-forward the
// backoff. Everything else is transient, so unknown failures keep their
// retry chance.
func ClassifyError(err error) Class {
	if err == nil {
		return ClassTransient
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanent
	}

	if IsPermanent(err) {
		return ClassPermanent
	}

	if errors.Is(err, ErrResourceExhausted) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrRateLimited) {
		return ClassResourceExhausted
	}

	return ClassTransient
}
