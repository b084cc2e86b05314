package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sony/gobreaker"

	"github.com/LerianStudio/lib-retry/retry"
)

var (
	// ErrInvalidConfig indicates the provided breaker configuration is invalid.
	ErrInvalidConfig = errors.New("invalid circuit breaker config")

	// ErrNilBreaker is returned when a breaker method is called on a nil receiver.
	ErrNilBreaker = errors.New("circuit breaker is nil")

	// ErrBreakerOpen is returned when the breaker rejects an attempt because it
	// is open. The retry driver classifies it as transient, so a retry loop
	// backs off across the open window instead of giving up.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrTooManyRequests is returned when the half-open probe budget is spent.
	// It wraps the rate-limited sentinel so the retry driver fast-forwards the
	// backoff to its ceiling, giving the breaker a full recovery window.
	ErrTooManyRequests = fmt.Errorf("%w: circuit breaker half-open budget exhausted", retry.ErrRateLimited)
)

// State is the observable condition of a breaker.
type State string

const (
	// StateClosed lets requests through and counts failures.
	StateClosed State = "closed"
	// StateOpen rejects requests until the configured timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen lets a limited number of probe requests through.
	StateHalfOpen State = "half-open"
	// StateUnknown is reported for unregistered services and nil receivers.
	StateUnknown State = "unknown"
)

// Counts is a snapshot of one breaker's request statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker guards one service. Instances come from Manager.GetOrCreate and
// stay valid across Reset: the underlying state machine is swapped in
// place, so long-lived handles observe the reset.
type Breaker struct {
	name    string
	breaker atomic.Pointer[gobreaker.CircuitBreaker]
	record  func(ctx context.Context, service, result string)
}

// Name returns the service name the breaker guards.
func (b *Breaker) Name() string {
	if b == nil {
		return ""
	}

	return b.name
}

// Execute runs op through the breaker as a single attempt. Rejections
// surface as ErrBreakerOpen or ErrTooManyRequests; op's own error passes
// through unchanged.
func (b *Breaker) Execute(ctx context.Context, op retry.Operation) error {
	if b == nil {
		return ErrNilBreaker
	}

	if op == nil {
		return retry.ErrOperationRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	_, err := b.breaker.Load().Execute(func() (any, error) {
		return nil, op(ctx)
	})

	err = mapBreakerError(b.name, err)
	b.recordExecution(ctx, err)

	return err
}

// Do retries op through the breaker under policy. The breaker name becomes
// the policy component unless the policy sets one.
func (b *Breaker) Do(ctx context.Context, policy retry.Policy, op retry.Operation) error {
	if b == nil {
		return ErrNilBreaker
	}

	if op == nil {
		return retry.ErrOperationRequired
	}

	if strings.TrimSpace(policy.Component) == "" {
		policy.Component = b.name
	}

	return retry.Do(ctx, policy, func(ctx context.Context) error {
		return b.Execute(ctx, op)
	})
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	if b == nil {
		return StateUnknown
	}

	return convertState(b.breaker.Load().State())
}

// Counts returns a snapshot of the breaker's statistics.
func (b *Breaker) Counts() Counts {
	if b == nil {
		return Counts{}
	}

	return convertCounts(b.breaker.Load().Counts())
}

func (b *Breaker) recordExecution(ctx context.Context, err error) {
	if b.record == nil {
		return
	}

	b.record(ctx, b.name, executionResult(err))
}

// ExecuteWithResult runs a value-producing op through the breaker as a
// single attempt.
func ExecuteWithResult[T any](ctx context.Context, breaker *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var result T

	if breaker == nil {
		return result, ErrNilBreaker
	}

	if op == nil {
		return result, retry.ErrOperationRequired
	}

	err := breaker.Execute(ctx, func(ctx context.Context) error {
		value, opErr := op(ctx)
		if opErr != nil {
			return opErr
		}

		result = value

		return nil
	})

	return result, err
}

// DoWithResult retries a value-producing op through the breaker under
// policy.
func DoWithResult[T any](ctx context.Context, breaker *Breaker, policy retry.Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T

	if breaker == nil {
		return result, ErrNilBreaker
	}

	if op == nil {
		return result, retry.ErrOperationRequired
	}

	err := breaker.Do(ctx, policy, func(ctx context.Context) error {
		value, opErr := op(ctx)
		if opErr != nil {
			return opErr
		}

		result = value

		return nil
	})

	return result, err
}

func mapBreakerError(service string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState):
		return fmt.Errorf("service %s: %w", service, ErrBreakerOpen)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("service %s: %w", service, ErrTooManyRequests)
	default:
		return err
	}
}

func executionResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrBreakerOpen):
		return "rejected_open"
	case errors.Is(err, ErrTooManyRequests):
		return "rejected_half_open"
	default:
		return "error"
	}
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

func convertCounts(counts gobreaker.Counts) Counts {
	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
