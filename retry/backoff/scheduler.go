package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Default scheduler configuration. The defaults give an immediate first
// attempt, a one second base that grows by half per attempt, a one minute
// ceiling, and full (+/-50%) jitter.
const (
	DefaultInitialDelay = 1 * time.Second
	DefaultFactor       = 1.5
	DefaultMaxDelay     = 1 * time.Minute
	DefaultJitterFactor = 1.0
)

var (
	// ErrInvalidConfig is returned by NewScheduler when an option violates
	// its constraint. No scheduler is produced.
	ErrInvalidConfig = errors.New("invalid backoff configuration")

	// ErrNilScheduler is returned when Wait is invoked on a nil scheduler.
	ErrNilScheduler = errors.New("backoff scheduler is nil")
)

// DelayFunc suspends the caller for the given duration, honoring context
// cancellation. Substituted in tests for deterministic verification.
type DelayFunc func(ctx context.Context, delay time.Duration) error

// RandFunc returns a uniform value in [0, 1). Substituted in tests for
// reproducible jitter.
type RandFunc func() float64

// Observer is notified synchronously right before a warmed wait suspends,
// receiving the pre-jitter base and the realized delay. A nil Observer is
// a no-op. Observers must not block; the wait does not start until they
// return.
type Observer func(ctx context.Context, base, delay time.Duration)

// Scheduler spaces out repeated attempts of a fallible remote call.
//
// One instance serves one logical retry loop. The first Wait is immediate
// (zero base); each call then grows the base delay by the configured factor
// and clamps it to [initial delay, max delay], so consecutive waits ramp up
// exponentially until they plateau at the ceiling. Every realized delay is
// perturbed by jitter drawn fresh from the random source, which keeps
// independent loops hitting the same dependency from synchronizing.
//
// A Scheduler is not safe for concurrent use: exactly one Wait may be
// outstanding at a time and callers serialize their own retry loop.
// Distinct instances are fully independent.
type Scheduler struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
	jitterFactor float64

	delay    DelayFunc
	random   RandFunc
	observer Observer

	currentBase time.Duration
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithInitialDelay sets the base delay for the first backed-off attempt.
func WithInitialDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		s.initialDelay = d
	}
}

// WithFactor sets the growth multiplier applied to the base after each wait.
func WithFactor(factor float64) Option {
	return func(s *Scheduler) {
		s.factor = factor
	}
}

// WithMaxDelay sets the ceiling the base delay is clamped to.
func WithMaxDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		s.maxDelay = d
	}
}

// WithJitterFactor sets the randomization coefficient. A factor of 1.0
// perturbs each delay by up to +/-50% of the base; 0 disables jitter.
func WithJitterFactor(factor float64) Option {
	return func(s *Scheduler) {
		s.jitterFactor = factor
	}
}

// WithDelayFunc replaces the suspension primitive. A nil fn keeps the
// default (WaitContext).
func WithDelayFunc(fn DelayFunc) Option {
	return func(s *Scheduler) {
		if fn == nil {
			return
		}

		s.delay = fn
	}
}

// WithRandFunc replaces the random source. A nil fn keeps the default
// (crypto-seeded uniform [0, 1)).
func WithRandFunc(fn RandFunc) Option {
	return func(s *Scheduler) {
		if fn == nil {
			return
		}

		s.random = fn
	}
}

// WithObserver sets the optional wait observer.
func WithObserver(fn Observer) Option {
	return func(s *Scheduler) {
		s.observer = fn
	}
}

// NewScheduler builds a Scheduler from the defaults and the given options.
// Construction fails fast with an ErrInvalidConfig-wrapped error when any
// option violates its constraint; no instance is produced.
func NewScheduler(opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		initialDelay: DefaultInitialDelay,
		maxDelay:     DefaultMaxDelay,
		factor:       DefaultFactor,
		jitterFactor: DefaultJitterFactor,
		delay:        WaitContext,
		random:       secureFloat64,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Scheduler) validate() error {
	if s.initialDelay < 0 {
		return fmt.Errorf("%w: initial delay must be non-negative, got %v", ErrInvalidConfig, s.initialDelay)
	}

	if s.maxDelay < 0 {
		return fmt.Errorf("%w: max delay must be non-negative, got %v", ErrInvalidConfig, s.maxDelay)
	}

	if s.initialDelay > s.maxDelay {
		return fmt.Errorf("%w: initial delay %v exceeds max delay %v", ErrInvalidConfig, s.initialDelay, s.maxDelay)
	}

	if math.IsNaN(s.factor) || math.IsInf(s.factor, 0) || s.factor < 1 {
		return fmt.Errorf("%w: factor must be finite and at least 1, got %v", ErrInvalidConfig, s.factor)
	}

	if math.IsNaN(s.jitterFactor) || math.IsInf(s.jitterFactor, 0) || s.jitterFactor < 0 {
		return fmt.Errorf("%w: jitter factor must be finite and non-negative, got %v", ErrInvalidConfig, s.jitterFactor)
	}

	return nil
}

// Wait suspends the caller for the current jittered backoff delay and grows
// the base for the next call.
//
// The realized delay is base + (random() - 0.5) * jitterFactor * base,
// floored at zero, so a cold scheduler (base 0) returns immediately. The
// base advances exactly once per call, before the suspension and regardless
// of its outcome: a cancelled wait surfaces the delay primitive's error
// while the scheduler keeps its advanced state, and the next Wait continues
// the ramp rather than restarting it.
func (s *Scheduler) Wait(ctx context.Context) error {
	if s == nil {
		return ErrNilScheduler
	}

	base := s.currentBase
	delay := s.jittered(base)

	s.advance()

	if base > 0 && s.observer != nil {
		s.observer(ctx, base, delay)
	}

	if err := s.delay(ctx, delay); err != nil {
		return fmt.Errorf("backoff wait: %w", err)
	}

	return nil
}

// Reset returns the scheduler to its cold state: the next Wait has zero
// base delay. Called when a fresh sequence of attempts begins, so later
// failures do not inherit stale backoff.
func (s *Scheduler) Reset() {
	if s == nil {
		return
	}

	s.currentBase = 0
}

// ResetToMax fast-forwards the base to the configured ceiling: the next
// Wait jumps straight to the maximum backoff (jitter still applies).
// Called when the remote side signals that rapid retries are actively
// harmful, such as an over-quota response.
func (s *Scheduler) ResetToMax() {
	if s == nil {
		return
	}

	s.currentBase = s.maxDelay
}

// Base returns the pre-jitter delay the next Wait will use. Zero means the
// scheduler is cold and the next wait is immediate.
func (s *Scheduler) Base() time.Duration {
	if s == nil {
		return 0
	}

	return s.currentBase
}

// jittered perturbs the base by the configured jitter and floors the result
// at zero. Saturates at math.MaxInt64 so extreme jitter factors cannot
// overflow the conversion.
func (s *Scheduler) jittered(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	if s.jitterFactor == 0 {
		return base
	}

	delay := float64(base) + (s.random()-0.5)*s.jitterFactor*float64(base)

	switch {
	case delay <= 0:
		return 0
	case delay >= math.MaxInt64:
		return time.Duration(math.MaxInt64)
	default:
		return time.Duration(delay)
	}
}

// advance grows the base for the next call and clamps it to the configured
// window. Comparisons happen in float space so a large factor saturates at
// the ceiling instead of overflowing.
func (s *Scheduler) advance() {
	next := float64(s.currentBase) * s.factor

	switch {
	case next < float64(s.initialDelay):
		s.currentBase = s.initialDelay
	case next > float64(s.maxDelay):
		s.currentBase = s.maxDelay
	default:
		s.currentBase = time.Duration(next)
	}
}
