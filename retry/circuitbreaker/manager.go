package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/LerianStudio/lib-retry/retry"
	"github.com/LerianStudio/lib-retry/retry/assert"
	"github.com/LerianStudio/lib-retry/retry/internal/nilcheck"
	"github.com/LerianStudio/lib-retry/retry/log"
	"github.com/LerianStudio/lib-retry/retry/opentelemetry/metrics"
	"github.com/LerianStudio/lib-retry/retry/runtime"
)

var (
	// ErrNilManager is returned when a manager method is called on a nil receiver.
	ErrNilManager = errors.New("circuit breaker manager is nil")
	// ErrBreakerNotFound is returned when a service has no registered breaker.
	ErrBreakerNotFound = errors.New("circuit breaker not registered: call GetOrCreate first")
	// ErrServiceNameRequired is returned when a service name is empty or whitespace.
	ErrServiceNameRequired = errors.New("service name is empty")
)

// StateChangeFunc is notified after a breaker changes state. Notifications
// run on their own goroutines so a slow watcher cannot stall breaker
// operations; panics are contained.
type StateChangeFunc func(service string, from, to State)

// Manager owns one breaker per service name and fans state changes out to
// registered watchers.
type Manager struct {
	logger  log.Logger
	metrics *metrics.MetricsFactory

	mu       sync.RWMutex
	breakers map[string]*Breaker
	configs  map[string]Config
	watchers []StateChangeFunc
}

// ManagerOption mutates manager configuration at construction.
type ManagerOption func(*Manager)

// WithMetricsFactory wires execution and state transition counters. A nil
// factory leaves metrics off.
func WithMetricsFactory(factory *metrics.MetricsFactory) ManagerOption {
	return func(m *Manager) {
		m.metrics = factory
	}
}

// NewManager creates a circuit breaker manager. A nil logger is replaced
// with a no-op logger.
func NewManager(logger log.Logger, opts ...ManagerOption) *Manager {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	m := &Manager{
		logger:   logger,
		breakers: make(map[string]*Breaker),
		configs:  make(map[string]Config),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m
}

// GetOrCreate returns the breaker for service, creating it from cfg on
// first use. Zero config fields fall back to DefaultConfig values; an
// existing breaker is returned as-is, its original configuration kept.
func (m *Manager) GetOrCreate(service string, cfg Config) (*Breaker, error) {
	if m == nil {
		asserter := assert.New(context.Background(), nil, "circuitbreaker", "GetOrCreate")
		_ = asserter.Never(context.Background(), "manager receiver is nil")

		return nil, ErrNilManager
	}

	service = strings.TrimSpace(service)
	if service == "" {
		return nil, ErrServiceNameRequired
	}

	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	existing, ok := m.breakers[service]
	m.mu.RUnlock()

	if ok {
		return existing, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok = m.breakers[service]; ok {
		return existing, nil
	}

	breaker := &Breaker{name: service, record: m.recordExecution}
	breaker.breaker.Store(gobreaker.NewCircuitBreaker(m.settings(service, cfg)))

	m.breakers[service] = breaker
	m.configs[service] = cfg

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker created",
		log.String("service", service))

	return breaker, nil
}

// Execute runs op through the service's breaker as a single attempt.
func (m *Manager) Execute(ctx context.Context, service string, op retry.Operation) error {
	if m == nil {
		return ErrNilManager
	}

	breaker, err := m.breakerFor(service)
	if err != nil {
		return err
	}

	return breaker.Execute(ctx, op)
}

// Do retries op through the service's breaker under policy.
func (m *Manager) Do(ctx context.Context, service string, policy retry.Policy, op retry.Operation) error {
	if m == nil {
		return ErrNilManager
	}

	breaker, err := m.breakerFor(service)
	if err != nil {
		return err
	}

	return breaker.Do(ctx, policy, op)
}

// State returns the current state for service, StateUnknown when the
// service has no breaker.
func (m *Manager) State(service string) State {
	if m == nil {
		return StateUnknown
	}

	breaker, err := m.breakerFor(service)
	if err != nil {
		return StateUnknown
	}

	return breaker.State()
}

// Counts returns the statistics snapshot for service, zero when the
// service has no breaker.
func (m *Manager) Counts(service string) Counts {
	if m == nil {
		return Counts{}
	}

	breaker, err := m.breakerFor(service)
	if err != nil {
		return Counts{}
	}

	return breaker.Counts()
}

// IsHealthy reports whether the service's breaker is closed. Open and
// half-open both count as unhealthy until recovery completes.
func (m *Manager) IsHealthy(service string) bool {
	return m.State(service) == StateClosed
}

// Reset puts the service's breaker back to closed by swapping in a fresh
// state machine with the original configuration. Handles returned by
// GetOrCreate observe the swap. Unknown services are ignored.
func (m *Manager) Reset(service string) {
	if m == nil {
		return
	}

	m.mu.Lock()

	breaker, ok := m.breakers[service]
	if !ok {
		m.mu.Unlock()

		return
	}

	cfg, ok := m.configs[service]
	if !ok {
		m.mu.Unlock()

		asserter := assert.New(context.Background(), m.logger, "circuitbreaker", "Reset")
		_ = asserter.Never(context.Background(), "breaker registered without stored config", "service", service)

		return
	}

	old := breaker.breaker.Swap(gobreaker.NewCircuitBreaker(m.settings(service, cfg)))
	m.mu.Unlock()

	oldState := convertState(old.State())

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset",
		log.String("service", service), log.String("from", string(oldState)))

	if oldState != StateClosed {
		m.recordTransition(context.Background(), service, oldState, StateClosed)
		m.notifyWatchers(service, oldState, StateClosed)
	}
}

// OnStateChange registers a watcher for breaker state changes.
func (m *Manager) OnStateChange(fn StateChangeFunc) {
	if m == nil {
		return
	}

	if fn == nil {
		m.logger.Log(context.Background(), log.LevelWarn, "ignoring nil state change watcher")

		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.watchers = append(m.watchers, fn)
}

func (m *Manager) breakerFor(service string) (*Breaker, error) {
	m.mu.RLock()
	breaker, ok := m.breakers[service]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("service %s: %w", service, ErrBreakerNotFound)
	}

	return breaker, nil
}

// settings builds the gobreaker settings for one service. The trip
// condition combines the consecutive-failure threshold with the failure
// ratio once enough requests have been sampled.
func (m *Manager) settings(service string, cfg Config) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        service,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(counts.Requests >= cfg.MinRequests && ratio >= cfg.FailureRatio)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			m.handleStateChange(service, from, to)
		},
	}
}

func (m *Manager) handleStateChange(service string, from, to gobreaker.State) {
	fromState := convertState(from)
	toState := convertState(to)
	ctx := context.Background()

	level := log.LevelInfo
	if toState == StateOpen {
		level = log.LevelError
	}

	m.logger.Log(ctx, level, "circuit breaker state changed",
		log.String("service", service),
		log.String("from", string(fromState)),
		log.String("to", string(toState)))

	m.recordTransition(ctx, service, fromState, toState)
	m.notifyWatchers(service, fromState, toState)
}

func (m *Manager) notifyWatchers(service string, from, to State) {
	m.mu.RLock()
	watchers := make([]StateChangeFunc, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.RUnlock()

	for _, watcher := range watchers {
		fn := watcher

		runtime.SafeGo(m.logger, "circuitbreaker.state_change", runtime.KeepRunning, func() {
			fn(service, from, to)
		})
	}
}

func (m *Manager) recordExecution(ctx context.Context, service, result string) {
	if m.metrics == nil {
		return
	}

	_ = m.metrics.RecordBreakerExecution(ctx, service, result)
}

func (m *Manager) recordTransition(ctx context.Context, service string, from, to State) {
	if m.metrics == nil {
		return
	}

	_ = m.metrics.RecordBreakerTransition(ctx, service, string(from), string(to))
}
