package circuitbreaker

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-retry/retry/internal/nilcheck"
	"github.com/LerianStudio/lib-retry/retry/log"
)

var (
	// ErrNilHealthChecker is returned when a method is called on a nil receiver.
	ErrNilHealthChecker = errors.New("health checker is nil")
	// ErrManagerRequired is returned when a health checker is built without a manager.
	ErrManagerRequired = errors.New("health checker manager is required")
	// ErrCheckRequired is returned when a nil health check function is registered.
	ErrCheckRequired = errors.New("health check function is nil")
	// ErrInvalidCheckInterval indicates the health check interval must be positive.
	ErrInvalidCheckInterval = errors.New("health check interval must be positive")
	// ErrInvalidCheckTimeout indicates the health check timeout must be positive.
	ErrInvalidCheckTimeout = errors.New("health check timeout must be positive")
)

const (
	defaultCheckInterval = 30 * time.Second
	defaultCheckTimeout  = 5 * time.Second
	immediateQueueSize   = 10
)

// HealthCheckFunc probes one service. A nil return means the service is
// reachable again.
type HealthCheckFunc func(ctx context.Context) error

// HealthChecker periodically probes services whose breakers are not
// closed and resets the breaker once a probe succeeds. Run satisfies the
// supervisor task shape. Register it on the manager with
// OnStateChange(hc.StateChanged) so a freshly opened breaker is probed
// without waiting for the next sweep.
type HealthChecker struct {
	manager   *Manager
	logger    log.Logger
	interval  time.Duration
	timeout   time.Duration
	immediate chan string

	mu     sync.RWMutex
	checks map[string]HealthCheckFunc
}

// HealthOption mutates health checker configuration at construction.
type HealthOption func(*HealthChecker)

// WithCheckInterval sets how often the sweep runs. Defaults to 30s.
func WithCheckInterval(interval time.Duration) HealthOption {
	return func(hc *HealthChecker) {
		hc.interval = interval
	}
}

// WithCheckTimeout bounds each individual probe. Defaults to 5s.
func WithCheckTimeout(timeout time.Duration) HealthOption {
	return func(hc *HealthChecker) {
		hc.timeout = timeout
	}
}

// NewHealthChecker creates a health checker for the manager's breakers. A
// nil logger is replaced with a no-op logger.
func NewHealthChecker(manager *Manager, logger log.Logger, opts ...HealthOption) (*HealthChecker, error) {
	if manager == nil {
		return nil, ErrManagerRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	hc := &HealthChecker{
		manager:   manager,
		logger:    logger,
		interval:  defaultCheckInterval,
		timeout:   defaultCheckTimeout,
		immediate: make(chan string, immediateQueueSize),
		checks:    make(map[string]HealthCheckFunc),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(hc)
		}
	}

	if hc.interval <= 0 {
		return nil, ErrInvalidCheckInterval
	}

	if hc.timeout <= 0 {
		return nil, ErrInvalidCheckTimeout
	}

	return hc, nil
}

// Register adds a probe for service, replacing any existing one.
func (hc *HealthChecker) Register(service string, check HealthCheckFunc) error {
	if hc == nil {
		return ErrNilHealthChecker
	}

	service = strings.TrimSpace(service)
	if service == "" {
		return ErrServiceNameRequired
	}

	if check == nil {
		return ErrCheckRequired
	}

	hc.mu.Lock()
	hc.checks[service] = check
	hc.mu.Unlock()

	hc.logger.Log(context.Background(), log.LevelInfo, "health check registered",
		log.String("service", service))

	return nil
}

// Run sweeps the registered services until ctx is cancelled. Between
// sweeps it serves immediate probe requests queued by StateChanged, so a
// freshly opened breaker is probed right away.
func (hc *HealthChecker) Run(ctx context.Context) error {
	if hc == nil {
		return ErrNilHealthChecker
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.logger.Log(ctx, log.LevelInfo, "health checker started",
		log.Duration("interval", hc.interval))

	for {
		select {
		case <-ticker.C:
			hc.sweep(ctx)
		case service := <-hc.immediate:
			hc.checkService(ctx, service)
		case <-ctx.Done():
			hc.logger.Log(ctx, log.LevelInfo, "health checker stopped")

			return ctx.Err()
		}
	}
}

// StateChanged matches StateChangeFunc. A breaker opening queues an
// immediate probe for its service.
func (hc *HealthChecker) StateChanged(service string, _, to State) {
	if hc == nil || to != StateOpen {
		return
	}

	select {
	case hc.immediate <- service:
	default:
		hc.logger.Log(context.Background(), log.LevelWarn, "immediate probe queue full",
			log.String("service", service), log.Duration("next_check", hc.interval))
	}
}

// Status returns the breaker state per registered service.
func (hc *HealthChecker) Status() map[string]string {
	if hc == nil {
		return nil
	}

	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := make(map[string]string, len(hc.checks))

	for service := range hc.checks {
		status[service] = string(hc.manager.State(service))
	}

	return status
}

func (hc *HealthChecker) sweep(ctx context.Context) {
	hc.mu.RLock()
	checks := make(map[string]HealthCheckFunc, len(hc.checks))
	maps.Copy(checks, hc.checks)
	hc.mu.RUnlock()

	unhealthy := 0
	recovered := 0

	for service, check := range checks {
		if hc.manager.IsHealthy(service) {
			continue
		}

		unhealthy++

		if hc.probe(ctx, service, check) {
			recovered++
		}
	}

	if unhealthy == 0 {
		hc.logger.Log(ctx, log.LevelDebug, "all services healthy")

		return
	}

	hc.logger.Log(ctx, log.LevelInfo, "health sweep complete",
		log.Int("unhealthy", unhealthy), log.Int("recovered", recovered))
}

func (hc *HealthChecker) checkService(ctx context.Context, service string) {
	hc.mu.RLock()
	check, ok := hc.checks[service]
	hc.mu.RUnlock()

	if !ok {
		hc.logger.Log(ctx, log.LevelWarn, "no health check registered",
			log.String("service", service))

		return
	}

	if hc.manager.IsHealthy(service) {
		return
	}

	hc.probe(ctx, service, check)
}

func (hc *HealthChecker) probe(ctx context.Context, service string, check HealthCheckFunc) bool {
	hc.logger.Log(ctx, log.LevelInfo, "probing unhealthy service",
		log.String("service", service))

	checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	err := check(checkCtx)

	cancel()

	if err != nil {
		hc.logger.Log(ctx, log.LevelWarn, "service still unhealthy",
			log.String("service", service), log.Err(err),
			log.Duration("next_check", hc.interval))

		return false
	}

	hc.manager.Reset(service)
	hc.logger.Log(ctx, log.LevelInfo, "service recovered",
		log.String("service", service))

	return true
}
