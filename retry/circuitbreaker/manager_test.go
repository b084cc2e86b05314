//go:build unit

package circuitbreaker

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/LerianStudio/lib-retry/retry"
	"github.com/LerianStudio/lib-retry/retry/backoff"
	"github.com/LerianStudio/lib-retry/retry/log"
	"github.com/LerianStudio/lib-retry/retry/opentelemetry/metrics"
)

type transition struct {
	service string
	from    State
	to      State
}

func newMeteredManager(t *testing.T) (*Manager, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	factory, err := metrics.NewMetricsFactory(provider.Meter("test"), &log.NopLogger{})
	require.NoError(t, err)

	return NewManager(&log.NopLogger{}, WithMetricsFactory(factory)), reader
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}

	return nil
}

func attrString(attrs attribute.Set, key string) string {
	v, ok := attrs.Value(attribute.Key(key))
	if !ok {
		return ""
	}

	return v.AsString()
}

func TestNewManager_NilLoggerUsesNop(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil)
	require.NotNil(t, manager)

	breaker, err := manager.GetOrCreate("billing", DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestManager_GetOrCreate(t *testing.T) {
	t.Parallel()

	manager := NewManager(&log.NopLogger{})

	breaker, err := manager.GetOrCreate("billing", tripConfig())
	require.NoError(t, err)
	assert.Equal(t, "billing", breaker.Name())
	assert.Equal(t, StateClosed, breaker.State())

	again, err := manager.GetOrCreate("billing", tripConfig())
	require.NoError(t, err)
	assert.Same(t, breaker, again, "repeat calls must return the registered breaker")
}

func TestManager_GetOrCreate_BlankService(t *testing.T) {
	t.Parallel()

	manager := NewManager(&log.NopLogger{})

	_, err := manager.GetOrCreate("   ", DefaultConfig())
	assert.ErrorIs(t, err, ErrServiceNameRequired)
}

func TestManager_GetOrCreate_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "negative interval", cfg: Config{Interval: -time.Second}},
		{name: "negative timeout", cfg: Config{Timeout: -time.Second}},
		{name: "nan failure ratio", cfg: Config{FailureRatio: math.NaN()}},
		{name: "failure ratio above one", cfg: Config{FailureRatio: 1.5}},
		{name: "negative failure ratio", cfg: Config{FailureRatio: -0.1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			manager := NewManager(&log.NopLogger{})

			_, err := manager.GetOrCreate("billing", tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestManager_Execute_UnknownService(t *testing.T) {
	t.Parallel()

	manager := NewManager(&log.NopLogger{})

	err := manager.Execute(context.Background(), "payments", func(_ context.Context) error {
		return nil
	})
	require.ErrorIs(t, err, ErrBreakerNotFound)
	assert.Contains(t, err.Error(), "payments")
}

func TestManager_Execute_Delegates(t *testing.T) {
	t.Parallel()

	manager := NewManager(&log.NopLogger{})

	_, err := manager.GetOrCreate("billing", tripConfig())
	require.NoError(t, err)

	require.NoError(t, manager.Execute(context.Background(), "billing", func(_ context.Context) error {
		return nil
	}))

	err = manager.Execute(context.Background(), "billing", func(_ context.Context) error {
		return errRefused
	})
	assert.ErrorIs(t, err, errRefused)
}

func TestManager_Do_Delegates(t *testing.T) {
	t.Parallel()

	manager := NewManager(&log.NopLogger{})

	_, err := manager.GetOrCreate("billing", tripConfig())
	require.NoError(t, err)

	attempts := 0

	err = manager.Do(context.Background(), "billing", retry.Policy{
		MaxAttempts:      5,
		InitialDelay:     time.Millisecond,
		MaxDelay:         2 * time.Millisecond,
		SchedulerOptions: []backoff.Option{backoff.WithJitterFactor(0)},
	}, func(_ context.Context) error {
		attempts++
		if attempts < 2 {
			return errRefused
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestManager_Do_UnknownService(t *testing.T) {
	t.Parallel()

	manager := NewManager(&log.NopLogger{})

	err := manager.Do(context.Background(), "payments", retry.Policy{MaxAttempts: 1}, func(_ context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrBreakerNotFound)
}

func TestManager_StateAndHealth(t *testing.T) {
	t.Parallel()

	manager := NewManager(&log.NopLogger{})

	assert.Equal(t, StateUnknown, manager.State("billing"))
	assert.Equal(t, Counts{}, manager.Counts("billing"))
	assert.False(t, manager.IsHealthy("billing"), "unregistered services are not healthy")

	breaker, err := manager.GetOrCreate("billing", tripConfig())
	require.NoError(t, err)
	assert.Equal(t, StateClosed, manager.State("billing"))
	assert.True(t, manager.IsHealthy("billing"))

	trip(t, breaker)
	assert.Equal(t, StateOpen, manager.State("billing"))
	assert.False(t, manager.IsHealthy("billing"))
	assert.Equal(t, uint32(2), manager.Counts("billing").ConsecutiveFailures)
}

func TestManager_Reset_SwapsHeldHandles(t *testing.T) {
	t.Parallel()

	manager := NewManager(&log.NopLogger{})

	breaker, err := manager.GetOrCreate("billing", tripConfig())
	require.NoError(t, err)

	trip(t, breaker)
	require.ErrorIs(t, breaker.Execute(context.Background(), func(_ context.Context) error {
		return nil
	}), ErrBreakerOpen)

	manager.Reset("billing")

	// The handle obtained before the reset must observe the fresh state.
	err = breaker.Execute(context.Background(), func(_ context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestManager_Reset_UnknownServiceIsNoop(t *testing.T) {
	t.Parallel()

	manager := NewManager(&log.NopLogger{})
	manager.Reset("payments")
}

func TestManager_OnStateChange_NotifiesWatchers(t *testing.T) {
	t.Parallel()

	manager := NewManager(&log.NopLogger{})
	events := make(chan transition, 10)

	manager.OnStateChange(func(service string, from, to State) {
		events <- transition{service: service, from: from, to: to}
	})
	manager.OnStateChange(nil)

	breaker, err := manager.GetOrCreate("billing", tripConfig())
	require.NoError(t, err)

	trip(t, breaker)
	manager.Reset("billing")

	seen := make(map[transition]bool, 2)

	for range 2 {
		select {
		case event := <-events:
			seen[event] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for state change notification")
		}
	}

	assert.True(t, seen[transition{service: "billing", from: StateClosed, to: StateOpen}])
	assert.True(t, seen[transition{service: "billing", from: StateOpen, to: StateClosed}])
}

func TestManager_Reset_ClosedBreakerDoesNotNotify(t *testing.T) {
	t.Parallel()

	manager := NewManager(&log.NopLogger{})
	events := make(chan transition, 10)

	manager.OnStateChange(func(service string, from, to State) {
		events <- transition{service: service, from: from, to: to}
	})

	_, err := manager.GetOrCreate("billing", tripConfig())
	require.NoError(t, err)

	manager.Reset("billing")

	select {
	case event := <-events:
		t.Fatalf("unexpected notification for closed breaker reset: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_NilReceiver(t *testing.T) {
	t.Parallel()

	var manager *Manager

	_, err := manager.GetOrCreate("billing", DefaultConfig())
	assert.ErrorIs(t, err, ErrNilManager)

	assert.ErrorIs(t, manager.Execute(context.Background(), "billing", func(_ context.Context) error {
		return nil
	}), ErrNilManager)
	assert.ErrorIs(t, manager.Do(context.Background(), "billing", retry.Policy{}, func(_ context.Context) error {
		return nil
	}), ErrNilManager)
	assert.Equal(t, StateUnknown, manager.State("billing"))
	assert.Equal(t, Counts{}, manager.Counts("billing"))
	assert.False(t, manager.IsHealthy("billing"))
	manager.Reset("billing")
	manager.OnStateChange(func(string, State, State) {})
}

func TestManager_RecordsExecutionMetrics(t *testing.T) {
	t.Parallel()

	manager, reader := newMeteredManager(t)

	breaker, err := manager.GetOrCreate("billing", tripConfig())
	require.NoError(t, err)

	require.NoError(t, breaker.Execute(context.Background(), func(_ context.Context) error {
		return nil
	}))

	trip(t, breaker)

	_ = breaker.Execute(context.Background(), func(_ context.Context) error {
		return nil
	})

	var rm metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(context.Background(), &rm))

	m := findMetric(rm, "circuit_breaker_executions_total")
	require.NotNil(t, m, "execution counter must be registered")

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	results := make(map[string]int64, len(sum.DataPoints))

	for _, dp := range sum.DataPoints {
		assert.Equal(t, "billing", attrString(dp.Attributes, "service"))
		results[attrString(dp.Attributes, "result")] += dp.Value
	}

	assert.Equal(t, int64(1), results["success"])
	assert.Equal(t, int64(2), results["error"])
	assert.Equal(t, int64(1), results["rejected_open"])
}

func TestManager_RecordsTransitionMetrics(t *testing.T) {
	t.Parallel()

	manager, reader := newMeteredManager(t)

	breaker, err := manager.GetOrCreate("billing", tripConfig())
	require.NoError(t, err)

	trip(t, breaker)

	var rm metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(context.Background(), &rm))

	m := findMetric(rm, "circuit_breaker_state_transitions_total")
	require.NotNil(t, m, "transition counter must be registered")

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)

	dp := sum.DataPoints[0]
	assert.Equal(t, int64(1), dp.Value)
	assert.Equal(t, "billing", attrString(dp.Attributes, "service"))
	assert.Equal(t, "closed", attrString(dp.Attributes, "from_state"))
	assert.Equal(t, "open", attrString(dp.Attributes, "to_state"))
}
