//go:build integration

package nats

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/LerianStudio/lib-retry/retry"
	"github.com/LerianStudio/lib-retry/retry/backoff"
	"github.com/LerianStudio/lib-retry/retry/log"
	"github.com/LerianStudio/lib-retry/retry/opentelemetry/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// setupNATSContainerRaw starts a NATS server with JetStream enabled and
// returns the container handle (for Stop/Start control), the client URL, and
// a cleanup function.
func setupNATSContainerRaw(t *testing.T) (testcontainers.Container, string, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"-js", "-m", "8222"},
			WaitingFor:   wait.ForListeningPort("4222/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)

	return container, natsContainerURL(t, ctx, container), func() {
		_ = container.Terminate(ctx)
	}
}

func setupNATSContainer(t *testing.T) (string, func()) {
	t.Helper()

	_, url, cleanup := setupNATSContainerRaw(t)

	return url, cleanup
}

func natsContainerURL(t *testing.T, ctx context.Context, container testcontainers.Container) string {
	t.Helper()

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "4222/tcp")
	require.NoError(t, err)

	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

// newIntegrationConfig keeps teardown snappy with a short drain window; a
// healthy drain completes in milliseconds either way.
func newIntegrationConfig(url string) Config {
	return Config{
		URL:            url,
		Name:           "lib-retry-integration",
		DrainTimeout:   2 * time.Second,
		Logger:         log.NewNop(),
		MetricsFactory: metrics.NewNopFactory(),
	}
}

func TestIntegration_NATS_ConnectAndHealthCheck(t *testing.T) {
	url, cleanup := setupNATSContainer(t)
	defer cleanup()

	ctx := context.Background()

	client, err := NewClient(ctx, newIntegrationConfig(url))
	require.NoError(t, err)

	healthy, err := client.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, healthy)

	rtt, err := client.RTT(ctx)
	require.NoError(t, err)
	assert.Positive(t, rtt)

	js, err := client.JetStream(ctx)
	require.NoError(t, err)
	assert.NotNil(t, js)

	require.NoError(t, client.Close(ctx))

	_, err = client.Conn(ctx)
	assert.ErrorIs(t, err, ErrClientClosed)

	// Close is safe to repeat.
	require.NoError(t, client.Close(ctx))
}

func TestIntegration_NATS_CorePublish(t *testing.T) {
	url, cleanup := setupNATSContainer(t)
	defer cleanup()

	ctx := context.Background()

	// Subscribe with a raw driver connection; the client under test stays
	// publisher-scoped.
	raw, err := nats.Connect(url)
	require.NoError(t, err)
	defer raw.Close()

	sub, err := raw.SubscribeSync("orders.created")
	require.NoError(t, err)
	// Make sure the server registered the subscription before publishing.
	require.NoError(t, raw.Flush())

	client, err := NewClient(ctx, newIntegrationConfig(url))
	require.NoError(t, err)

	defer func() { _ = client.Close(ctx) }()

	require.NoError(t, client.Publish(ctx, "orders.created", []byte(`{"id":1}`)))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":1}`), msg.Data)

	// The retry wrapper takes the same path against a healthy server.
	policy := retry.Policy{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: 200 * time.Millisecond}
	require.NoError(t, PublishWithRetry(ctx, client, policy, "orders.created", []byte(`{"id":2}`)))

	msg, err = sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":2}`), msg.Data)
}

func TestIntegration_NATS_JetStreamPublish(t *testing.T) {
	url, cleanup := setupNATSContainer(t)
	defer cleanup()

	ctx := context.Background()

	raw, err := nats.Connect(url)
	require.NoError(t, err)
	defer raw.Close()

	rawJS, err := jetstream.New(raw)
	require.NoError(t, err)

	_, err = rawJS.CreateStream(ctx, jetstream.StreamConfig{
		Name:     "ORDERS",
		Subjects: []string{"orders.>"},
	})
	require.NoError(t, err)

	client, err := NewClient(ctx, newIntegrationConfig(url))
	require.NoError(t, err)

	defer func() { _ = client.Close(ctx) }()

	require.NoError(t, client.PublishToStream(ctx, "orders.created", []byte(`{"id":1}`)))

	policy := retry.Policy{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: 200 * time.Millisecond}
	require.NoError(t, PublishToStreamWithRetry(ctx, client, policy, "orders.created", []byte(`{"id":2}`)))

	// Both acknowledged writes landed in the stream.
	stream, err := rawJS.Stream(ctx, "ORDERS")
	require.NoError(t, err)

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, info.State.Msgs)
}

// TestIntegration_NATS_ReconnectBridgeDrivesAttempts proves the backoff
// bridge is live inside the real driver: once the server goes away, every
// reconnect attempt is priced through the scheduler and the observer counts
// those priced steps.
func TestIntegration_NATS_ReconnectBridgeDrivesAttempts(t *testing.T) {
	container, url, cleanup := setupNATSContainerRaw(t)
	defer cleanup()

	ctx := context.Background()

	var attempts atomic.Int32

	cfg := newIntegrationConfig(url)
	cfg.ReconnectCurve = []backoff.Option{
		backoff.WithInitialDelay(200 * time.Millisecond),
		backoff.WithMaxDelay(1 * time.Second),
		backoff.WithObserver(func(_ context.Context, _, _ time.Duration) {
			attempts.Add(1)
		}),
	}

	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)

	defer func() { _ = client.Close(ctx) }()

	stopTimeout := 10 * time.Second
	require.NoError(t, container.Stop(ctx, &stopTimeout))

	require.Eventually(t, func() bool {
		return attempts.Load() >= 2
	}, 20*time.Second, 100*time.Millisecond, "expected the driver to price reconnect attempts through the bridge")
}

// TestIntegration_NATS_GateLimitsResolveStorm verifies the lazy-resolve gate
// against a dead server: the driver exhausts its reconnect budget, the first
// resolve performs a real dial and fails, and rapid follow-ups are rejected
// with retry.ErrRateLimited instead of dialing again.
func TestIntegration_NATS_GateLimitsResolveStorm(t *testing.T) {
	container, url, cleanup := setupNATSContainerRaw(t)
	defer cleanup()

	ctx := context.Background()

	cfg := newIntegrationConfig(url)
	cfg.MaxReconnects = 1
	cfg.ConnectTimeout = 2 * time.Second
	cfg.ReconnectCurve = []backoff.Option{
		backoff.WithInitialDelay(100 * time.Millisecond),
		backoff.WithMaxDelay(200 * time.Millisecond),
	}

	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)

	defer func() { _ = client.Close(ctx) }()

	conn, err := client.Conn(ctx)
	require.NoError(t, err)

	stopTimeout := 10 * time.Second
	require.NoError(t, container.Stop(ctx, &stopTimeout))

	// With a single reconnect attempt allowed the driver gives up quickly
	// and the connection closes out.
	require.Eventually(t, func() bool {
		return conn.IsClosed()
	}, 15*time.Second, 100*time.Millisecond)

	// First resolve dials for real and fails; the gate shuts behind it.
	_, err = client.ResolveConn(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, retry.ErrRateLimited)
	assert.ErrorIs(t, err, ErrConnect)

	rateLimited := 0

	for range 10 {
		if _, callErr := client.ResolveConn(ctx); errors.Is(callErr, retry.ErrRateLimited) {
			rateLimited++
		}
	}

	assert.Positive(t, rateLimited, "rapid resolves while the gate is shut must be rate limited")
}

// TestIntegration_NATS_ReconnectAfterOutage runs the full outage-recovery
// cycle: connect, stop the server, watch the bridge pace reconnect attempts,
// bring the server back, and verify a working connection again.
func TestIntegration_NATS_ReconnectAfterOutage(t *testing.T) {
	container, url, cleanup := setupNATSContainerRaw(t)
	defer cleanup()

	ctx := context.Background()

	var attempts atomic.Int32

	cfg := newIntegrationConfig(url)
	cfg.ReconnectCurve = []backoff.Option{
		backoff.WithInitialDelay(200 * time.Millisecond),
		backoff.WithMaxDelay(500 * time.Millisecond),
		backoff.WithObserver(func(_ context.Context, _, _ time.Duration) {
			attempts.Add(1)
		}),
	}

	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)

	defer func() { _ = client.Close(ctx) }()

	stopTimeout := 10 * time.Second
	require.NoError(t, container.Stop(ctx, &stopTimeout))

	require.Eventually(t, func() bool {
		return attempts.Load() >= 1
	}, 15*time.Second, 100*time.Millisecond)

	require.NoError(t, container.Start(ctx))

	newURL := natsContainerURL(t, ctx, container)

	if newURL == url {
		// The address survived the restart, so the driver's own reconnect
		// loop heals the connection.
		require.Eventually(t, func() bool {
			healthy, _ := client.HealthCheck(ctx)

			return healthy
		}, 30*time.Second, 200*time.Millisecond)

		require.NoError(t, client.Publish(ctx, "orders.created", []byte("after restart")))

		return
	}

	// Docker remapped the host port, which a reconnecting driver cannot
	// follow; a fresh client against the new address must connect cleanly.
	fresh, err := NewClient(ctx, newIntegrationConfig(newURL))
	require.NoError(t, err)

	defer func() { _ = fresh.Close(ctx) }()

	healthy, err := fresh.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, healthy)
}
