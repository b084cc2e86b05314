package nats

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-retry/retry"
	"github.com/LerianStudio/lib-retry/retry/assert"
	"github.com/LerianStudio/lib-retry/retry/backoff"
	constant "github.com/LerianStudio/lib-retry/retry/constants"
	"github.com/LerianStudio/lib-retry/retry/log"
	libOpentelemetry "github.com/LerianStudio/lib-retry/retry/opentelemetry"
	"github.com/LerianStudio/lib-retry/retry/opentelemetry/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultDrainTimeout   = 30 * time.Second

	drainPollInterval = 10 * time.Millisecond
)

// Lazy-connect pacing: after a failed resolve the gate stays shut for the
// current backoff delay, doubling per failure up to the cap.
const (
	resolveInitialDelay = 1 * time.Second
	resolveBackoffCap   = 30 * time.Second
)

var (
	// ErrNilContext is returned when a required context is nil.
	ErrNilContext = errors.New("context cannot be nil")
	// ErrNilClient is returned when a *Client receiver is nil.
	ErrNilClient = errors.New("nats client is nil")
	// ErrClientClosed is returned when the client holds no connection.
	ErrClientClosed = errors.New("nats client is closed")
	// ErrNotConnected is returned when the connection exists but the driver
	// is currently disconnected from the server.
	ErrNotConnected = errors.New("nats client is not connected")
	// ErrNilDependency is returned when an Option sets a required dependency to nil.
	ErrNilDependency = errors.New("nats option set a required dependency to nil")
	// ErrEmptyURL is returned when the server URL is empty.
	ErrEmptyURL = errors.New("nats url cannot be empty")
	// ErrConnect wraps connection establishment failures.
	ErrConnect = errors.New("nats connect failed")
	// ErrDrain wraps drain failures during Close.
	ErrDrain = errors.New("nats drain failed")
	// ErrPublish wraps publish failures.
	ErrPublish = errors.New("nats publish failed")
	// ErrJetStreamUnavailable is returned when the server did not provide a
	// JetStream context at connect time.
	ErrJetStreamUnavailable = errors.New("jetstream context is unavailable")
	// ErrNilConn is returned when the driver returns a nil connection.
	ErrNilConn = errors.New("nats driver returned nil connection")
)

// nilClientAssert fires a telemetry assertion for nil-receiver calls and returns ErrNilClient.
func nilClientAssert(operation string) error {
	asserter := assert.New(context.Background(), nil, "nats", operation)
	_ = asserter.Never(context.Background(), "nats client receiver is nil")

	return ErrNilClient
}

// Config defines NATS connection and pacing behavior.
type Config struct {
	// URL is the server URL, or a comma-separated list for a cluster.
	URL string
	// Name identifies this client to the server.
	Name string
	// Username and Password authenticate together; Token is the alternative
	// single-credential scheme. Prefer these fields over credentials
	// embedded in the URL so error messages stay clean.
	Username string
	Password string
	Token    string
	// ConnectTimeout bounds each dial attempt.
	ConnectTimeout time.Duration
	// PingInterval is the driver's liveness probe period.
	PingInterval time.Duration
	// DrainTimeout bounds how long Close waits for in-flight messages.
	DrainTimeout time.Duration
	// MaxReconnects caps the driver's reconnect attempts per outage. Zero
	// selects infinite reconnects; this package exists to keep retrying.
	MaxReconnects int
	// ReconnectCurve tunes the backoff schedule driving the reconnect loop.
	// See ReconnectOptions for the layering rules.
	ReconnectCurve []backoff.Option
	Logger         log.Logger
	MetricsFactory *metrics.MetricsFactory
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.URL) == "" {
		return ErrEmptyURL
	}

	return nil
}

func normalizeConfig(cfg Config) Config {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}

	return cfg
}

// Option customizes internal client dependencies (primarily for tests).
type Option func(*clientDeps)

// Client wraps a NATS connection with lifecycle, pacing, and publish
// helpers. The driver heals transient drops on its own along the bridged
// backoff curve; the client only redials when the connection is missing or
// has exhausted its reconnect budget.
type Client struct {
	mu             sync.RWMutex
	conn           *nats.Conn
	js             jetstream.JetStream
	cfg            Config
	metricsFactory *metrics.MetricsFactory
	deps           clientDeps

	// gate paces lazy-connect retries so overlapping resolve calls cannot
	// hammer a down server while it recovers.
	gate *reconnectGate
}

type clientDeps struct {
	dial        func(url string, opts ...nats.Option) (*nats.Conn, error)
	jetStream   func(*nats.Conn) (jetstream.JetStream, error)
	publish     func(*nats.Conn, string, []byte) error
	jsPublish   func(context.Context, jetstream.JetStream, string, []byte) error
	drain       func(*nats.Conn) error
	close       func(*nats.Conn)
	isClosed    func(*nats.Conn) bool
	isConnected func(*nats.Conn) bool
	rtt         func(*nats.Conn) (time.Duration, error)
}

func defaultDeps() clientDeps {
	return clientDeps{
		dial: nats.Connect,
		jetStream: func(conn *nats.Conn) (jetstream.JetStream, error) {
			return jetstream.New(conn)
		},
		publish: func(conn *nats.Conn, subject string, data []byte) error {
			return conn.Publish(subject, data)
		},
		jsPublish: func(ctx context.Context, js jetstream.JetStream, subject string, data []byte) error {
			_, err := js.Publish(ctx, subject, data)

			return err
		},
		drain: func(conn *nats.Conn) error {
			if conn == nil {
				return nil
			}

			return conn.Drain()
		},
		close: func(conn *nats.Conn) {
			if conn != nil {
				conn.Close()
			}
		},
		isClosed: func(conn *nats.Conn) bool {
			return conn == nil || conn.IsClosed()
		},
		isConnected: func(conn *nats.Conn) bool {
			return conn != nil && conn.IsConnected()
		},
		rtt: func(conn *nats.Conn) (time.Duration, error) {
			return conn.RTT()
		},
	}
}

// NewClient validates config, connects to NATS, and returns a ready client.
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	cfg = normalizeConfig(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	deps := defaultDeps()

	for _, opt := range opts {
		if opt == nil {
			asserter := assert.New(ctx, cfg.Logger, "nats", "NewClient")
			_ = asserter.Never(ctx, "nil nats option received; skipping")

			continue
		}

		opt(&deps)
	}

	if deps.dial == nil || deps.jetStream == nil || deps.publish == nil ||
		deps.jsPublish == nil || deps.drain == nil || deps.close == nil ||
		deps.isClosed == nil || deps.isConnected == nil || deps.rtt == nil {
		return nil, ErrNilDependency
	}

	client := &Client{
		cfg:            cfg,
		metricsFactory: cfg.MetricsFactory,
		deps:           deps,
	}

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

// Connect establishes a NATS connection if a live one is not already held.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return nilClientAssert("connect")
	}

	if ctx == nil {
		return ErrNilContext
	}

	tracer := otel.Tracer("nats")

	ctx, span := tracer.Start(ctx, "nats.connect")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemNATS))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.deps.isClosed(c.conn) {
		return nil
	}

	if err := c.connectLocked(ctx); err != nil {
		c.recordConnectionFailure("connect")

		libOpentelemetry.HandleSpanError(span, "Failed to connect to nats", err)

		return err
	}

	return nil
}

// connectLocked dials the server and swaps the new connection in. A
// previous closed-out connection is released after the swap.
// The caller MUST hold c.mu (write lock) before calling this method.
func (c *Client) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before nats connect: %w", err)
	}

	dialOpts, err := c.dialOptionsLocked()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	conn, err := c.deps.dial(c.cfg.URL, dialOpts...)
	if err != nil {
		c.log(ctx, "nats connect failed", log.String("error_detail", sanitizeURLErr(err, c.cfg.URL)))

		return fmt.Errorf("%w: %w", ErrConnect, newSanitizedError(err, c.cfg.URL, "failed to connect to nats"))
	}

	if conn == nil {
		return ErrNilConn
	}

	js, jsErr := c.deps.jetStream(conn)
	if jsErr != nil {
		// Core NATS still works when JetStream is disabled on the server;
		// stream publishes surface ErrJetStreamUnavailable instead.
		c.logAtLevel(ctx, log.LevelWarn, "jetstream context unavailable", log.Err(jsErr))

		js = nil
	}

	old := c.conn
	c.conn = conn
	c.js = js

	if old != nil && old != conn {
		c.deps.close(old)
	}

	if !urlUsesTLS(c.cfg.URL) {
		c.logAtLevel(ctx, log.LevelWarn, "nats connection URL does not request TLS; "+
			"consider tls:// for production use")
	}

	c.log(ctx, "connected to nats")

	return nil
}

// dialOptionsLocked assembles the driver options from config: the backoff
// reconnect bridge, liveness timing, credentials, and the status handlers
// that feed the client's logging and metrics.
// The caller MUST hold c.mu before calling this method.
func (c *Client) dialOptionsLocked() ([]nats.Option, error) {
	dialOpts, err := ReconnectOptions(c.cfg.ReconnectCurve...)
	if err != nil {
		return nil, err
	}

	dialOpts = append(dialOpts,
		nats.Timeout(c.cfg.ConnectTimeout),
		nats.PingInterval(c.cfg.PingInterval),
		nats.DrainTimeout(c.cfg.DrainTimeout),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleAsyncError),
	)

	if c.cfg.Name != "" {
		dialOpts = append(dialOpts, nats.Name(c.cfg.Name))
	}

	if c.cfg.Username != "" && c.cfg.Password != "" {
		dialOpts = append(dialOpts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}

	if c.cfg.Token != "" {
		dialOpts = append(dialOpts, nats.Token(c.cfg.Token))
	}

	return dialOpts, nil
}

// Conn returns the underlying driver connection if one is held.
//
// Note: the returned *nats.Conn may become stale if Close is called
// concurrently from another goroutine. Callers that need atomicity
// across multiple operations should coordinate externally.
func (c *Client) Conn(ctx context.Context) (*nats.Conn, error) {
	if c == nil {
		return nil, nilClientAssert("conn")
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return nil, ErrClientClosed
	}

	return c.conn, nil
}

// ResolveConn returns a live connection, redialing lazily when the held one
// is missing or closed out. Unlike Conn(), this method re-establishes a
// dropped connection using double-checked locking. Attempts are paced by an
// exponential backoff gate; callers that arrive while the gate is shut
// receive an error wrapping retry.ErrRateLimited instead of blocking on the
// curve. A connection the driver is still reconnecting on its own counts as
// live and is returned untouched.
func (c *Client) ResolveConn(ctx context.Context) (*nats.Conn, error) {
	if c == nil {
		return nil, nilClientAssert("resolve_conn")
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	// Fast path: a live connection (read-lock only).
	c.mu.RLock()
	conn := c.conn
	alive := conn != nil && !c.deps.isClosed(conn)
	c.mu.RUnlock()

	if alive {
		return conn, nil
	}

	// Slow path: acquire write lock and double-check before connecting.
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.deps.isClosed(c.conn) {
		return c.conn, nil
	}

	gate := c.gateLocked()

	if retryIn, ok := gate.allow(); !ok {
		return nil, fmt.Errorf("nats resolve_conn: %w (next attempt in %s)", retry.ErrRateLimited, retryIn.Round(time.Millisecond))
	}

	// Only trace when actually reconnecting.
	tracer := otel.Tracer("nats")

	ctx, span := tracer.Start(ctx, "nats.resolve")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemNATS))

	if err := c.connectLocked(ctx); err != nil {
		gate.failed()
		c.recordConnectionFailure("resolve")
		c.recordReconnection("failure")

		libOpentelemetry.HandleSpanError(span, "Failed to resolve nats connection", err)

		return nil, err
	}

	gate.succeeded()
	c.recordReconnection("success")

	return c.conn, nil
}

// gateLocked lazily builds the resolve gate, covering clients constructed
// without NewClient.
func (c *Client) gateLocked() *reconnectGate {
	if c.gate == nil {
		c.gate = newReconnectGate(resolveInitialDelay, resolveBackoffCap)
	}

	return c.gate
}

// JetStream returns the JetStream context created at connect time.
func (c *Client) JetStream(ctx context.Context) (jetstream.JetStream, error) {
	if c == nil {
		return nil, nilClientAssert("jetstream")
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return nil, ErrClientClosed
	}

	if c.js == nil {
		return nil, ErrJetStreamUnavailable
	}

	return c.js, nil
}

// Publish sends data to a subject on the core NATS connection, redialing
// through ResolveConn when the connection was lost for good. Delivery is
// fire-and-forget; use PublishToStream for server-acknowledged writes.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if c == nil {
		return nilClientAssert("publish")
	}

	if ctx == nil {
		return ErrNilContext
	}

	conn, err := c.ResolveConn(ctx)
	if err != nil {
		return err
	}

	if err := c.deps.publish(conn, subject, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	return nil
}

// PublishToStream sends data through JetStream and waits for the server's
// acknowledgment, redialing lazily like Publish.
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	if c == nil {
		return nilClientAssert("publish_to_stream")
	}

	if ctx == nil {
		return ErrNilContext
	}

	if _, err := c.ResolveConn(ctx); err != nil {
		return err
	}

	js, err := c.JetStream(ctx)
	if err != nil {
		return err
	}

	if err := c.deps.jsPublish(ctx, js, subject, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	return nil
}

// RTT returns the measured round-trip time to the server.
func (c *Client) RTT(ctx context.Context) (time.Duration, error) {
	if c == nil {
		return 0, nilClientAssert("rtt")
	}

	if ctx == nil {
		return 0, ErrNilContext
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return 0, ErrClientClosed
	}

	if !c.deps.isConnected(conn) {
		return 0, ErrNotConnected
	}

	rtt, err := c.deps.rtt(conn)
	if err != nil {
		return 0, fmt.Errorf("nats rtt: %w", err)
	}

	return rtt, nil
}

// HealthCheck reports whether the connection is established and the server
// answers a round-trip probe. An error means the client cannot be probed at
// all; a false result means it was probed and found unhealthy.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	if c == nil {
		return false, nilClientAssert("health_check")
	}

	if ctx == nil {
		return false, ErrNilContext
	}

	tracer := otel.Tracer("nats")

	ctx, span := tracer.Start(ctx, "nats.health_check")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemNATS))

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return false, ErrClientClosed
	}

	if !c.deps.isConnected(conn) {
		return false, nil
	}

	if _, err := c.deps.rtt(conn); err != nil {
		c.logAtLevel(ctx, log.LevelWarn, "nats round-trip probe failed", log.Err(err))

		return false, nil
	}

	return true, nil
}

// Close drains in-flight messages and releases the connection. The drain is
// given the configured DrainTimeout (or the context deadline, whichever
// fires first) to complete; the connection is force closed regardless.
// Safe to call on an unconnected client and safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if c == nil {
		return nilClientAssert("close")
	}

	if ctx == nil {
		return ErrNilContext
	}

	tracer := otel.Tracer("nats")

	ctx, span := tracer.Start(ctx, "nats.close")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemNATS))

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	drainTimeout := c.cfg.DrainTimeout
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	var closeErr error

	if err := c.deps.drain(conn); err != nil {
		closeErr = fmt.Errorf("%w: %w", ErrDrain, err)
	} else {
		closeErr = c.awaitDrain(ctx, conn, drainTimeout)
	}

	c.deps.close(conn)

	if closeErr != nil {
		c.logAtLevel(ctx, log.LevelWarn, "nats drain failed; connection force closed", log.Err(closeErr))
		libOpentelemetry.HandleSpanError(span, "Failed to drain nats connection", closeErr)

		return closeErr
	}

	return nil
}

// awaitDrain polls for drain completion. The driver closes the connection
// itself once the drain finishes; when that does not happen inside the
// window the caller force-closes.
func (c *Client) awaitDrain(ctx context.Context, conn *nats.Conn, timeout time.Duration) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if c.deps.isClosed(conn) {
			return nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("%w: drain did not complete within %s", ErrDrain, timeout)
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrDrain, ctx.Err())
		}
	}
}

// Driver status handlers. These run on the driver's callback goroutines and
// only touch the logger and metrics factory, both of which are safe for
// concurrent use.

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	fields := []log.Field{}
	if err != nil {
		fields = append(fields, log.Err(err))
	}

	c.logAtLevel(context.Background(), log.LevelWarn, "nats connection lost; driver reconnecting", fields...)
	c.recordConnectionFailure("disconnect")
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.logAtLevel(context.Background(), log.LevelInfo, "nats connection restored")
	c.recordReconnection("success")
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.logAtLevel(context.Background(), log.LevelInfo, "nats connection closed")
}

func (c *Client) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	fields := []log.Field{log.Err(err)}
	if sub != nil {
		fields = append(fields, log.String("subject", sub.Subject))
	}

	c.logAtLevel(context.Background(), log.LevelError, "nats async error", fields...)
}

func (c *Client) log(ctx context.Context, message string, fields ...log.Field) {
	c.logAtLevel(ctx, log.LevelDebug, message, fields...)
}

func (c *Client) logAtLevel(ctx context.Context, level log.Level, message string, fields ...log.Field) {
	if c == nil || c.cfg.Logger == nil {
		return
	}

	if !c.cfg.Logger.Enabled(level) {
		return
	}

	c.cfg.Logger.Log(ctx, level, message, fields...)
}

// recordConnectionFailure increments the connection failure counter.
// No-op when MetricsFactory is nil.
func (c *Client) recordConnectionFailure(operation string) {
	if c == nil || c.metricsFactory == nil {
		return
	}

	err := c.metricsFactory.RecordConnectionFailure(context.Background(), constant.DBSystemNATS, operation)
	if err != nil {
		c.logAtLevel(context.Background(), log.LevelWarn, "failed to record nats connection metric", log.Err(err))
	}
}

// recordReconnection increments the reconnection counter.
// No-op when MetricsFactory is nil.
func (c *Client) recordReconnection(result string) {
	if c == nil || c.metricsFactory == nil {
		return
	}

	err := c.metricsFactory.RecordReconnection(context.Background(), constant.DBSystemNATS, result)
	if err != nil {
		c.logAtLevel(context.Background(), log.LevelWarn, "failed to record nats reconnection metric", log.Err(err))
	}
}

// urlUsesTLS reports whether every server in the comma-separated URL list
// requests a TLS scheme. The server may still force an upgrade on a plain
// scheme; this only drives the configuration warning.
func urlUsesTLS(rawURL string) bool {
	for _, server := range strings.Split(rawURL, ",") {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}

		if !strings.HasPrefix(server, "tls://") && !strings.HasPrefix(server, "wss://") {
			return false
		}
	}

	return true
}

// sanitizedError wraps an original error with a redacted message.
// Error() returns the sanitized message; Unwrap() returns the original so
// that errors.Is / errors.As still work for programmatic inspection.
type sanitizedError struct {
	original error
	message  string
}

// Error returns the sanitized message.
func (e *sanitizedError) Error() string { return e.message }

// Unwrap returns the original wrapped error.
func (e *sanitizedError) Unwrap() error { return e.original }

// newSanitizedError wraps err with a human-readable prefix and redacted
// server URL.
func newSanitizedError(err error, rawURL, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeURLErr(err, rawURL),
	})
}

// sanitizeURLErr strips server credentials from err's message. Every
// configured server URL that carries userinfo is replaced with its redacted
// form. A token-style URL (nats://token@host) redacts the whole userinfo,
// since the username position holds the secret there, and passwords are
// additionally scrubbed standalone in case the driver echoes them decoded.
func sanitizeURLErr(err error, rawURL string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	for _, server := range strings.Split(rawURL, ",") {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}

		parsed, parseErr := url.Parse(server)
		if parseErr != nil || parsed.User == nil {
			continue
		}

		redacted := parsed.Redacted()

		pass, hasPass := parsed.User.Password()
		if !hasPass {
			clone := *parsed
			clone.User = url.User("xxxxx")
			redacted = clone.String()
		}

		msg = strings.ReplaceAll(msg, server, redacted)

		if hasPass && pass != "" {
			msg = strings.ReplaceAll(msg, pass, "xxxxx")
		}
	}

	return msg
}
