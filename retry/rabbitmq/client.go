package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-retry/retry"
	"github.com/LerianStudio/lib-retry/retry/assert"
	constant "github.com/LerianStudio/lib-retry/retry/constants"
	"github.com/LerianStudio/lib-retry/retry/log"
	libOpentelemetry "github.com/LerianStudio/lib-retry/retry/opentelemetry"
	"github.com/LerianStudio/lib-retry/retry/opentelemetry/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultHealthTimeout = 5 * time.Second

	// Dial pacing for the lazy resolve path. After a failed dial the gate
	// shuts for resolveInitialDelay and the delay doubles per failure up to
	// resolveBackoffCap.
	resolveInitialDelay = 500 * time.Millisecond
	resolveBackoffCap   = 30 * time.Second
)

var (
	// ErrNilContext is returned when a nil context reaches NewClient.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrNilClient is returned when a method is called on a nil Client.
	ErrNilClient = errors.New("rabbitmq client is nil")

	// ErrEmptyURL is returned when the configuration carries no broker URL.
	ErrEmptyURL = errors.New("rabbitmq url cannot be empty")

	// ErrNilDependency is returned when an Option clears a required seam.
	ErrNilDependency = errors.New("rabbitmq option set a required dependency to nil")

	// ErrConnect wraps broker dial failures.
	ErrConnect = errors.New("rabbitmq connect failed")

	// ErrChannelOpen wraps channel open failures on a live connection.
	ErrChannelOpen = errors.New("rabbitmq channel open failed")

	// ErrUnhealthy is returned when the management API reports the broker
	// unhealthy during connect.
	ErrUnhealthy = errors.New("rabbitmq broker is unhealthy")

	// ErrNoChannel is returned by Channel when no channel is currently open.
	ErrNoChannel = errors.New("rabbitmq channel is not open")

	// ErrPublish wraps basic publish failures.
	ErrPublish = errors.New("rabbitmq publish failed")
)

// nilClientAssert fires a telemetry assertion for nil-receiver calls and
// returns ErrNilClient. The logger is nil because there is no instance to
// take one from; the assert package falls back to stderr.
func nilClientAssert(operation string) error {
	asserter := assert.New(context.Background(), nil, "rabbitmq", operation)
	_ = asserter.Never(context.Background(), "rabbitmq client receiver is nil")

	return ErrNilClient
}

// Config describes one broker endpoint.
type Config struct {
	// URL is the full AMQP connection URL. BuildURL assembles one from
	// discrete parts.
	URL string

	// Queue optionally names the queue this client's consumers default to.
	// The client itself does not declare it.
	Queue string

	// HealthCheckURL is the management API root, for example
	// "http://host:15672". When set, Connect verifies the broker reports no
	// alarms before the connection is handed out, and HealthCheck probes the
	// same endpoint. Empty skips management probes entirely.
	HealthCheckURL string

	// HealthUser and HealthPass authenticate management API probes.
	HealthUser string
	HealthPass string

	// HealthTimeout bounds each management probe. Zero selects 5s.
	HealthTimeout time.Duration

	// HealthHTTPClient overrides the probe transport. A client with TLS
	// verification disabled is rejected unless AllowInsecureTLS is set.
	HealthHTTPClient *http.Client

	// AllowInsecureTLS acknowledges a health client that skips certificate
	// verification.
	AllowInsecureTLS bool

	Logger         log.Logger
	MetricsFactory *metrics.MetricsFactory
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.URL) == "" {
		return ErrEmptyURL
	}

	if cfg.HealthHTTPClient != nil {
		transport, ok := cfg.HealthHTTPClient.Transport.(*http.Transport)
		if ok && transport.TLSClientConfig != nil &&
			transport.TLSClientConfig.InsecureSkipVerify && !cfg.AllowInsecureTLS {
			return ErrInsecureTLS
		}
	}

	return nil
}

func normalizeConfig(cfg Config) Config {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}

	if cfg.HealthHTTPClient == nil {
		cfg.HealthHTTPClient = &http.Client{Timeout: cfg.HealthTimeout}
	}

	return cfg
}

// Option adjusts the client's driver seams. Production code has no reason
// to use these; tests substitute deterministic fakes.
type Option func(*clientDeps)

// clientDeps are the seams between the client and the AMQP driver.
type clientDeps struct {
	dial        func(ctx context.Context, url string) (*amqp.Connection, error)
	openChannel func(ctx context.Context, conn *amqp.Connection) (*amqp.Channel, error)
	connClosed  func(conn *amqp.Connection) bool
	chanClosed  func(ch *amqp.Channel) bool
	closeConn   func(conn *amqp.Connection) error
	closeChan   func(ch *amqp.Channel) error
	probe       func(ctx context.Context, probe managementProbe) bool
}

func defaultDeps() clientDeps {
	return clientDeps{
		dial: func(_ context.Context, url string) (*amqp.Connection, error) {
			return amqp.Dial(url)
		},
		openChannel: func(_ context.Context, conn *amqp.Connection) (*amqp.Channel, error) {
			if conn == nil {
				return nil, errors.New("cannot open channel: connection is nil")
			}

			return conn.Channel()
		},
		connClosed: func(conn *amqp.Connection) bool {
			return conn == nil || conn.IsClosed()
		},
		chanClosed: func(ch *amqp.Channel) bool {
			return ch == nil || ch.IsClosed()
		},
		closeConn: func(conn *amqp.Connection) error {
			if conn == nil {
				return nil
			}

			return conn.Close()
		},
		closeChan: func(ch *amqp.Channel) error {
			if ch == nil {
				return nil
			}

			return ch.Close()
		},
		probe: probeManagement,
	}
}

// Client maintains one shared connection and channel to a broker,
// re-establishing both on demand with gate-paced dials.
//
// Close tears the pair down but does not retire the client: the next
// ResolveChannel dials again. The shared channel suits topology declares
// and fire-and-forget publishes; confirm-mode publishers open dedicated
// channels via DedicatedChannel.
type Client struct {
	mu             sync.RWMutex
	cfg            Config
	deps           clientDeps
	metricsFactory *metrics.MetricsFactory

	conn *amqp.Connection
	ch   *amqp.Channel

	// gate paces dials on the resolve path so concurrent callers cannot
	// pile reconnect storms onto a down broker. Guarded by mu.
	gate *reconnectGate
}

// NewClient validates cfg and eagerly connects. Callers that must tolerate
// a broker that is still booting wrap NewClient in a retry.Do loop.
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
			asserter := assert.New(ctx, cfg.Logger, "rabbitmq", "NewClient")
			_ = asserter.Never(ctx, "nil rabbitmq option received; skipping")

			continue
		}

		opt(&deps)
	}

	if deps.dial == nil || deps.openChannel == nil || deps.connClosed == nil ||
		deps.chanClosed == nil || deps.closeConn == nil || deps.closeChan == nil ||
		deps.probe == nil {
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

// Connect dials the broker, opens the shared channel, and, when a
// management URL is configured, verifies the broker reports no alarms.
// A live channel makes Connect a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return nilClientAssert("connect")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRabbitMQ))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channelLiveLocked() {
		return nil
	}

	if err := c.connectLocked(ctx); err != nil {
		c.recordConnectionFailure("connect")
		libOpentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", err)

		return err
	}

	return nil
}

// channelLiveLocked reports whether both the connection and the shared
// channel are open. Callers hold c.mu.
func (c *Client) channelLiveLocked() bool {
	return c.conn != nil && !c.deps.connClosed(c.conn) &&
		c.ch != nil && !c.deps.chanClosed(c.ch)
}

// connectLocked performs the full dial, channel open, and optional health
// probe. Callers hold c.mu.
func (c *Client) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before rabbitmq connect: %w", err)
	}

	c.log(ctx, "connecting to rabbitmq")

	conn, err := c.deps.dial(ctx, c.cfg.URL)
	if err != nil {
		c.logAtLevel(ctx, log.LevelError, "rabbitmq dial failed",
			log.String("error_detail", sanitizeBrokerErr(err, c.cfg.URL)))

		return fmt.Errorf("%w: %w", ErrConnect, &sanitizedError{
			original: err,
			message:  sanitizeBrokerErr(err, c.cfg.URL),
		})
	}

	ch, err := c.deps.openChannel(ctx, conn)
	if err == nil && ch == nil {
		err = errors.New("channel factory returned nil channel")
	}

	if err != nil {
		c.closeQuietly(conn)
		c.logAtLevel(ctx, log.LevelError, "rabbitmq channel open failed", log.Err(err))

		return fmt.Errorf("%w: %w", ErrChannelOpen, err)
	}

	if c.cfg.HealthCheckURL != "" && !c.deps.probe(ctx, c.probeParams()) {
		c.closeQuietly(conn)
		c.logAtLevel(ctx, log.LevelError, "rabbitmq health probe failed during connect")

		return fmt.Errorf("%w: management api reported failure", ErrUnhealthy)
	}

	c.conn = conn
	c.ch = ch

	c.log(ctx, "connected to rabbitmq")

	return nil
}

// probeParams captures the management probe inputs. Callers hold c.mu or
// run before the client is shared.
func (c *Client) probeParams() managementProbe {
	return managementProbe{
		url:    c.cfg.HealthCheckURL,
		user:   c.cfg.HealthUser,
		pass:   c.cfg.HealthPass,
		client: c.cfg.HealthHTTPClient,
		logger: c.cfg.Logger,
	}
}

// closeQuietly closes a connection that never became the client's current
// one, logging rather than surfacing failures.
func (c *Client) closeQuietly(conn *amqp.Connection) {
	if err := c.deps.closeConn(conn); err != nil {
		c.logAtLevel(context.Background(), log.LevelWarn, "failed to close rabbitmq connection during cleanup", log.Err(err))
	}
}

// Channel returns the shared channel without dialing. ErrNoChannel means
// the client is disconnected; use ResolveChannel to redial.
func (c *Client) Channel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, nilClientAssert("channel")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.channelLiveLocked() {
		return nil, ErrNoChannel
	}

	return c.ch, nil
}

// Conn returns the current connection without dialing.
func (c *Client) Conn(ctx context.Context) (*amqp.Connection, error) {
	if c == nil {
		return nil, nilClientAssert("conn")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil || c.deps.connClosed(c.conn) {
		return nil, ErrNoChannel
	}

	return c.conn, nil
}

// ResolveChannel returns a live shared channel, redialing the broker or
// reopening the channel as needed. Dials are paced by the reconnect gate:
// while the gate is shut, callers fail fast with an error wrapping
// retry.ErrRateLimited instead of queueing on the broker.
func (c *Client) ResolveChannel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, nilClientAssert("resolve_channel")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.RLock()
	if c.channelLiveLocked() {
		ch := c.ch
		c.mu.RUnlock()

		return ch, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channelLiveLocked() {
		return c.ch, nil
	}

	needDial := c.conn == nil || c.deps.connClosed(c.conn)

	if needDial {
		if retryIn, ok := c.gateLocked().allow(); !ok {
			return nil, fmt.Errorf("rabbitmq resolve_channel: %w (next attempt in %s)",
				retry.ErrRateLimited, retryIn.Round(time.Millisecond))
		}
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.resolve")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRabbitMQ))

	if err := c.resolveLocked(ctx, needDial); err != nil {
		if needDial {
			c.gateLocked().failed()
			c.recordReconnection("failure")
		}

		c.recordConnectionFailure("resolve")
		libOpentelemetry.HandleSpanError(span, "Failed to resolve rabbitmq channel", err)

		return nil, err
	}

	if needDial {
		c.gateLocked().succeeded()
		c.recordReconnection("success")
	}

	return c.ch, nil
}

// resolveLocked redials and reopens only what is actually down: a closed
// channel on a live connection is reopened without a dial, and management
// probes are left to Connect. Callers hold c.mu.
func (c *Client) resolveLocked(ctx context.Context, needDial bool) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before rabbitmq resolve: %w", err)
	}

	conn := c.conn

	if needDial {
		dialed, err := c.deps.dial(ctx, c.cfg.URL)
		if err != nil {
			c.logAtLevel(ctx, log.LevelError, "rabbitmq redial failed",
				log.String("error_detail", sanitizeBrokerErr(err, c.cfg.URL)))

			return fmt.Errorf("%w: %w", ErrConnect, &sanitizedError{
				original: err,
				message:  sanitizeBrokerErr(err, c.cfg.URL),
			})
		}

		conn = dialed
	}

	ch, err := c.deps.openChannel(ctx, conn)
	if err == nil && ch == nil {
		err = errors.New("channel factory returned nil channel")
	}

	if err != nil {
		if needDial {
			c.closeQuietly(conn)
		}

		c.logAtLevel(ctx, log.LevelError, "rabbitmq channel open failed", log.Err(err))

		return fmt.Errorf("%w: %w", ErrChannelOpen, err)
	}

	c.conn = conn
	c.ch = ch

	c.log(ctx, "rabbitmq channel restored")

	return nil
}

// gateLocked returns the dial gate, building it on first use. Callers hold c.mu.
func (c *Client) gateLocked() *reconnectGate {
	if c.gate == nil {
		c.gate = newReconnectGate(resolveInitialDelay, resolveBackoffCap)
	}

	return c.gate
}

// DedicatedChannel opens a fresh channel on the resolved connection. The
// caller owns it; the client never closes dedicated channels. Confirm-mode
// publishers need one each because confirm ordering is per channel.
func (c *Client) DedicatedChannel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, nilClientAssert("dedicated_channel")
	}

	if _, err := c.ResolveChannel(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	conn := c.conn
	open := c.deps.openChannel
	c.mu.RUnlock()

	ch, err := open(ctx, conn)
	if err == nil && ch == nil {
		err = errors.New("channel factory returned nil channel")
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChannelOpen, err)
	}

	return ch, nil
}

// Publish sends one message on the shared channel without waiting for a
// broker confirm, redialing first when the client is disconnected. Use a
// Publisher when delivery must be acknowledged.
func (c *Client) Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c == nil {
		return nilClientAssert("publish")
	}

	ch, err := c.ResolveChannel(ctx)
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	return nil
}

// HealthCheck reports broker health. With a management URL configured it
// asks the management API; otherwise it falls back to connection liveness.
// The error return is reserved for misuse, not an unhealthy broker.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	if c == nil {
		return false, nilClientAssert("health_check")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.health_check")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRabbitMQ))

	c.mu.RLock()
	probeFn := c.deps.probe
	params := c.probeParams()
	hasProbe := c.cfg.HealthCheckURL != ""
	live := c.channelLiveLocked()
	c.mu.RUnlock()

	if hasProbe {
		return probeFn(ctx, params), nil
	}

	return live, nil
}

// Close tears down the shared channel and the connection. The client stays
// usable: the next ResolveChannel dials again.
func (c *Client) Close(ctx context.Context) error {
	if c == nil {
		return nilClientAssert("close")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer("rabbitmq")

	_, span := tracer.Start(ctx, "rabbitmq.close")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRabbitMQ))

	c.mu.Lock()
	ch := c.ch
	conn := c.conn
	closeChan := c.deps.closeChan
	closeConn := c.deps.closeConn
	c.ch = nil
	c.conn = nil
	c.mu.Unlock()

	var closeErr error

	if ch != nil {
		if err := closeChan(ch); err != nil {
			closeErr = fmt.Errorf("failed to close rabbitmq channel: %w", err)
			c.logAtLevel(ctx, log.LevelWarn, "failed to close rabbitmq channel", log.Err(err))
		}
	}

	if conn != nil {
		if err := closeConn(conn); err != nil {
			err = fmt.Errorf("failed to close rabbitmq connection: %w", err)
			closeErr = errors.Join(closeErr, err)
			c.logAtLevel(ctx, log.LevelWarn, "failed to close rabbitmq connection", log.Err(err))
		}
	}

	if closeErr != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to close rabbitmq", closeErr)
	}

	return closeErr
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
// No-op without a metrics factory.
func (c *Client) recordConnectionFailure(operation string) {
	if c == nil || c.metricsFactory == nil {
		return
	}

	err := c.metricsFactory.RecordConnectionFailure(context.Background(), constant.DBSystemRabbitMQ, operation)
	if err != nil {
		c.logAtLevel(context.Background(), log.LevelWarn, "failed to record rabbitmq connection metric", log.Err(err))
	}
}

// recordReconnection increments the reconnection counter.
// No-op without a metrics factory.
func (c *Client) recordReconnection(result string) {
	if c == nil || c.metricsFactory == nil {
		return
	}

	err := c.metricsFactory.RecordReconnection(context.Background(), constant.DBSystemRabbitMQ, result)
	if err != nil {
		c.logAtLevel(context.Background(), log.LevelWarn, "failed to record rabbitmq reconnection metric", log.Err(err))
	}
}

// BuildURL assembles an AMQP connection URL. An empty vhost selects the
// broker default "/". User, password, and vhost are URL-encoded, and bare
// IPv6 hosts are bracketed.
func BuildURL(scheme, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: scheme}

	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	switch {
	case port != "":
		u.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":") && !strings.HasPrefix(host, "["):
		u.Host = "[" + host + "]"
	default:
		u.Host = host
	}

	if vhost != "" {
		// QueryEscape rather than PathEscape because vhost names may contain
		// '/', which must become %2F. The ReplaceAll converts query-style
		// space encoding (+) to path-style (%20).
		escaped := strings.ReplaceAll(url.QueryEscape(vhost), "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escaped
	}

	return u.String()
}
