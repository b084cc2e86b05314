package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
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

const defaultRabbitMQHealthCheckTimeout = 5 * time.Second

// Dial pacing for reconnect attempts. After a failed dial the gate shuts for
// reconnectInitialDelay and the delay doubles per failure up to
// reconnectBackoffCap.
const (
	reconnectInitialDelay = 500 * time.Millisecond
	reconnectBackoffCap   = 30 * time.Second
)

// ErrInsecureTLS is returned when the health check HTTP client has TLS
// verification disabled without acknowledging the risk via AllowInsecureTLS.
var ErrInsecureTLS = errors.New("rabbitmq health check HTTP client has TLS verification disabled; set AllowInsecureTLS to acknowledge this risk")

// ErrNilConnection is returned when a method is called on a nil RabbitMQConnection.
var ErrNilConnection = errors.New("rabbitmq connection is nil")

// nilConnectionAssert fires a telemetry assertion for nil-receiver calls and
// returns ErrNilConnection. The logger is nil because there is no struct
// instance to take one from; the assert package falls back to stderr.
func nilConnectionAssert(operation string) error {
	asserter := assert.New(context.Background(), nil, "rabbitmq", operation)
	_ = asserter.Never(context.Background(), "rabbitmq connection receiver is nil")

	return ErrNilConnection
}

// RabbitMQConnection maintains a shared connection and channel to rabbitmq,
// re-establishing both on demand with backoff-paced dials.
type RabbitMQConnection struct {
	mu                     sync.Mutex // protects connection and channel operations
	ConnectionStringSource string     `json:"-"`
	Connection             *amqp.Connection
	Queue                  string
	HealthCheckURL         string
	Host                   string
	Port                   string
	User                   string `json:"-"`
	Pass                   string `json:"-"`
	VHost                  string
	Channel                *amqp.Channel
	Logger                 log.Logger
	MetricsFactory         *metrics.MetricsFactory
	Connected              bool

	dialer                  func(string) (*amqp.Connection, error)
	dialerContext           func(context.Context, string) (*amqp.Connection, error)
	channelFactory          func(*amqp.Connection) (*amqp.Channel, error)
	channelFactoryContext   func(context.Context, *amqp.Connection) (*amqp.Channel, error)
	connectionCloser        func(*amqp.Connection) error
	connectionCloserContext func(context.Context, *amqp.Connection) error
	connectionClosedFn      func(*amqp.Connection) bool
	channelClosedFn         func(*amqp.Channel) bool
	channelCloser           func(*amqp.Channel) error
	channelCloserContext    func(context.Context, *amqp.Channel) error
	healthHTTPClient        *http.Client

	// AllowInsecureTLS must be set to true to explicitly acknowledge that
	// the health check HTTP client has TLS certificate verification disabled.
	// Without this flag, applyDefaults returns ErrInsecureTLS.
	AllowInsecureTLS bool

	// gate paces dials after a failure so concurrent EnsureChannel callers
	// cannot pile reconnect storms onto a down broker. Guarded by mu.
	gate *reconnectGate
}

// gateLocked returns the dial gate, building it on first use. Callers hold rc.mu.
func (rc *RabbitMQConnection) gateLocked() *reconnectGate {
	if rc.gate == nil {
		rc.gate = newReconnectGate(reconnectInitialDelay, reconnectBackoffCap)
	}

	return rc.gate
}

// Connect keeps a singleton connection with rabbitmq.
func (rc *RabbitMQConnection) Connect() error {
	return rc.ConnectContext(context.Background())
}

// ConnectContext keeps a singleton connection with rabbitmq.
func (rc *RabbitMQConnection) ConnectContext(ctx context.Context) error {
	if rc == nil {
		return nilConnectionAssert("connect_context")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRabbitMQ))

	rc.mu.Lock()

	if err := rc.applyDefaults(); err != nil {
		rc.mu.Unlock()

		libOpentelemetry.HandleSpanError(span, "Failed to apply defaults", err)

		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	connStr := rc.ConnectionStringSource
	healthCheckURL := rc.HealthCheckURL
	healthUser := rc.User
	healthPass := rc.Pass
	healthClient := rc.healthHTTPClient
	dialer := rc.dialerContext
	channelFactory := rc.channelFactoryContext
	connectionClosedFn := rc.connectionClosedFn
	connCloser := rc.connectionCloser
	logger := rc.logger()
	rc.mu.Unlock()

	logger.Log(context.Background(), log.LevelInfo, "connecting to rabbitmq")

	conn, err := dialer(ctx, connStr)
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to connect to rabbitmq", log.String("error_detail", sanitizeAMQPErr(err, connStr)))
		rc.recordConnectionFailure("connect")

		sanitizedErr := newSanitizedError(err, connStr, "failed to connect to rabbitmq")
		libOpentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", sanitizedErr)

		return sanitizedErr
	}

	ch, err := channelFactory(ctx, conn)
	if err != nil {
		rc.closeConnectionWith(conn, connCloser)

		logger.Log(context.Background(), log.LevelError, "failed to open channel on rabbitmq", log.Err(err))

		libOpentelemetry.HandleSpanError(span, "Failed to open channel on rabbitmq", err)

		return fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	if ch == nil || !rc.healthCheck(ctx, healthCheckURL, healthUser, healthPass, healthClient, logger) {
		rc.closeConnectionWith(conn, connCloser)

		err = errors.New("can't connect rabbitmq")

		logger.Log(context.Background(), log.LevelError, "rabbitmq health check failed")

		libOpentelemetry.HandleSpanError(span, "RabbitMQ health check failed", err)

		return fmt.Errorf("rabbitmq health check failed: %w", err)
	}

	logger.Log(context.Background(), log.LevelInfo, "connected to rabbitmq")

	rc.mu.Lock()
	if rc.Connection != nil && rc.Connection != conn && !connectionClosedFn(rc.Connection) {
		rc.mu.Unlock()

		rc.closeConnectionWith(conn, connCloser)

		return nil
	}

	rc.Connected = true
	rc.Connection = conn
	rc.Channel = ch
	rc.mu.Unlock()

	return nil
}

// EnsureChannel ensures that the channel is open and connected.
func (rc *RabbitMQConnection) EnsureChannel() error {
	return rc.EnsureChannelContext(context.Background())
}

// ensureChannelSnapshot captures state needed by EnsureChannelContext under the lock.
type ensureChannelSnapshot struct {
	connStr            string
	logger             log.Logger
	dialer             func(context.Context, string) (*amqp.Connection, error)
	channelFactory     func(context.Context, *amqp.Connection) (*amqp.Channel, error)
	connCloser         func(*amqp.Connection) error
	connectionClosedFn func(*amqp.Connection) bool
	needConnection     bool
	needChannel        bool
	existingConn       *amqp.Connection
}

// snapshotEnsureChannelState captures and returns a snapshot of state needed
// for channel ensuring, applying defaults and consulting the dial gate under
// the lock. Returns an error if defaults fail or a dial is not yet allowed.
func (rc *RabbitMQConnection) snapshotEnsureChannelState() (ensureChannelSnapshot, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if err := rc.applyDefaults(); err != nil {
		return ensureChannelSnapshot{}, fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	connectionClosedFn := rc.connectionClosedFn
	channelClosedFn := rc.channelClosedFn
	needConnection := rc.Connection == nil || connectionClosedFn(rc.Connection)
	needChannel := needConnection || rc.Channel == nil || channelClosedFn(rc.Channel)

	// A shut gate means a dial failed recently; reject early so a down
	// broker is not hammered by every caller at once.
	if needConnection {
		if retryIn, ok := rc.gateLocked().allow(); !ok {
			return ensureChannelSnapshot{}, fmt.Errorf("rabbitmq ensure channel: %w (next attempt in %s)", retry.ErrRateLimited, retryIn.Round(time.Millisecond))
		}
	}

	return ensureChannelSnapshot{
		connStr:            rc.ConnectionStringSource,
		logger:             rc.logger(),
		dialer:             rc.dialerContext,
		channelFactory:     rc.channelFactoryContext,
		connCloser:         rc.connectionCloser,
		connectionClosedFn: connectionClosedFn,
		needConnection:     needConnection,
		needChannel:        needChannel,
		existingConn:       rc.Connection,
	}, nil
}

// EnsureChannelContext ensures that the channel is open and connected.
func (rc *RabbitMQConnection) EnsureChannelContext(ctx context.Context) error {
	if rc == nil {
		return nilConnectionAssert("ensure_channel_context")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.ensure_channel")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRabbitMQ))

	snap, err := rc.snapshotEnsureChannelState()
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to prepare ensure channel state", err)
		return err
	}

	if !snap.needChannel {
		return nil
	}

	var conn *amqp.Connection

	newConnection := false

	if snap.needConnection {
		conn, err = snap.dialer(ctx, snap.connStr)
		if err != nil {
			snap.logger.Log(context.Background(), log.LevelError, "failed to connect to rabbitmq", log.String("error_detail", sanitizeAMQPErr(err, snap.connStr)))
			rc.recordConnectionFailure("ensure_channel_connect")
			rc.recordReconnection("failure")

			rc.mu.Lock()
			rc.Connected = false
			rc.gateLocked().failed()
			rc.mu.Unlock()

			sanitizedErr := newSanitizedError(err, snap.connStr, "can't connect to rabbitmq")
			libOpentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", sanitizedErr)

			return sanitizedErr
		}

		newConnection = true
	} else {
		conn = snap.existingConn
	}

	ch, err := snap.channelFactory(ctx, conn)
	if err == nil && ch == nil {
		err = errors.New("channel factory returned nil channel")
	}

	if err != nil {
		rc.handleChannelFailure(conn, snap.existingConn, newConnection, snap.connCloser)
		rc.recordConnectionFailure("ensure_channel")

		snap.logger.Log(context.Background(), log.LevelError, "failed to open channel on rabbitmq", log.Err(err))

		libOpentelemetry.HandleSpanError(span, "Failed to open channel on rabbitmq", err)

		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	rc.mu.Lock()
	if newConnection {
		rc.Connection = conn
		rc.gateLocked().succeeded()
	}

	rc.Channel = ch
	rc.Connected = true
	rc.mu.Unlock()

	if newConnection {
		rc.recordReconnection("success")
	}

	return nil
}

// GetNewConnect returns a pointer to the rabbitmq channel, initializing the
// connection if necessary.
func (rc *RabbitMQConnection) GetNewConnect() (*amqp.Channel, error) {
	return rc.GetNewConnectContext(context.Background())
}

// GetNewConnectContext returns a pointer to the rabbitmq channel,
// initializing the connection if necessary.
func (rc *RabbitMQConnection) GetNewConnectContext(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, nilConnectionAssert("get_new_connect_context")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rc.mu.Lock()

	if err := rc.applyDefaults(); err != nil {
		rc.mu.Unlock()

		return nil, err
	}

	if rc.Connected && rc.Channel != nil && !rc.channelClosedFn(rc.Channel) {
		ch := rc.Channel
		rc.mu.Unlock()

		return ch, nil
	}
	rc.mu.Unlock()

	if err := rc.EnsureChannelContext(ctx); err != nil {
		rc.logger().Log(context.Background(), log.LevelError, "failed to ensure channel", log.Err(err))

		return nil, err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.Channel == nil {
		rc.Connected = false

		return nil, errors.New("rabbitmq channel not available")
	}

	return rc.Channel, nil
}

// ChannelSnapshot returns the current channel under the connection mutex.
// The channel may be nil or already closed; callers that need a live channel
// should use GetNewConnectContext instead.
func (rc *RabbitMQConnection) ChannelSnapshot() *amqp.Channel {
	if rc == nil {
		return nil
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.Channel
}

// HealthCheck reports whether the rabbitmq management API considers the
// broker healthy.
func (rc *RabbitMQConnection) HealthCheck() (bool, error) {
	return rc.HealthCheckContext(context.Background())
}

// HealthCheckContext reports whether the rabbitmq management API considers
// the broker healthy. It captures config fields under lock to avoid reading
// them during concurrent mutation.
func (rc *RabbitMQConnection) HealthCheckContext(ctx context.Context) (bool, error) {
	if rc == nil {
		return false, nilConnectionAssert("health_check_context")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.health_check")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRabbitMQ))

	rc.mu.Lock()

	if err := rc.applyDefaults(); err != nil {
		rc.mu.Unlock()

		libOpentelemetry.HandleSpanError(span, "Failed to apply defaults", err)

		return false, fmt.Errorf("rabbitmq health check: %w", err)
	}

	healthURL := rc.HealthCheckURL
	user := rc.User
	pass := rc.Pass
	client := rc.healthHTTPClient
	logger := rc.logger()
	rc.mu.Unlock()

	if !rc.healthCheck(ctx, healthURL, user, pass, client, logger) {
		err := errors.New("rabbitmq health check failed")
		libOpentelemetry.HandleSpanError(span, "RabbitMQ health check failed", err)

		return false, err
	}

	return true, nil
}

// healthCheck is the internal implementation that operates on pre-captured
// config values, safe to call without holding the mutex.
func (rc *RabbitMQConnection) healthCheck(ctx context.Context, rawHealthURL, user, pass string, client *http.Client, logger log.Logger) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		logger.Log(context.Background(), log.LevelError, "context canceled during rabbitmq health check", log.Err(err))

		return false
	}

	healthURL, err := validateHealthCheckURL(rawHealthURL)
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "invalid rabbitmq health check URL", log.Err(err))

		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to create rabbitmq health check request", log.Err(err))

		return false
	}

	req.SetBasicAuth(user, pass)

	if client == nil {
		client = &http.Client{Timeout: defaultRabbitMQHealthCheckTimeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to execute rabbitmq health check request", log.Err(err))

		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Log(context.Background(), log.LevelError, "rabbitmq health check failed", log.String("status", resp.Status))

		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to read rabbitmq health check response", log.Err(err))

		return false
	}

	var result map[string]any

	err = json.Unmarshal(body, &result)
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to parse rabbitmq health check response", log.Err(err))

		return false
	}

	if result == nil {
		logger.Log(context.Background(), log.LevelError, "rabbitmq health check response is empty or null")

		return false
	}

	if status, ok := result["status"].(string); ok && status == "ok" {
		return true
	}

	logger.Log(context.Background(), log.LevelError, "rabbitmq is not healthy")

	return false
}

func (rc *RabbitMQConnection) applyDefaults() error {
	rc.applyConnectionDefaults()
	rc.applyChannelDefaults()

	return rc.applyHealthDefaults()
}

func (rc *RabbitMQConnection) applyConnectionDefaults() {
	if rc.dialer == nil {
		rc.dialer = amqp.Dial
	}

	if rc.dialerContext == nil {
		rc.dialerContext = func(_ context.Context, connectionString string) (*amqp.Connection, error) {
			return rc.dialer(connectionString)
		}
	}

	if rc.connectionCloser == nil {
		rc.connectionCloser = func(connection *amqp.Connection) error {
			if connection == nil {
				return nil
			}

			return connection.Close()
		}
	}

	if rc.connectionCloserContext == nil {
		rc.connectionCloserContext = func(_ context.Context, connection *amqp.Connection) error {
			return rc.connectionCloser(connection)
		}
	}

	if rc.connectionClosedFn == nil {
		rc.connectionClosedFn = func(connection *amqp.Connection) bool {
			if connection == nil {
				return true
			}

			return connection.IsClosed()
		}
	}
}

func (rc *RabbitMQConnection) applyChannelDefaults() {
	if rc.channelFactory == nil {
		rc.channelFactory = func(connection *amqp.Connection) (*amqp.Channel, error) {
			if connection == nil {
				return nil, errors.New("cannot create channel: connection is nil")
			}

			return connection.Channel()
		}
	}

	if rc.channelFactoryContext == nil {
		rc.channelFactoryContext = func(_ context.Context, connection *amqp.Connection) (*amqp.Channel, error) {
			return rc.channelFactory(connection)
		}
	}

	if rc.channelClosedFn == nil {
		rc.channelClosedFn = func(ch *amqp.Channel) bool {
			if ch == nil {
				return true
			}

			return ch.IsClosed()
		}
	}

	if rc.channelCloser == nil {
		rc.channelCloser = func(ch *amqp.Channel) error {
			if ch == nil {
				return nil
			}

			return ch.Close()
		}
	}

	if rc.channelCloserContext == nil {
		rc.channelCloserContext = func(_ context.Context, ch *amqp.Channel) error {
			return rc.channelCloser(ch)
		}
	}
}

func (rc *RabbitMQConnection) applyHealthDefaults() error {
	if rc.healthHTTPClient == nil {
		rc.healthHTTPClient = &http.Client{Timeout: defaultRabbitMQHealthCheckTimeout}

		return nil
	}

	transport, ok := rc.healthHTTPClient.Transport.(*http.Transport)
	if !ok || transport.TLSClientConfig == nil {
		return nil
	}

	if transport.TLSClientConfig.InsecureSkipVerify && !rc.AllowInsecureTLS {
		return ErrInsecureTLS
	}

	return nil
}

func (rc *RabbitMQConnection) closeConnectionWith(connection *amqp.Connection, closer func(*amqp.Connection) error) {
	if closer == nil {
		return
	}

	if err := closer(connection); err != nil {
		rc.logger().Log(context.Background(), log.LevelWarn, "failed to close rabbitmq connection during cleanup", log.Err(err))
	}
}

// handleChannelFailure cleans up after a failed channel creation in
// EnsureChannelContext. It conditionally closes the connection and resets the
// channel/connected state.
func (rc *RabbitMQConnection) handleChannelFailure(conn, existingConn *amqp.Connection, newConnection bool, connCloser func(*amqp.Connection) error) {
	if newConnection {
		rc.closeConnectionWith(conn, connCloser)
	}

	rc.mu.Lock()
	if newConnection && rc.Connection == existingConn {
		rc.Connection = nil
	}

	rc.Channel = nil
	rc.Connected = false
	rc.mu.Unlock()
}

// Close closes the rabbitmq channel and connection.
func (rc *RabbitMQConnection) Close() error {
	return rc.CloseContext(context.Background())
}

// CloseContext closes the rabbitmq channel and connection.
func (rc *RabbitMQConnection) CloseContext(ctx context.Context) error {
	if rc == nil {
		return nilConnectionAssert("close_context")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq close: %w", err)
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.close")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRabbitMQ))

	rc.mu.Lock()
	_ = rc.applyDefaults() // Close still releases resources when TLS validation fails.
	channel := rc.Channel
	connection := rc.Connection
	chCloser := rc.channelCloserContext
	connCloser := rc.connectionCloserContext
	rc.Connection = nil
	rc.Channel = nil
	rc.Connected = false
	logger := rc.logger()
	rc.mu.Unlock()

	var closeErr error

	if channel != nil {
		if err := chCloser(ctx, channel); err != nil {
			closeErr = fmt.Errorf("failed to close rabbitmq channel: %w", err)
			logger.Log(context.Background(), log.LevelWarn, "failed to close rabbitmq channel", log.Err(err))
		}
	}

	if connection != nil {
		if err := connCloser(ctx, connection); err != nil {
			if closeErr == nil {
				closeErr = fmt.Errorf("failed to close rabbitmq connection: %w", err)
			} else {
				closeErr = errors.Join(closeErr, fmt.Errorf("failed to close rabbitmq connection: %w", err))
			}

			logger.Log(context.Background(), log.LevelWarn, "failed to close rabbitmq connection", log.Err(err))
		}
	}

	if closeErr != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to close rabbitmq", closeErr)
	}

	return closeErr
}

func (rc *RabbitMQConnection) logger() log.Logger {
	if rc == nil || rc.Logger == nil {
		return &log.NopLogger{}
	}

	return rc.Logger
}

// validateHealthCheckURL validates the health check URL and appends the
// RabbitMQ health endpoint path if not already present. The HealthCheckURL
// should be the management API base URL (e.g. "http://host:15672"), not the
// full health endpoint. A URL already ending in "/api/health/checks/alarms"
// is returned as-is.
//
// The URL is assumed to come from trusted configuration; no host allowlist
// is enforced here.
func validateHealthCheckURL(rawURL string) (string, error) {
	healthURL := strings.TrimSpace(rawURL)
	if healthURL == "" {
		return "", errors.New("rabbitmq health check URL is empty")
	}

	parsedURL, err := url.Parse(healthURL)
	if err != nil {
		return "", err
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", errors.New("rabbitmq health check URL must use http or https")
	}

	if parsedURL.Host == "" {
		return "", errors.New("rabbitmq health check URL must include a host")
	}

	if parsedURL.User != nil {
		return "", errors.New("rabbitmq health check URL must not include user credentials")
	}

	const healthPath = "/api/health/checks/alarms"

	normalized := strings.TrimSuffix(parsedURL.String(), "/")
	if strings.HasSuffix(normalized, healthPath) {
		return normalized, nil
	}

	return normalized + healthPath, nil
}

// newSanitizedError wraps err with a human-readable prefix and redacted
// connection string.
func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

// sanitizeAMQPErr strips broker credentials from err's message. Occurrences
// of the configured connection string are replaced with its redacted form,
// the decoded password is scrubbed standalone, and any other URL-looking
// token in the message has its userinfo redacted.
func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	errMsg := err.Error()

	if connectionString != "" {
		if referenceURL, parseErr := url.Parse(connectionString); parseErr == nil {
			redactedURL := referenceURL.Redacted()

			errMsg = strings.ReplaceAll(errMsg, connectionString, redactedURL)
			errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redactedURL)

			// Covers cases where the error carries the password in decoded
			// form, such as URL-encoded special characters.
			if referenceURL.User != nil {
				if pass, ok := referenceURL.User.Password(); ok && pass != "" {
					errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
				}
			}
		}
	}

	// Driver errors can embed URLs that differ from the configured
	// connection string, or the connection string itself may not parse.
	return redactURLCredentials(errMsg)
}

// urlTokenPattern matches whitespace-delimited tokens that look like URLs.
var urlTokenPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://\S+`)

// redactURLCredentials rewrites every URL-looking token in message so that a
// "user:password@host" userinfo keeps the user but loses the password.
// Tokens the URL parser rejects go through a lexical fallback, so malformed
// connection strings inside driver errors are still scrubbed.
func redactURLCredentials(message string) string {
	return urlTokenPattern.ReplaceAllStringFunc(message, func(token string) string {
		parsed, err := url.Parse(token)
		if err != nil {
			return redactURLCredentialsFallback(token)
		}

		if parsed.User == nil {
			return token
		}

		if _, ok := parsed.User.Password(); !ok {
			return token
		}

		return parsed.Redacted()
	})
}

// fallbackHostPattern recognizes a host:port prefix after a candidate '@'.
var fallbackHostPattern = regexp.MustCompile(`^[^/@\s:]+:\d+`)

// redactURLCredentialsFallback redacts "user:password@" userinfo from a
// URL-ish token that net/url rejects, such as passwords containing raw '@'
// or '/' characters. The '@' separating userinfo from the host is taken to
// be the last one followed by a host:port pair, which keeps at-signs inside
// path segments intact.
func redactURLCredentialsFallback(token string) string {
	schemeIdx := strings.Index(token, "://")
	if schemeIdx < 0 {
		return token
	}

	rest := token[schemeIdx+3:]

	atIdx := -1

	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] != '@' {
			continue
		}

		if fallbackHostPattern.MatchString(rest[i+1:]) {
			atIdx = i
			break
		}
	}

	if atIdx < 0 {
		return token
	}

	userinfo := rest[:atIdx]

	colonIdx := strings.Index(userinfo, ":")
	if colonIdx < 0 {
		return token
	}

	return token[:schemeIdx+3] + userinfo[:colonIdx] + ":xxxxx" + rest[atIdx:]
}

// recordConnectionFailure increments the connection failure counter.
// No-op when MetricsFactory is nil.
func (rc *RabbitMQConnection) recordConnectionFailure(operation string) {
	if rc == nil || rc.MetricsFactory == nil {
		return
	}

	err := rc.MetricsFactory.RecordConnectionFailure(context.Background(), constant.DBSystemRabbitMQ, operation)
	if err != nil {
		rc.logger().Log(context.Background(), log.LevelWarn, "failed to record rabbitmq connection metric", log.Err(err))
	}
}

// recordReconnection increments the reconnection counter.
// No-op when MetricsFactory is nil.
func (rc *RabbitMQConnection) recordReconnection(result string) {
	if rc == nil || rc.MetricsFactory == nil {
		return
	}

	err := rc.MetricsFactory.RecordReconnection(context.Background(), constant.DBSystemRabbitMQ, result)
	if err != nil {
		rc.logger().Log(context.Background(), log.LevelWarn, "failed to record rabbitmq reconnection metric", log.Err(err))
	}
}

// BuildRabbitMQConnectionString constructs an AMQP connection string.
// If vhost is empty, the default vhost "/" is used (no path in URL).
// Special characters in user, password, and vhost are URL-encoded
// automatically. Supports IPv6 hosts (e.g. "[::1]").
func BuildRabbitMQConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		// Bracket bare IPv6 addresses to avoid malformed URLs such as
		// amqp://user:pass@::1.
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			u.Host = "[" + host + "]"
		} else {
			u.Host = host
		}
	}

	if vhost != "" {
		// QueryEscape rather than PathEscape because vhost names may contain
		// '/', which must become %2F. The ReplaceAll converts query-style
		// space encoding (+) to path-style (%20).
		escapedVHost := url.QueryEscape(vhost)
		escapedVHost = strings.ReplaceAll(escapedVHost, "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escapedVHost
	}

	return u.String()
}
