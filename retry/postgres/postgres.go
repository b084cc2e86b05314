package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
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
	"github.com/bxcodec/dbresolver/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	// Registers the pgx database/sql driver used by dbOpenFn.
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
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
	ErrNilClient = errors.New("postgres client is nil")
	// ErrNilMigrator is returned when a *Migrator receiver is nil.
	ErrNilMigrator = errors.New("postgres migrator is nil")
	// ErrInvalidConfig indicates the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid postgres config")
	// ErrNotConnected is returned when a handle is requested before Connect.
	ErrNotConnected = errors.New("postgres client is not connected")
	// ErrInvalidDatabaseName is returned when a database name fails validation.
	ErrInvalidDatabaseName = errors.New("invalid database name")
	// ErrConnect wraps connection establishment failures.
	ErrConnect = errors.New("postgres connect failed")
	// ErrPing wraps connectivity probe failures.
	ErrPing = errors.New("postgres ping failed")
	// ErrMigrationDirty is returned when a migration leaves the schema version dirty.
	ErrMigrationDirty = errors.New("database migration is dirty")
)

// DSN redaction patterns. Connection errors routinely echo the connection
// string back, so every error that may carry a DSN goes through
// sanitizeSensitiveString before it reaches logs or callers.
var (
	dsnCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	dsnPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dsnSSLFilePattern     = regexp.MustCompile(`(?i)(sslrootcert=|sslcert=|sslkey=)([^\s&]+)`)
	dbNamePattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Indirections for the process-global pieces of the connect path so tests
// can substitute fakes. Swapping them is not safe while clients are in use.
var (
	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB, _ log.Logger) (resolvedDB dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("panic during resolver construction: %v", recovered)
			}
		}()

		resolvedDB = dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if resolvedDB == nil {
			return nil, errors.New("resolver construction returned nil")
		}

		return resolvedDB, nil
	}

	runMigrationsFn = runMigrations
)

// nilClientAssert fires a telemetry assertion for nil-receiver calls and returns ErrNilClient.
func nilClientAssert(operation string) error {
	asserter := assert.New(context.Background(), nil, "postgres", operation)
	_ = asserter.Never(context.Background(), "postgres client receiver is nil")

	return ErrNilClient
}

// Config defines PostgreSQL connection and pool behavior for a
// primary/replica pair.
type Config struct {
	PrimaryDSN         string
	ReplicaDSN         string
	MaxOpenConnections int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	Logger             log.Logger
	MetricsFactory     *metrics.MetricsFactory
}

// withDefaults fills unset fields with safe production defaults.
func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = defaultMaxOpenConns
	}

	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = defaultMaxIdleConns
	}

	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	return cfg
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return configError("primary DSN is required")
	}

	if strings.TrimSpace(cfg.ReplicaDSN) == "" {
		return configError("replica DSN is required")
	}

	if err := validateDSN(cfg.PrimaryDSN); err != nil {
		return err
	}

	return validateDSN(cfg.ReplicaDSN)
}

// Client wraps a primary/replica PostgreSQL pair behind a read/write
// splitting resolver with lifecycle helpers.
type Client struct {
	mu             sync.RWMutex
	cfg            Config
	resolver       dbresolver.DB
	primary        *sql.DB
	replica        *sql.DB
	connected      bool
	metricsFactory *metrics.MetricsFactory

	// gate paces lazy-connect retries so overlapping resolve calls cannot
	// hammer a down server while it recovers.
	gate *reconnectGate
}

// New validates the config, applies defaults, and returns an unconnected
// client. Connections are established by Connect or lazily by Resolver.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Client{
		cfg:            cfg,
		metricsFactory: cfg.MetricsFactory,
	}, nil
}

// Connect establishes the primary and replica pools and the resolver over
// them. When the client is already connected the previous stack keeps
// serving until the replacement passes its ping, then it is closed.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return nilClientAssert("connect")
	}

	if ctx == nil {
		return ErrNilContext
	}

	tracer := otel.Tracer("postgres")

	ctx, span := tracer.Start(ctx, "postgres.connect")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemPostgreSQL))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		c.recordConnectionFailure("connect")

		libOpentelemetry.HandleSpanError(span, "Failed to connect to postgres", err)

		return err
	}

	return nil
}

// connectLocked builds a fresh stack and swaps it in only after the ping
// succeeds. On any failure the new handles are released and the previous
// stack, if any, stays untouched.
// The caller MUST hold c.mu (write lock) before calling this method.
func (c *Client) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	c.log(ctx, "connecting to primary and replica databases")

	newPrimary, err := dbOpenFn("pgx", c.cfg.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, wrapConnectError(err, "failed to open database"))
	}

	var success bool

	defer func() {
		if !success {
			_ = closeDB(newPrimary)
		}
	}()

	tunePool(newPrimary, c.cfg)

	newReplica, err := dbOpenFn("pgx", c.cfg.ReplicaDSN)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, wrapConnectError(err, "failed to open database"))
	}

	defer func() {
		if !success {
			_ = closeDB(newReplica)
		}
	}()

	tunePool(newReplica, c.cfg)

	newResolver, err := createResolverFn(newPrimary, newReplica, c.cfg.Logger)
	if err != nil {
		return fmt.Errorf("%w: failed to create resolver: %w", ErrConnect, err)
	}

	defer func() {
		if !success && newResolver != nil {
			_ = newResolver.Close()
		}
	}()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := newResolver.PingContext(ctx); err != nil {
		c.logAtLevel(ctx, log.LevelWarn, "postgres ping failed", log.Err(newSanitizedError(err, "ping")))

		return fmt.Errorf("%w: %w", ErrPing, wrapConnectError(err, "failed to ping database"))
	}

	warnInsecureDSN(ctx, c.cfg.Logger, c.cfg.PrimaryDSN, "primary")
	warnInsecureDSN(ctx, c.cfg.Logger, c.cfg.ReplicaDSN, "replica")

	if closeErr := c.closeHandlesLocked(); closeErr != nil {
		c.logAtLevel(ctx, log.LevelWarn, "failed to close previous connections during swap", log.Err(closeErr))
	}

	c.resolver = newResolver
	c.primary = newPrimary
	c.replica = newReplica
	c.connected = true
	success = true

	c.logAtLevel(ctx, log.LevelInfo, "connected to postgres primary and replica")

	return nil
}

// Resolver returns the read/write splitting handle, connecting lazily if
// needed. Reconnect attempts are paced by an exponential backoff gate;
// callers that arrive while the gate is shut receive an error wrapping
// retry.ErrRateLimited instead of blocking on the curve.
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, nilClientAssert("resolver")
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	// Fast path: already connected (read-lock only).
	c.mu.RLock()
	resolver := c.resolver
	c.mu.RUnlock()

	if resolver != nil {
		return resolver, nil
	}

	// Slow path: acquire write lock and double-check before connecting.
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return c.resolver, nil
	}

	gate := c.gateLocked()

	if retryIn, ok := gate.allow(); !ok {
		return nil, fmt.Errorf("postgres resolver: %w (next attempt in %s)", retry.ErrRateLimited, retryIn.Round(time.Millisecond))
	}

	// Only trace when actually reconnecting.
	tracer := otel.Tracer("postgres")

	ctx, span := tracer.Start(ctx, "postgres.resolve")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemPostgreSQL))

	if err := c.connectLocked(ctx); err != nil {
		gate.failed()
		c.recordConnectionFailure("resolve")
		c.recordReconnection("failure")

		libOpentelemetry.HandleSpanError(span, "Failed to resolve postgres connection", err)

		return nil, err
	}

	gate.succeeded()
	c.recordReconnection("success")

	return c.resolver, nil
}

// gateLocked lazily builds the resolve gate, covering clients constructed
// without New.
func (c *Client) gateLocked() *reconnectGate {
	if c.gate == nil {
		c.gate = newReconnectGate(resolveInitialDelay, resolveBackoffCap)
	}

	return c.gate
}

// Primary returns the write pool if connected.
//
// Note: the returned *sql.DB may become stale if Close is called
// concurrently from another goroutine. Callers that need atomicity
// across multiple operations should coordinate externally.
func (c *Client) Primary() (*sql.DB, error) {
	if c == nil {
		return nil, nilClientAssert("primary")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// Replica returns the read pool if connected.
func (c *Client) Replica() (*sql.DB, error) {
	if c == nil {
		return nil, nilClientAssert("replica")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.replica == nil {
		return nil, ErrNotConnected
	}

	return c.replica, nil
}

// IsConnected reports whether the client holds a connected stack. The flag
// reflects the last lifecycle transition, not live server health.
func (c *Client) IsConnected() (bool, error) {
	if c == nil {
		return false, nilClientAssert("is_connected")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected, nil
}

// Close releases the resolver and both pools. It is safe to call on an
// unconnected client and safe to call more than once.
func (c *Client) Close() error {
	if c == nil {
		return nilClientAssert("close")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeHandlesLocked()
}

// closeHandlesLocked closes whatever part of the stack is present and nils
// the fields so a later resolve starts from a cold state. The raw pools are
// closed even when the resolver owns them; sql.DB.Close is idempotent, so
// the double close is harmless.
// The caller MUST hold c.mu (write lock) before calling this method.
func (c *Client) closeHandlesLocked() error {
	var errs []error

	if c.resolver != nil {
		if err := c.resolver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close resolver: %w", err))
		}

		c.resolver = nil
	}

	if err := closeDB(c.primary); err != nil {
		errs = append(errs, fmt.Errorf("close primary: %w", err))
	}

	c.primary = nil

	if err := closeDB(c.replica); err != nil {
		errs = append(errs, fmt.Errorf("close replica: %w", err))
	}

	c.replica = nil
	c.connected = false

	return errors.Join(errs...)
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
// No-op when metricsFactory is nil.
func (c *Client) recordConnectionFailure(operation string) {
	if c == nil || c.metricsFactory == nil {
		return
	}

	err := c.metricsFactory.RecordConnectionFailure(context.Background(), constant.DBSystemPostgreSQL, operation)
	if err != nil {
		c.logAtLevel(context.Background(), log.LevelWarn, "failed to record postgres connection metric", log.Err(err))
	}
}

// recordReconnection increments the reconnection counter.
// No-op when metricsFactory is nil.
func (c *Client) recordReconnection(result string) {
	if c == nil || c.metricsFactory == nil {
		return
	}

	err := c.metricsFactory.RecordReconnection(context.Background(), constant.DBSystemPostgreSQL, result)
	if err != nil {
		c.logAtLevel(context.Background(), log.LevelWarn, "failed to record postgres reconnection metric", log.Err(err))
	}
}

// tunePool applies the pool sizing from cfg to a freshly opened handle.
func tunePool(db *sql.DB, cfg Config) {
	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
}

// closeDB closes a pool handle, tolerating nil.
func closeDB(db *sql.DB) error {
	if db == nil {
		return nil
	}

	return db.Close()
}

// validateDSN accepts key-value DSNs as-is and checks URL-form DSNs for a
// postgres scheme. Error messages never include the DSN itself.
func validateDSN(dsn string) error {
	if dsn == "" {
		return nil
	}

	if !strings.Contains(dsn, "://") {
		return nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return configError("malformed DSN URL")
	}

	switch parsed.Scheme {
	case "postgres", "postgresql":
		return nil
	default:
		return configError(fmt.Sprintf("unsupported DSN scheme %q", parsed.Scheme))
	}
}

// warnInsecureDSN logs a warning when a DSN explicitly disables TLS.
func warnInsecureDSN(ctx context.Context, logger log.Logger, dsn, role string) {
	if logger == nil {
		return
	}

	if !strings.Contains(dsn, "sslmode=disable") {
		return
	}

	if !logger.Enabled(log.LevelWarn) {
		return
	}

	logger.Log(ctx, log.LevelWarn, "postgres connection does not use TLS; "+
		"consider enabling sslmode for production use", log.String("role", role))
}

// sanitizeSensitiveString masks credentials embedded in connection strings:
// the userinfo section of URL-form DSNs and the password and SSL key file
// parameters of key-value DSNs.
func sanitizeSensitiveString(s string) string {
	sanitized := dsnCredentialsPattern.ReplaceAllString(s, "://***@")
	sanitized = dsnPasswordPattern.ReplaceAllString(sanitized, "${1}***")
	sanitized = dsnSSLFilePattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

// SanitizedError carries a redacted rendering of a driver error. Unwrap
// deliberately returns nil: the original error text can embed the full DSN,
// so the chain must not expose it to errors.As or %+v traversal.
type SanitizedError struct {
	prefix    string
	sanitized string
}

// newSanitizedError redacts cause and tags it with prefix. Returns nil for a
// nil cause.
func newSanitizedError(cause error, prefix string) *SanitizedError {
	if cause == nil {
		return nil
	}

	return &SanitizedError{
		prefix:    prefix,
		sanitized: sanitizeSensitiveString(cause.Error()),
	}
}

func (e *SanitizedError) Error() string {
	return e.prefix + ": " + e.sanitized
}

// Unwrap blocks chain traversal into the unsanitized cause.
func (e *SanitizedError) Unwrap() error {
	return nil
}

// configError wraps a configuration validation message with ErrInvalidConfig.
func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
