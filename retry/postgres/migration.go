package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/LerianStudio/lib-retry/retry/assert"
	constant "github.com/LerianStudio/lib-retry/retry/constants"
	"github.com/LerianStudio/lib-retry/retry/log"
	libOpentelemetry "github.com/LerianStudio/lib-retry/retry/opentelemetry"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	// Registers the file:// migration source used by runMigrations.
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// nilMigratorAssert fires a telemetry assertion for nil-receiver calls and returns ErrNilMigrator.
func nilMigratorAssert(operation string) error {
	asserter := assert.New(context.Background(), nil, "postgres", operation)
	_ = asserter.Never(context.Background(), "postgres migrator receiver is nil")

	return ErrNilMigrator
}

// MigrationConfig defines where migrations live and which database they
// target. Either MigrationsPath or Component must be set; with only
// Component the path defaults to components/<component>/migrations.
type MigrationConfig struct {
	PrimaryDSN           string
	DatabaseName         string
	Component            string
	MigrationsPath       string
	AllowMultiStatements bool
	Logger               log.Logger
}

func (cfg MigrationConfig) withDefaults() MigrationConfig {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	return cfg
}

func (cfg MigrationConfig) validate() error {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return configError("primary DSN is required")
	}

	if err := validateDBName(cfg.DatabaseName); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.MigrationsPath) == "" && strings.TrimSpace(cfg.Component) == "" {
		return configError("either migrations path or component is required")
	}

	return validateDSN(cfg.PrimaryDSN)
}

// Migrator applies schema migrations against the primary database. It is
// separate from Client so services decide when migrations run instead of
// paying for them on every reconnect.
type Migrator struct {
	cfg MigrationConfig
}

// NewMigrator validates the config, applies defaults, and returns a migrator.
func NewMigrator(cfg MigrationConfig) (*Migrator, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Migrator{cfg: cfg}, nil
}

// Up applies all pending migrations. A database with no pending migrations
// and a missing migrations directory are both treated as success; a dirty
// schema version returns an error wrapping ErrMigrationDirty.
func (m *Migrator) Up(ctx context.Context) error {
	if m == nil {
		return nilMigratorAssert("up")
	}

	if ctx == nil {
		return ErrNilContext
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before migration: %w", err)
	}

	tracer := otel.Tracer("postgres")

	ctx, span := tracer.Start(ctx, "postgres.migrate")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrDBSystem, constant.DBSystemPostgreSQL),
		attribute.String(constant.AttrDBName, m.cfg.DatabaseName),
	)

	migrationsPath, err := resolveMigrationsPath(m.cfg.MigrationsPath, m.cfg.Component)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to resolve migrations path", err)

		return err
	}

	db, err := dbOpenFn("pgx", m.cfg.PrimaryDSN)
	if err != nil {
		openErr := fmt.Errorf("%w: %w", ErrConnect, newSanitizedError(err, "failed to open database"))
		libOpentelemetry.HandleSpanError(span, "Failed to open database for migration", openErr)

		return openErr
	}

	defer func() {
		if closeErr := closeDB(db); closeErr != nil {
			m.logAtLevel(ctx, log.LevelWarn, "failed to close migration connection", log.Err(closeErr))
		}
	}()

	if err := runMigrationsFn(ctx, db, migrationsPath, m.cfg.DatabaseName, m.cfg.AllowMultiStatements, m.cfg.Logger); err != nil {
		libOpentelemetry.HandleSpanError(span, "Migration failed", err)

		return err
	}

	return nil
}

func (m *Migrator) logAtLevel(ctx context.Context, level log.Level, message string, fields ...log.Field) {
	if m == nil || m.cfg.Logger == nil {
		return
	}

	if !m.cfg.Logger.Enabled(level) {
		return
	}

	m.cfg.Logger.Log(ctx, level, message, fields...)
}

// validateDBName enforces PostgreSQL identifier rules so the name can be
// passed to the migration driver without quoting concerns.
func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidDatabaseName, name)
	}

	return nil
}

// sanitizePath cleans an explicit migrations path and rejects parent
// directory traversal.
func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	return filepath.Abs(cleaned)
}

// resolveMigrationsPath returns the absolute migrations directory, preferring
// an explicit path over the component convention.
func resolveMigrationsPath(migrationsPath, component string) (string, error) {
	if migrationsPath != "" {
		return sanitizePath(migrationsPath)
	}

	// filepath.Base strips directory components, so "../../etc" becomes "etc".
	sanitized := filepath.Base(component)
	if sanitized == "." || sanitized == string(filepath.Separator) {
		return "", fmt.Errorf("invalid component name: %q", component)
	}

	return filepath.Abs(filepath.Join("components", sanitized, "migrations"))
}

// migrationOutcome is the interpreted result of a migrate.Up call: the error
// to surface, if any, and what to log about it.
type migrationOutcome struct {
	err     error
	level   log.Level
	message string
	fields  []log.Field
}

// classifyMigrationError maps the migrate library's outcomes onto ours.
// "Nothing to do" conditions are success; a dirty version is surfaced as
// ErrMigrationDirty so callers can alert on it.
func classifyMigrationError(err error) migrationOutcome {
	if err == nil {
		return migrationOutcome{}
	}

	if errors.Is(err, migrate.ErrNoChange) {
		return migrationOutcome{
			level:   log.LevelInfo,
			message: "no new migrations to apply",
		}
	}

	if errors.Is(err, os.ErrNotExist) {
		return migrationOutcome{
			level:   log.LevelWarn,
			message: "migrations directory not found; skipping migrations",
		}
	}

	var dirtyErr migrate.ErrDirty
	if errors.As(err, &dirtyErr) {
		return migrationOutcome{
			err:     fmt.Errorf("%w: version %d", ErrMigrationDirty, dirtyErr.Version),
			level:   log.LevelError,
			message: "database migration is dirty; manual intervention required",
			fields:  []log.Field{log.Int("version", dirtyErr.Version)},
		}
	}

	return migrationOutcome{
		err:     fmt.Errorf("migration failed: %w", err),
		level:   log.LevelError,
		message: "migration failed",
		fields:  []log.Field{log.Err(err)},
	}
}

// runMigrations applies pending migrations from migrationsPath using the
// already-open primary handle.
func runMigrations(ctx context.Context, db *sql.DB, migrationsPath, databaseName string, allowMultiStatements bool, logger log.Logger) error {
	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("failed to parse migrations path: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		MultiStatementEnabled: allowMultiStatements,
		DatabaseName:          databaseName,
		SchemaName:            "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance(sourceURL.String(), databaseName, driver)
	if err != nil {
		// A missing migrations directory surfaces here through the file
		// source; classify it the same way as an Up outcome.
		return reportMigrationOutcome(ctx, logger, classifyMigrationError(err))
	}

	return reportMigrationOutcome(ctx, logger, classifyMigrationError(migrator.Up()))
}

func reportMigrationOutcome(ctx context.Context, logger log.Logger, outcome migrationOutcome) error {
	if outcome.message != "" && logger != nil && logger.Enabled(outcome.level) {
		logger.Log(ctx, outcome.level, outcome.message, outcome.fields...)
	}

	return outcome.err
}
