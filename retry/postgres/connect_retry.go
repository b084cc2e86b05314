package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-retry/retry"
	"github.com/jackc/pgx/v5/pgconn"
)

// ConnectWithRetry drives Connect through the retry driver so service
// startup survives a database that is still coming up. Errors produced by
// the connect path already carry their classification: auth and catalog
// failures stop the loop immediately, connection-slot exhaustion jumps the
// backoff to its ceiling.
func (c *Client) ConnectWithRetry(ctx context.Context, policy retry.Policy) error {
	if c == nil {
		return nilClientAssert("connect_with_retry")
	}

	if ctx == nil {
		return ErrNilContext
	}

	if policy.Component == "" {
		policy.Component = "postgres"
	}

	return retry.Do(ctx, policy, c.Connect)
}

// connectClass maps a raw connect or ping error onto a retry class using
// the server's SQLSTATE code when one is present.
func connectClass(err error) retry.Class {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.ClassPermanent
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return retry.ClassTransient
	}

	switch {
	case strings.HasPrefix(pgErr.Code, "28"):
		// Class 28: invalid authorization specification. Bad credentials
		// never heal on retry.
		return retry.ClassPermanent
	case pgErr.Code == "3D000":
		// Invalid catalog name: the database does not exist.
		return retry.ClassPermanent
	case pgErr.Code == "42501":
		// Insufficient privilege.
		return retry.ClassPermanent
	case strings.HasPrefix(pgErr.Code, "53"):
		// Class 53: insufficient resources, including 53300
		// too_many_connections.
		return retry.ClassResourceExhausted
	default:
		return retry.ClassTransient
	}
}

// wrapConnectError redacts err and stamps its retry class into the returned
// chain. Classification happens here, against the raw error, because
// SanitizedError blocks unwrapping and the SQLSTATE is unreachable after it.
func wrapConnectError(err error, prefix string) error {
	if err == nil {
		return nil
	}

	sanitized := newSanitizedError(err, prefix)

	switch connectClass(err) {
	case retry.ClassPermanent:
		return retry.Permanent(sanitized)
	case retry.ClassResourceExhausted:
		return fmt.Errorf("%w: %w", retry.ErrResourceExhausted, sanitized)
	default:
		return sanitized
	}
}
