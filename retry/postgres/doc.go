// Package postgres provides resilient PostgreSQL connection helpers for a
// primary/replica pair.
//
// The package opens both pools through the pgx stdlib driver, splits reads
// and writes behind a dbresolver handle, and paces lazy reconnection on an
// exponential backoff curve. Schema migrations run through an explicit
// Migrator rather than as a side effect of connecting, and ConnectWithRetry
// classifies server errors by SQLSTATE so startup retries stop on failures
// that cannot heal.
package postgres
