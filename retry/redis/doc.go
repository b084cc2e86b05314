// Package redis provides Redis/Valkey client helpers with topology and IAM support.
//
// Supported deployment modes include standalone, sentinel, and cluster.
// Authentication supports static passwords and short-lived GCP IAM tokens with
// automatic refresh and reconnect. Reconnect attempts and token refresh
// failures are paced by backoff schedulers rather than fixed sleeps.
package redis
