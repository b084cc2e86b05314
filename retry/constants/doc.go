// Package constant provides shared constant values used across the library.
//
// Keep this package free of runtime behavior.
// It is used by transport, telemetry, and logging helpers to avoid duplicated literals.
package constant
