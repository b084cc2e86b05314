// Package security provides helpers for handling sensitive fields and data safety.
//
// Retry and reconnect paths repeat the same operation many times, so a single
// credential embedded in a DSN or broker reply would otherwise be logged once
// per attempt. Logging, telemetry, and error-recording packages use these
// helpers to detect and obfuscate secrets before data leaves process
// boundaries.
package security
