// Package backoff paces retry attempts with exponentially growing,
// jittered delays.
//
// Scheduler is the stateful primitive: one instance per retry loop, an
// immediate first wait, then a base delay that grows by a configurable
// factor and stays clamped between the initial and maximum delay. Reset
// restarts the ramp after a success; ResetToMax jumps straight to the
// ceiling when the remote side signals that rapid retries are harmful.
//
// The attempt-indexed helpers (Exponential, FullJitter,
// ExponentialWithJitter) remain for callers that hand a stateless curve to
// third-party reconnect hooks, and WaitContext is the cancellation-aware
// delay primitive the Scheduler uses by default.
package backoff
