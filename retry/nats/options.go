package nats

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-retry/retry/backoff"
	"github.com/nats-io/nats.go"
)

// Reconnect curve defaults for the option bridge. The initial step matches
// the flat wait the NATS client would use on its own; from there the delay
// doubles per full pass over the server list up to the ceiling.
const (
	reconnectInitialDelay = 2 * time.Second
	reconnectFactor       = 2.0
	reconnectMaxDelay     = 1 * time.Minute
)

// ReconnectOptions bridges a backoff schedule into the NATS client's
// reconnect loop. The returned options replace the client's flat
// ReconnectWait pacing with a scheduler-driven curve: each time the client
// has tried every configured server and is about to start over, it sleeps
// for the next jittered delay on the curve, and a fresh outage restarts the
// curve from the initial step.
//
// opts layer on top of the bridge defaults (2s initial, factor 2, 1m
// ceiling), so callers tune the curve with the usual scheduler options. A
// WithDelayFunc among opts is overridden: the NATS client owns the sleep
// and the scheduler only prices it. Construction fails when an option
// violates its constraint, exactly as backoff.NewScheduler does.
//
// The bridge is stateful and serves a single connection. Build a fresh set
// of options per Connect call; the delay callback is only ever invoked from
// that connection's reconnect goroutine, so no locking is needed.
func ReconnectOptions(opts ...backoff.Option) ([]nats.Option, error) {
	var captured time.Duration

	schedOpts := make([]backoff.Option, 0, len(opts)+4)
	schedOpts = append(schedOpts,
		backoff.WithInitialDelay(reconnectInitialDelay),
		backoff.WithFactor(reconnectFactor),
		backoff.WithMaxDelay(reconnectMaxDelay),
	)
	schedOpts = append(schedOpts, opts...)
	schedOpts = append(schedOpts, backoff.WithDelayFunc(func(_ context.Context, delay time.Duration) error {
		captured = delay

		return nil
	}))

	sched, err := backoff.NewScheduler(schedOpts...)
	if err != nil {
		return nil, err
	}

	delayFor := func(attempts int) time.Duration {
		// The client counts passes over the server list per outage, so a
		// count at one means a new outage: rewind the curve and consume the
		// scheduler's immediate cold step so the first sleep is already the
		// initial delay.
		if attempts <= 1 {
			sched.Reset()

			_ = sched.Wait(context.Background())
		}

		_ = sched.Wait(context.Background())

		return captured
	}

	return []nats.Option{nats.CustomReconnectDelay(delayFor)}, nil
}
