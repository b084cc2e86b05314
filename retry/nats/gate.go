package nats

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-retry/retry/backoff"
)

// reconnectGate paces lazy-connect attempts without parking callers. The
// scheduler's delay primitive is swapped for one that records the next
// eligible attempt time, so resolve calls that arrive too early are
// rejected immediately instead of sleeping on the backoff curve.
//
// Not safe for concurrent use; callers hold the owning client's write lock.
type reconnectGate struct {
	sched *backoff.Scheduler
	next  time.Time
}

func newReconnectGate(initial, ceiling time.Duration) *reconnectGate {
	g := &reconnectGate{}

	sched, err := backoff.NewScheduler(
		backoff.WithInitialDelay(initial),
		backoff.WithFactor(2.0),
		backoff.WithMaxDelay(ceiling),
		backoff.WithDelayFunc(func(_ context.Context, delay time.Duration) error {
			g.next = time.Now().Add(delay)

			return nil
		}),
	)
	if err != nil {
		// Unreachable with the package constants; a nil scheduler leaves
		// the gate permanently open.
		return g
	}

	g.sched = sched
	g.prime()

	return g
}

// prime consumes the scheduler's immediate first pass so the first recorded
// failure already arms the initial delay.
func (g *reconnectGate) prime() {
	_ = g.sched.Wait(context.Background())
	g.next = time.Time{}
}

// allow reports whether an attempt may proceed. When it returns false,
// retryIn carries the remaining wait.
func (g *reconnectGate) allow() (retryIn time.Duration, ok bool) {
	if remaining := time.Until(g.next); remaining > 0 {
		return remaining, false
	}

	return 0, true
}

// failed stamps the next eligible time from the current backoff base and
// advances the curve.
func (g *reconnectGate) failed() {
	_ = g.sched.Wait(context.Background())
}

// succeeded reopens the gate and returns the curve to its cold state.
func (g *reconnectGate) succeeded() {
	g.sched.Reset()
	g.prime()
}
