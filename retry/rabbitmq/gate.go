package rabbitmq

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-retry/retry/backoff"
)

// reconnectGate paces broker dial attempts without parking callers. The
// scheduler's delay primitive is replaced with one that stamps the next
// eligible dial time, so ensure-channel calls that arrive while the gate is
// shut fail fast instead of sleeping out the backoff curve under the
// connection lock.
//
// Not safe for concurrent use; callers hold the owning connection's mutex.
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

// prime consumes the scheduler's immediate first pass so the first dial
// failure already arms the initial delay.
func (g *reconnectGate) prime() {
	_ = g.sched.Wait(context.Background())
	g.next = time.Time{}
}

// allow reports whether a dial may proceed. When it returns false, retryIn
// carries the remaining wait.
func (g *reconnectGate) allow() (retryIn time.Duration, ok bool) {
	if remaining := time.Until(g.next); remaining > 0 {
		return remaining, false
	}

	return 0, true
}

// failed stamps the next eligible dial time from the current backoff base
// and advances the curve.
func (g *reconnectGate) failed() {
	_ = g.sched.Wait(context.Background())
}

// succeeded reopens the gate and returns the curve to its cold state.
func (g *reconnectGate) succeeded() {
	g.sched.Reset()
	g.prime()
}
