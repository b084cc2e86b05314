//go:build unit

package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-retry/retry/log"
)

// blockingTask returns a task that marks started and blocks until ctx ends.
func blockingTask(started *atomic.Int32) Task {
	return func(ctx context.Context) error {
		started.Add(1)
		<-ctx.Done()

		return ctx.Err()
	}
}

func TestNewSupervisor_NilLoggerUsesNop(t *testing.T) {
	t.Parallel()

	supervisor := NewSupervisor(nil)
	require.NotNil(t, supervisor)
	require.NotNil(t, supervisor.logger)
	assert.Equal(t, defaultShutdownTimeout, supervisor.shutdownTimeout)
}

func TestSupervisor_Add_Validation(t *testing.T) {
	t.Parallel()

	task := func(_ context.Context) error { return nil }

	t.Run("empty name", func(t *testing.T) {
		t.Parallel()

		supervisor := NewSupervisor(log.NewNop())
		require.ErrorIs(t, supervisor.Add("", task), ErrTaskNameRequired)
	})

	t.Run("whitespace name", func(t *testing.T) {
		t.Parallel()

		supervisor := NewSupervisor(log.NewNop())
		require.ErrorIs(t, supervisor.Add("   ", task), ErrTaskNameRequired)
	})

	t.Run("nil task", func(t *testing.T) {
		t.Parallel()

		supervisor := NewSupervisor(log.NewNop())
		require.ErrorIs(t, supervisor.Add("worker", nil), ErrTaskRequired)
	})

	t.Run("duplicate name", func(t *testing.T) {
		t.Parallel()

		supervisor := NewSupervisor(log.NewNop())
		require.NoError(t, supervisor.Add("worker", task))

		err := supervisor.Add("worker", task)
		require.ErrorIs(t, err, ErrTaskAlreadyRegistered)
		assert.Contains(t, err.Error(), "worker")
	})

	t.Run("nil receiver", func(t *testing.T) {
		t.Parallel()

		var supervisor *Supervisor

		require.ErrorIs(t, supervisor.Add("worker", task), ErrNilSupervisor)
	})
}

func TestSupervisor_NilReceiver(t *testing.T) {
	t.Parallel()

	var supervisor *Supervisor

	require.ErrorIs(t, supervisor.Run(context.Background()), ErrNilSupervisor)
	assert.NotPanics(t, func() { supervisor.Stop() })
}

func TestSupervisor_Run_NoTasks(t *testing.T) {
	t.Parallel()

	supervisor := NewSupervisor(log.NewNop())
	require.ErrorIs(t, supervisor.Run(context.Background()), ErrNoTasks)
}

func TestSupervisor_Run_ConfigErrorsSurface(t *testing.T) {
	t.Parallel()

	task := func(_ context.Context) error { return nil }

	supervisor := NewSupervisor(log.NewNop(),
		Supervise("", task),
		Supervise("worker", task),
		Supervise("worker", task),
	)

	err := supervisor.Run(context.Background())
	require.ErrorIs(t, err, ErrSupervisorConfig)
	require.ErrorIs(t, err, ErrTaskNameRequired)
	require.ErrorIs(t, err, ErrTaskAlreadyRegistered)
}

func TestSupervisor_Run_TasksCompleteOnTheirOwn(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}

	var firstRuns, secondRuns atomic.Int32

	supervisor := NewSupervisor(logger,
		Supervise("first", func(_ context.Context) error {
			firstRuns.Add(1)

			return nil
		}),
		Supervise("second", func(_ context.Context) error {
			secondRuns.Add(1)

			return nil
		}),
	)

	//nolint:staticcheck // nil context exercises the Background fallback.
	require.NoError(t, supervisor.Run(nil))

	assert.Equal(t, int32(1), firstRuns.Load())
	assert.Equal(t, int32(1), secondRuns.Load())
	assert.Equal(t, 2, countOf(logger.messages(), "supervised task completed"))
}

func TestSupervisor_Run_ShutdownSignalStopsTasks(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	shutdown := make(chan struct{})

	var started atomic.Int32

	supervisor := NewSupervisor(logger,
		WithShutdownSignal(shutdown),
		Supervise("worker", blockingTask(&started)),
	)

	runDone := make(chan error, 1)
	go func() {
		runDone <- supervisor.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return started.Load() > 0
	}, time.Second, time.Millisecond)

	close(shutdown)

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor run did not stop after shutdown signal")
	}

	assert.Equal(t, 1, countOf(logger.messages(), "supervised task stopped"))
}

func TestSupervisor_Run_StopsWhenParentCancelled(t *testing.T) {
	t.Parallel()

	var started atomic.Int32

	supervisor := NewSupervisor(log.NewNop(),
		Supervise("worker", blockingTask(&started)),
	)

	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan error, 1)
	go func() {
		runDone <- supervisor.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return started.Load() > 0
	}, time.Second, time.Millisecond)

	cancel()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor run did not stop after parent context cancellation")
	}
}

func TestSupervisor_Run_RejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	shutdown := make(chan struct{})

	var started atomic.Int32

	supervisor := NewSupervisor(log.NewNop(),
		WithShutdownSignal(shutdown),
		Supervise("worker", blockingTask(&started)),
	)

	runDone := make(chan error, 1)
	go func() {
		runDone <- supervisor.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return started.Load() > 0
	}, time.Second, time.Millisecond)

	require.ErrorIs(t, supervisor.Run(context.Background()), ErrSupervisorRunning)

	close(shutdown)
	require.NoError(t, <-runDone)
}

func TestSupervisor_Run_CanRestartAfterStop(t *testing.T) {
	t.Parallel()

	var started atomic.Int32

	supervisor := NewSupervisor(log.NewNop(),
		Supervise("worker", blockingTask(&started)),
	)

	runOnce := func(expectedStarts int32) {
		runDone := make(chan error, 1)
		go func() {
			runDone <- supervisor.Run(context.Background())
		}()

		require.Eventually(t, func() bool {
			return started.Load() >= expectedStarts
		}, time.Second, time.Millisecond)

		supervisor.Stop()

		select {
		case err := <-runDone:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("supervisor run did not stop")
		}
	}

	runOnce(1)
	runOnce(2)
}

func TestSupervisor_Run_FailingTaskGivesUp(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	shutdown := make(chan struct{})

	var failRuns, steadyStarted atomic.Int32

	taskErr := errors.New("connection refused")

	supervisor := NewSupervisor(logger,
		WithShutdownSignal(shutdown),
		WithSupervisorPolicy(Policy{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		}),
		Supervise("flaky", func(_ context.Context) error {
			failRuns.Add(1)

			return taskErr
		}),
		Supervise("steady", blockingTask(&steadyStarted)),
	)

	runDone := make(chan error, 1)
	go func() {
		runDone <- supervisor.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return countOf(logger.messages(), "supervised task gave up") == 1
	}, time.Second, time.Millisecond)

	// The failing task spent its budget and stays down; the steady task is untouched.
	assert.Equal(t, int32(2), failRuns.Load())
	assert.Equal(t, int32(1), steadyStarted.Load())

	close(shutdown)
	require.NoError(t, <-runDone)

	assert.Equal(t, int32(2), failRuns.Load())
}

func TestSupervisor_Run_TaskPanicIsContained(t *testing.T) {
	t.Parallel()

	shutdown := make(chan struct{})

	var steadyStarted atomic.Int32

	supervisor := NewSupervisor(log.NewNop(),
		WithShutdownSignal(shutdown),
		WithSupervisorPolicy(Quick()),
		Supervise("panicky", func(_ context.Context) error {
			panic("boom")
		}),
		Supervise("steady", blockingTask(&steadyStarted)),
	)

	runDone := make(chan error, 1)
	go func() {
		runDone <- supervisor.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return steadyStarted.Load() > 0
	}, time.Second, time.Millisecond)

	close(shutdown)

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor run did not stop after a task panicked")
	}
}

func TestSupervisor_Stop_BeforeRunIsHarmless(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32

	supervisor := NewSupervisor(log.NewNop(),
		Supervise("worker", func(_ context.Context) error {
			runs.Add(1)

			return nil
		}),
	)

	supervisor.Stop()
	supervisor.Stop()

	require.NoError(t, supervisor.Run(context.Background()))
	assert.Equal(t, int32(1), runs.Load())
}

func TestSupervisor_ShutdownTimeoutWhenTaskIgnoresCancel(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	shutdown := make(chan struct{})
	release := make(chan struct{})

	var started atomic.Int32

	supervisor := NewSupervisor(logger,
		WithShutdownSignal(shutdown),
		WithShutdownTimeout(20*time.Millisecond),
		Supervise("stubborn", func(_ context.Context) error {
			started.Add(1)
			<-release

			return nil
		}),
	)

	runDone := make(chan error, 1)
	go func() {
		runDone <- supervisor.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return started.Load() > 0
	}, time.Second, time.Millisecond)

	close(shutdown)

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor run did not give up on the stubborn task")
	}

	assert.Equal(t, 1, countOf(logger.messages(), "supervisor shutdown timed out waiting for tasks"))

	close(release)
}
