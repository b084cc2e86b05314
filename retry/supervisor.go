package retry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/LerianStudio/lib-retry/retry/assert"
	"github.com/LerianStudio/lib-retry/retry/internal/nilcheck"
	"github.com/LerianStudio/lib-retry/retry/log"
	"github.com/LerianStudio/lib-retry/retry/runtime"
)

const defaultShutdownTimeout = 30 * time.Second

var (
	// ErrNilSupervisor is returned when a supervisor method is called on a nil receiver.
	ErrNilSupervisor = errors.New("supervisor is nil")
	// ErrSupervisorRunning is returned when Run is called while a run is active.
	ErrSupervisorRunning = errors.New("supervisor is already running")
	// ErrNoTasks is returned when Run is called with nothing registered.
	ErrNoTasks = errors.New("no tasks registered: use Supervise() or Add()")
	// ErrTaskNameRequired is returned when a task name is empty or whitespace.
	ErrTaskNameRequired = errors.New("task name is empty")
	// ErrTaskRequired is returned when a nil task is provided.
	ErrTaskRequired = errors.New("task is nil")
	// ErrTaskAlreadyRegistered is returned when a task name is registered twice.
	ErrTaskAlreadyRegistered = errors.New("task is already registered")
	// ErrSupervisorConfig is returned when option application collected errors.
	ErrSupervisorConfig = errors.New("supervisor configuration failed")
)

// Task is a long-lived unit of supervised work. It should block until it is
// done or ctx is cancelled. A nil return means clean completion; an error
// return makes the supervisor re-run the task under its policy until the
// attempt budget is spent.
type Task func(ctx context.Context) error

// Supervisor runs named long-lived tasks with panic containment and
// policy-paced re-runs, and stops them together on an OS signal, an
// injected shutdown signal, or Stop. A task that keeps failing exhausts
// its policy budget and stays stopped; the supervisor keeps the remaining
// tasks alive.
type Supervisor struct {
	logger          log.Logger
	policy          Policy
	tasks           map[string]Task
	shutdownSignal  <-chan struct{}
	shutdownTimeout time.Duration
	configErrors    []error

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	taskWg     sync.WaitGroup
}

// SupervisorOption mutates supervisor configuration at construction.
type SupervisorOption func(*Supervisor)

// WithSupervisorPolicy sets the re-run policy applied to every task. The
// policy's Component is replaced with the task name at run time so each
// task labels its own logs and metrics.
func WithSupervisorPolicy(policy Policy) SupervisorOption {
	return func(s *Supervisor) {
		s.policy = policy
	}
}

// WithShutdownSignal replaces OS signal handling with an injected channel.
// Closing the channel stops the supervisor; tests use this to trigger
// shutdown deterministically.
func WithShutdownSignal(stopSignal <-chan struct{}) SupervisorOption {
	return func(s *Supervisor) {
		s.shutdownSignal = stopSignal
	}
}

// WithShutdownTimeout sets the maximum duration Run waits for tasks to
// finish after cancellation. Defaults to 30 seconds.
func WithShutdownTimeout(timeout time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// Supervise registers a task with the supervisor. Registration failures are
// collected and surfaced when Run is called.
func Supervise(name string, task Task) SupervisorOption {
	return func(s *Supervisor) {
		if err := s.Add(name, task); err != nil {
			s.configErrors = append(s.configErrors, fmt.Errorf("supervise %q: %w", name, err))

			s.logger.Log(context.Background(), log.LevelError, "supervisor task registration failed",
				log.String("task", name), log.Err(err))
		}
	}
}

// NewSupervisor creates a supervisor. A nil logger is replaced with a
// no-op logger; the default policy is Persistent().
func NewSupervisor(logger log.Logger, opts ...SupervisorOption) *Supervisor {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	s := &Supervisor{
		logger:          logger,
		policy:          Persistent(),
		tasks:           make(map[string]Task),
		shutdownTimeout: defaultShutdownTimeout,
		stop:            make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// Add registers a task under name. Names must be unique and non-empty.
func (s *Supervisor) Add(name string, task Task) error {
	if s == nil {
		asserter := assert.New(context.Background(), nil, "supervisor", "Add")
		_ = asserter.Never(context.Background(), "supervisor receiver is nil")

		return ErrNilSupervisor
	}

	if s.tasks == nil {
		s.tasks = make(map[string]Task)
	}

	if strings.TrimSpace(name) == "" {
		asserter := assert.New(context.Background(), s.logger, "supervisor", "Add")
		_ = asserter.Never(context.Background(), "task name must not be empty")

		return ErrTaskNameRequired
	}

	if task == nil {
		asserter := assert.New(context.Background(), s.logger, "supervisor", "Add")
		_ = asserter.Never(context.Background(), "task must not be nil", "task_name", name)

		return ErrTaskRequired
	}

	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyRegistered, name)
	}

	s.tasks[name] = task

	return nil
}

// Run launches every registered task and blocks until all tasks finish on
// their own, a shutdown signal arrives, ctx is cancelled, or Stop is
// called. The supervisor's logger is injected into the task context, so
// retries inside tasks report through it.
func (s *Supervisor) Run(parentCtx context.Context) error {
	if s == nil {
		return ErrNilSupervisor
	}

	if len(s.configErrors) > 0 {
		return errors.Join(append([]error{ErrSupervisorConfig}, s.configErrors...)...)
	}

	if len(s.tasks) == 0 {
		return ErrNoTasks
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !s.registerRun(cancel) {
		cancel()

		return ErrSupervisorRunning
	}

	defer s.clearRun()

	taskCtx := ContextWithLogger(ctx, s.logger)

	s.logger.Log(ctx, log.LevelInfo, "starting supervised tasks", log.Int("count", len(s.tasks)))

	for name, task := range s.tasks {
		nameCopy := name
		taskCopy := task

		s.taskWg.Add(1)

		runtime.SafeGoWithContextAndComponent(
			taskCtx,
			s.logger,
			"supervisor",
			"task_"+nameCopy,
			runtime.KeepRunning,
			func(ctx context.Context) {
				defer s.taskWg.Done()

				s.runTask(ctx, nameCopy, taskCopy)
			},
		)
	}

	done := make(chan struct{})

	runtime.SafeGo(s.logger, "supervisor.wait_tasks", runtime.KeepRunning, func() {
		s.taskWg.Wait()
		close(done)
	})

	s.awaitStop(ctx, done)

	cancel()

	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.logger.Log(context.Background(), log.LevelWarn, "supervisor shutdown timed out waiting for tasks",
			log.Duration("timeout", s.shutdownTimeout))
	}

	if err := s.logger.Sync(context.Background()); err != nil {
		s.logger.Log(context.Background(), log.LevelError, "failed to sync logger", log.Err(err))
	}

	s.logger.Log(context.Background(), log.LevelInfo, "supervisor terminated")

	return nil
}

// Stop signals the supervisor to shut down. Safe to call multiple times
// and on a supervisor that is not running.
func (s *Supervisor) Stop() {
	if s == nil {
		return
	}

	s.stopOnce.Do(func() {
		s.runStateMu.Lock()

		cancel := s.cancelFunc
		stop := s.stop

		if stop == nil {
			stop = make(chan struct{})
			s.stop = stop
		}

		s.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

func (s *Supervisor) runTask(ctx context.Context, name string, task Task) {
	policy := s.policy
	policy.Component = name

	err := Do(ctx, policy, Operation(task))

	switch {
	case err == nil:
		s.logger.Log(ctx, log.LevelInfo, "supervised task completed", log.String("task", name))
	case ctx.Err() != nil:
		s.logger.Log(ctx, log.LevelInfo, "supervised task stopped", log.String("task", name))
	default:
		log.SafeError(ctx, s.logger, "supervised task gave up", err, runtime.IsProductionMode(),
			log.String("task", name))
	}
}

// awaitStop blocks until tasks finish, a stop arrives, or the context
// dies. OS signals are only hooked when no shutdown signal was injected.
func (s *Supervisor) awaitStop(ctx context.Context, done <-chan struct{}) {
	if s.shutdownSignal != nil {
		select {
		case <-done:
		case <-s.stop:
		case <-ctx.Done():
		case <-s.shutdownSignal:
			s.logger.Log(ctx, log.LevelInfo, "shutdown signal received")
		}

		return
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case <-done:
	case <-s.stop:
	case <-ctx.Done():
	case <-signals:
		s.logger.Log(ctx, log.LevelInfo, "shutdown signal received")
	}
}

func (s *Supervisor) registerRun(cancel context.CancelFunc) bool {
	s.runStateMu.Lock()
	defer s.runStateMu.Unlock()

	if s.running {
		return false
	}

	if s.stop == nil || isClosedSignal(s.stop) {
		s.stop = make(chan struct{})
		s.stopOnce = sync.Once{}
	}

	s.running = true
	s.cancelFunc = cancel

	return true
}

func (s *Supervisor) clearRun() {
	s.runStateMu.Lock()
	defer s.runStateMu.Unlock()

	s.running = false
	s.cancelFunc = nil
}

func isClosedSignal(stopSignal <-chan struct{}) bool {
	if stopSignal == nil {
		return false
	}

	select {
	case <-stopSignal:
		return true
	default:
		return false
	}
}
