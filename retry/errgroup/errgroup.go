// Package errgroup runs groups of goroutines working on a common job,
// with first-error cancellation and panic containment.
//
// It wraps golang.org/x/sync/errgroup: a panic inside a task does not
// crash the process. The panic is logged with its stack, recorded to the
// panic metrics and the active span, and surfaced from Wait as an error
// wrapping runtime.ErrPanic.
package errgroup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	xerrgroup "golang.org/x/sync/errgroup"

	"github.com/LerianStudio/lib-retry/retry/internal/nilcheck"
	"github.com/LerianStudio/lib-retry/retry/log"
	"github.com/LerianStudio/lib-retry/retry/runtime"
)

// ErrNilGroup is returned by Wait when the group was not built with WithContext.
var ErrNilGroup = errors.New("errgroup is nil: use WithContext")

// ErrTaskRequired is the task error recorded when a nil function is submitted.
var ErrTaskRequired = errors.New("task function is nil")

const defaultComponent = "errgroup"

// Group is a collection of named tasks working on subtasks of a common
// job. The zero value is not usable; construct with WithContext.
type Group struct {
	group     *xerrgroup.Group
	ctx       context.Context
	logger    log.Logger
	component string
}

// WithContext returns a Group bound to a context derived from ctx. The
// derived context is cancelled the first time a task returns a non-nil
// error or panics, or the first time Wait returns. The component labels
// panic metrics and log entries; empty defaults to "errgroup". A nil
// logger is replaced with a no-op logger.
func WithContext(ctx context.Context, logger log.Logger, component string) (*Group, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if strings.TrimSpace(component) == "" {
		component = defaultComponent
	}

	group, groupCtx := xerrgroup.WithContext(ctx)

	return &Group{
		group:     group,
		ctx:       groupCtx,
		logger:    logger,
		component: component,
	}, groupCtx
}

// SetLimit limits the number of concurrently active tasks to at most n.
// A negative value means no limit. Must be called before any task starts.
func (g *Group) SetLimit(n int) {
	g.group.SetLimit(n)
}

// Go runs fn in a new goroutine. The first task to return a non-nil
// error or panic cancels the group context; that first error is the one
// Wait returns.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.group.Go(func() error {
		return g.runTask(name, fn)
	})
}

// TryGo runs fn only when the group's task limit has headroom. It
// reports whether the task was started.
func (g *Group) TryGo(name string, fn func(ctx context.Context) error) bool {
	return g.group.TryGo(func() error {
		return g.runTask(name, fn)
	})
}

// Wait blocks until all tasks have completed, then returns the first
// non-nil error among them.
func (g *Group) Wait() error {
	if g == nil || g.group == nil {
		return ErrNilGroup
	}

	return g.group.Wait()
}

func (g *Group) runTask(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(g.ctx, g.logger, recovered, g.component, name)
			err = fmt.Errorf("%w in task %q: %v", runtime.ErrPanic, name, recovered)
		}
	}()

	if fn == nil {
		return fmt.Errorf("task %q: %w", name, ErrTaskRequired)
	}

	return fn(g.ctx)
}
