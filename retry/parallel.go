package retry

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-retry/retry/errgroup"
)

// DoAll runs independent operations concurrently, each under its own
// retry loop driven by policy. Each operation's name replaces the
// policy's Component so attempts are labelled per operation. The first
// operation to fail definitively cancels the context the others run
// under; panics inside operations are contained and surfaced as errors.
// DoAll returns the first failure, or nil once every operation succeeds.
func DoAll(ctx context.Context, policy Policy, ops map[string]Operation) error {
	if len(ops) == 0 {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for name, op := range ops {
		if op == nil {
			return fmt.Errorf("operation %q: %w", name, ErrOperationRequired)
		}
	}

	policy.normalize()

	logger, _, _, _ := NewTrackingFromContext(ctx)

	group, _ := errgroup.WithContext(ctx, logger, policy.Component)

	for name, op := range ops {
		nameCopy := name
		opCopy := op

		group.Go(nameCopy, func(taskCtx context.Context) error {
			opPolicy := policy
			opPolicy.Component = nameCopy

			if err := Do(taskCtx, opPolicy, opCopy); err != nil {
				return fmt.Errorf("operation %q: %w", nameCopy, err)
			}

			return nil
		})
	}

	return group.Wait()
}
