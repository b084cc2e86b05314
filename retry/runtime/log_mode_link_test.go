//go:build unit

package runtime

import (
	"bytes"
	"context"
	stdlog "log"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/LerianStudio/lib-retry/retry/log"
)

// TestLogProductionModeIntegration links runtime production mode with the log
// package's error sanitizer: the mode set here decides whether SafeError
// emits error details or only the error type.
//
//nolint:paralleltest // Cannot use t.Parallel() - modifies global productionMode
func TestLogProductionModeIntegration(t *testing.T) {
	var buf bytes.Buffer

	logger := log.NewStdLogger(log.LevelInfo)
	logger.Out = stdlog.New(&buf, "", 0)

	initialMode := IsProductionMode()
	t.Cleanup(func() { SetProductionMode(initialMode) })

	SetProductionMode(false)
	log.SafeError(context.Background(), logger, "reconnect failed", assert.AnError, IsProductionMode())
	assert.Contains(t, buf.String(), "general error")

	buf.Reset()
	SetProductionMode(true)
	log.SafeError(context.Background(), logger, "reconnect failed", assert.AnError, IsProductionMode())
	assert.Contains(t, buf.String(), "error_type=*errors.errorString")
	assert.NotContains(t, buf.String(), "general error")
}
