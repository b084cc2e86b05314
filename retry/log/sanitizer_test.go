package log

import (
	"bytes"
	"context"
	"errors"
	stdlog "log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSafeError_NilLogger(t *testing.T) {
	t.Parallel()

	SafeError(context.Background(), nil, "test message", assert.AnError, true)
}

func TestSafeError_NilError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := &StdLogger{Level: LevelDebug, Out: stdlog.New(&buf, "", 0)}

	SafeError(context.Background(), logger, "nil error test", nil, false)
	assert.Empty(t, buf.String())

	SafeError(context.Background(), logger, "nil error test", nil, true)
	assert.Empty(t, buf.String())
}

func TestSafeError_DevelopmentMode(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := &StdLogger{Level: LevelDebug, Out: stdlog.New(&buf, "", 0)}
	err := errors.New("credential_id=abc123")

	SafeError(context.Background(), logger, "request failed", err, false)

	assert.Contains(t, buf.String(), "request failed")
	assert.Contains(t, buf.String(), "credential_id=abc123")
}

func TestSafeError_ProductionMode(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := &StdLogger{Level: LevelDebug, Out: stdlog.New(&buf, "", 0)}
	err := errors.New("credential_id=abc123")

	SafeError(context.Background(), logger, "request failed", err, true)

	assert.Contains(t, buf.String(), "error_type=*")
	assert.NotContains(t, buf.String(), "credential_id=abc123")
}

func TestSafeError_ExtraFieldsPassThrough(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := &StdLogger{Level: LevelDebug, Out: stdlog.New(&buf, "", 0)}

	SafeError(context.Background(), logger, "reconnect failed", assert.AnError, true,
		Int("attempt", 4), Duration("next_delay", 2*time.Second))

	assert.Contains(t, buf.String(), "attempt=4")
	assert.Contains(t, buf.String(), "next_delay=2s")
}

func TestSafeError_DisabledLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	// LevelError would normally be written. A nil-receiver StdLogger reports
	// every level disabled, so nothing may reach the sink.
	var disabled *StdLogger

	SafeError(context.Background(), disabled, "skipped", assert.AnError, false)
	assert.Empty(t, buf.String())
}
