//go:build unit

package nats

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-retry/retry"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func fastPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}
}

func TestClassifyPublishError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected retry.Class
	}{
		{
			name:     "oversized payload is permanent",
			err:      nats.ErrMaxPayload,
			expected: retry.ClassPermanent,
		},
		{
			name:     "wrapped oversized payload is permanent",
			err:      fmt.Errorf("nats publish failed: %w", nats.ErrMaxPayload),
			expected: retry.ClassPermanent,
		},
		{
			name:     "malformed subject is permanent",
			err:      nats.ErrBadSubject,
			expected: retry.ClassPermanent,
		},
		{
			name:     "authorization failure is permanent",
			err:      nats.ErrAuthorization,
			expected: retry.ClassPermanent,
		},
		{
			name:     "invalid connection is permanent",
			err:      nats.ErrInvalidConnection,
			expected: retry.ClassPermanent,
		},
		{
			name:     "closed connection is transient",
			err:      nats.ErrConnectionClosed,
			expected: retry.ClassTransient,
		},
		{
			name:     "draining connection is transient",
			err:      nats.ErrConnectionDraining,
			expected: retry.ClassTransient,
		},
		{
			name:     "no stream response is transient",
			err:      jetstream.ErrNoStreamResponse,
			expected: retry.ClassTransient,
		},
		{
			name:     "unknown error is transient",
			err:      errors.New("slow consumer"),
			expected: retry.ClassTransient,
		},
		{
			name:     "context cancellation is permanent",
			err:      context.Canceled,
			expected: retry.ClassPermanent,
		},
		{
			name:     "rate limit fast-forwards the backoff",
			err:      retry.ErrRateLimited,
			expected: retry.ClassResourceExhausted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, classifyPublishError(tt.err))
		})
	}
}

func TestPublishWithRetry_NilClient(t *testing.T) {
	t.Parallel()

	err := PublishWithRetry(context.Background(), nil, fastPolicy(3), "orders.created", []byte("x"))
	require.ErrorIs(t, err, ErrNilClient)
}

func TestPublishWithRetry_SucceedsAfterTransientFailure(t *testing.T) {
	t.Parallel()

	var publishCalls atomic.Int32

	deps := successDeps()
	deps.publish = func(*nats.Conn, string, []byte) error {
		if publishCalls.Add(1) == 1 {
			return nats.ErrConnectionClosed
		}

		return nil
	}

	client := newTestClient(t, &deps)

	err := PublishWithRetry(context.Background(), client, fastPolicy(3), "orders.created", []byte("ok"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, publishCalls.Load())
}

func TestPublishWithRetry_StopsOnPermanentFailure(t *testing.T) {
	t.Parallel()

	var publishCalls atomic.Int32

	deps := successDeps()
	deps.publish = func(*nats.Conn, string, []byte) error {
		publishCalls.Add(1)

		return nats.ErrMaxPayload
	}

	client := newTestClient(t, &deps)

	err := PublishWithRetry(context.Background(), client, fastPolicy(3), "orders.created", []byte("too big"))
	require.ErrorIs(t, err, nats.ErrMaxPayload)
	require.ErrorIs(t, err, ErrPublish)
	require.NotErrorIs(t, err, retry.ErrAttemptsExhausted)
	assert.EqualValues(t, 1, publishCalls.Load())
}

func TestPublishWithRetry_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	var publishCalls atomic.Int32

	deps := successDeps()
	deps.publish = func(*nats.Conn, string, []byte) error {
		publishCalls.Add(1)

		return errors.New("slow consumer")
	}

	client := newTestClient(t, &deps)

	err := PublishWithRetry(context.Background(), client, fastPolicy(2), "orders.created", []byte("x"))
	require.ErrorIs(t, err, retry.ErrAttemptsExhausted)
	assert.EqualValues(t, 2, publishCalls.Load())
}

func TestPublishToStreamWithRetry_NilClient(t *testing.T) {
	t.Parallel()

	err := PublishToStreamWithRetry(context.Background(), nil, fastPolicy(3), "orders.created", []byte("x"))
	require.ErrorIs(t, err, ErrNilClient)
}

func TestPublishToStreamWithRetry_SucceedsAfterTransientFailure(t *testing.T) {
	t.Parallel()

	var publishCalls atomic.Int32

	deps := successDeps()
	deps.jsPublish = func(context.Context, jetstream.JetStream, string, []byte) error {
		if publishCalls.Add(1) == 1 {
			return jetstream.ErrNoStreamResponse
		}

		return nil
	}

	client := newTestClient(t, &deps)

	err := PublishToStreamWithRetry(context.Background(), client, fastPolicy(3), "orders.created", []byte("ok"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, publishCalls.Load())
}

func TestPublishToStreamWithRetry_StopsOnPermanentFailure(t *testing.T) {
	t.Parallel()

	var publishCalls atomic.Int32

	deps := successDeps()
	deps.jsPublish = func(context.Context, jetstream.JetStream, string, []byte) error {
		publishCalls.Add(1)

		return nats.ErrMaxPayload
	}

	client := newTestClient(t, &deps)

	err := PublishToStreamWithRetry(context.Background(), client, fastPolicy(4), "orders.created", []byte("too big"))
	require.ErrorIs(t, err, nats.ErrMaxPayload)
	require.NotErrorIs(t, err, retry.ErrAttemptsExhausted)
	assert.EqualValues(t, 1, publishCalls.Load())
}
