package nats

import (
	"context"
	"errors"

	"github.com/LerianStudio/lib-retry/retry"
	"github.com/nats-io/nats.go"
)

// classifyPublishError keeps connection loss and the resolve gate's
// rate-limit error retryable, so retry.Do waits out the curve while the
// connection heals, while cutting the loop short on requests the server
// will never accept: oversized payloads, malformed subjects, and failed
// authorization.
func classifyPublishError(err error) retry.Class {
	switch {
	case errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrInvalidConnection):
		return retry.ClassPermanent
	}

	return retry.ClassifyError(err)
}

// PublishWithRetry sends data to a core NATS subject under policy,
// redialing through the client's lazy resolve on each attempt. A zero
// policy uses the package defaults with a publish-aware classifier.
func PublishWithRetry(ctx context.Context, client *Client, policy retry.Policy, subject string, data []byte) error {
	if client == nil {
		return ErrNilClient
	}

	if policy.Classifier == nil {
		policy.Classifier = retry.ClassifierFunc(classifyPublishError)
	}

	if policy.Component == "" {
		policy.Component = "nats"
	}

	return retry.Do(ctx, policy, func(ctx context.Context) error {
		return client.Publish(ctx, subject, data)
	})
}

// PublishToStreamWithRetry sends data through JetStream under policy,
// waiting for the server's acknowledgment on each attempt. Attempts that
// fail because the stream has no responders yet are retried like any other
// transient failure.
func PublishToStreamWithRetry(ctx context.Context, client *Client, policy retry.Policy, subject string, data []byte) error {
	if client == nil {
		return ErrNilClient
	}

	if policy.Classifier == nil {
		policy.Classifier = retry.ClassifierFunc(classifyPublishError)
	}

	if policy.Component == "" {
		policy.Component = "nats"
	}

	return retry.Do(ctx, policy, func(ctx context.Context) error {
		return client.PublishToStream(ctx, subject, data)
	})
}
