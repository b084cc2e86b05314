package rabbitmq

import (
	"context"
	"errors"

	"github.com/LerianStudio/lib-retry/retry"
	amqp "github.com/rabbitmq/amqp091-go"
)

// classifyPublishError keeps nacked and timed-out publishes retryable while
// cutting the loop short once the publisher cannot come back on its own. A
// bare ErrPublisherClosed stays transient because channel recovery may swap
// in a fresh channel between attempts.
func classifyPublishError(err error) retry.Class {
	if errors.Is(err, ErrRecoveryExhausted) {
		return retry.ClassPermanent
	}

	return retry.ClassifyError(err)
}

// PublishWithRetry sends msg through pub under policy, waiting for a broker
// confirm on each attempt. Nacks, confirm timeouts, and transient channel
// closures are retried on the policy's backoff curve. A zero policy uses the
// package defaults with a publisher-aware classifier.
func PublishWithRetry(
	ctx context.Context,
	pub *Publisher,
	policy retry.Policy,
	exchange, routingKey string,
	mandatory, immediate bool,
	msg amqp.Publishing,
) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if policy.Classifier == nil {
		policy.Classifier = retry.ClassifierFunc(classifyPublishError)
	}

	if policy.Component == "" {
		policy.Component = "rabbitmq"
	}

	return retry.Do(ctx, policy, func(ctx context.Context) error {
		return pub.Publish(ctx, exchange, routingKey, mandatory, immediate, msg)
	})
}
