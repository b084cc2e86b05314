// Package rabbitmq provides AMQP connection and publisher helpers with
// retry-aware reconnection.
//
// Broker dials are paced on a backoff schedule so a down broker is not
// hammered by concurrent callers, the confirm-mode publisher recovers its
// channel on the same curve, and connection errors are sanitized so broker
// credentials never reach logs.
package rabbitmq
