// Package nats provides NATS connection and publisher helpers with
// retry-aware reconnection.
//
// The driver's own reconnect loop is bridged onto an exponential backoff
// schedule via ReconnectOptions, lazy redials after a lost connection are
// paced by the same curve so a down server is not hammered by concurrent
// callers, and publish helpers retry core and JetStream writes under a
// retry.Policy with a publish-aware error classifier.
package nats
