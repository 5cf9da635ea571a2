// Package queue provides the durable, multi-consumer work queue between
// pollers and processors. Delivery is at-least-once: a popped job a worker
// dies on may be redelivered, so everything downstream writes idempotently.
package queue

import "context"

// Topics carried by the queue. Block jobs and log jobs never share a topic.
const (
	TopicBlocks = "blocks"
	TopicLogs   = "logs"
)

// Queue is the wire contract between producers and consumers.
// No ordering is guaranteed across producers; within one producer FIFO is
// best effort and never relied upon for correctness.
type Queue interface {
	// Push enqueues a payload on a topic. Fails with ErrUnavailable on
	// connection loss; never blocks indefinitely.
	Push(ctx context.Context, topic string, payload []byte) error

	// Pop blocks up to the context deadline (or the configured pop timeout)
	// and returns one payload, or ErrNoJob when nothing arrived in time.
	Pop(ctx context.Context, topic string) ([]byte, error)

	// Len reports the current depth of a topic, for metrics.
	Len(ctx context.Context, topic string) (int64, error)
}
