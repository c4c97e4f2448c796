package broker

import "errors"

// Broker operation errors. REST and WebSocket adapters map these onto their
// respective error surfaces (HTTP status codes, protocol error frames).
var (
	// ErrTopicExists is returned when creating a topic whose name is taken.
	ErrTopicExists = errors.New("topic already exists")

	// ErrTopicNotFound is returned when an operation refers to an unknown topic.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrShuttingDown is returned for mutating operations after graceful
	// shutdown has begun.
	ErrShuttingDown = errors.New("broker is shutting down")

	// ErrInvalidTopicName is returned when a topic name does not match the
	// allowed pattern.
	ErrInvalidTopicName = errors.New("invalid topic name")

	// ErrInvalidMessageID is returned when a message id is not a canonical
	// lowercase hyphenated UUID.
	ErrInvalidMessageID = errors.New("message id must be a valid UUID")

	// ErrInvalidRingSize is returned when a requested ring buffer size is
	// outside [1, MaxRingBufferSize].
	ErrInvalidRingSize = errors.New("ring size out of range")

	// ErrQueueClosed is returned by Queue.Take once the queue is closed and
	// fully drained.
	ErrQueueClosed = errors.New("subscriber queue closed")
)
