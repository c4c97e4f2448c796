package broker

import "time"

// Default tunables, applied by New when the corresponding Config field is
// not positive (for SlowConsumerThreshold: when it is negative).
const (
	DefaultSubscriberQueueSize   = 50
	DefaultRingBufferSize        = 100
	DefaultMaxRingBufferSize     = 10000
	DefaultSlowConsumerThreshold = 3
	DefaultShutdownTimeout       = 30 * time.Second
)

// Config holds broker tunables with environment variable support.
// Options are read at startup only; a running broker never re-reads them.
type Config struct {
	// SubscriberQueueSize bounds each per-subscription delivery queue.
	SubscriberQueueSize int `env:"PUBSUB_SUBSCRIBER_QUEUE_SIZE" envDefault:"50"`

	// DefaultRingBufferSize is the per-topic history size used when a topic
	// is created without an explicit ring_size.
	DefaultRingBufferSize int `env:"PUBSUB_DEFAULT_RING_BUFFER_SIZE" envDefault:"100"`

	// MaxRingBufferSize caps the ring_size a topic may be created with.
	MaxRingBufferSize int `env:"PUBSUB_MAX_RING_BUFFER_SIZE" envDefault:"10000"`

	// SlowConsumerThreshold is the number of consecutive drops after which a
	// subscription is evicted. Zero disables eviction (tolerant mode).
	SlowConsumerThreshold int `env:"PUBSUB_SLOW_CONSUMER_THRESHOLD" envDefault:"3"`

	// ShutdownTimeout bounds the graceful drain during shutdown.
	ShutdownTimeout time.Duration `env:"PUBSUB_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns a Config with the package defaults.
func DefaultConfig() Config {
	return Config{
		SubscriberQueueSize:   DefaultSubscriberQueueSize,
		DefaultRingBufferSize: DefaultRingBufferSize,
		MaxRingBufferSize:     DefaultMaxRingBufferSize,
		SlowConsumerThreshold: DefaultSlowConsumerThreshold,
		ShutdownTimeout:       DefaultShutdownTimeout,
	}
}

// normalize fills non-positive fields with defaults. SlowConsumerThreshold
// falls back only when negative: zero is a valid setting that disables
// eviction.
func (c Config) normalize() Config {
	if c.SubscriberQueueSize <= 0 {
		c.SubscriberQueueSize = DefaultSubscriberQueueSize
	}
	if c.DefaultRingBufferSize <= 0 {
		c.DefaultRingBufferSize = DefaultRingBufferSize
	}
	if c.MaxRingBufferSize <= 0 {
		c.MaxRingBufferSize = DefaultMaxRingBufferSize
	}
	if c.SlowConsumerThreshold < 0 {
		c.SlowConsumerThreshold = DefaultSlowConsumerThreshold
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}
