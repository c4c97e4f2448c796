package broker

import (
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SessionHandle is the broker's view of a live connection. The WebSocket
// layer implements it; the broker only needs enough surface to broadcast
// shutdown notices and force sessions closed.
type SessionHandle interface {
	// ID returns the broker-assigned session identifier.
	ID() string
	// SendInfo delivers an informational frame to the client. topic may be
	// empty for process-wide notices.
	SendInfo(msg, topic string) error
	// BeginDrain moves the session into its draining state: inbound frames
	// other than ping are rejected while writers keep flushing.
	BeginDrain()
	// Close stops the session's writers, detaches its queues and closes the
	// transport with the given close code.
	Close(code int)
}

// StatsSnapshot is the aggregate counter view returned by Broker.Stats.
type StatsSnapshot struct {
	PublishedTotal    int64 `json:"published_total"`
	DeliveredTotal    int64 `json:"delivered_total"`
	DroppedTotal      int64 `json:"dropped_total"`
	ActiveSubscribers int64 `json:"active_subscribers"`
	ActiveSessions    int   `json:"active_sessions"`
	ShuttingDown      bool  `json:"shutting_down"`
}

// Broker is the process-wide message router: a registry of named topics,
// the set of live sessions, aggregate counters and the shutdown flag.
//
// Locking is coarse and ordered: the broker lock guards the topic registry
// only, each topic owns its own lock, and the broker lock is never acquired
// while a topic lock is held. Counters are atomics updated outside any lock.
type Broker struct {
	cfg Config
	log *slog.Logger

	mu     sync.RWMutex
	topics map[string]*Topic

	smu      sync.Mutex
	sessions map[string]SessionHandle

	shuttingDown atomic.Bool
	done         chan struct{}

	published   atomic.Int64
	delivered   atomic.Int64
	dropped     atomic.Int64
	subscribers atomic.Int64

	startedAt time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the structured logger used by the broker.
func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) {
		if log != nil {
			b.log = log
		}
	}
}

// New creates a Broker with the given configuration. Non-positive Config
// fields fall back to package defaults, except SlowConsumerThreshold, where
// zero is kept (eviction disabled) and only a negative value falls back.
func New(cfg Config, opts ...Option) *Broker {
	b := &Broker{
		cfg:       cfg.normalize(),
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		topics:    make(map[string]*Topic),
		sessions:  make(map[string]SessionHandle),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the normalized broker configuration.
func (b *Broker) Config() Config { return b.cfg }

// CreateTopic registers a new topic. ringSize zero selects the configured
// default; any other out-of-range value is rejected.
func (b *Broker) CreateTopic(name string, ringSize int) (*Topic, error) {
	if b.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	if !ValidTopicName(name) {
		return nil, ErrInvalidTopicName
	}
	if ringSize == 0 {
		ringSize = b.cfg.DefaultRingBufferSize
	}
	if ringSize < 1 || ringSize > b.cfg.MaxRingBufferSize {
		return nil, ErrInvalidRingSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[name]; ok {
		return nil, ErrTopicExists
	}
	t := newTopic(name, ringSize)
	b.topics[name] = t
	b.log.Info("topic created", slog.String("topic", name), slog.Int("ring_size", ringSize))
	return t, nil
}

// DeleteTopic removes the topic and closes every attached queue with the
// topic-deleted reason, so each owning session's writer can notify its
// client before going quiet. Future publishes to the name fail with
// ErrTopicNotFound.
func (b *Broker) DeleteTopic(name string) error {
	if b.shuttingDown.Load() {
		return ErrShuttingDown
	}

	b.mu.Lock()
	t, ok := b.topics[name]
	if ok {
		delete(b.topics, name)
	}
	b.mu.Unlock()

	if !ok {
		return ErrTopicNotFound
	}

	detached := t.detachAll(CloseTopicDeleted)
	b.subscribers.Add(int64(-len(detached)))
	b.log.Info("topic deleted",
		slog.String("topic", name),
		slog.Int("subscribers", len(detached)))
	return nil
}

// HasTopic reports whether a topic with the given name exists.
func (b *Broker) HasTopic(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.topics[name]
	return ok
}

func (b *Broker) topic(name string) (*Topic, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	return t, ok
}

// Publish validates the message, stamps the server timestamp and routes it
// through the topic: ring append under the topic lock, then non-blocking
// offers to every attached queue. It never blocks on a slow subscriber.
func (b *Broker) Publish(topicName, id string, payload json.RawMessage) (Message, error) {
	if b.shuttingDown.Load() {
		return Message{}, ErrShuttingDown
	}
	if !ValidMessageID(id) {
		return Message{}, ErrInvalidMessageID
	}

	t, ok := b.topic(topicName)
	if !ok {
		return Message{}, ErrTopicNotFound
	}

	m := Message{ID: id, Payload: payload, TS: time.Now().UTC()}
	evicted, ok := t.Publish(m)
	if !ok {
		return Message{}, ErrTopicNotFound
	}
	b.published.Add(1)
	if evicted > 0 {
		b.dropped.Add(int64(evicted))
	}
	return m, nil
}

// Subscribe attaches a fresh queue to the topic and returns it together with
// the replay batch of up to lastN recent messages. The tail read and the
// attachment happen atomically under the topic lock, so the caller can send
// the replay batch and then start draining the queue without missing or
// duplicating a message. lastN is clamped to [0, ring size].
func (b *Broker) Subscribe(topicName, clientID string, lastN int) (*Queue, []Message, error) {
	if b.shuttingDown.Load() {
		return nil, nil, ErrShuttingDown
	}

	t, ok := b.topic(topicName)
	if !ok {
		return nil, nil, ErrTopicNotFound
	}

	q := newQueue(topicName, clientID, b.cfg.SubscriberQueueSize)
	replay, ok := t.Attach(q, lastN)
	if !ok {
		return nil, nil, ErrTopicNotFound
	}
	b.subscribers.Add(1)
	b.log.Debug("subscriber attached",
		slog.String("topic", topicName),
		slog.String("client_id", clientID),
		slog.Int("replay", len(replay)))
	return q, replay, nil
}

// Unsubscribe detaches q from the topic and closes it so the owning writer
// unblocks. Detaching is idempotent; a queue that was already detached (for
// example by a concurrent topic deletion) adjusts no counters.
func (b *Broker) Unsubscribe(topicName string, q *Queue) error {
	t, ok := b.topic(topicName)
	if !ok {
		return ErrTopicNotFound
	}

	if t.Detach(q) {
		b.subscribers.Add(-1)
	}
	q.CloseWithReason(CloseUnsubscribed)
	return nil
}

// ListTopics returns a per-topic snapshot, sorted by name.
func (b *Broker) ListTopics() []TopicInfo {
	b.mu.RLock()
	topics := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	out := make([]TopicInfo, 0, len(topics))
	for _, t := range topics {
		out = append(out, t.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns the aggregate counter snapshot.
func (b *Broker) Stats() StatsSnapshot {
	b.smu.Lock()
	sessions := len(b.sessions)
	b.smu.Unlock()

	return StatsSnapshot{
		PublishedTotal:    b.published.Load(),
		DeliveredTotal:    b.delivered.Load(),
		DroppedTotal:      b.dropped.Load(),
		ActiveSubscribers: b.subscribers.Load(),
		ActiveSessions:    sessions,
		ShuttingDown:      b.shuttingDown.Load(),
	}
}

// MarkDelivered counts one frame actually written to a client transport.
func (b *Broker) MarkDelivered() { b.delivered.Add(1) }

// Uptime returns the time elapsed since the broker was created.
func (b *Broker) Uptime() time.Duration { return time.Since(b.startedAt) }

// ShuttingDown reports whether graceful shutdown has begun.
func (b *Broker) ShuttingDown() bool { return b.shuttingDown.Load() }

// AddSession registers a live session for lifecycle coordination.
func (b *Broker) AddSession(s SessionHandle) {
	b.smu.Lock()
	defer b.smu.Unlock()
	b.sessions[s.ID()] = s
}

// RemoveSession drops a session from the registry. Safe to call for a
// session that was never added or was already removed.
func (b *Broker) RemoveSession(id string) {
	b.smu.Lock()
	defer b.smu.Unlock()
	delete(b.sessions, id)
}

func (b *Broker) sessionSnapshot() []SessionHandle {
	b.smu.Lock()
	defer b.smu.Unlock()

	out := make([]SessionHandle, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}
