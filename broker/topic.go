package broker

import "sync"

// Topic owns a ring buffer of recent messages and the set of subscriber
// queues attached to it. A single mutex serializes ring mutation, counter
// updates and subscriber-set changes; fan-out offers run outside the lock so
// one slow queue cannot stall the other subscribers of the topic.
type Topic struct {
	name string

	mu             sync.Mutex
	ring           *ringBuffer
	ringSize       int
	subs           map[*Queue]struct{}
	totalPublished int64
	closed         bool
}

func newTopic(name string, ringSize int) *Topic {
	return &Topic{
		name:     name,
		ring:     newRingBuffer(ringSize),
		ringSize: ringSize,
		subs:     make(map[*Queue]struct{}),
	}
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// RingSize returns the configured history capacity.
func (t *Topic) RingSize() int { return t.ringSize }

// Publish appends m to the ring and offers it to every attached queue.
// It returns the number of evicted (dropped-oldest) messages across all
// queues, for the broker's drop accounting. ok is false when the topic was
// deleted between lookup and publish.
func (t *Topic) Publish(m Message) (evicted int, ok bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, false
	}
	t.ring.append(m)
	t.totalPublished++
	snapshot := make([]*Queue, 0, len(t.subs))
	for q := range t.subs {
		snapshot = append(snapshot, q)
	}
	t.mu.Unlock()

	for _, q := range snapshot {
		if q.Offer(m) {
			evicted++
		}
	}
	return evicted, true
}

// Attach reads the replay batch and adds q to the subscriber set in one
// critical section, so no publish can slip between the tail read and the
// insertion: the replay batch is always strictly older than the first live
// message q will see. ok is false when the topic was deleted between lookup
// and attach.
func (t *Topic) Attach(q *Queue, lastN int) (replay []Message, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, false
	}
	if lastN > t.ringSize {
		lastN = t.ringSize
	}
	t.subs[q] = struct{}{}
	return t.ring.tail(lastN), true
}

// Detach removes q from the subscriber set. It is idempotent and reports
// whether q was attached.
func (t *Topic) Detach(q *Queue) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[q]; !ok {
		return false
	}
	delete(t.subs, q)
	return true
}

// detachAll empties the subscriber set and closes every queue with the given
// reason. It returns the detached queues so the broker can adjust counters.
func (t *Topic) detachAll(reason CloseReason) []*Queue {
	t.mu.Lock()
	t.closed = true
	detached := make([]*Queue, 0, len(t.subs))
	for q := range t.subs {
		detached = append(detached, q)
	}
	t.subs = make(map[*Queue]struct{})
	t.mu.Unlock()

	for _, q := range detached {
		q.CloseWithReason(reason)
	}
	return detached
}

// queues returns a snapshot of the attached queues.
func (t *Topic) queues() []*Queue {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Queue, 0, len(t.subs))
	for q := range t.subs {
		out = append(out, q)
	}
	return out
}

// TopicInfo is the per-topic snapshot returned by Broker.ListTopics.
type TopicInfo struct {
	Name              string `json:"name"`
	Subscribers       int    `json:"subscribers"`
	RingBufferSize    int    `json:"ring_buffer_size"`
	MessagesInHistory int    `json:"messages_in_history"`
	TotalMessages     int64  `json:"total_messages"`
}

// Info returns a consistent snapshot of the topic's counters.
func (t *Topic) Info() TopicInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TopicInfo{
		Name:              t.name,
		Subscribers:       len(t.subs),
		RingBufferSize:    t.ringSize,
		MessagesInHistory: t.ring.size(),
		TotalMessages:     t.totalPublished,
	}
}
