package broker

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attach(t *testing.T, topic *Topic, q *Queue, lastN int) []Message {
	t.Helper()
	replay, ok := topic.Attach(q, lastN)
	require.True(t, ok)
	return replay
}

func publish(t *testing.T, topic *Topic, m Message) int {
	t.Helper()
	evicted, ok := topic.Publish(m)
	require.True(t, ok)
	return evicted
}

func TestTopicPublishFansOutToAllQueues(t *testing.T) {
	t.Parallel()

	topic := newTopic("orders", 10)
	q1 := newQueue("orders", "a", 10)
	q2 := newQueue("orders", "b", 10)
	attach(t, topic, q1, 0)
	attach(t, topic, q2, 0)

	evicted := publish(t, topic, msg(1))
	assert.Equal(t, 0, evicted)
	assert.Equal(t, 1, q1.Len())
	assert.Equal(t, 1, q2.Len())
}

func TestTopicPublishCountsEvictions(t *testing.T) {
	t.Parallel()

	topic := newTopic("orders", 10)
	full := newQueue("orders", "slow", 1)
	roomy := newQueue("orders", "fast", 10)
	attach(t, topic, full, 0)
	attach(t, topic, roomy, 0)

	assert.Equal(t, 0, publish(t, topic, msg(1)))
	assert.Equal(t, 1, publish(t, topic, msg(2))) // only the full queue drops
	assert.Equal(t, 1, full.Len())
	assert.Equal(t, 2, roomy.Len())
}

func TestTopicAttachReplaysTail(t *testing.T) {
	t.Parallel()

	topic := newTopic("orders", 5)
	for i := 1; i <= 7; i++ {
		publish(t, topic, msg(i))
	}

	q := newQueue("orders", "late", 10)
	replay := attach(t, topic, q, 3)
	assert.Equal(t, []string{"5", "6", "7"}, ids(replay))

	// lastN beyond the ring size clamps to the full history.
	q2 := newQueue("orders", "later", 10)
	replay2 := attach(t, topic, q2, 100)
	assert.Equal(t, []string{"3", "4", "5", "6", "7"}, ids(replay2))
}

func TestTopicDetachIsIdempotent(t *testing.T) {
	t.Parallel()

	topic := newTopic("orders", 5)
	q := newQueue("orders", "a", 5)
	attach(t, topic, q, 0)

	assert.True(t, topic.Detach(q))
	assert.False(t, topic.Detach(q))

	publish(t, topic, msg(1))
	assert.Equal(t, 0, q.Len())
}

func TestTopicRejectsOperationsAfterDetachAll(t *testing.T) {
	t.Parallel()

	topic := newTopic("orders", 5)
	topic.detachAll(CloseTopicDeleted)

	_, ok := topic.Publish(msg(1))
	assert.False(t, ok)
	_, ok = topic.Attach(newQueue("orders", "late", 5), 0)
	assert.False(t, ok)
}

// No message published concurrently with attach may be both replayed and
// delivered live, and none may be missed: the replay batch plus the queued
// live messages must form a contiguous gap-free id sequence.
func TestTopicAttachSerializesWithPublish(t *testing.T) {
	t.Parallel()

	const total = 2000
	topic := newTopic("orders", total)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= total; i++ {
			topic.Publish(msg(i))
		}
	}()

	q := newQueue("orders", "a", total)
	replay := attach(t, topic, q, total)
	wg.Wait()

	seen := ids(replay)
	for q.Len() > 0 {
		m, err := q.Take(context.Background())
		require.NoError(t, err)
		seen = append(seen, m.ID)
	}

	require.NotEmpty(t, seen)
	start, err := strconv.Atoi(seen[0])
	require.NoError(t, err)
	for i, id := range seen {
		assert.Equal(t, strconv.Itoa(start+i), id, "gap or duplicate at offset %d", i)
	}
	assert.Equal(t, strconv.Itoa(total), seen[len(seen)-1])
}

func TestTopicInfoSnapshot(t *testing.T) {
	t.Parallel()

	topic := newTopic("orders", 3)
	attach(t, topic, newQueue("orders", "a", 5), 0)
	for i := 1; i <= 5; i++ {
		publish(t, topic, msg(i))
	}

	info := topic.Info()
	assert.Equal(t, "orders", info.Name)
	assert.Equal(t, 1, info.Subscribers)
	assert.Equal(t, 3, info.RingBufferSize)
	assert.Equal(t, 3, info.MessagesInHistory)
	assert.Equal(t, int64(5), info.TotalMessages)
}
