package broker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const validID = "11111111-1111-4111-8111-111111111111"

func newTestBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	return New(cfg)
}

func TestCreateTopic(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t, DefaultConfig())

	topic, err := b.CreateTopic("orders", 0)
	require.NoError(t, err)
	assert.Equal(t, "orders", topic.Name())
	assert.Equal(t, DefaultRingBufferSize, topic.RingSize())

	_, err = b.CreateTopic("orders", 10)
	assert.ErrorIs(t, err, ErrTopicExists)
}

func TestCreateTopicValidation(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t, DefaultConfig())

	cases := []struct {
		name     string
		topic    string
		ringSize int
		wantErr  error
	}{
		{"empty name", "", 0, ErrInvalidTopicName},
		{"bad characters", "bad name!", 0, ErrInvalidTopicName},
		{"leading dash", "-orders", 0, ErrInvalidTopicName},
		{"too long", strings.Repeat("a", 129), 0, ErrInvalidTopicName},
		{"negative ring", "orders", -1, ErrInvalidRingSize},
		{"oversized ring", "orders", DefaultMaxRingBufferSize + 1, ErrInvalidRingSize},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.CreateTopic(tc.topic, tc.ringSize)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestValidTopicName(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidTopicName("orders"))
	assert.True(t, ValidTopicName("Orders-2"))
	assert.True(t, ValidTopicName("0"))
	assert.False(t, ValidTopicName(""))
	assert.False(t, ValidTopicName("-x"))
	assert.False(t, ValidTopicName("has space"))
	assert.False(t, ValidTopicName("under_score"))
}

func TestValidMessageID(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidMessageID(validID))
	assert.False(t, ValidMessageID("not-a-uuid"))
	assert.False(t, ValidMessageID(""))
	// Parseable but not canonical lowercase hyphenated form.
	assert.False(t, ValidMessageID("11111111111141118111111111111111"))
	assert.False(t, ValidMessageID("11111111-1111-4111-8111-11111111111F"))
	assert.False(t, ValidMessageID("{11111111-1111-4111-8111-111111111111}"))
}

func TestPublish(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t, DefaultConfig())
	_, err := b.CreateTopic("orders", 10)
	require.NoError(t, err)

	m, err := b.Publish("orders", validID, json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	assert.Equal(t, validID, m.ID)
	assert.False(t, m.TS.IsZero())

	_, err = b.Publish("missing", validID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrTopicNotFound)

	_, err = b.Publish("orders", "nope", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidMessageID)

	assert.Equal(t, int64(1), b.Stats().PublishedTotal)
}

func TestSubscribeReplayAndLive(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t, DefaultConfig())
	_, err := b.CreateTopic("orders", 5)
	require.NoError(t, err)

	published := []string{
		"11111111-1111-4111-8111-111111111101",
		"11111111-1111-4111-8111-111111111102",
		"11111111-1111-4111-8111-111111111103",
	}
	for _, id := range published {
		_, err := b.Publish("orders", id, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	q, replay, err := b.Subscribe("orders", "client-1", 2)
	require.NoError(t, err)
	assert.Equal(t, published[1:], ids(replay))

	_, err = b.Publish("orders", validID, json.RawMessage(`{}`))
	require.NoError(t, err)
	m, err := q.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, validID, m.ID)

	assert.Equal(t, int64(1), b.Stats().ActiveSubscribers)

	require.NoError(t, b.Unsubscribe("orders", q))
	assert.Equal(t, int64(0), b.Stats().ActiveSubscribers)
	_, err = q.Take(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.Equal(t, CloseUnsubscribed, q.Reason())
}

func TestSubscribeUnknownTopic(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t, DefaultConfig())
	_, _, err := b.Subscribe("missing", "c", 0)
	assert.ErrorIs(t, err, ErrTopicNotFound)
}

func TestDeleteTopicClosesSubscribers(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t, DefaultConfig())
	_, err := b.CreateTopic("orders", 5)
	require.NoError(t, err)

	q, _, err := b.Subscribe("orders", "client-1", 0)
	require.NoError(t, err)

	require.NoError(t, b.DeleteTopic("orders"))
	assert.ErrorIs(t, b.DeleteTopic("orders"), ErrTopicNotFound)

	_, err = q.Take(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.Equal(t, CloseTopicDeleted, q.Reason())

	_, err = b.Publish("orders", validID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrTopicNotFound)
	assert.Equal(t, int64(0), b.Stats().ActiveSubscribers)
	assert.Empty(t, b.ListTopics())
}

func TestUnsubscribeAfterTopicDeleted(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t, DefaultConfig())
	_, err := b.CreateTopic("orders", 5)
	require.NoError(t, err)
	q, _, err := b.Subscribe("orders", "client-1", 0)
	require.NoError(t, err)

	require.NoError(t, b.DeleteTopic("orders"))
	assert.ErrorIs(t, b.Unsubscribe("orders", q), ErrTopicNotFound)
}

func TestListTopicsSorted(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t, DefaultConfig())
	for _, name := range []string{"zebra", "alpha", "mango"} {
		_, err := b.CreateTopic(name, 7)
		require.NoError(t, err)
	}

	infos := b.ListTopics()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "mango", infos[1].Name)
	assert.Equal(t, "zebra", infos[2].Name)
	assert.Equal(t, 7, infos[0].RingBufferSize)
}

func TestStatsCountsDrops(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SubscriberQueueSize = 1
	b := newTestBroker(t, cfg)
	_, err := b.CreateTopic("orders", 10)
	require.NoError(t, err)

	q, _, err := b.Subscribe("orders", "slow", 0)
	require.NoError(t, err)

	ids := []string{
		"11111111-1111-4111-8111-111111111101",
		"11111111-1111-4111-8111-111111111102",
		"11111111-1111-4111-8111-111111111103",
	}
	for _, id := range ids {
		_, err := b.Publish("orders", id, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	stats := b.Stats()
	assert.Equal(t, int64(3), stats.PublishedTotal)
	assert.Equal(t, int64(2), stats.DroppedTotal)
	assert.Equal(t, 2, q.ConsecutiveDrops())
}
