package transport

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/auramesh/message"
	"github.com/user/auramesh/metrics"
)

var testEpoch = time.UnixMilli(1760875200000)

func newTestMessage(id, content string) *message.Message {
	return &message.Message{
		ID:        id,
		Sender:    "node-a",
		Content:   []byte(content),
		Timestamp: testEpoch,
		Kind:      message.KindChat,
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(QueueConfig{MaxRetryCount: DefaultMaxRetryCount})
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(newTestMessage(fmt.Sprintf("m%d", i), "hi")))
	}
	assert.Equal(t, 3, q.Len())

	for i := 0; i < 3; i++ {
		m := q.DequeueNext()
		require.NotNil(t, m)
		assert.Equal(t, fmt.Sprintf("m%d", i), m.ID)
		assert.Equal(t, message.StatusSending, m.Status)
	}
	assert.Nil(t, q.DequeueNext())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 3, q.PendingLen())
}

func TestQueue_EnqueueRejects(t *testing.T) {
	q := NewQueue(QueueConfig{MaxQueued: 2})

	assert.ErrorIs(t, q.Enqueue(nil), ErrNilMessage)
	require.NoError(t, q.Enqueue(newTestMessage("m1", "a")))
	assert.ErrorIs(t, q.Enqueue(newTestMessage("m1", "b")), ErrDuplicateID)

	require.NoError(t, q.Enqueue(newTestMessage("m2", "b")))
	assert.ErrorIs(t, q.Enqueue(newTestMessage("m3", "c")), ErrQueueFull)

	// a popped message still counts until it is terminal
	q.DequeueNext()
	assert.ErrorIs(t, q.Enqueue(newTestMessage("m1", "again")), ErrDuplicateID)
	assert.ErrorIs(t, q.Enqueue(newTestMessage("m3", "c")), ErrQueueFull)

	q.MarkSent("m1")
	assert.NoError(t, q.Enqueue(newTestMessage("m3", "c")))
}

func TestQueue_SnapshotsAreIsolated(t *testing.T) {
	q := NewQueue(QueueConfig{})
	orig := newTestMessage("m1", "hi")
	require.NoError(t, q.Enqueue(orig))
	orig.Content[0] = 'X'

	m := q.DequeueNext()
	m.Status = message.StatusDelivered
	m.Content[1] = 'Y'

	got := q.Get("m1")
	assert.Equal(t, "hi", string(got.Content))
	assert.Equal(t, message.StatusSending, got.Status)
}

func TestQueue_MarkFailedLifecycle(t *testing.T) {
	q := NewQueue(QueueConfig{MaxRetryCount: 3})
	require.NoError(t, q.Enqueue(newTestMessage("m1", "hi")))

	m := q.DequeueNext()
	require.Equal(t, message.StatusSending, m.Status)

	for attempt := 1; attempt <= 3; attempt++ {
		assert.True(t, q.MarkFailed("m1"), "failure %d should be retryable", attempt)
		got := q.Get("m1")
		require.NotNil(t, got)
		assert.Equal(t, message.StatusPending, got.Status)
		assert.Equal(t, attempt, got.RetryCount)

		assert.True(t, q.MarkSending("m1"))
		assert.Equal(t, message.StatusSending, q.Get("m1").Status)
	}

	assert.False(t, q.MarkFailed("m1"), "fourth failure exceeds the retry bound")
	assert.Nil(t, q.Get("m1"))
	assert.False(t, q.IsPending("m1"))
	assert.Equal(t, 0, q.PendingLen())

	assert.False(t, q.MarkFailed("m1"), "unknown ids are not retryable")
}

func TestQueue_MarkSent(t *testing.T) {
	q := NewQueue(QueueConfig{})
	require.NoError(t, q.Enqueue(newTestMessage("m1", "hi")))
	q.DequeueNext()

	sent := q.MarkSent("m1")
	require.NotNil(t, sent)
	assert.Equal(t, message.StatusSent, sent.Status)
	assert.Nil(t, q.MarkSent("m1"))
	assert.Equal(t, 0, q.PendingLen())
}

func TestQueue_SweepExpired(t *testing.T) {
	m, err := metrics.New(nil)
	require.NoError(t, err)
	q := NewQueue(QueueConfig{Metrics: m})

	old := newTestMessage("old-queued", "a")
	oldPending := newTestMessage("old-pending", "b")
	fresh := newTestMessage("fresh", "c")
	fresh.Timestamp = testEpoch.Add(4 * time.Minute)

	require.NoError(t, q.Enqueue(oldPending))
	q.DequeueNext()
	require.NoError(t, q.Enqueue(old))
	require.NoError(t, q.Enqueue(fresh))

	expired := q.SweepExpired(testEpoch.Add(DefaultPendingTTL + time.Second))
	require.Len(t, expired, 2)

	ids := map[string]message.Status{}
	for _, e := range expired {
		ids[e.ID] = e.Status
	}
	assert.Equal(t, map[string]message.Status{
		"old-queued":  message.StatusFailed,
		"old-pending": message.StatusFailed,
	}, ids)

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 0, q.PendingLen())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Queued))
	assert.Equal(t, "fresh", q.DequeueNext().ID)
}
