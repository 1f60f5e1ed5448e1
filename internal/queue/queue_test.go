package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reachflow/pulse/internal/model"
	"github.com/reachflow/pulse/internal/testutil"
)

func viewEvent(userID string) *model.RawEvent {
	return &model.RawEvent{
		UserID:     userID,
		EventType:  model.EventProfileView,
		OccurredAt: time.Now(),
	}
}

func TestEventQueue(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	q, err := NewEventQueue(js, 5, zap.NewNop())
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()

	t.Run("Enqueue And Drain", func(t *testing.T) {
		ev := viewEvent("user-1")
		ev.Payload = json.RawMessage(`{"count": 3}`)
		require.NoError(t, q.Enqueue(ctx, ev))

		pending, err := q.Drain(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "user-1", pending[0].Event.UserID)
		assert.Equal(t, model.EventProfileView, pending[0].Event.EventType)
		require.NoError(t, pending[0].Ack())
	})

	t.Run("Drained Events Are Gone", func(t *testing.T) {
		pending, err := q.Drain(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("Enqueue Rejects Invalid Events", func(t *testing.T) {
		err := q.Enqueue(ctx, &model.RawEvent{
			UserID:     "user-1",
			EventType:  "unknown_event",
			OccurredAt: time.Now(),
		})
		assert.ErrorIs(t, err, model.ErrValidation)

		err = q.Enqueue(ctx, &model.RawEvent{
			EventType:  model.EventProfileView,
			OccurredAt: time.Now(),
		})
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("Full Queue Rejects With ErrQueueFull", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			require.NoError(t, q.Enqueue(ctx, viewEvent(fmt.Sprintf("user-%d", i))))
		}

		err := q.Enqueue(ctx, viewEvent("user-overflow"))
		assert.ErrorIs(t, err, ErrQueueFull)

		depth, err := q.Depth()
		require.NoError(t, err)
		assert.Equal(t, int64(5), depth)
		assert.Equal(t, int64(5), q.MaxDepth())

		// Draining frees capacity again.
		pending, err := q.Drain(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 5)
		for _, p := range pending {
			require.NoError(t, p.Ack())
		}

		require.Eventually(t, func() bool {
			return q.Enqueue(ctx, viewEvent("user-after")) == nil
		}, 5*time.Second, 100*time.Millisecond)
	})

	t.Run("Unacked Events Redeliver", func(t *testing.T) {
		// Drop everything left over from earlier subtests first.
		drainAll(t, q)

		require.NoError(t, q.Enqueue(ctx, viewEvent("user-redeliver")))

		pending, err := q.Drain(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		// Nak instead of Ack to force immediate redelivery.
		seq := pending[0].Seq
		require.NoError(t, pending[0].Nak())

		pending, err = q.Drain(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "user-redeliver", pending[0].Event.UserID)
		// The redelivered copy keeps its stream sequence.
		assert.Equal(t, seq, pending[0].Seq)
		require.NoError(t, pending[0].Ack())
	})
}

func drainAll(t *testing.T, q *EventQueue) {
	t.Helper()
	for {
		pending, err := q.Drain(context.Background(), 100)
		require.NoError(t, err)
		if len(pending) == 0 {
			return
		}
		for _, p := range pending {
			require.NoError(t, p.Ack())
		}
	}
}
