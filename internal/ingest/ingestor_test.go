package ingest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reachflow/pulse/internal/cache"
	"github.com/reachflow/pulse/internal/model"
	"github.com/reachflow/pulse/internal/queue"
	"github.com/reachflow/pulse/internal/store"
	"github.com/reachflow/pulse/internal/testutil"
)

func pendingFor(events ...model.RawEvent) []*queue.PendingEvent {
	out := make([]*queue.PendingEvent, 0, len(events))
	for i, ev := range events {
		out = append(out, &queue.PendingEvent{Event: ev, Seq: uint64(i + 1)})
	}
	return out
}

func TestBuildBatch(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 10, 0, time.UTC)

	t.Run("Counters Become Per-Delivery Deltas", func(t *testing.T) {
		counters, gauges, users := buildBatch(pendingFor(
			model.RawEvent{UserID: "user-1", EventType: model.EventProfileView, OccurredAt: base},
			model.RawEvent{UserID: "user-1", EventType: model.EventProfileView, OccurredAt: base.Add(20 * time.Second)},
			model.RawEvent{
				UserID: "user-1", EventType: model.EventProfileView,
				Payload: json.RawMessage(`{"count": 3}`), OccurredAt: base.Add(40 * time.Second),
			},
		))

		require.Len(t, counters, 3)
		assert.Empty(t, gauges)
		for i, d := range counters {
			assert.Equal(t, uint64(i+1), d.Seq)
			assert.Equal(t, model.MetricProfileViews, d.MetricName)
			assert.Equal(t, base.Truncate(time.Minute), d.Timestamp)
		}
		assert.Equal(t, 1.0, counters[0].Delta)
		assert.Equal(t, 1.0, counters[1].Delta)
		assert.Equal(t, 3.0, counters[2].Delta)
		assert.Equal(t, []string{model.MetricProfileViews}, users["user-1"])
	})

	t.Run("Counters Split Across Minute Buckets", func(t *testing.T) {
		counters, _, _ := buildBatch(pendingFor(
			model.RawEvent{UserID: "user-1", EventType: model.EventMessageSent, OccurredAt: base},
			model.RawEvent{UserID: "user-1", EventType: model.EventMessageSent, OccurredAt: base.Add(time.Minute)},
		))

		require.Len(t, counters, 2)
		assert.NotEqual(t, counters[0].Timestamp, counters[1].Timestamp)
	})

	t.Run("Gauges Keep Latest Occurrence", func(t *testing.T) {
		counters, gauges, _ := buildBatch(pendingFor(
			model.RawEvent{
				UserID: "user-1", EventType: model.EventEngagementRate,
				Payload: json.RawMessage(`{"value": 4.2}`), OccurredAt: base.Add(30 * time.Second),
			},
			model.RawEvent{
				UserID: "user-1", EventType: model.EventEngagementRate,
				Payload: json.RawMessage(`{"value": 3.1}`), OccurredAt: base,
			},
		))

		assert.Empty(t, counters)
		require.Len(t, gauges, 1)
		assert.Equal(t, 4.2, gauges[0].Value)
	})

	t.Run("Users Do Not Mix", func(t *testing.T) {
		counters, _, users := buildBatch(pendingFor(
			model.RawEvent{UserID: "user-a", EventType: model.EventProfileView, OccurredAt: base},
			model.RawEvent{UserID: "user-b", EventType: model.EventProfileView, OccurredAt: base},
		))

		require.Len(t, counters, 2)
		assert.Equal(t, "user-a", counters[0].UserID)
		assert.Equal(t, "user-b", counters[1].UserID)
		assert.Len(t, users, 2)
	})

	t.Run("Empty Batch", func(t *testing.T) {
		counters, gauges, users := buildBatch(nil)
		assert.Empty(t, counters)
		assert.Empty(t, gauges)
		assert.Empty(t, users)
	})
}

func TestIngestorRunBatch(t *testing.T) {
	nc, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zap.NewNop()
	q, err := queue.NewEventQueue(js, 1000, logger)
	require.NoError(t, err)
	defer q.Close()

	metrics, err := store.NewMetricStore(logger, filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	defer metrics.Close()

	liveCache := cache.NewMemory()

	ingestor := NewIngestor(q, metrics, liveCache, nc, Config{
		Interval:  time.Second,
		BatchSize: 100,
		CacheTTL:  time.Minute,
	}, logger)

	ctx := context.Background()
	occurred := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	enqueue := func(t *testing.T, ev *model.RawEvent) {
		t.Helper()
		require.NoError(t, q.Enqueue(ctx, ev))
	}

	t.Run("Commits Points And Refreshes Cache", func(t *testing.T) {
		enqueue(t, &model.RawEvent{UserID: "user-1", EventType: model.EventProfileView, OccurredAt: occurred})
		enqueue(t, &model.RawEvent{UserID: "user-1", EventType: model.EventProfileView, OccurredAt: occurred})
		enqueue(t, &model.RawEvent{
			UserID: "user-1", EventType: model.EventEngagementRate,
			Payload: json.RawMessage(`{"value": 4.5}`), OccurredAt: occurred,
		})

		require.NoError(t, ingestor.RunBatch(ctx))

		value, found, err := metrics.Latest(ctx, "user-1", model.MetricProfileViews)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 2.0, value)

		snap, err := liveCache.GetSnapshot(ctx, "user-1")
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, 2.0, snap.Metrics[model.MetricProfileViews])
		assert.Equal(t, 4.5, snap.Metrics[model.MetricEngagementRate])
	})

	t.Run("Publishes Update Notification", func(t *testing.T) {
		msgCh := make(chan *nats.Msg, 1)
		sub, err := nc.ChanSubscribe(UpdatedSubjectPrefix+"user-2", msgCh)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		enqueue(t, &model.RawEvent{UserID: "user-2", EventType: model.EventConnectionAccepted, OccurredAt: occurred})
		require.NoError(t, ingestor.RunBatch(ctx))

		select {
		case msg := <-msgCh:
			var note UpdatedNotification
			require.NoError(t, json.Unmarshal(msg.Data, &note))
			assert.Equal(t, "user-2", note.UserID)
			assert.Equal(t, []string{model.MetricConnections}, note.Metrics)
		case <-time.After(5 * time.Second):
			t.Fatal("no update notification received")
		}
	})

	t.Run("Counters Accumulate Across Ticks", func(t *testing.T) {
		enqueue(t, &model.RawEvent{UserID: "user-3", EventType: model.EventProfileView, OccurredAt: occurred})
		enqueue(t, &model.RawEvent{UserID: "user-3", EventType: model.EventProfileView, OccurredAt: occurred})
		require.NoError(t, ingestor.RunBatch(ctx))

		// A later tick adds to the same minute bucket instead of
		// replacing it.
		enqueue(t, &model.RawEvent{UserID: "user-3", EventType: model.EventProfileView, OccurredAt: occurred.Add(10 * time.Second)})
		require.NoError(t, ingestor.RunBatch(ctx))

		value, found, err := metrics.Latest(ctx, "user-3", model.MetricProfileViews)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 3.0, value)
	})

	t.Run("Redelivered Events Are Not Double Counted", func(t *testing.T) {
		enqueue(t, &model.RawEvent{UserID: "user-4", EventType: model.EventMessageSent, OccurredAt: occurred})
		enqueue(t, &model.RawEvent{UserID: "user-4", EventType: model.EventMessageSent, OccurredAt: occurred})

		pending, err := q.Drain(ctx, 100)
		require.NoError(t, err)
		require.Len(t, pending, 2)

		counters, gauges, _ := buildBatch(pending)
		require.NoError(t, metrics.CommitBatch(ctx, counters, gauges))

		// The write landed but the ack never did; hand the events back
		// and let a regular batch pick up the redeliveries.
		for _, p := range pending {
			require.NoError(t, p.Nak())
		}
		require.NoError(t, ingestor.RunBatch(ctx))

		value, found, err := metrics.Latest(ctx, "user-4", model.MetricMessagesSent)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 2.0, value)
	})

	t.Run("Empty Queue Is A No-Op", func(t *testing.T) {
		require.NoError(t, ingestor.RunBatch(ctx))
	})
}
