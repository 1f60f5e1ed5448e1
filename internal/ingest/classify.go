package ingest

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/reachflow/pulse/internal/model"
	"github.com/reachflow/pulse/internal/queue"
	"github.com/reachflow/pulse/internal/store"
)

// counterBucket is the resolution at which counter events accumulate.
const counterBucket = time.Minute

// eventMetrics maps each counter event type to the metric it
// increments.
var eventMetrics = map[model.EventType]string{
	model.EventProfileView:         model.MetricProfileViews,
	model.EventConnectionAccepted:  model.MetricConnections,
	model.EventMessageSent:         model.MetricMessagesSent,
	model.EventMessageReply:        model.MetricMessageReplies,
	model.EventPostEngagement:      model.MetricPostEngagements,
	model.EventSearchAppearance:    model.MetricSearchAppearances,
	model.EventProfileCompleteness: model.MetricProfileCompleteness,
	model.EventEngagementRate:      model.MetricEngagementRate,
}

type pointKey struct {
	userID string
	metric string
	bucket int64
}

type gaugeAggregate struct {
	value      float64
	occurredAt time.Time
}

// buildBatch classifies a drained batch. Each counter event becomes one
// delivery-keyed delta so the store can skip replays exactly; gauge
// events aggregate in-batch, keeping the value with the latest
// occurredAt per bucket. Returns the deltas, the gauge points, and the
// set of touched metrics per user.
func buildBatch(pending []*queue.PendingEvent) ([]*store.CounterDelta, []*model.MetricPoint, map[string][]string) {
	var counters []*store.CounterDelta
	gaugeAggs := make(map[pointKey]*gaugeAggregate)
	touched := make(map[string]map[string]struct{})

	touch := func(userID, metric string) {
		if touched[userID] == nil {
			touched[userID] = make(map[string]struct{})
		}
		touched[userID][metric] = struct{}{}
	}

	for _, p := range pending {
		ev := p.Event
		metric, ok := eventMetrics[ev.EventType]
		if !ok {
			// Unknown types are rejected at enqueue; anything here is a
			// stale schema mismatch and safe to skip.
			continue
		}

		bucket := ev.OccurredAt.Truncate(counterBucket)

		if model.IsGaugeEvent(ev.EventType) {
			var payload model.ValuePayload
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				continue
			}
			key := pointKey{userID: ev.UserID, metric: metric, bucket: bucket.Unix()}
			agg, exists := gaugeAggs[key]
			if !exists || ev.OccurredAt.After(agg.occurredAt) {
				gaugeAggs[key] = &gaugeAggregate{value: payload.Value, occurredAt: ev.OccurredAt}
			}
			touch(ev.UserID, metric)
			continue
		}

		count := 1
		if len(ev.Payload) > 0 {
			var payload model.CountPayload
			if err := json.Unmarshal(ev.Payload, &payload); err == nil && payload.Count > 0 {
				count = payload.Count
			}
		}
		counters = append(counters, &store.CounterDelta{
			Seq:        p.Seq,
			UserID:     ev.UserID,
			MetricName: metric,
			Timestamp:  bucket.UTC(),
			Delta:      float64(count),
		})
		touch(ev.UserID, metric)
	}

	gauges := make([]*model.MetricPoint, 0, len(gaugeAggs))
	for key, agg := range gaugeAggs {
		gauges = append(gauges, &model.MetricPoint{
			UserID:     key.userID,
			MetricName: key.metric,
			Value:      agg.value,
			Timestamp:  time.Unix(key.bucket, 0).UTC(),
			Source:     "event",
		})
	}

	// Stable order keeps batched writes and test output deterministic.
	sort.Slice(counters, func(a, b int) bool {
		return counters[a].Seq < counters[b].Seq
	})
	sort.Slice(gauges, func(a, b int) bool {
		if gauges[a].UserID != gauges[b].UserID {
			return gauges[a].UserID < gauges[b].UserID
		}
		if gauges[a].MetricName != gauges[b].MetricName {
			return gauges[a].MetricName < gauges[b].MetricName
		}
		return gauges[a].Timestamp.Before(gauges[b].Timestamp)
	})

	users := make(map[string][]string, len(touched))
	for userID, metrics := range touched {
		names := make([]string, 0, len(metrics))
		for m := range metrics {
			names = append(names, m)
		}
		sort.Strings(names)
		users[userID] = names
	}

	return counters, gauges, users
}
