package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEvent(t *testing.T) {
	now := time.Now()

	t.Run("Counter Without Payload", func(t *testing.T) {
		assert.NoError(t, ValidateEvent(&RawEvent{
			UserID: "user-1", EventType: EventProfileView, OccurredAt: now,
		}))
	})

	t.Run("Counter With Count", func(t *testing.T) {
		assert.NoError(t, ValidateEvent(&RawEvent{
			UserID: "user-1", EventType: EventPostEngagement,
			Payload: json.RawMessage(`{"count": 4}`), OccurredAt: now,
		}))
	})

	t.Run("Negative Count", func(t *testing.T) {
		err := ValidateEvent(&RawEvent{
			UserID: "user-1", EventType: EventProfileView,
			Payload: json.RawMessage(`{"count": -2}`), OccurredAt: now,
		})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Unknown Payload Field", func(t *testing.T) {
		err := ValidateEvent(&RawEvent{
			UserID: "user-1", EventType: EventProfileView,
			Payload: json.RawMessage(`{"count": 1, "extra": true}`), OccurredAt: now,
		})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Gauge Requires Value", func(t *testing.T) {
		err := ValidateEvent(&RawEvent{
			UserID: "user-1", EventType: EventEngagementRate, OccurredAt: now,
		})
		assert.ErrorIs(t, err, ErrValidation)

		assert.NoError(t, ValidateEvent(&RawEvent{
			UserID: "user-1", EventType: EventEngagementRate,
			Payload: json.RawMessage(`{"value": 3.7}`), OccurredAt: now,
		}))
	})

	t.Run("Unknown Event Type", func(t *testing.T) {
		err := ValidateEvent(&RawEvent{
			UserID: "user-1", EventType: "page_scrolled", OccurredAt: now,
		})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Missing Identity Or Timestamp", func(t *testing.T) {
		assert.ErrorIs(t, ValidateEvent(&RawEvent{
			EventType: EventProfileView, OccurredAt: now,
		}), ErrValidation)
		assert.ErrorIs(t, ValidateEvent(&RawEvent{
			UserID: "user-1", EventType: EventProfileView,
		}), ErrValidation)
	})
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, MetricKindCounter, KindOf(MetricProfileViews))
	assert.Equal(t, MetricKindGauge, KindOf(MetricEngagementRate))
	// Unknown metric names default to gauge.
	assert.Equal(t, MetricKindGauge, KindOf("somethingNew"))
}

func TestQuietHours(t *testing.T) {
	t.Run("Simple Range", func(t *testing.T) {
		q := QuietHours{Start: 9, End: 17}
		assert.True(t, q.Contains(9))
		assert.True(t, q.Contains(12))
		assert.False(t, q.Contains(17))
		assert.False(t, q.Contains(22))
	})

	t.Run("Wraps Midnight", func(t *testing.T) {
		q := QuietHours{Start: 22, End: 6}
		assert.True(t, q.Contains(23))
		assert.True(t, q.Contains(2))
		assert.False(t, q.Contains(6))
		assert.False(t, q.Contains(12))
	})

	t.Run("Zero Range Disabled", func(t *testing.T) {
		q := QuietHours{}
		for hour := 0; hour < 24; hour++ {
			require.False(t, q.Contains(hour))
		}
	})
}

func TestSeverityEscalate(t *testing.T) {
	assert.Equal(t, AlertSeverityWarning, AlertSeverityInfo.Escalate(1))
	assert.Equal(t, AlertSeverityError, AlertSeverityWarning.Escalate(1))
	assert.Equal(t, AlertSeverityCritical, AlertSeverityError.Escalate(1))
	assert.Equal(t, AlertSeverityCritical, AlertSeverityCritical.Escalate(1))
	assert.Equal(t, AlertSeverityCritical, AlertSeverityInfo.Escalate(5))
}

func TestTier(t *testing.T) {
	assert.True(t, TierPro.AtLeast(TierBasic))
	assert.True(t, TierPro.AtLeast(TierPro))
	assert.False(t, TierFree.AtLeast(TierBasic))
	assert.True(t, TierEnterprise.Valid())
	assert.False(t, Tier("platinum").Valid())

	limits := LimitsFor(TierFree)
	assert.Equal(t, 2, limits.MaxConnections)
	assert.Equal(t, 3, limits.MaxChannels)
	// Unknown tiers fall back to free limits.
	assert.Equal(t, limits, LimitsFor("platinum"))
}
