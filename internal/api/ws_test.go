package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachflow/pulse/internal/model"
)

func decodeFrame(t *testing.T, raw string) *clientFrame {
	t.Helper()
	var frame clientFrame
	require.NoError(t, json.Unmarshal([]byte(raw), &frame))
	return &frame
}

func TestClientFrameDecoding(t *testing.T) {
	t.Run("Subscribe Carries Channel Under Data", func(t *testing.T) {
		frame := decodeFrame(t, `{"type":"subscribe","data":{"channel":"profile_metrics"}}`)
		assert.Equal(t, "subscribe", frame.Type)
		assert.Equal(t, "profile_metrics", frame.Data.Channel)
	})

	t.Run("Unsubscribe Carries Channel Under Data", func(t *testing.T) {
		frame := decodeFrame(t, `{"type":"unsubscribe","data":{"channel":"safety_alerts"}}`)
		assert.Equal(t, "safety_alerts", frame.Data.Channel)
	})

	t.Run("Ping Carries Timestamp Under Data", func(t *testing.T) {
		frame := decodeFrame(t, `{"type":"ping","data":{"timestamp":1756400000000}}`)
		assert.Equal(t, "ping", frame.Type)
		assert.Equal(t, int64(1756400000000), frame.Data.Timestamp)
	})

	t.Run("Set Alert Threshold Payload", func(t *testing.T) {
		frame := decodeFrame(t, `{"type":"set_alert_threshold","data":{"metric":"profileViews","threshold":100,"condition":"above"}}`)
		assert.Equal(t, "profileViews", frame.Data.Metric)
		assert.Equal(t, 100.0, frame.Data.Threshold)
		assert.Equal(t, model.ConditionAbove, frame.Data.Condition)
	})

	t.Run("Missing Data Leaves Payload Empty", func(t *testing.T) {
		frame := decodeFrame(t, `{"type":"ping"}`)
		assert.Zero(t, frame.Data.Timestamp)
	})
}
