package model

import "time"

// MetricKind distinguishes monotonically-increasing counters from
// point-in-time gauges. The kind decides the upsert conflict policy:
// counters keep the greater value, gauges keep the latest.
type MetricKind string

const (
	MetricKindCounter MetricKind = "counter"
	MetricKindGauge   MetricKind = "gauge"
)

// Well-known metric names derived from raw events.
const (
	MetricProfileViews        = "profileViews"
	MetricConnections         = "connections"
	MetricMessagesSent        = "messagesSent"
	MetricMessageReplies      = "messageReplies"
	MetricPostEngagements     = "postEngagements"
	MetricSearchAppearances   = "searchAppearances"
	MetricProfileCompleteness = "profileCompleteness"
	MetricEngagementRate      = "engagementRate"
)

// metricKinds maps every known metric to its kind. Metrics absent from
// the map (backfill jobs may invent new names) default to gauge.
var metricKinds = map[string]MetricKind{
	MetricProfileViews:        MetricKindCounter,
	MetricConnections:         MetricKindCounter,
	MetricMessagesSent:        MetricKindCounter,
	MetricMessageReplies:      MetricKindCounter,
	MetricPostEngagements:     MetricKindCounter,
	MetricSearchAppearances:   MetricKindCounter,
	MetricProfileCompleteness: MetricKindGauge,
	MetricEngagementRate:      MetricKindGauge,
}

// KindOf returns the metric kind for a metric name.
func KindOf(metric string) MetricKind {
	if k, ok := metricKinds[metric]; ok {
		return k
	}
	return MetricKindGauge
}

// MetricPoint is one time-series row. There is exactly one row per
// (user, metric, timestamp); concurrent writers are resolved by the
// store's conflict policy.
type MetricPoint struct {
	UserID     string    `json:"user_id"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source,omitempty"`
}

// BucketValue is one aggregated bucket of a range query, ordered
// ascending by bucket start.
type BucketValue struct {
	Bucket time.Time `json:"bucket"`
	Value  float64   `json:"value"`
}
