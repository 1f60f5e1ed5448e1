package model

import (
	"encoding/json"
	"time"
)

// EventType identifies a kind of behavioral event produced by the
// automation workers.
type EventType string

const (
	EventProfileView         EventType = "profile_view"
	EventConnectionAccepted  EventType = "connection_accepted"
	EventMessageSent         EventType = "message_sent"
	EventMessageReply        EventType = "message_reply"
	EventPostEngagement      EventType = "post_engagement"
	EventSearchAppearance    EventType = "search_appearance"
	EventProfileCompleteness EventType = "profile_completeness"
	EventEngagementRate      EventType = "engagement_rate"
)

// RawEvent is a single behavioral event awaiting batch processing.
// It is immutable once enqueued and consumed exactly once by the
// ingestor; only its derived metric points survive.
type RawEvent struct {
	UserID     string          `json:"user_id"`
	EventType  EventType       `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}
