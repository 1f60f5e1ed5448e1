package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrValidation is returned for events that fail schema validation.
// Such events are rejected at the queue boundary and never retried.
var ErrValidation = errors.New("event validation failed")

// CountPayload is the payload schema for counter events. The count
// defaults to 1 when the payload is omitted entirely.
type CountPayload struct {
	Count int `json:"count,omitempty"`
}

// ValuePayload is the payload schema for gauge events. The value is
// mandatory.
type ValuePayload struct {
	Value float64 `json:"value"`
}

// gaugeEvents lists the event types whose payload carries an absolute
// value rather than an increment.
var gaugeEvents = map[EventType]struct{}{
	EventProfileCompleteness: {},
	EventEngagementRate:      {},
}

var counterEvents = map[EventType]struct{}{
	EventProfileView:        {},
	EventConnectionAccepted: {},
	EventMessageSent:        {},
	EventMessageReply:       {},
	EventPostEngagement:     {},
	EventSearchAppearance:   {},
}

// ValidateEvent checks a raw event against the closed per-type payload
// schema. Unknown event types and malformed payloads are rejected so
// everything downstream can assume well-formed input.
func ValidateEvent(ev *RawEvent) error {
	if ev.UserID == "" {
		return fmt.Errorf("%w: missing user_id", ErrValidation)
	}
	if ev.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrValidation)
	}

	if _, ok := counterEvents[ev.EventType]; ok {
		if len(ev.Payload) == 0 {
			return nil
		}
		var p CountPayload
		if err := strictUnmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrValidation, ev.EventType, err)
		}
		if p.Count < 0 {
			return fmt.Errorf("%w: %s payload: negative count", ErrValidation, ev.EventType)
		}
		return nil
	}

	if _, ok := gaugeEvents[ev.EventType]; ok {
		if len(ev.Payload) == 0 {
			return fmt.Errorf("%w: %s payload: value required", ErrValidation, ev.EventType)
		}
		var p ValuePayload
		if err := strictUnmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrValidation, ev.EventType, err)
		}
		return nil
	}

	return fmt.Errorf("%w: unknown event type %q", ErrValidation, ev.EventType)
}

// IsGaugeEvent reports whether the event type carries an absolute value.
func IsGaugeEvent(t EventType) bool {
	_, ok := gaugeEvents[t]
	return ok
}

func strictUnmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
