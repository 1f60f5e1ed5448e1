package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/reachflow/pulse/internal/model"
)

// Envelope is the wire format for every server -> client message.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Event is the closed set of messages pushed to dashboard clients.
// Encode dispatches over every variant; adding a kind without handling
// it there fails loudly instead of silently dropping frames.
type Event interface {
	isEvent()
}

// SubscriptionSuccess acknowledges a successful subscribe.
type SubscriptionSuccess struct {
	Channel  string        `json:"channel"`
	Interval time.Duration `json:"interval"`
}

// SubscriptionError reports a rejected subscribe with a structured
// reason; rejections are never silent.
type SubscriptionError struct {
	Channel string `json:"channel"`
	Reason  string `json:"reason"`
}

// InitialData is the immediate snapshot sent right after subscribing.
type InitialData struct {
	Channel  string      `json:"channel"`
	Snapshot interface{} `json:"snapshot"`
}

// Update is a periodic or triggered channel snapshot.
type Update struct {
	Channel  string      `json:"channel"`
	Snapshot interface{} `json:"snapshot"`
}

// Alert carries a fired alert event.
type Alert struct {
	Event *model.AlertEvent `json:"event"`
}

// Pong answers a client ping, echoing its timestamp.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// ConnectionStatus is sent once after a successful upgrade.
type ConnectionStatus struct {
	ConnectionID string     `json:"connection_id"`
	Tier         model.Tier `json:"tier"`
	MaxChannels  int        `json:"max_channels"`
}

// ErrorMessage reports a malformed or unprocessable client frame.
type ErrorMessage struct {
	Reason string `json:"reason"`
}

func (SubscriptionSuccess) isEvent() {}
func (SubscriptionError) isEvent()   {}
func (InitialData) isEvent()         {}
func (Update) isEvent()              {}
func (Alert) isEvent()               {}
func (Pong) isEvent()                {}
func (ConnectionStatus) isEvent()    {}
func (ErrorMessage) isEvent()        {}

// Encode wraps an event in the wire envelope.
func Encode(ev Event) ([]byte, error) {
	var kind string
	switch ev.(type) {
	case SubscriptionSuccess:
		kind = "subscription_success"
	case SubscriptionError:
		kind = "subscription_error"
	case InitialData:
		kind = "channel_initial_data"
	case Update:
		kind = "update"
	case Alert:
		kind = "alert"
	case Pong:
		kind = "pong"
	case ConnectionStatus:
		kind = "connection_status"
	case ErrorMessage:
		kind = "error"
	default:
		return nil, fmt.Errorf("unhandled event kind %T", ev)
	}

	return json.Marshal(&Envelope{
		Type:      kind,
		Data:      ev,
		Timestamp: time.Now(),
	})
}
