package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/reachflow/pulse/internal/model"
)

const (
	eventStreamName   = "EVENTS"
	eventSubjectAll   = "event.raw.*"
	eventSubjectStem  = "event.raw."
	drainConsumerName = "ingestor"

	// Unacked events are redelivered after ackWait, which is the
	// at-least-once segment the ingestor re-drains after a failed batch.
	ackWait      = 30 * time.Second
	drainMaxWait = 2 * time.Second

	// JetStream API error code returned when a DiscardNew stream is at
	// its message limit.
	jsErrCodeMaxMsgs = 10077
)

// ErrQueueFull is returned by Enqueue when the queue is at its
// configured depth. The caller decides whether to drop or retry;
// enqueue never blocks.
var ErrQueueFull = errors.New("event queue full")

// PendingEvent is a drained event plus its acknowledgement handle.
// Until Ack is called the event remains part of the unacknowledged
// segment and will be redelivered. Seq is the stream sequence of the
// delivery; it is stable across redeliveries, so consumers can use it
// to apply each delivery exactly once.
type PendingEvent struct {
	Event model.RawEvent
	Seq   uint64
	msg   *nats.Msg
}

// Ack marks the event as processed; it will not be delivered again.
func (p *PendingEvent) Ack() error {
	return p.msg.Ack()
}

// Nak hands the event back for immediate redelivery.
func (p *PendingEvent) Nak() error {
	return p.msg.Nak()
}

// EventQueue is a durable, bounded buffer of raw events backed by a
// JetStream work queue. Enqueue is safe for concurrent producers;
// Drain hands each event to exactly one caller.
type EventQueue struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	depth  int64
	sub    *nats.Subscription
}

// NewEventQueue creates the bounded event stream (DiscardNew, so a
// full queue fails fast instead of evicting) and the durable pull
// consumer used by Drain.
func NewEventQueue(js nats.JetStreamContext, depth int64, logger *zap.Logger) (*EventQueue, error) {
	q := &EventQueue{
		logger: logger.Named("event-queue"),
		js:     js,
		depth:  depth,
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      eventStreamName,
		Subjects:  []string{eventSubjectAll},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
		Discard:   nats.DiscardNew,
		MaxMsgs:   depth,
		MaxAge:    24 * time.Hour,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, fmt.Errorf("failed to create event stream: %w", err)
	}

	sub, err := js.PullSubscribe(eventSubjectAll, drainConsumerName,
		nats.BindStream(eventStreamName),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to create drain consumer: %w", err)
	}
	q.sub = sub

	return q, nil
}

// Enqueue validates and appends one event. Returns ErrQueueFull when
// the stream is at depth and model.ErrValidation for malformed events.
func (q *EventQueue) Enqueue(ctx context.Context, ev *model.RawEvent) error {
	if err := model.ValidateEvent(ev); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = q.js.Publish(eventSubjectStem+ev.UserID, data, nats.Context(ctx))
	if err != nil {
		var apiErr *nats.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jsErrCodeMaxMsgs {
			return ErrQueueFull
		}
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Drain returns up to max pending events without blocking beyond a
// short fetch window. Events are removed from the visible queue
// atomically; an event is never handed to two callers. Events whose
// payload no longer unmarshals are terminated and skipped.
func (q *EventQueue) Drain(ctx context.Context, max int) ([]*PendingEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs, err := q.sub.Fetch(max, nats.MaxWait(drainMaxWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	pending := make([]*PendingEvent, 0, len(msgs))
	for _, msg := range msgs {
		var ev model.RawEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			q.logger.Error("Dropping undecodable event", zap.Error(err))
			msg.Term()
			continue
		}
		meta, err := msg.Metadata()
		if err != nil {
			q.logger.Error("Dropping event without delivery metadata", zap.Error(err))
			msg.Term()
			continue
		}
		pending = append(pending, &PendingEvent{Event: ev, Seq: meta.Sequence.Stream, msg: msg})
	}
	return pending, nil
}

// Depth returns the number of events currently buffered.
func (q *EventQueue) Depth() (int64, error) {
	info, err := q.js.StreamInfo(eventStreamName)
	if err != nil {
		return 0, fmt.Errorf("failed to get stream info: %w", err)
	}
	return int64(info.State.Msgs), nil
}

// MaxDepth returns the configured queue capacity.
func (q *EventQueue) MaxDepth() int64 {
	return q.depth
}

// Close releases the drain consumer.
func (q *EventQueue) Close() error {
	if q.sub != nil {
		return q.sub.Unsubscribe()
	}
	return nil
}
