package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/reachflow/pulse/internal/model"
	"github.com/reachflow/pulse/internal/store"
)

const (
	alertStreamName = "ALERTS"

	// AlertSubjectPrefix is the subject stem alert events are published
	// under; the broker subscribes to alert.* for real-time fan-out.
	AlertSubjectPrefix = "alert."
)

// NATSDispatcher publishes alert events to the durable ALERTS stream.
type NATSDispatcher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewNATSDispatcher creates the ALERTS stream if needed.
func NewNATSDispatcher(js nats.JetStreamContext, logger *zap.Logger) (*NATSDispatcher, error) {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     alertStreamName,
		Subjects: []string{AlertSubjectPrefix + "*"},
		Storage:  nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, fmt.Errorf("failed to create alert stream: %w", err)
	}

	return &NATSDispatcher{
		logger: logger.Named("alert-dispatcher"),
		js:     js,
	}, nil
}

// Dispatch implements Dispatcher.
func (d *NATSDispatcher) Dispatch(_ context.Context, ev *model.AlertEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if _, err := d.js.Publish(AlertSubjectPrefix+ev.UserID, data); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// HistoryDispatcher appends alert events to the durable history store.
type HistoryDispatcher struct {
	events *store.AlertEventStore
}

// NewHistoryDispatcher wraps the alert event store as a Dispatcher.
func NewHistoryDispatcher(events *store.AlertEventStore) *HistoryDispatcher {
	return &HistoryDispatcher{events: events}
}

// Dispatch implements Dispatcher.
func (d *HistoryDispatcher) Dispatch(ctx context.Context, ev *model.AlertEvent) error {
	return d.events.Append(ctx, ev)
}

// MultiDispatcher fans one event out to several dispatchers. The first
// failure aborts the chain and the engine re-emits on a later tick, so
// dispatchers earlier in the chain may see an alert for the same
// transition twice.
type MultiDispatcher []Dispatcher

// Dispatch implements Dispatcher.
func (m MultiDispatcher) Dispatch(ctx context.Context, ev *model.AlertEvent) error {
	for _, d := range m {
		if err := d.Dispatch(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
