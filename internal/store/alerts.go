package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reachflow/pulse/internal/model"
)

// ErrAlertEventNotFound is returned when acknowledging an unknown event.
var ErrAlertEventNotFound = fmt.Errorf("alert event not found")

// AlertEventStore persists alert firing history. Events are immutable
// except for the acknowledged flag; deleting a rule never deletes its
// history.
type AlertEventStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewAlertEventStore creates the history table on the shared metric
// database connection.
func NewAlertEventStore(logger *zap.Logger, metrics *MetricStore) (*AlertEventStore, error) {
	s := &AlertEventStore{
		logger: logger.Named("alert-events"),
		db:     metrics.db,
	}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AlertEventStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS alert_events (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			metric_name TEXT NOT NULL,
			metric_value REAL NOT NULL,
			threshold_value REAL NOT NULL,
			severity TEXT NOT NULL,
			message TEXT,
			created_at INTEGER NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_alert_events_user ON alert_events(user_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize alert events: %w", err)
	}
	return nil
}

// Append stores one alert event.
func (s *AlertEventStore) Append(ctx context.Context, ev *model.AlertEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_events (
			id, rule_id, user_id, metric_name, metric_value,
			threshold_value, severity, message, created_at, acknowledged
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RuleID, ev.UserID, ev.MetricName, ev.MetricValue,
		ev.ThresholdValue, string(ev.Severity),
		sql.NullString{String: ev.Message, Valid: ev.Message != ""},
		ev.Timestamp.Unix(), ev.Acknowledged,
	)
	if err != nil {
		return fmt.Errorf("failed to store alert event: %w", err)
	}
	return nil
}

// Acknowledge sets the acknowledged flag on one event.
func (s *AlertEventStore) Acknowledge(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE alert_events SET acknowledged = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrAlertEventNotFound
	}
	return nil
}

// ListRecent returns the newest events for a user, newest first.
func (s *AlertEventStore) ListRecent(ctx context.Context, userID string, limit int) ([]*model.AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, user_id, metric_name, metric_value,
		       threshold_value, severity, message, created_at, acknowledged
		FROM alert_events
		WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert events: %w", err)
	}
	defer rows.Close()

	var events []*model.AlertEvent
	for rows.Next() {
		ev := &model.AlertEvent{}
		var severity string
		var message sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&ev.ID, &ev.RuleID, &ev.UserID, &ev.MetricName, &ev.MetricValue,
			&ev.ThresholdValue, &severity, &message, &createdAt, &ev.Acknowledged,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		ev.Severity = model.AlertSeverity(severity)
		if message.Valid {
			ev.Message = message.String
		}
		ev.Timestamp = time.Unix(createdAt, 0).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}

// DeleteBefore removes alert events older than the given time.
func (s *AlertEventStore) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM alert_events WHERE created_at < ?", before.Unix())
	if err != nil {
		return fmt.Errorf("failed to delete alert events: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old alert events",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}
