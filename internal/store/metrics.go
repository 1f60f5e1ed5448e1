package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/reachflow/pulse/internal/model"
)

// MetricStore is an append-only time-series facade over SQLite. Rows
// are keyed (user, metric, timestamp); counter deltas accumulate
// through a per-delivery ledger so redelivered batches never skew the
// totals, and backfill upserts stay idempotent via conflict policy.
type MetricStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewMetricStore opens (or creates) the metric database at dbPath.
func NewMetricStore(logger *zap.Logger, dbPath string) (*MetricStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &MetricStore{
		logger: logger.Named("metric-store"),
		db:     db,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initialize creates the necessary tables if they don't exist
func (s *MetricStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS metric_points (
			user_id TEXT NOT NULL,
			metric_name TEXT NOT NULL,
			ts INTEGER NOT NULL,
			value REAL NOT NULL,
			source TEXT,
			PRIMARY KEY (user_id, metric_name, ts)
		);
		CREATE INDEX IF NOT EXISTS idx_metric_points_ts ON metric_points(ts);
		CREATE TABLE IF NOT EXISTS applied_deliveries (
			seq INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_applied_deliveries_at ON applied_deliveries(applied_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

const (
	upsertCounterSQL = `
		INSERT INTO metric_points (user_id, metric_name, ts, value, source)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, metric_name, ts)
		DO UPDATE SET value = MAX(value, excluded.value)`

	upsertGaugeSQL = `
		INSERT INTO metric_points (user_id, metric_name, ts, value, source)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, metric_name, ts)
		DO UPDATE SET value = excluded.value, source = excluded.source`

	markDeliverySQL = `
		INSERT OR IGNORE INTO applied_deliveries (seq, applied_at)
		VALUES (?, ?)`

	addCounterSQL = `
		INSERT INTO metric_points (user_id, metric_name, ts, value, source)
		VALUES (?, ?, ?, ?, 'event')
		ON CONFLICT(user_id, metric_name, ts)
		DO UPDATE SET value = value + excluded.value`
)

// CounterDelta is one queue delivery's contribution to a counter
// bucket. Seq is the delivery's stream sequence; the ledger keyed on it
// makes each delivery count exactly once no matter how often it is
// redelivered.
type CounterDelta struct {
	Seq        uint64
	UserID     string
	MetricName string
	Timestamp  time.Time
	Delta      float64
}

// CommitBatch applies one drained batch in a single transaction.
// Counter deltas accumulate into their bucket row; deltas whose
// delivery sequence is already in the applied ledger are skipped, so
// counters stay correct across ticks and across redeliveries. Gauge
// points keep the latest write, which is naturally replay-safe.
func (s *MetricStore) CommitBatch(ctx context.Context, counters []*CounterDelta, gauges []*model.MetricPoint) error {
	if len(counters) == 0 && len(gauges) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	appliedAt := time.Now().Unix()
	for _, d := range counters {
		res, err := tx.ExecContext(ctx, markDeliverySQL, d.Seq, appliedAt)
		if err != nil {
			return fmt.Errorf("failed to mark delivery: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check delivery mark: %w", err)
		}
		if inserted == 0 {
			// Redelivered; its delta is already in the bucket.
			continue
		}
		if _, err := tx.ExecContext(ctx, addCounterSQL,
			d.UserID, d.MetricName, d.Timestamp.Unix(), d.Delta); err != nil {
			return fmt.Errorf("failed to apply counter delta: %w", err)
		}
	}

	for _, p := range gauges {
		if _, err := tx.ExecContext(ctx, upsertGaugeSQL,
			p.UserID, p.MetricName, p.Timestamp.Unix(), p.Value,
			sql.NullString{String: p.Source, Valid: p.Source != ""},
		); err != nil {
			return fmt.Errorf("failed to upsert metric point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metric batch: %w", err)
	}
	return nil
}

// UpsertBatch writes pre-shaped points in a single transaction; this is
// the path backfill and migration jobs use. Counters keep the greater
// value on conflict, gauges the latest, so re-running a job is
// idempotent.
func (s *MetricStore) UpsertBatch(ctx context.Context, points []*model.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range points {
		query := upsertGaugeSQL
		if model.KindOf(p.MetricName) == model.MetricKindCounter {
			query = upsertCounterSQL
		}
		if _, err := tx.ExecContext(ctx, query,
			p.UserID, p.MetricName, p.Timestamp.Unix(), p.Value,
			sql.NullString{String: p.Source, Valid: p.Source != ""},
		); err != nil {
			return fmt.Errorf("failed to upsert metric point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metric batch: %w", err)
	}
	return nil
}

// Latest returns the most recent value for the metric, with found=false
// when the user has no data for it.
func (s *MetricStore) Latest(ctx context.Context, userID, metric string) (float64, bool, error) {
	var value float64
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM metric_points
		WHERE user_id = ? AND metric_name = ?
		ORDER BY ts DESC LIMIT 1`, userID, metric).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to query latest value: %w", err)
	}
	return value, true, nil
}

// ValueAt returns the newest value recorded at or before the given
// time, the comparison baseline for change conditions.
func (s *MetricStore) ValueAt(ctx context.Context, userID, metric string, at time.Time) (float64, bool, error) {
	var value float64
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM metric_points
		WHERE user_id = ? AND metric_name = ? AND ts <= ?
		ORDER BY ts DESC LIMIT 1`, userID, metric, at.Unix()).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to query value at time: %w", err)
	}
	return value, true, nil
}

// Range returns bucketed averages over [from, to), ordered ascending by
// bucket start.
func (s *MetricStore) Range(ctx context.Context, userID, metric string, from, to time.Time, bucket time.Duration) ([]*model.BucketValue, error) {
	bucketSecs := int64(bucket / time.Second)
	if bucketSecs <= 0 {
		return nil, fmt.Errorf("bucket must be at least one second")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT (ts / ?) * ? AS bucket, AVG(value)
		FROM metric_points
		WHERE user_id = ? AND metric_name = ? AND ts >= ? AND ts < ?
		GROUP BY bucket ORDER BY bucket ASC`,
		bucketSecs, bucketSecs, userID, metric, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query range: %w", err)
	}
	defer rows.Close()

	var buckets []*model.BucketValue
	for rows.Next() {
		var start int64
		var value float64
		if err := rows.Scan(&start, &value); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		buckets = append(buckets, &model.BucketValue{
			Bucket: time.Unix(start, 0).UTC(),
			Value:  value,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return buckets, nil
}

// Trend returns the percentage change per day over the given number of
// days. The canonical definition here is the least-squares linear
// regression slope over daily bucket averages, normalized by the most
// recent bucket's value and scaled to percent. Fewer than two buckets,
// or a zero latest value, yields 0.
func (s *MetricStore) Trend(ctx context.Context, userID, metric string, days int) (float64, error) {
	now := time.Now()
	buckets, err := s.Range(ctx, userID, metric, now.AddDate(0, 0, -days), now.Add(time.Second), 24*time.Hour)
	if err != nil {
		return 0, err
	}
	if len(buckets) < 2 {
		return 0, nil
	}

	// Least-squares slope with x = bucket index.
	n := float64(len(buckets))
	var sumX, sumY, sumXY, sumXX float64
	for i, b := range buckets {
		x := float64(i)
		sumX += x
		sumY += b.Value
		sumXY += x * b.Value
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, nil
	}
	slope := (n*sumXY - sumX*sumY) / denom

	latest := buckets[len(buckets)-1].Value
	if latest == 0 {
		return 0, nil
	}
	return slope / latest * 100, nil
}

// DeleteBefore removes metric points older than the given time, along
// with delivery-ledger entries applied before it. Only the retention
// sweep calls this; the cutoff is far past the queue's redelivery
// horizon, so a trimmed ledger entry can no longer be replayed.
func (s *MetricStore) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM metric_points WHERE ts < ?", before.Unix())
	if err != nil {
		return fmt.Errorf("failed to delete metric points: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM applied_deliveries WHERE applied_at < ?", before.Unix()); err != nil {
		return fmt.Errorf("failed to trim delivery ledger: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old metric points",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

// Close closes the database connection
func (s *MetricStore) Close() error {
	return s.db.Close()
}
