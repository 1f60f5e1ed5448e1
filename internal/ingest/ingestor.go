package ingest

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/reachflow/pulse/internal/cache"
	"github.com/reachflow/pulse/internal/queue"
	"github.com/reachflow/pulse/internal/store"
)

// UpdatedSubjectPrefix is the subject stem for per-user "metrics
// updated" notifications consumed by the subscription broker.
const UpdatedSubjectPrefix = "metrics.updated."

// UpdatedNotification announces that a user's metrics changed in the
// last committed batch.
type UpdatedNotification struct {
	UserID    string    `json:"user_id"`
	Metrics   []string  `json:"metrics"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds ingestor tuning knobs.
type Config struct {
	Interval  time.Duration
	BatchSize int
	CacheTTL  time.Duration
}

// Ingestor drains the event queue on a fixed tick, converts events
// into metric points, commits them in one idempotent batch, refreshes
// the live cache, and notifies the broker. At most one batch is in
// flight; a tick that fires mid-batch is skipped, never queued.
type Ingestor struct {
	logger *zap.Logger
	queue  *queue.EventQueue
	store  *store.MetricStore
	cache  cache.LiveCache
	nc     *nats.Conn
	cfg    Config
	busy   atomic.Bool
	stop   chan struct{}
}

// NewIngestor creates a batch ingestor.
func NewIngestor(q *queue.EventQueue, s *store.MetricStore, c cache.LiveCache, nc *nats.Conn, cfg Config, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		logger: logger.Named("batch-ingestor"),
		queue:  q,
		store:  s,
		cache:  c,
		nc:     nc,
		cfg:    cfg,
		stop:   make(chan struct{}),
	}
}

// Start starts the tick loop.
func (i *Ingestor) Start(ctx context.Context) error {
	i.logger.Info("Starting batch ingestor",
		zap.Duration("interval", i.cfg.Interval),
		zap.Int("batch_size", i.cfg.BatchSize))

	go i.tickLoop(ctx)
	return nil
}

// Stop stops the tick loop. An in-flight batch completes before the
// stop is observed.
func (i *Ingestor) Stop() {
	i.logger.Info("Stopping batch ingestor")
	close(i.stop)
}

func (i *Ingestor) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(i.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stop:
			return
		case <-ticker.C:
			if !i.busy.CompareAndSwap(false, true) {
				i.logger.Warn("Previous batch still running, skipping tick")
				continue
			}
			if err := i.RunBatch(ctx); err != nil {
				i.logger.Error("Batch failed, events will be redelivered", zap.Error(err))
			}
			i.busy.Store(false)
		}
	}
}

// RunBatch drains and commits one batch. Events are acknowledged only
// after the store write succeeds; on failure the whole segment is
// redelivered on a later tick, and the store's delivery ledger keeps
// replayed events from counting twice.
func (i *Ingestor) RunBatch(ctx context.Context) error {
	pending, err := i.queue.Drain(ctx, i.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	counters, gauges, users := buildBatch(pending)

	if err := i.store.CommitBatch(ctx, counters, gauges); err != nil {
		return err
	}

	now := time.Now()
	for userID, metrics := range users {
		i.refreshCache(ctx, userID, metrics, now)
		i.notifyUpdated(userID, metrics, now)
	}

	for _, ev := range pending {
		if err := ev.Ack(); err != nil {
			i.logger.Warn("Failed to ack event, it may be redelivered", zap.Error(err))
		}
	}

	i.logger.Debug("Batch committed",
		zap.Int("events", len(pending)),
		zap.Int("counters", len(counters)),
		zap.Int("gauges", len(gauges)),
		zap.Int("users", len(users)))

	return nil
}

// refreshCache writes the authoritative latest values for the touched
// metrics into the live cache. Cache errors only cost read latency, so
// they are logged and ignored.
func (i *Ingestor) refreshCache(ctx context.Context, userID string, metrics []string, now time.Time) {
	values := make(map[string]float64, len(metrics))
	for _, metric := range metrics {
		value, ok, err := i.store.Latest(ctx, userID, metric)
		if err != nil {
			i.logger.Warn("Failed to read latest value for cache",
				zap.String("user_id", userID),
				zap.String("metric", metric),
				zap.Error(err))
			continue
		}
		if ok {
			values[metric] = value
		}
	}

	prev, err := i.cache.GetSnapshot(ctx, userID)
	if err != nil {
		i.logger.Warn("Failed to read previous snapshot", zap.Error(err))
	}
	snap := cache.MergeSnapshot(prev, userID, values, now)
	if err := i.cache.SetSnapshot(ctx, snap, i.cfg.CacheTTL); err != nil {
		i.logger.Warn("Failed to write live snapshot",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

func (i *Ingestor) notifyUpdated(userID string, metrics []string, now time.Time) {
	data, err := json.Marshal(&UpdatedNotification{
		UserID:    userID,
		Metrics:   metrics,
		Timestamp: now,
	})
	if err != nil {
		i.logger.Error("Failed to marshal update notification", zap.Error(err))
		return
	}
	if err := i.nc.Publish(UpdatedSubjectPrefix+userID, data); err != nil {
		i.logger.Warn("Failed to publish update notification",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}
