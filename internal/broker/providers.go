package broker

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/reachflow/pulse/internal/cache"
	"github.com/reachflow/pulse/internal/model"
	"github.com/reachflow/pulse/internal/store"
)

// SnapshotProvider produces the per-user payload a channel pushes.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, userID string) (interface{}, error)
}

// MetricsProvider serves metric snapshots from the live cache,
// falling back to the store when the cache has expired.
type MetricsProvider struct {
	Cache   cache.LiveCache
	Store   *store.MetricStore
	Metrics []string
}

// Snapshot implements SnapshotProvider.
func (p *MetricsProvider) Snapshot(ctx context.Context, userID string) (interface{}, error) {
	if snap, err := p.Cache.GetSnapshot(ctx, userID); err == nil && snap != nil {
		return snap, nil
	}

	values := make(map[string]float64, len(p.Metrics))
	for _, metric := range p.Metrics {
		value, ok, err := p.Store.Latest(ctx, userID, metric)
		if err != nil {
			return nil, err
		}
		if ok {
			values[metric] = value
		}
	}
	return &cache.Snapshot{
		UserID:    userID,
		Metrics:   values,
		UpdatedAt: time.Now(),
	}, nil
}

// QueueDepther exposes the event queue's fill level.
type QueueDepther interface {
	Depth() (int64, error)
	MaxDepth() int64
}

// QueueStatusProvider reports event queue depth and capacity.
type QueueStatusProvider struct {
	Queue QueueDepther
}

// QueueStatus is the queue_status channel payload.
type QueueStatus struct {
	Depth    int64 `json:"depth"`
	Capacity int64 `json:"capacity"`
}

// Snapshot implements SnapshotProvider.
func (p *QueueStatusProvider) Snapshot(_ context.Context, _ string) (interface{}, error) {
	depth, err := p.Queue.Depth()
	if err != nil {
		return nil, err
	}
	return &QueueStatus{Depth: depth, Capacity: p.Queue.MaxDepth()}, nil
}

// HealthProvider samples process host health for the health_dashboard
// channel.
type HealthProvider struct{}

// HealthStatus is the health_dashboard channel payload.
type HealthStatus struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}

// Snapshot implements SnapshotProvider.
func (p *HealthProvider) Snapshot(_ context.Context, _ string) (interface{}, error) {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		return nil, err
	}
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	return &HealthStatus{
		CPUUsage:    cpuPercent[0],
		MemoryUsage: memInfo.UsedPercent,
		CollectedAt: time.Now(),
	}, nil
}

// AlertsProvider serves recent alert history for safety and
// notification channels.
type AlertsProvider struct {
	Events *store.AlertEventStore
	Limit  int
}

// Snapshot implements SnapshotProvider.
func (p *AlertsProvider) Snapshot(ctx context.Context, userID string) (interface{}, error) {
	events, err := p.Events.ListRecent(ctx, userID, p.Limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*model.AlertEvent{}
	}
	return events, nil
}

// DefaultProviders wires the production catalog to its providers.
func DefaultProviders(lc cache.LiveCache, ms *store.MetricStore, es *store.AlertEventStore, q QueueDepther) map[string]SnapshotProvider {
	profile := &MetricsProvider{
		Cache: lc,
		Store: ms,
		Metrics: []string{
			model.MetricProfileViews,
			model.MetricConnections,
			model.MetricSearchAppearances,
			model.MetricProfileCompleteness,
		},
	}
	engagement := &MetricsProvider{
		Cache: lc,
		Store: ms,
		Metrics: []string{
			model.MetricMessagesSent,
			model.MetricMessageReplies,
			model.MetricPostEngagements,
			model.MetricEngagementRate,
		},
	}
	alerts := &AlertsProvider{Events: es, Limit: 20}

	return map[string]SnapshotProvider{
		ChannelAutomationStatus:     engagement,
		ChannelSafetyAlerts:         alerts,
		ChannelSystemNotifications:  alerts,
		ChannelProfileMetrics:       profile,
		ChannelComplianceMonitoring: engagement,
		ChannelHealthDashboard:      &HealthProvider{},
		ChannelQueueStatus:          &QueueStatusProvider{Queue: q},
		ChannelTemplateAnalytics:    engagement,
		ChannelRealTimeAnalytics:    profile,
	}
}
