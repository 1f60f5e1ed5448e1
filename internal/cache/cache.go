package cache

import (
	"context"
	"sync"
	"time"
)

// Snapshot is the short-lived per-user view of current metric values
// written by the ingestor for low-latency dashboard reads.
type Snapshot struct {
	UserID    string             `json:"user_id"`
	Metrics   map[string]float64 `json:"metrics"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// LiveCache stores per-user metric snapshots with a short TTL. A nil
// snapshot with nil error means cache miss; callers fall back to the
// metric store.
type LiveCache interface {
	SetSnapshot(ctx context.Context, snap *Snapshot, ttl time.Duration) error
	GetSnapshot(ctx context.Context, userID string) (*Snapshot, error)
	Close() error
}

// Memory is an in-process LiveCache used in tests and single-node
// deployments without Redis.
type Memory struct {
	mu    sync.RWMutex
	snaps map[string]memoryEntry
}

type memoryEntry struct {
	snap    *Snapshot
	expires time.Time
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{snaps: make(map[string]memoryEntry)}
}

// SetSnapshot implements LiveCache.SetSnapshot.
func (m *Memory) SetSnapshot(_ context.Context, snap *Snapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.UserID] = memoryEntry{snap: snap, expires: time.Now().Add(ttl)}
	return nil
}

// GetSnapshot implements LiveCache.GetSnapshot.
func (m *Memory) GetSnapshot(_ context.Context, userID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.snaps[userID]
	if !ok || time.Now().After(entry.expires) {
		return nil, nil
	}
	return entry.snap, nil
}

// Close implements LiveCache.Close.
func (m *Memory) Close() error { return nil }

// MergeSnapshot merges fresh values into an existing snapshot, keeping
// values the batch did not touch.
func MergeSnapshot(prev *Snapshot, userID string, values map[string]float64, at time.Time) *Snapshot {
	merged := &Snapshot{
		UserID:    userID,
		Metrics:   make(map[string]float64),
		UpdatedAt: at,
	}
	if prev != nil {
		for k, v := range prev.Metrics {
			merged.Metrics[k] = v
		}
	}
	for k, v := range values {
		merged.Metrics[k] = v
	}
	return merged
}

var _ LiveCache = (*Memory)(nil)
