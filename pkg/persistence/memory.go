package persistence

import (
	"context"
	"sync"

	"github.com/hydraorch/hydra/pkg/metrics"
	"github.com/hydraorch/hydra/pkg/models"
)

// MemoryRepository is the default Repository when no DSN is configured:
// everything lives only for the process lifetime.
type MemoryRepository struct {
	mu        sync.Mutex
	counters  metrics.Counters
	snapshots []models.MetricsSnapshot
	lastSeen  uint64
}

// NewMemory creates an empty in-memory Repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) LoadCounters(ctx context.Context) (metrics.Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters, nil
}

func (m *MemoryRepository) SaveCounters(ctx context.Context, c metrics.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = c
	return nil
}

func (m *MemoryRepository) LoadSnapshots(ctx context.Context) ([]models.MetricsSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.MetricsSnapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out, nil
}

func (m *MemoryRepository) AppendSnapshot(ctx context.Context, s models.MetricsSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, s)
	if len(m.snapshots) > metrics.SnapshotCapacity {
		m.snapshots = m.snapshots[len(m.snapshots)-metrics.SnapshotCapacity:]
	}
	return nil
}

func (m *MemoryRepository) LoadLastSeenID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen, nil
}

func (m *MemoryRepository) SaveLastSeenID(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen = id
	return nil
}

func (m *MemoryRepository) Close() error { return nil }
