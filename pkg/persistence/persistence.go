// Package persistence defines the Repository capability set backing
// lifetime counters, the metrics-snapshot ring, and the last-seen event id
// across restarts: a thin interface choosing between an in-memory and a
// Postgres-backed implementation at startup. See DESIGN.md.
package persistence

import (
	"context"

	"github.com/hydraorch/hydra/pkg/metrics"
	"github.com/hydraorch/hydra/pkg/models"
)

// Repository is the capability set Hydra needs from a durable backing
// store. Every method must be safe for concurrent use.
type Repository interface {
	LoadCounters(ctx context.Context) (metrics.Counters, error)
	SaveCounters(ctx context.Context, c metrics.Counters) error

	LoadSnapshots(ctx context.Context) ([]models.MetricsSnapshot, error)
	AppendSnapshot(ctx context.Context, s models.MetricsSnapshot) error

	LoadLastSeenID(ctx context.Context) (uint64, error)
	SaveLastSeenID(ctx context.Context, id uint64) error

	Close() error
}
