// Package postgres is the Postgres-backed persistence.Repository: a
// DSN-driven storage backend chosen at startup, speaking plain SQL through
// jackc/pgx directly, with its small schema hand-written and versioned
// through golang-migrate.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hydraorch/hydra/pkg/metrics"
	"github.com/hydraorch/hydra/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Repository is a persistence.Repository backed by a Postgres pool.
type Repository struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, runs pending migrations, and returns a ready
// Repository.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrateUp(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Repository{pool: pool}, nil
}

func migrateUp(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (r *Repository) LoadCounters(ctx context.Context) (metrics.Counters, error) {
	var c metrics.Counters
	err := r.pool.QueryRow(ctx, `
		SELECT issues_completed, prs_merged, prs_opened, hitl_escalations,
		       first_pass_approvals, quality_fixes, reviews_total,
		       implementations, issues_admitted
		FROM hydra_counters WHERE id = 1`).Scan(
		&c.IssuesCompleted, &c.PRsMerged, &c.PRsOpened, &c.HITLEscalations,
		&c.FirstPassApprovals, &c.QualityFixes, &c.ReviewsTotal,
		&c.Implementations, &c.IssuesAdmitted,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return metrics.Counters{}, nil
	}
	if err != nil {
		return metrics.Counters{}, fmt.Errorf("load counters: %w", err)
	}
	return c, nil
}

func (r *Repository) SaveCounters(ctx context.Context, c metrics.Counters) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO hydra_counters (id, issues_completed, prs_merged, prs_opened,
			hitl_escalations, first_pass_approvals, quality_fixes, reviews_total,
			implementations, issues_admitted, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
			issues_completed = EXCLUDED.issues_completed,
			prs_merged = EXCLUDED.prs_merged,
			prs_opened = EXCLUDED.prs_opened,
			hitl_escalations = EXCLUDED.hitl_escalations,
			first_pass_approvals = EXCLUDED.first_pass_approvals,
			quality_fixes = EXCLUDED.quality_fixes,
			reviews_total = EXCLUDED.reviews_total,
			implementations = EXCLUDED.implementations,
			issues_admitted = EXCLUDED.issues_admitted,
			updated_at = now()`,
		c.IssuesCompleted, c.PRsMerged, c.PRsOpened, c.HITLEscalations,
		c.FirstPassApprovals, c.QualityFixes, c.ReviewsTotal, c.Implementations, c.IssuesAdmitted,
	)
	if err != nil {
		return fmt.Errorf("save counters: %w", err)
	}
	return nil
}

func (r *Repository) LoadSnapshots(ctx context.Context) ([]models.MetricsSnapshot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT taken_at, issues_completed, prs_merged, prs_opened, hitl_escalations,
		       first_pass_approvals, quality_fixes, merge_rate, first_pass_approval_rate,
		       quality_fix_rate, hitl_escalation_rate
		FROM hydra_metrics_snapshots
		ORDER BY taken_at ASC
		LIMIT $1`, metrics.SnapshotCapacity)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.MetricsSnapshot
	for rows.Next() {
		var s models.MetricsSnapshot
		var takenAt time.Time
		if err := rows.Scan(&takenAt, &s.IssuesCompleted, &s.PRsMerged, &s.PRsOpened,
			&s.HITLEscalations, &s.FirstPassApprovals, &s.QualityFixes, &s.MergeRate,
			&s.FirstPassApprovalRate, &s.QualityFixRate, &s.HITLEscalationRate); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.Timestamp = takenAt.Format(time.RFC3339)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) AppendSnapshot(ctx context.Context, s models.MetricsSnapshot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO hydra_metrics_snapshots
			(issues_completed, prs_merged, prs_opened, hitl_escalations, first_pass_approvals,
			 quality_fixes, merge_rate, first_pass_approval_rate, quality_fix_rate, hitl_escalation_rate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.IssuesCompleted, s.PRsMerged, s.PRsOpened, s.HITLEscalations, s.FirstPassApprovals,
		s.QualityFixes, s.MergeRate, s.FirstPassApprovalRate, s.QualityFixRate, s.HITLEscalationRate,
	)
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}

	// Prune beyond the ring capacity so the table mirrors the in-memory ring.
	_, err = r.pool.Exec(ctx, `
		DELETE FROM hydra_metrics_snapshots
		WHERE id NOT IN (
			SELECT id FROM hydra_metrics_snapshots ORDER BY taken_at DESC LIMIT $1
		)`, metrics.SnapshotCapacity)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

func (r *Repository) LoadLastSeenID(ctx context.Context) (uint64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `SELECT last_seen_id FROM hydra_event_cursor WHERE id = 1`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load last seen id: %w", err)
	}
	return uint64(id), nil
}

func (r *Repository) SaveLastSeenID(ctx context.Context, id uint64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO hydra_event_cursor (id, last_seen_id) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_seen_id = EXCLUDED.last_seen_id`, int64(id))
	if err != nil {
		return fmt.Errorf("save last seen id: %w", err)
	}
	return nil
}

func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}
