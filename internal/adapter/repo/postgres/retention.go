package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionService prunes finished pipeline data past the retention window:
// done/skipped jobs first, then raw messages that no job references
// anymore. Failed jobs and assignments are never touched; failed rows are
// operator material and assignments are the product.
type RetentionService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewRetentionService creates a retention service; retentionDays <= 0
// falls back to 90 days.
func NewRetentionService(pool PgxPool, retentionDays int) *RetentionService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &RetentionService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than the retention period.
func (s *RetentionService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	jobsTag, err := s.Pool.Exec(ctx, `
		DELETE FROM extraction_jobs
		WHERE status IN ('done','skipped') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=retention.jobs: %w", err)
	}

	// Raw rows cascade-delete their jobs, so only rows with no jobs left
	// (everything terminal was pruned above, nothing failed remains) go.
	rawsTag, err := s.Pool.Exec(ctx, `
		DELETE FROM raw_messages
		WHERE ingested_at < $1
		AND NOT EXISTS (
			SELECT 1 FROM extraction_jobs j WHERE j.raw_id = raw_messages.id
		)
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=retention.raws: %w", err)
	}

	slog.Info("retention cleanup completed",
		slog.Int64("deleted_jobs", jobsTag.RowsAffected()),
		slog.Int64("deleted_raws", rawsTag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs cleanup immediately and then on the given interval until
// the context is cancelled.
func (s *RetentionService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial retention cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic retention cleanup failed", slog.Any("error", err))
			}
		}
	}
}
