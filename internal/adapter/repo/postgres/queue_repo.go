package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tutordex/aggregator/internal/domain"
)

const jobColumns = `id, raw_id, pipeline_version, status, source,
	COALESCE(claimed_by,''), claimed_at, attempts,
	COALESCE(last_error_kind,''), COALESCE(last_error_msg,''),
	meta, created_at, updated_at`

// claimInlineSQL is the same statement the claim_extraction_jobs function
// runs, for databases where migration 0002 could not install the function.
const claimInlineSQL = `UPDATE extraction_jobs
	SET status='processing', claimed_by=$1, claimed_at=now(), updated_at=now()
	WHERE id IN (
		SELECT id FROM extraction_jobs
		WHERE status='pending'
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + jobColumns

const maxErrMsgLen = 500

// QueueRepo is the extraction job queue over Postgres. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent workers never block on or double
// claim a row; completion is guarded by the claiming worker's id.
type QueueRepo struct {
	Pool PgxPool
	// MaxAttempts is the terminal ceiling applied by RequeueStale.
	MaxAttempts int
}

// NewQueueRepo constructs a QueueRepo with the given pool.
func NewQueueRepo(p PgxPool, maxAttempts int) *QueueRepo {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &QueueRepo{Pool: p, MaxAttempts: maxAttempts}
}

// Enqueue inserts a job for (rawID, pipelineVersion) or returns the existing
// one. existing=true means the row was already there and no new work was
// created.
func (r *QueueRepo) Enqueue(ctx domain.Context, rawID int64, pipelineVersion string, source domain.JobSource) (int64, bool, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()
	if source == "" {
		source = domain.SourceTail
	}
	q := `INSERT INTO extraction_jobs (raw_id, pipeline_version, source)
	      VALUES ($1,$2,$3)
	      ON CONFLICT (raw_id, pipeline_version) DO NOTHING
	      RETURNING id`
	var id int64
	err := r.Pool.QueryRow(ctx, q, rawID, pipelineVersion, source).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("op=queue.enqueue: %w", err)
	}
	// Conflict path: the job exists from an earlier tail or backfill pass.
	fq := `SELECT id FROM extraction_jobs WHERE raw_id=$1 AND pipeline_version=$2`
	if err := r.Pool.QueryRow(ctx, fq, rawID, pipelineVersion).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("op=queue.enqueue_fetch: %w", err)
	}
	return id, true, nil
}

// Claim atomically flips up to batch pending jobs to processing for
// workerID, oldest first, and returns them. An empty slice means no work.
func (r *QueueRepo) Claim(ctx domain.Context, workerID string, batch int) ([]domain.ExtractionJob, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("worker.id", workerID),
		attribute.Int("claim.batch", batch),
	)
	if batch <= 0 {
		batch = 1
	}
	q := `SELECT ` + jobColumns + ` FROM claim_extraction_jobs($1,$2)`
	rows, err := r.Pool.Query(ctx, q, workerID, batch)
	if isUndefinedFunction(err) {
		rows, err = r.Pool.Query(ctx, claimInlineSQL, workerID, batch)
	}
	if err != nil {
		return nil, fmt.Errorf("op=queue.claim: %w", err)
	}
	defer rows.Close()
	var jobs []domain.ExtractionJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=queue.claim_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.claim_rows: %w", err)
	}
	return jobs, nil
}

// Complete marks a processing job done or skipped. The transition is
// rejected with ErrConflict when the job is not processing anymore or was
// claimed by a different worker, which keeps exactly one completion per
// claim even after a stale requeue handed the job to someone else.
func (r *QueueRepo) Complete(ctx domain.Context, jobID int64, workerID string, status domain.JobStatus, metaPatch map[string]any) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Complete")
	defer span.End()
	if status != domain.JobDone && status != domain.JobSkipped {
		return fmt.Errorf("op=queue.complete: status %q: %w", status, domain.ErrInvalidArgument)
	}
	patch, err := marshalPatch(metaPatch)
	if err != nil {
		return fmt.Errorf("op=queue.complete: %w", err)
	}
	q := `UPDATE extraction_jobs
	      SET status=$3, last_error_kind=NULL, last_error_msg=NULL,
	          meta = meta || $4, updated_at=now()
	      WHERE id=$1 AND claimed_by=$2 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, jobID, workerID, status, patch)
	if err != nil {
		return fmt.Errorf("op=queue.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.complete: job %d not held by %s: %w", jobID, workerID, domain.ErrConflict)
	}
	return nil
}

// Fail records an error kind on a processing job. Filtered kinds park the
// row as skipped; every other kind marks it failed. Guarded by claimed_by
// like Complete.
func (r *QueueRepo) Fail(ctx domain.Context, jobID int64, workerID string, kind, msg string, metaPatch map[string]any) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Fail")
	defer span.End()
	status := domain.JobFailed
	if strings.HasPrefix(kind, "filtered_") {
		status = domain.JobSkipped
	}
	if rs := []rune(msg); len(rs) > maxErrMsgLen {
		msg = string(rs[:maxErrMsgLen])
	}
	patch, err := marshalPatch(metaPatch)
	if err != nil {
		return fmt.Errorf("op=queue.fail: %w", err)
	}
	q := `UPDATE extraction_jobs
	      SET status=$3, last_error_kind=$4, last_error_msg=$5,
	          meta = meta || $6, updated_at=now()
	      WHERE id=$1 AND claimed_by=$2 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, jobID, workerID, status, kind, msg, patch)
	if err != nil {
		return fmt.Errorf("op=queue.fail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.fail: job %d not held by %s: %w", jobID, workerID, domain.ErrConflict)
	}
	return nil
}

// RequeueStale returns processing jobs whose claim is older than staleAfter
// to pending with attempts bumped. Rows that would exceed MaxAttempts are
// failed terminally with kind max_attempts instead. Returns the number of
// rows returned to pending.
func (r *QueueRepo) RequeueStale(ctx domain.Context, staleAfter time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.RequeueStale")
	defer span.End()
	q := `WITH stale AS (
	        SELECT id, attempts FROM extraction_jobs
	        WHERE status='processing' AND claimed_at < now() - make_interval(secs => $1)
	        FOR UPDATE SKIP LOCKED
	      ),
	      spent AS (
	        UPDATE extraction_jobs j
	        SET status='failed', attempts=j.attempts+1,
	            last_error_kind='max_attempts',
	            last_error_msg='stale after '||(j.attempts+1)||' attempts',
	            claimed_by=NULL, claimed_at=NULL, updated_at=now()
	        FROM stale s WHERE j.id=s.id AND s.attempts+1 >= $2
	        RETURNING j.id
	      ),
	      requeued AS (
	        UPDATE extraction_jobs j
	        SET status='pending', attempts=j.attempts+1,
	            claimed_by=NULL, claimed_at=NULL, updated_at=now()
	        FROM stale s WHERE j.id=s.id AND s.attempts+1 < $2
	        RETURNING j.id
	      )
	      SELECT (SELECT count(*) FROM requeued)`
	var n int64
	if err := r.Pool.QueryRow(ctx, q, staleAfter.Seconds(), r.MaxAttempts).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=queue.requeue_stale: %w", err)
	}
	return n, nil
}

// RequeueJob returns a failed job to pending with a fresh attempts budget.
// Operator path only; pending/processing/done rows are not touched.
func (r *QueueRepo) RequeueJob(ctx domain.Context, jobID int64) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.RequeueJob")
	defer span.End()
	q := `UPDATE extraction_jobs
	      SET status='pending', attempts=0, claimed_by=NULL, claimed_at=NULL,
	          last_error_kind=NULL, last_error_msg=NULL, updated_at=now()
	      WHERE id=$1 AND status='failed'`
	tag, err := r.Pool.Exec(ctx, q, jobID)
	if err != nil {
		return fmt.Errorf("op=queue.requeue_job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	if err := r.Pool.QueryRow(ctx, `SELECT status FROM extraction_jobs WHERE id=$1`, jobID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=queue.requeue_job: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=queue.requeue_job: %w", err)
	}
	return fmt.Errorf("op=queue.requeue_job: job %d is %s, not failed: %w", jobID, status, domain.ErrConflict)
}

// ListByStatus returns jobs in the given status, most recently updated
// first. The admin API pages failed jobs through it.
func (r *QueueRepo) ListByStatus(ctx domain.Context, status domain.JobStatus, limit, offset int) ([]domain.ExtractionJob, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.ListByStatus")
	defer span.End()
	span.SetAttributes(attribute.String("job.status", string(status)))
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	q := `SELECT ` + jobColumns + ` FROM extraction_jobs
	      WHERE status=$1 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=queue.list_by_status: %w", err)
	}
	defer rows.Close()
	jobs := make([]domain.ExtractionJob, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=queue.list_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.list_by_status: %w", err)
	}
	return jobs, nil
}

// Counts returns the queue depth per status.
func (r *QueueRepo) Counts(ctx domain.Context) (domain.QueueCounts, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Counts")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, count(*) FROM extraction_jobs GROUP BY status`)
	if err != nil {
		return domain.QueueCounts{}, fmt.Errorf("op=queue.counts: %w", err)
	}
	defer rows.Close()
	var c domain.QueueCounts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return domain.QueueCounts{}, fmt.Errorf("op=queue.counts_scan: %w", err)
		}
		switch domain.JobStatus(status) {
		case domain.JobPending:
			c.Pending = n
		case domain.JobProcessing:
			c.Processing = n
		case domain.JobDone:
			c.Done = n
		case domain.JobFailed:
			c.Failed = n
		case domain.JobSkipped:
			c.Skipped = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.QueueCounts{}, fmt.Errorf("op=queue.counts_rows: %w", err)
	}
	return c, nil
}

// OldestPendingAge returns how long the oldest pending job has been
// waiting, or zero when the queue is drained.
func (r *QueueRepo) OldestPendingAge(ctx domain.Context) (time.Duration, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.OldestPendingAge")
	defer span.End()
	q := `SELECT COALESCE(EXTRACT(EPOCH FROM (now() - min(created_at))), 0)
	      FROM extraction_jobs WHERE status='pending'`
	var secs float64
	if err := r.Pool.QueryRow(ctx, q).Scan(&secs); err != nil {
		return 0, fmt.Errorf("op=queue.oldest_pending: %w", err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func scanJob(rows pgx.Rows) (domain.ExtractionJob, error) {
	var j domain.ExtractionJob
	if err := rows.Scan(&j.ID, &j.RawID, &j.PipelineVersion, &j.Status, &j.Source,
		&j.ClaimedBy, &j.ClaimedAt, &j.Attempts,
		&j.LastErrorKind, &j.LastErrorMsg, &j.Meta, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.ExtractionJob{}, err
	}
	return j, nil
}

func marshalPatch(metaPatch map[string]any) ([]byte, error) {
	if metaPatch == nil {
		metaPatch = map[string]any{}
	}
	return json.Marshal(metaPatch)
}

// isUndefinedFunction detects SQLSTATE 42883 so Claim can fall back to the
// inline statement when migration 0002's function is absent.
func isUndefinedFunction(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42883"
}
