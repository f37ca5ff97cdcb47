package postgres_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutordex/aggregator/internal/adapter/repo/postgres"
	"github.com/tutordex/aggregator/internal/domain"
)

func TestQueueRepo_Enqueue_New(t *testing.T) {
	t.Parallel()
	pool := &poolStub{queryRow: func(_ string, _ ...any) pgx.Row {
		return rowStub{scan: func(dest ...any) error {
			*(dest[0].(*int64)) = 11
			return nil
		}}
	}}
	repo := postgres.NewQueueRepo(pool, 5)

	id, existing, err := repo.Enqueue(context.Background(), 3, "v2", domain.SourceTail)
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
	assert.False(t, existing)
	require.Len(t, pool.queryRowSQL, 1)
	assert.Contains(t, pool.queryRowSQL[0], "ON CONFLICT (raw_id, pipeline_version) DO NOTHING")
}

func TestQueueRepo_Enqueue_Existing(t *testing.T) {
	t.Parallel()
	calls := 0
	pool := &poolStub{queryRow: func(_ string, _ ...any) pgx.Row {
		calls++
		if calls == 1 {
			// Conflict: DO NOTHING returns no row.
			return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
		}
		return rowStub{scan: func(dest ...any) error {
			*(dest[0].(*int64)) = 4
			return nil
		}}
	}}
	repo := postgres.NewQueueRepo(pool, 5)

	id, existing, err := repo.Enqueue(context.Background(), 3, "v2", domain.SourceBackfill)
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)
	assert.True(t, existing)
	assert.Equal(t, 2, calls)
}

func claimScan(id int64, status domain.JobStatus) func(dest ...any) error {
	return func(dest ...any) error {
		now := time.Now().UTC()
		*(dest[0].(*int64)) = id
		*(dest[1].(*int64)) = id + 100
		*(dest[2].(*string)) = "v2"
		*(dest[3].(*domain.JobStatus)) = status
		*(dest[4].(*domain.JobSource)) = domain.SourceTail
		*(dest[5].(*string)) = "worker-1"
		*(dest[6].(**time.Time)) = &now
		*(dest[7].(*int)) = 1
		*(dest[8].(*string)) = ""
		*(dest[9].(*string)) = ""
		*(dest[10].(*map[string]any)) = map[string]any{"prompt_sha": "abc"}
		*(dest[11].(*time.Time)) = now
		*(dest[12].(*time.Time)) = now
		return nil
	}
}

func TestQueueRepo_Claim_ReturnsJobs(t *testing.T) {
	t.Parallel()
	pool := &poolStub{query: func(_ string, _ ...any) (pgx.Rows, error) {
		return &rowsStub{scans: []func(dest ...any) error{
			claimScan(1, domain.JobProcessing),
			claimScan(2, domain.JobProcessing),
		}}, nil
	}}
	repo := postgres.NewQueueRepo(pool, 5)

	jobs, err := repo.Claim(context.Background(), "worker-1", 8)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(1), jobs[0].ID)
	assert.Equal(t, int64(101), jobs[0].RawID)
	assert.Equal(t, domain.JobProcessing, jobs[0].Status)
	assert.Equal(t, "worker-1", jobs[0].ClaimedBy)
	require.NotNil(t, jobs[0].ClaimedAt)
	assert.Equal(t, map[string]any{"prompt_sha": "abc"}, jobs[0].Meta)
	require.Len(t, pool.querySQL, 1)
	assert.Contains(t, pool.querySQL[0], "claim_extraction_jobs($1,$2)")
}

func TestQueueRepo_Claim_InlineFallback(t *testing.T) {
	t.Parallel()
	pool := &poolStub{query: func(sql string, _ ...any) (pgx.Rows, error) {
		if strings.Contains(sql, "claim_extraction_jobs") {
			return nil, &pgconn.PgError{Code: "42883"}
		}
		return &rowsStub{scans: []func(dest ...any) error{claimScan(9, domain.JobProcessing)}}, nil
	}}
	repo := postgres.NewQueueRepo(pool, 5)

	jobs, err := repo.Claim(context.Background(), "worker-2", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Len(t, pool.querySQL, 2)
	assert.Contains(t, pool.querySQL[1], "FOR UPDATE SKIP LOCKED")
}

func TestQueueRepo_Claim_Empty(t *testing.T) {
	t.Parallel()
	pool := &poolStub{query: func(_ string, _ ...any) (pgx.Rows, error) {
		return &rowsStub{}, nil
	}}
	repo := postgres.NewQueueRepo(pool, 5)

	jobs, err := repo.Claim(context.Background(), "worker-1", 8)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestQueueRepo_Complete_OK(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewQueueRepo(pool, 5)

	err := repo.Complete(context.Background(), 7, "worker-1", domain.JobDone, map[string]any{"latency_ms": 120})
	require.NoError(t, err)
	require.Len(t, pool.execArgs, 1)
	args := pool.execArgs[0]
	assert.Equal(t, int64(7), args[0])
	assert.Equal(t, "worker-1", args[1])
	assert.Equal(t, domain.JobDone, args[2])
	var patch map[string]any
	require.NoError(t, json.Unmarshal(args[3].([]byte), &patch))
	assert.Equal(t, float64(120), patch["latency_ms"])
	assert.Contains(t, pool.execSQL[0], "claimed_by=$2 AND status='processing'")
}

func TestQueueRepo_Complete_RejectsNonTerminalStatus(t *testing.T) {
	t.Parallel()
	repo := postgres.NewQueueRepo(&poolStub{}, 5)
	err := repo.Complete(context.Background(), 7, "worker-1", domain.JobPending, nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestQueueRepo_Complete_ClaimMismatch(t *testing.T) {
	t.Parallel()
	pool := &poolStub{exec: func(_ string, _ ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}}
	repo := postgres.NewQueueRepo(pool, 5)

	err := repo.Complete(context.Background(), 7, "worker-other", domain.JobDone, nil)
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Contains(t, err.Error(), "op=queue.complete")
}

func TestQueueRepo_Fail_FilteredKindParksSkipped(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewQueueRepo(pool, 5)

	err := repo.Fail(context.Background(), 7, "worker-1", domain.KindFilteredShort, "below min chars", nil)
	require.NoError(t, err)
	require.Len(t, pool.execArgs, 1)
	assert.Equal(t, domain.JobSkipped, pool.execArgs[0][2])
	assert.Equal(t, domain.KindFilteredShort, pool.execArgs[0][3])
}

func TestQueueRepo_Fail_ErrorKindMarksFailed(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewQueueRepo(pool, 5)

	err := repo.Fail(context.Background(), 7, "worker-1", domain.KindLLM5xx, "bad gateway", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, pool.execArgs[0][2])
}

func TestQueueRepo_Fail_TruncatesLongMessage(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewQueueRepo(pool, 5)

	long := strings.Repeat("x", 2000)
	err := repo.Fail(context.Background(), 7, "worker-1", domain.KindLLMInvalidJSON, long, nil)
	require.NoError(t, err)
	msg := pool.execArgs[0][4].(string)
	assert.Len(t, msg, 500)
}

func TestQueueRepo_Fail_ClaimMismatch(t *testing.T) {
	t.Parallel()
	pool := &poolStub{exec: func(_ string, _ ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}}
	repo := postgres.NewQueueRepo(pool, 5)

	err := repo.Fail(context.Background(), 7, "worker-1", domain.KindLLM5xx, "boom", nil)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestQueueRepo_RequeueStale(t *testing.T) {
	t.Parallel()
	pool := &poolStub{queryRow: func(sql string, args ...any) pgx.Row {
		assert.Contains(t, sql, "make_interval")
		assert.Equal(t, float64(600), args[0])
		assert.Equal(t, 3, args[1])
		return rowStub{scan: func(dest ...any) error {
			*(dest[0].(*int64)) = 2
			return nil
		}}
	}}
	repo := postgres.NewQueueRepo(pool, 3)

	n, err := repo.RequeueStale(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestQueueRepo_RequeueJob_OK(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewQueueRepo(pool, 5)

	require.NoError(t, repo.RequeueJob(context.Background(), 7))
	assert.Contains(t, pool.execSQL[0], "status='failed'")
	assert.Contains(t, pool.execSQL[0], "attempts=0")
}

func TestQueueRepo_RequeueJob_NotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{
		exec: func(_ string, _ ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
		queryRow: func(_ string, _ ...any) pgx.Row {
			return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
		},
	}
	repo := postgres.NewQueueRepo(pool, 5)

	err := repo.RequeueJob(context.Background(), 404)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueueRepo_RequeueJob_NotFailed(t *testing.T) {
	t.Parallel()
	pool := &poolStub{
		exec: func(_ string, _ ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
		queryRow: func(_ string, _ ...any) pgx.Row {
			return rowStub{scan: func(dest ...any) error {
				*(dest[0].(*string)) = "done"
				return nil
			}}
		},
	}
	repo := postgres.NewQueueRepo(pool, 5)

	err := repo.RequeueJob(context.Background(), 7)
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Contains(t, err.Error(), "is done")
}

func TestQueueRepo_ListByStatus(t *testing.T) {
	t.Parallel()
	pool := &poolStub{query: func(sql string, args ...any) (pgx.Rows, error) {
		assert.Contains(t, sql, "ORDER BY updated_at DESC")
		assert.Equal(t, domain.JobFailed, args[0])
		assert.Equal(t, 20, args[1])
		assert.Equal(t, 0, args[2])
		return &rowsStub{scans: []func(dest ...any) error{
			claimScan(3, domain.JobFailed),
			claimScan(1, domain.JobFailed),
		}}, nil
	}}
	repo := postgres.NewQueueRepo(pool, 5)

	jobs, err := repo.ListByStatus(context.Background(), domain.JobFailed, 20, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(3), jobs[0].ID)
	assert.Equal(t, domain.JobFailed, jobs[0].Status)
}

func TestQueueRepo_ListByStatus_DefaultsLimit(t *testing.T) {
	t.Parallel()
	pool := &poolStub{query: func(_ string, args ...any) (pgx.Rows, error) {
		assert.Equal(t, 50, args[1])
		assert.Equal(t, 0, args[2])
		return &rowsStub{}, nil
	}}
	repo := postgres.NewQueueRepo(pool, 5)

	jobs, err := repo.ListByStatus(context.Background(), domain.JobFailed, 0, -3)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestQueueRepo_Counts(t *testing.T) {
	t.Parallel()
	statusScan := func(status string, n int64) func(dest ...any) error {
		return func(dest ...any) error {
			*(dest[0].(*string)) = status
			*(dest[1].(*int64)) = n
			return nil
		}
	}
	pool := &poolStub{query: func(_ string, _ ...any) (pgx.Rows, error) {
		return &rowsStub{scans: []func(dest ...any) error{
			statusScan("pending", 4),
			statusScan("processing", 1),
			statusScan("done", 20),
			statusScan("failed", 2),
			statusScan("skipped", 7),
		}}, nil
	}}
	repo := postgres.NewQueueRepo(pool, 5)

	c, err := repo.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCounts{Pending: 4, Processing: 1, Done: 20, Failed: 2, Skipped: 7}, c)
}

func TestQueueRepo_OldestPendingAge(t *testing.T) {
	t.Parallel()
	pool := &poolStub{queryRow: func(_ string, _ ...any) pgx.Row {
		return rowStub{scan: func(dest ...any) error {
			*(dest[0].(*float64)) = 42.5
			return nil
		}}
	}}
	repo := postgres.NewQueueRepo(pool, 5)

	age, err := repo.OldestPendingAge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42500*time.Millisecond, age)
}
