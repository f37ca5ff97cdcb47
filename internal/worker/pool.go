// Package worker runs the claim side of the extraction queue: a fixed pool
// of goroutines pulls pending jobs from Postgres, drives each one through
// the processing pipeline, and writes exactly one terminal status per claim.
// Delivery side effects run on their own bounded pool so a slow Bot API or
// broker never holds up job throughput.
package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/tutordex/aggregator/internal/adapter/observability"
	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/delivery"
	"github.com/tutordex/aggregator/internal/domain"
	"github.com/tutordex/aggregator/internal/usecase"
)

const (
	// statusWriteTimeout bounds the terminal Complete/Fail write. It runs on
	// a context detached from the job's, so the write still lands when the
	// job budget is spent or shutdown is in progress.
	statusWriteTimeout = 5 * time.Second
	// deliveryTimeout bounds one fanout pass over broadcast, DMs and events.
	deliveryTimeout = 30 * time.Second
	// snapshotEvery is the refresh interval for the queue depth gauges.
	snapshotEvery = 15 * time.Second
	// idleBase seeds the empty-claim backoff, which doubles up to IdleMax.
	idleBase = 500 * time.Millisecond
)

// Processor runs one claimed job through the extraction pipeline.
// usecase.ProcessService satisfies it.
type Processor interface {
	ProcessJob(ctx context.Context, job domain.ExtractionJob) usecase.Outcome
}

// Pool claims and processes extraction jobs.
type Pool struct {
	queue  domain.Queue
	proc   Processor
	fanout *delivery.Fanout

	workerID   string
	workers    int
	claimBatch int
	idleMax    time.Duration
	jobTimeout time.Duration
	grace      time.Duration
	staleAfter time.Duration
	staleSweep time.Duration

	jobs chan domain.ExtractionJob
	busy atomic.Int64
	wg   sync.WaitGroup
	dwg  sync.WaitGroup
	dsem chan struct{}
}

// New builds a Pool from config. The per-job budget is derived from the LLM
// retry budget, which dominates pipeline latency; enrichment and the
// datastore writes share the margin.
func New(cfg config.Config, q domain.Queue, proc Processor, f *delivery.Fanout) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	batch := cfg.ClaimBatch
	if batch <= 0 {
		batch = workers
	}
	idleMax := cfg.IdleMax
	if idleMax <= 0 {
		idleMax = 30 * time.Second
	}
	deliveryPool := cfg.DeliveryPool
	if deliveryPool <= 0 {
		deliveryPool = 4
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = 20 * time.Second
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	staleSweep := cfg.StaleSweep
	if staleSweep <= 0 {
		staleSweep = time.Minute
	}
	return &Pool{
		queue:      q,
		proc:       proc,
		fanout:     f,
		workerID:   workerIdentity(),
		workers:    workers,
		claimBatch: batch,
		idleMax:    idleMax,
		jobTimeout: cfg.LLMBackoffMaxElapsedTime + 30*time.Second,
		grace:      grace,
		staleAfter: staleAfter,
		staleSweep: staleSweep,
		jobs:       make(chan domain.ExtractionJob, workers+batch),
		dsem:       make(chan struct{}, deliveryPool),
	}
}

// WorkerID reports the claimed_by identity of this pool.
func (p *Pool) WorkerID() string { return p.workerID }

// workerIdentity names this process for claimed_by rows: hostname plus a
// short random suffix, so a restarted process never inherits the previous
// incarnation's claims.
func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Run claims and processes jobs until ctx is canceled, then drains: claiming
// stops immediately, in-flight jobs get the shutdown grace to finish, and
// whatever is still running after that is canceled so it fails with kind
// shutdown and the stale sweep can requeue it.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("worker pool starting",
		slog.String("worker_id", p.workerID),
		slog.Int("workers", p.workers),
		slog.Int("claim_batch", p.claimBatch))

	// Workers run on a context that survives ctx cancellation so claimed
	// jobs can finish within the grace period.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(workCtx)
	}
	go p.sweepLoop(ctx)
	go p.snapshotLoop(ctx)

	p.claimLoop(ctx)
	close(p.jobs)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.grace):
		slog.Warn("shutdown grace elapsed, canceling in-flight jobs",
			slog.Duration("grace", p.grace),
			slog.Int64("busy", p.busy.Load()))
		cancelWork()
		<-done
	}
	p.dwg.Wait()
	slog.Info("worker pool stopped", slog.String("worker_id", p.workerID))
	return ctx.Err()
}

// RunOnce claims at most one batch and processes it on the calling
// goroutine. Used by the oneshot mode for drains and smoke tests.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	jobs, err := p.queue.Claim(ctx, p.workerID, p.claimBatch)
	if err != nil {
		return 0, fmt.Errorf("op=worker.run_once: %w", err)
	}
	if len(jobs) > 0 {
		observability.ClaimJobs(len(jobs))
	}
	for _, job := range jobs {
		p.noteBusy(1)
		p.handle(ctx, job)
		p.noteBusy(-1)
	}
	p.dwg.Wait()
	return len(jobs), nil
}

// claimLoop pulls batches sized to spare worker capacity. Empty claims back
// off with jitter so fleets sharing a queue do not poll in lockstep.
func (p *Pool) claimLoop(ctx context.Context) {
	idle := idleBackoff{base: idleBase, max: p.idleMax}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		capacity := p.workers - int(p.busy.Load()) - len(p.jobs)
		if capacity <= 0 {
			if !sleepCtx(ctx, idleBase) {
				return
			}
			continue
		}
		n := capacity
		if n > p.claimBatch {
			n = p.claimBatch
		}
		jobs, err := p.queue.Claim(ctx, p.workerID, n)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("claim failed", slog.Any("error", err))
			if !sleepCtx(ctx, idle.next()) {
				return
			}
			continue
		}
		if len(jobs) == 0 {
			if !sleepCtx(ctx, idle.next()) {
				return
			}
			continue
		}
		idle.reset()
		observability.ClaimJobs(len(jobs))
		for _, job := range jobs {
			p.jobs <- job
		}
	}
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.noteBusy(1)
		p.handle(ctx, job)
		p.noteBusy(-1)
	}
}

// handle runs one job through the pipeline and writes its terminal status.
// The claimed_by guard in the queue makes the write a no-op when a stale
// requeue already handed the job to another worker.
func (p *Pool) handle(ctx context.Context, job domain.ExtractionJob) {
	jctx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	out := p.proc.ProcessJob(jctx, job)
	cancel()

	wctx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancelWrite()
	var err error
	if out.Status == domain.JobDone {
		err = p.queue.Complete(wctx, job.ID, p.workerID, out.Status, out.Meta)
	} else {
		err = p.queue.Fail(wctx, job.ID, p.workerID, out.ErrorKind, out.ErrorMsg, out.Meta)
	}
	if err != nil {
		slog.Warn("job status write failed",
			slog.Int64("job_id", job.ID),
			slog.String("status", string(out.Status)),
			slog.Any("error", err))
	}
	observability.CompleteJob(string(out.Status))
	observability.ObserveErrorKind(out.ErrorKind)
	slog.Info("job finished",
		slog.Int64("job_id", job.ID),
		slog.String("status", string(out.Status)),
		slog.String("kind", out.ErrorKind),
		slog.Int("attempts", job.Attempts))

	if out.Status == domain.JobDone && out.Assignment != nil && p.fanout != nil {
		p.dispatch(ctx, job.Source, *out.Assignment)
	}
}

// dispatch hands the assignment to the delivery pool without blocking the
// worker. The semaphore bounds concurrent fanouts; each one is detached
// from the job context so shutdown does not cut a send mid-flight.
func (p *Pool) dispatch(ctx context.Context, source domain.JobSource, a domain.Assignment) {
	p.dwg.Add(1)
	go func() {
		defer p.dwg.Done()
		p.dsem <- struct{}{}
		defer func() { <-p.dsem }()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
		defer cancel()
		p.fanout.Deliver(dctx, source, a)
	}()
}

// sweepLoop returns stale processing claims to pending so crashed or
// canceled workers do not strand jobs.
func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.staleSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.RequeueStale(ctx, p.staleAfter)
			if err != nil {
				slog.Warn("stale sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				observability.StaleRequeuedTotal.Add(float64(n))
				slog.Info("stale jobs requeued", slog.Int64("count", n))
			}
		}
	}
}

// snapshotLoop refreshes the queue depth and oldest-pending gauges.
func (p *Pool) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c, err := p.queue.Counts(ctx)
			if err != nil {
				slog.Debug("queue counts unavailable", slog.Any("error", err))
				continue
			}
			observability.SetQueueDepth(c.Pending, c.Processing, c.Done, c.Failed, c.Skipped)
			age, err := p.queue.OldestPendingAge(ctx)
			if err != nil {
				slog.Debug("oldest pending age unavailable", slog.Any("error", err))
				continue
			}
			observability.OldestPendingAge.Set(age.Seconds())
		}
	}
}

func (p *Pool) noteBusy(delta int64) {
	n := p.busy.Add(delta)
	observability.PoolUtilization.Set(float64(n) / float64(p.workers))
}

// idleBackoff produces the sleep between empty claims: doubling from base
// up to max, with jitter in [cur/2, cur) to spread polling across workers.
type idleBackoff struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration
}

func (b *idleBackoff) next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.base
	} else {
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}
	half := b.cur / 2
	return half + rand.N(half+1)
}

func (b *idleBackoff) reset() { b.cur = 0 }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
