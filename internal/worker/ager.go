package worker

import (
	"context"
	"time"

	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/domain"
)

// AgingStore is the slice of the assignment repository the ager needs.
type AgingStore interface {
	CloseAgedAssignments(ctx domain.Context, amberAfter, redAfter, closeAfter time.Duration) (aged int64, closed int64, err error)
}

// FreshnessAger ages assignment freshness tiers on a timer: green rows turn
// amber, amber rows turn red, and red rows past the close threshold are
// closed. Thresholds count from published_at, so the sweep is idempotent and
// safe to run from every worker replica.
type FreshnessAger struct {
	store      AgingStore
	amberAfter time.Duration
	redAfter   time.Duration
	closeAfter time.Duration
	interval   time.Duration
}

// NewFreshnessAger wires the ager from config. Returns nil when store is
// nil, and Run on a nil ager is a no-op, mirroring how optional sweepers are
// wired in main.
func NewFreshnessAger(store AgingStore, cfg config.Config, interval time.Duration) *FreshnessAger {
	if store == nil {
		return nil
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &FreshnessAger{
		store:      store,
		amberAfter: cfg.FreshnessAmberAfter,
		redAfter:   cfg.FreshnessRedAfter,
		closeAfter: cfg.CloseAfter,
		interval:   interval,
	}
}

// Run sweeps once immediately and then on every tick until ctx is canceled.
func (a *FreshnessAger) Run(ctx context.Context) {
	if a == nil || a.store == nil {
		return
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("freshness ager stopping")
			return
		case <-ticker.C:
			a.sweepOnce(ctx)
		}
	}
}

func (a *FreshnessAger) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("worker.ager")
	ctx, span := tracer.Start(ctx, "FreshnessAger.sweepOnce")
	defer span.End()

	aged, closed, err := a.store.CloseAgedAssignments(ctx, a.amberAfter, a.redAfter, a.closeAfter)
	if err != nil {
		span.RecordError(err)
		slog.Error("freshness sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(
		attribute.Int64("assignments.aged", aged),
		attribute.Int64("assignments.closed", closed),
	)
	if aged > 0 || closed > 0 {
		slog.Info("freshness tiers aged",
			slog.Int64("aged", aged),
			slog.Int64("closed", closed))
	}
}
