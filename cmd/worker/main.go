// Command worker runs the extraction side of the pipeline: a pool of
// goroutines claiming queued jobs and driving each through triage, LLM
// extraction, validation, enrichment and the assignment upsert, with
// delivery side effects fanned out best effort. Subcommands: run (default),
// oneshot (one claim batch, then exit), requeue-stale.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tutordex/aggregator/internal/adapter/botapi"
	events "github.com/tutordex/aggregator/internal/adapter/events"
	"github.com/tutordex/aggregator/internal/adapter/geocode"
	"github.com/tutordex/aggregator/internal/adapter/httpserver"
	"github.com/tutordex/aggregator/internal/adapter/llm/real"
	"github.com/tutordex/aggregator/internal/adapter/llm/stub"
	"github.com/tutordex/aggregator/internal/adapter/matcher"
	"github.com/tutordex/aggregator/internal/adapter/observability"
	"github.com/tutordex/aggregator/internal/adapter/repo/postgres"
	"github.com/tutordex/aggregator/internal/adapter/sink"
	"github.com/tutordex/aggregator/internal/app"
	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/delivery"
	"github.com/tutordex/aggregator/internal/domain"
	"github.com/tutordex/aggregator/internal/enrich"
	"github.com/tutordex/aggregator/internal/filter"
	"github.com/tutordex/aggregator/internal/registry"
	"github.com/tutordex/aggregator/internal/usecase"
	"github.com/tutordex/aggregator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	cmd := "run"
	if args := os.Args[1:]; len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
	}
	switch cmd {
	case "run", "oneshot", "requeue-stale":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want run, oneshot or requeue-stale)\n", cmd)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := postgres.Migrate(cfg.DBURL); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	queueRepo := postgres.NewQueueRepo(pool, cfg.MaxAttempts)

	if cmd == "requeue-stale" {
		n, err := queueRepo.RequeueStale(ctx, cfg.StaleAfter)
		if err != nil {
			slog.Error("requeue stale failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("stale jobs requeued", slog.Int64("count", n))
		return
	}

	rawRepo := postgres.NewRawStoreRepo(pool)
	asgRepo := postgres.NewAssignmentRepo(pool)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	reg, err := registry.Load(cfg.RegistryFile)
	if err != nil {
		slog.Error("registry load failed", slog.Any("error", err))
		os.Exit(1)
	}
	blocklist, err := reg.BlocklistPatterns()
	if err != nil {
		slog.Error("blocklist compile failed", slog.Any("error", err))
		os.Exit(1)
	}
	flt := filter.New(cfg.MinChars, cfg.CompilationThreshold, blocklist)

	tax, err := enrich.LoadTaxonomy()
	if err != nil {
		slog.Error("taxonomy load failed", slog.Any("error", err))
		os.Exit(1)
	}
	var geo domain.Geocoder
	if cfg.GeocodingEnabled {
		geo = geocode.NewCache(geocode.New(cfg), rdb)
	}
	enricher := enrich.New(tax, geo)

	// LLM_API_URL=stub swaps the extractor for the deterministic canned
	// client, which lets the whole pipeline run without an upstream model.
	var extractor domain.Extractor
	var probe app.BreakerProbe
	if cfg.LLMAPIURL == "stub" {
		extractor = stub.New()
		slog.Warn("using stub extractor, no LLM calls will be made")
	} else {
		llmClient, err := real.New(cfg)
		if err != nil {
			slog.Error("llm client init failed", slog.Any("error", err))
			os.Exit(1)
		}
		extractor = llmClient
		probe = llmClient.Breaker()
	}

	snk := sink.NewJSONL(cfg.JSONLSinkPath)
	defer func() { _ = snk.Close() }()

	var sender domain.BotSender
	if cfg.BroadcastEnabled || cfg.DMsEnabled {
		if cfg.BotToken == "" {
			slog.Warn("delivery enabled without BOT_TOKEN, broadcast and DMs stay off")
		} else {
			s, err := botapi.New(cfg)
			if err != nil {
				slog.Error("bot sender init failed", slog.Any("error", err))
				os.Exit(1)
			}
			sender = s
		}
	}
	var match domain.Matcher
	if cfg.DMsEnabled {
		match = matcher.New(cfg)
	}
	var pub domain.EventPublisher
	if cfg.EventsEnabled {
		p, err := events.NewProducer(cfg)
		if err != nil {
			// Events are a best-effort side effect; a dead broker must not
			// keep the pipeline down.
			slog.Error("event producer init failed, continuing without events", slog.Any("error", err))
		} else {
			pub = p
			defer func() { _ = p.Close() }()
		}
	}

	proc := usecase.NewProcessService(rawRepo, asgRepo, extractor, flt, enricher, reg, snk, cfg.DupWindow, cfg.TriageReportEnabled)
	fanout := delivery.NewFanout(cfg, sender, match, pub, snk, rdb)
	wp := worker.New(cfg, queueRepo, proc, fanout)

	if cmd == "oneshot" {
		n, err := wp.RunOnce(ctx)
		if err != nil {
			slog.Error("oneshot failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("oneshot finished", slog.Int("processed", n))
		return
	}

	dbCheck, redisCheck, breakerCheck := app.BuildReadinessChecks(pool, rdb, probe)
	srv := httpserver.NewServer(cfg, queueRepo, asgRepo, dbCheck, redisCheck, breakerCheck)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
		mux.Handle("/readyz", srv.ReadyzHandler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	ager := worker.NewFreshnessAger(asgRepo, cfg, 0)
	go ager.Run(ctx)
	retention := postgres.NewRetentionService(pool, cfg.RetentionDays)
	go retention.RunPeriodic(ctx, cfg.CleanupInterval)

	slog.Info("worker starting",
		slog.String("worker_id", wp.WorkerID()),
		slog.Int("workers", cfg.Workers),
		slog.String("pipeline_version", cfg.PipelineVersion))
	if err := wp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
