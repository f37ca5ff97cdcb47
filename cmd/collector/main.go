// Command collector runs the Telegram ingestion side of the pipeline.
// The default tail command follows configured channels live; the backfill
// command replays channel history over a window into the same raw store
// and extraction queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutordex/aggregator/internal/adapter/observability"
	"github.com/tutordex/aggregator/internal/adapter/repo/postgres"
	"github.com/tutordex/aggregator/internal/adapter/telegram"
	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/registry"
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

	reg, err := registry.Load(cfg.RegistryFile)
	if err != nil {
		slog.Error("registry load failed", slog.Any("error", err))
		os.Exit(1)
	}

	coll, err := telegram.NewCollector(cfg, postgres.NewRawStoreRepo(pool), postgres.NewQueueRepo(pool, cfg.MaxAttempts), reg)
	if err != nil {
		slog.Error("collector init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := coll.Close(); err != nil {
			slog.Error("collector close failed", slog.Any("error", err))
		}
	}()

	go serveMetrics(cfg.MetricsPort)

	args := os.Args[1:]
	cmd := "tail"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "tail":
		err = coll.Tail(ctx)
	case "backfill":
		err = runBackfill(ctx, coll, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want tail or backfill)\n", cmd)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("collector exited", slog.String("command", cmd), slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("collector stopped", slog.String("command", cmd))
}

func runBackfill(ctx context.Context, coll *telegram.Collector, args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	sinceStr := fs.String("since", "", "window start, RFC3339 or YYYY-MM-DD (required)")
	untilStr := fs.String("until", "", "window end, RFC3339 or YYYY-MM-DD (default now)")
	channels := fs.String("channels", "", "comma-separated channel subset (default CHANNELS)")
	_ = fs.Parse(args)

	if *sinceStr == "" {
		fs.Usage()
		return errors.New("backfill: --since is required")
	}
	since, err := parseWhen(*sinceStr)
	if err != nil {
		return fmt.Errorf("backfill: --since: %w", err)
	}
	until := time.Now().UTC()
	if *untilStr != "" {
		if until, err = parseWhen(*untilStr); err != nil {
			return fmt.Errorf("backfill: --until: %w", err)
		}
	}
	var only []string
	for _, s := range strings.Split(*channels, ",") {
		if s = strings.TrimSpace(s); s != "" {
			only = append(only, s)
		}
	}

	slog.Info("backfill starting", slog.Time("since", since), slog.Time("until", until))
	return coll.Backfill(ctx, since, until, only)
}

func parseWhen(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: want RFC3339 or YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		slog.Error("metrics server error", slog.Any("error", err))
	}
}
