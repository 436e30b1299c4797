package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"whatsnew/internal/config"
	"whatsnew/internal/feed"
	"whatsnew/internal/match"
	"whatsnew/internal/state"
	"whatsnew/internal/webhook"
)

func main() {
	var opts config.Options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	// Setup Logger
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(opts)
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize store", "type", cfg.Feeds.Store.Type, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	dict := match.NewDictionary(cfg.Feeds.Services)
	pipeline := feed.NewPipeline(
		feed.NewGofeedSource(cfg.Feeds.UserAgent),
		store,
		match.New(dict),
		webhook.NewClient(cfg.Feeds.UserAgent),
		feed.Config{
			Feeds:         cfg.Feeds.Feeds,
			Webhooks:      cfg.Webhooks.Webhooks,
			Location:      cfg.Location,
			LookbackDays:  cfg.Feeds.LookbackDays,
			RetentionDays: cfg.Feeds.RetentionDays,
			Prune:         cfg.Feeds.Prune,
		},
	)

	if opts.MetricsAddr != "" {
		go serveMetrics(opts.MetricsAddr)
	}

	logger.Info("Starting whatsnew",
		"interval", cfg.Feeds.Interval,
		"feeds", len(cfg.Feeds.Feeds),
		"webhooks", len(cfg.Webhooks.Webhooks),
		"services", dict.Len(),
		"store", cfg.Feeds.Store.Type,
		"once", opts.Once)

	if opts.Once {
		report, err := pipeline.RunOnce(ctx)
		if err != nil {
			logger.Error("Pipeline run failed", "error", err)
			store.Close()
			os.Exit(1)
		}
		logger.Info("Pipeline run finished",
			"stored", report.Stored,
			"matched", len(report.Matched),
			"delivery_failures", len(report.DeliveryFailures),
			"pruned", report.Pruned)
		return
	}

	pipeline.Run(ctx, cfg.Feeds.Interval)
	logger.Info("Pipeline stopped")
}

func openStore(ctx context.Context, cfg *config.AppConfig) (state.Store, error) {
	sc := cfg.Feeds.Store
	opts := state.Options{Location: cfg.Location, Timeout: sc.Timeout}

	switch sc.Type {
	case "valkey":
		slog.Info("Using Valkey Store", "address", sc.Address, "table", sc.Table)
		return state.NewValkeyStore(ctx, state.ValkeyConfig{
			Address:      sc.Address,
			Password:     sc.Password,
			DB:           sc.DB,
			Table:        sc.Table,
			MaxItemBytes: sc.MaxItemBytes,
			Concurrency:  sc.Concurrency,
		}, opts)
	case "memory":
		slog.Info("Using Memory Store")
		return state.NewMemoryStore(opts), nil
	default:
		slog.Info("Using SQLite Store", "path", sc.Path)
		return state.NewSQLiteStore(sc.Path, opts)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("Starting metrics server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("Metrics server failed", "error", err)
	}
}
