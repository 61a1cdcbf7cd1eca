// livesync keeps the trading dashboard's live panels synchronized: one shared
// push channel, fallback polling per panel while pushes are unavailable, and
// an aggregated connection status.
//
// Usage: go run ./cmd/livesync -config configs/livesync.example.yaml -table-interval 10s
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/livesync/internal/api"
	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/feed"
	"github.com/rickgao/livesync/internal/logging"
	"github.com/rickgao/livesync/internal/metrics"
	"github.com/rickgao/livesync/internal/panels"
	"github.com/rickgao/livesync/internal/scheduler"
	"github.com/rickgao/livesync/internal/status"
	"github.com/rickgao/livesync/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/livesync.example.yaml", "path to config file")
	tableInterval := flag.Duration("table-interval", 0, "print a feed table to stdout at this interval (0 disables)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log, os.Stderr).With("instance", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting livesync",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	if err := run(cfg, logger, *tableInterval); err != nil {
		logger.Error("livesync exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("livesync stopped")
}

func run(cfg *config.Config, logger *slog.Logger, tableInterval time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Metrics
	reg := prometheus.NewRegistry()
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
	}

	// Request/response transport shared by every feed
	apiClient := api.NewClient(
		cfg.API.RestURL,
		cfg.API.APIKey,
		api.WithLogger(logger.With("component", "api")),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, cfg.API.RetryBackoff),
		api.WithRateLimit(cfg.API.RateLimit, cfg.API.RateBurst),
	)

	// Last-known-value cache
	store, err := cache.Open(ctx, cfg.Cache, cfg.Instance.ID)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	if store != nil {
		defer store.Close()
		logger.Info("cache opened", "driver", cfg.Cache.Driver)
	}

	// Push channel
	mgrCfg := connection.DefaultManagerConfig()
	mgrCfg.WSURL = cfg.API.WSURL
	mgrCfg.APIKey = cfg.API.APIKey
	mgrCfg.ReconnectBaseWait = cfg.Channel.ReconnectBaseDelay
	mgrCfg.ReconnectMaxWait = cfg.Channel.ReconnectMaxDelay
	mgrCfg.PingInterval = cfg.Channel.PingInterval
	mgrCfg.PingTimeout = cfg.Channel.PingTimeout
	mgrCfg.WriteTimeout = cfg.Channel.WriteTimeout
	mgrCfg.HandshakeTimeout = cfg.Channel.HandshakeTimeout
	mgrCfg.BufferSize = cfg.Channel.BufferSize
	mgrCfg.AnnounceTopics = cfg.Channel.AnnounceTopics
	mgr := connection.NewManager(mgrCfg, logger.With("component", "channel"), m)

	sched := scheduler.New(logger.With("component", "scheduler"), m)

	agg := status.NewAggregator(mgr, sched, status.Options{
		Feeds:   enabledPanels(cfg.Feeds),
		Logger:  logger.With("component", "status"),
		Metrics: m,
	})
	defer agg.Close()
	cancelWatch := agg.Watch(func(s status.Snapshot) {
		logger.Info("connection status", "status", s.Status, "label", s.Label, "polling", s.PollingFeeds)
	})
	defer cancelWatch()

	deps := feed.Deps{
		Channel: mgr,
		Timers:  sched,
		Sync:    agg,
		Logger:  logger.With("component", "feed"),
		Metrics: m,
	}
	if store != nil {
		deps.Cache = store
	}
	set, err := panels.NewSet(deps, apiClient, cfg.Feeds, panels.Settings{
		FetchTimeout: cfg.Feeds.FetchTimeout,
		SaveTimeout:  cfg.Cache.SaveTimeout,
	})
	if err != nil {
		return fmt.Errorf("build panels: %w", err)
	}
	defer set.Close()
	logger.Info("panels ready", "panels", set.Names())

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start channel: %w", err)
	}

	srvDeps := serverDeps{
		Logger:         logger.With("component", "http"),
		Status:         agg,
		Channel:        mgr,
		Panels:         set,
		Timers:         sched,
		RefreshTimeout: cfg.Feeds.FetchTimeout,
	}
	if store != nil {
		srvDeps.Cache = store
	}
	if cfg.Metrics.Enabled {
		srvDeps.Gatherer = reg
		srvDeps.MetricsPath = cfg.Metrics.Path
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newServer(srvDeps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if tableInterval > 0 {
		g.Go(func() error {
			return runTable(gctx, os.Stdout, tableInterval, agg, set)
		})
	}

	logger.Info("livesync running",
		"status_url", fmt.Sprintf("http://localhost%s/status", cfg.HTTP.Addr),
	)

	err = g.Wait()

	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	set.Close()
	if stopErr := mgr.Stop(shutdownCtx); stopErr != nil {
		logger.Warn("channel stop", "error", stopErr)
	}
	if closeErr := sched.Close(shutdownCtx); closeErr != nil {
		logger.Warn("scheduler close", "error", closeErr)
	}

	return err
}

// enabledPanels lists the panel names the status aggregator should watch.
func enabledPanels(cfg config.FeedsConfig) []string {
	var names []string
	for _, p := range cfg.Panels {
		if !p.Disabled {
			names = append(names, p.Name)
		}
	}
	return names
}
