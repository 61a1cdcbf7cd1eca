// streamtest connects to the dashboard push channel and prints every frame.
// Usage: go run ./cmd/streamtest -config configs/livesync.example.yaml [-topics BALANCE_UPDATE,PNL_UPDATE] [-verbose]
//
// LIVESYNC_API_KEY is sent as the bearer token on the websocket handshake.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/livesync.example.yaml", "path to config file")
	topics := flag.String("topics", "", "comma-separated topics to print (default: all)")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	connCfg := connection.DefaultManagerConfig()
	connCfg.WSURL = cfg.API.WSURL
	connCfg.APIKey = cfg.API.APIKey
	connCfg.ReconnectBaseWait = cfg.Channel.ReconnectBaseDelay
	connCfg.ReconnectMaxWait = cfg.Channel.ReconnectMaxDelay
	connCfg.AnnounceTopics = cfg.Channel.AnnounceTopics

	mgr := connection.NewManager(connCfg, logger, nil)

	mgr.OnConnect(func() { logger.Info("channel up") })
	mgr.OnDisconnect(func(err error) { logger.Warn("channel down", "error", err) })
	mgr.OnReconnectAttempt(func(ev connection.AttemptEvent) {
		logger.Info("reconnect", "attempt", ev.Attempt, "phase", ev.Phase, "delay", ev.Delay, "error", ev.Err)
	})

	onEvent := func(ev connection.Event) { printEvent(ev, *verbose) }
	if *topics == "" {
		mgr.Subscribe(router.AllTopics, onEvent)
	} else {
		for _, t := range strings.Split(*topics, ",") {
			if t = strings.TrimSpace(t); t != "" {
				mgr.Subscribe(connection.Topic(t), onEvent)
			}
		}
	}

	logger.Info("starting push channel", "url", cfg.API.WSURL)
	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start push channel", "error", err)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := mgr.Stats()
				logger.Info("stats",
					"connected", stats.Connected,
					"connects", stats.Connects,
					"disconnects", stats.Disconnects,
					"received", stats.Router.Received,
					"routed", stats.Router.Routed,
					"unrouted", stats.Router.Unrouted,
					"parse_errors", stats.Router.ParseErrors,
					"queue_len", stats.Router.Queue.Len,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	mgr.Stop(shutdownCtx)

	logger.Info("shutdown complete")
}

func printEvent(ev connection.Event, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(map[string]any{
			"type":        ev.Topic,
			"sent_at":     ev.SentAt,
			"received_at": ev.ReceivedAt,
			"data":        ev.Data,
		}, "", "  ")
		fmt.Printf("%s\n", data)
		return
	}

	lag := "-"
	if !ev.SentAt.IsZero() {
		lag = ev.ReceivedAt.Sub(ev.SentAt).Round(time.Millisecond).String()
	}
	fmt.Printf("[%s] %s lag=%s bytes=%d\n",
		ev.ReceivedAt.Format("15:04:05.000"), ev.Topic, lag, len(ev.Data))
}
