package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/panels"
	"github.com/rickgao/livesync/internal/scheduler"
	"github.com/rickgao/livesync/internal/status"
	"github.com/rickgao/livesync/internal/version"
)

type statusSource interface {
	Snapshot() status.Snapshot
}

type channelStats interface {
	Stats() connection.ManagerStats
}

type panelSource interface {
	Names() []string
	Rows() []panels.Row
	Get(name string) (panels.Panel, bool)
}

type timerSource interface {
	Timers() []scheduler.TimerInfo
}

type pinger interface {
	Ping(ctx context.Context) error
}

// serverDeps are the components the debug HTTP surface reads from.
type serverDeps struct {
	Logger         *slog.Logger
	Status         statusSource
	Channel        channelStats
	Panels         panelSource
	Timers         timerSource
	Cache          pinger // nil when caching is off
	Gatherer       prometheus.Gatherer
	MetricsPath    string
	RefreshTimeout time.Duration
}

// newServer builds the gin engine serving health, status, feed views and metrics.
func newServer(d serverDeps) *gin.Engine {
	if d.RefreshTimeout <= 0 {
		d.RefreshTimeout = 10 * time.Second
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Logger))

	r.GET("/health", d.handleHealth)
	r.GET("/status", d.handleStatus)
	r.GET("/feeds", d.handleFeeds)
	r.GET("/feeds/:name", d.handleFeed)
	r.POST("/feeds/:name/refresh", d.handleRefresh)
	if d.Gatherer != nil && d.MetricsPath != "" {
		r.GET(d.MetricsPath, gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (d serverDeps) handleHealth(c *gin.Context) {
	snap := d.Status.Snapshot()

	health := gin.H{
		"status":     "healthy",
		"connection": snap.Label,
		"version":    version.Get(),
	}
	code := http.StatusOK

	// Polling keeps panels fresh while the channel is down.
	if !snap.Connected {
		health["status"] = "degraded"
	}

	if d.Cache != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := d.Cache.Ping(ctx); err != nil {
			health["status"] = "unhealthy"
			health["cache"] = gin.H{"status": "disconnected", "error": err.Error()}
			code = http.StatusServiceUnavailable
		} else {
			health["cache"] = "connected"
		}
	}

	c.JSON(code, health)
}

func (d serverDeps) handleStatus(c *gin.Context) {
	stats := d.Channel.Stats()

	timers := make([]gin.H, 0)
	for _, t := range d.Timers.Timers() {
		timers = append(timers, gin.H{
			"feed":     t.FeedID,
			"interval": t.Interval.String(),
			"since":    t.Since,
			"ticks":    t.Ticks,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"connection": d.Status.Snapshot(),
		"channel": gin.H{
			"connected":          stats.Connected,
			"reconnect_attempts": stats.ReconnectAttempts,
			"connects":           stats.Connects,
			"disconnects":        stats.Disconnects,
			"subscriptions":      stats.Subscriptions,
			"topics":             stats.Topics,
			"listeners":          stats.Listeners,
		},
		"router": gin.H{
			"received":       stats.Router.Received,
			"routed":         stats.Router.Routed,
			"unrouted":       stats.Router.Unrouted,
			"parse_errors":   stats.Router.ParseErrors,
			"handler_panics": stats.Router.HandlerPanics,
			"queue_len":      stats.Router.Queue.Len,
			"queue_dropped":  stats.Router.Queue.Dropped,
		},
		"fallback_timers": timers,
	})
}

func (d serverDeps) handleFeeds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"feeds": d.Panels.Rows()})
}

func (d serverDeps) handleFeed(c *gin.Context) {
	p, ok := d.Panels.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown feed", "feeds": d.Panels.Names()})
		return
	}
	c.JSON(http.StatusOK, p.View())
}

func (d serverDeps) handleRefresh(c *gin.Context) {
	p, ok := d.Panels.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown feed", "feeds": d.Panels.Names()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), d.RefreshTimeout)
	defer cancel()

	if err := p.Refresh(ctx); err != nil {
		d.Logger.Warn("manual refresh failed", "feed", p.Name(), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "feed": p.View()})
		return
	}
	c.JSON(http.StatusOK, p.View())
}
