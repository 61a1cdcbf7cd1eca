package config

import (
	"time"

	"github.com/google/uuid"
)

// Default values for optional configuration fields.
const (
	DefaultRestURL            = "http://localhost:8094"
	DefaultWSURL              = "ws://localhost:8094/ws/user"
	DefaultAPITimeout         = 15 * time.Second
	DefaultMaxRetries         = 2
	DefaultRetryBackoff       = 500 * time.Millisecond
	DefaultRateLimit          = 2.0
	DefaultRateBurst          = 4
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultPingTimeout        = 75 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultChannelBufferSize  = 1024
	DefaultPollInterval       = 30 * time.Second
	DefaultStaleAfter         = 90 * time.Second
	DefaultSQLitePath         = "livesync.db"
	DefaultCacheSaveTimeout   = 2 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultMetricsPath        = "/metrics"
	DefaultHTTPAddr           = ":8095"
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// Poll interval bounds. Anything faster than MinPollInterval contributes to
// backend rate limiting; anything slower than MaxPollInterval is not a fallback.
const (
	MinPollInterval = 5 * time.Second
	MaxPollInterval = 10 * time.Minute
)

// DefaultPanels is the panel set used when feeds.panels is empty.
func DefaultPanels() []PanelConfig {
	return []PanelConfig{
		{Name: PanelWalletBalance, Topic: "BALANCE_UPDATE", Path: "/api/futures/wallet-balance"},
		{Name: PanelPositions, Topic: "POSITION_UPDATE", Path: "/api/futures/positions"},
		{Name: PanelPnL, Topic: "PNL_UPDATE", Path: "/api/futures/metrics", PollInterval: 60 * time.Second},
		{Name: PanelCircuitBreaker, Topic: "CIRCUIT_BREAKER_UPDATE", Path: "/api/futures/autopilot/circuit-breaker/status"},
	}
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = "livesync-" + uuid.NewString()[:8]
	}

	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.API.RetryBackoff == 0 {
		c.API.RetryBackoff = DefaultRetryBackoff
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = DefaultRateLimit
	}
	if c.API.RateBurst == 0 {
		c.API.RateBurst = DefaultRateBurst
	}

	// Channel defaults
	if c.Channel.ReconnectBaseDelay == 0 {
		c.Channel.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Channel.ReconnectMaxDelay == 0 {
		c.Channel.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Channel.PingInterval == 0 {
		c.Channel.PingInterval = DefaultPingInterval
	}
	if c.Channel.PingTimeout == 0 {
		c.Channel.PingTimeout = DefaultPingTimeout
	}
	if c.Channel.WriteTimeout == 0 {
		c.Channel.WriteTimeout = DefaultWriteTimeout
	}
	if c.Channel.HandshakeTimeout == 0 {
		c.Channel.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Channel.BufferSize == 0 {
		c.Channel.BufferSize = DefaultChannelBufferSize
	}

	// Feed defaults
	if c.Feeds.PollInterval == 0 {
		c.Feeds.PollInterval = DefaultPollInterval
	}
	if c.Feeds.StaleAfter == 0 {
		c.Feeds.StaleAfter = DefaultStaleAfter
	}
	if c.Feeds.FetchTimeout == 0 {
		c.Feeds.FetchTimeout = c.API.Timeout * time.Duration(c.API.MaxRetries+1)
	}
	if len(c.Feeds.Panels) == 0 {
		c.Feeds.Panels = DefaultPanels()
	}
	defaults := DefaultPanels()
	for i := range c.Feeds.Panels {
		p := &c.Feeds.Panels[i]
		for _, d := range defaults {
			if d.Name != p.Name {
				continue
			}
			if p.Topic == "" {
				p.Topic = d.Topic
			}
			if p.Path == "" {
				p.Path = d.Path
			}
			if p.PollInterval == 0 {
				p.PollInterval = d.PollInterval
			}
		}
		if p.PollInterval == 0 {
			p.PollInterval = c.Feeds.PollInterval
		}
		if p.StaleAfter == 0 {
			p.StaleAfter = c.Feeds.StaleAfter
		}
	}

	// Cache defaults
	if c.Cache.Driver == "" {
		c.Cache.Driver = CacheNone
	}
	if c.Cache.SQLitePath == "" {
		c.Cache.SQLitePath = DefaultSQLitePath
	}
	if c.Cache.SaveTimeout == 0 {
		c.Cache.SaveTimeout = DefaultCacheSaveTimeout
	}
	if c.Cache.Driver == CachePostgres {
		applyDBDefaults(&c.Cache.Postgres)
	}

	// Metrics / HTTP / log defaults
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
