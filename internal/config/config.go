package config

import "time"

// Config is the root configuration for a livesync process.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	API      APIConfig      `yaml:"api"`
	Channel  ChannelConfig  `yaml:"channel"`
	Feeds    FeedsConfig    `yaml:"feeds"`
	Cache    CacheConfig    `yaml:"cache"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// InstanceConfig identifies this process in logs and cache rows.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds trading engine endpoints and request budget.
type APIConfig struct {
	RestURL      string        `yaml:"rest_url"`
	WSURL        string        `yaml:"ws_url"`
	APIKey       string        `yaml:"api_key"` // Bearer token for REST and websocket handshake
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	RateLimit    float64       `yaml:"rate_limit"` // Requests per second shared by all feeds
	RateBurst    int           `yaml:"rate_burst"`
}

// ChannelConfig holds push channel settings.
type ChannelConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
	AnnounceTopics     bool          `yaml:"announce_topics"`
}

// FeedsConfig holds fallback polling defaults and the panels to run.
type FeedsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"` // Deadline for one snapshot fetch, retries included
	Panels       []PanelConfig `yaml:"panels"`
}

// PanelConfig configures one dashboard feed. Zero durations inherit from FeedsConfig.
type PanelConfig struct {
	Name         string        `yaml:"name"` // One of the Panel* kinds
	Topic        string        `yaml:"topic"`
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	Disabled     bool          `yaml:"disabled"`
}

// Panel kinds understood by the panels package.
const (
	PanelWalletBalance  = "wallet_balance"
	PanelPositions      = "positions"
	PanelPnL            = "pnl"
	PanelCircuitBreaker = "circuit_breaker"
)

// KnownPanels lists every panel kind in display order.
var KnownPanels = []string{PanelWalletBalance, PanelPositions, PanelPnL, PanelCircuitBreaker}

// CacheConfig selects the last-known-value store.
type CacheConfig struct {
	Driver      string        `yaml:"driver"` // none | sqlite | postgres
	SQLitePath  string        `yaml:"sqlite_path"`
	Postgres    DBConfig      `yaml:"postgres"`
	SaveTimeout time.Duration `yaml:"save_timeout"`
}

// Cache drivers.
const (
	CacheNone     = "none"
	CacheSQLite   = "sqlite"
	CachePostgres = "postgres"
)

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HTTPConfig holds the debug HTTP server settings.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig controls log format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Panel returns the panel config with the given name.
func (c *Config) Panel(name string) (PanelConfig, bool) {
	for _, p := range c.Feeds.Panels {
		if p.Name == name {
			return p, true
		}
	}
	return PanelConfig{}, false
}
