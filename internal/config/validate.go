package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := validateURL("api.rest_url", c.API.RestURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("api.ws_url", c.API.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}
	if c.API.RateLimit <= 0 {
		return errors.New("api.rate_limit must be > 0")
	}
	if c.API.RateBurst < 1 {
		return errors.New("api.rate_burst must be >= 1")
	}

	if c.Channel.ReconnectBaseDelay <= 0 {
		return errors.New("channel.reconnect_base_delay must be > 0")
	}
	if c.Channel.ReconnectMaxDelay < c.Channel.ReconnectBaseDelay {
		return fmt.Errorf("channel.reconnect_max_delay (%s) cannot be below reconnect_base_delay (%s)",
			c.Channel.ReconnectMaxDelay, c.Channel.ReconnectBaseDelay)
	}
	if c.Channel.PingTimeout <= c.Channel.PingInterval {
		return errors.New("channel.ping_timeout must exceed channel.ping_interval")
	}
	if c.Channel.BufferSize < 1 {
		return errors.New("channel.buffer_size must be >= 1")
	}

	if c.Feeds.FetchTimeout <= 0 {
		return errors.New("feeds.fetch_timeout must be > 0")
	}

	seen := make(map[string]bool, len(c.Feeds.Panels))
	for i, p := range c.Feeds.Panels {
		prefix := fmt.Sprintf("feeds.panels[%d]", i)
		if !slices.Contains(KnownPanels, p.Name) {
			return fmt.Errorf("%s.name %q is not a known panel", prefix, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%s.name %q is duplicated", prefix, p.Name)
		}
		seen[p.Name] = true
		if p.Topic == "" {
			return fmt.Errorf("%s.topic is required", prefix)
		}
		if p.Path == "" {
			return fmt.Errorf("%s.path is required", prefix)
		}
		if p.PollInterval < MinPollInterval || p.PollInterval > MaxPollInterval {
			return fmt.Errorf("%s.poll_interval must be between %s and %s, got %s",
				prefix, MinPollInterval, MaxPollInterval, p.PollInterval)
		}
		if p.StaleAfter <= 0 {
			return fmt.Errorf("%s.stale_after must be > 0", prefix)
		}
	}

	switch c.Cache.Driver {
	case CacheNone:
	case CacheSQLite:
		if c.Cache.SQLitePath == "" {
			return errors.New("cache.sqlite_path is required")
		}
	case CachePostgres:
		if err := c.Cache.Postgres.validate("cache.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cache.driver %q must be one of none, sqlite, postgres", c.Cache.Driver)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute %v URL", field, raw, schemes)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
