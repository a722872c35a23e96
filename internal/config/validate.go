package config

import (
	"errors"
	"fmt"

	"github.com/rickgao/gatecord/internal/model"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.API.Token == "" && c.API.TokenFile == "" {
		return errors.New("api.token or api.token_file is required")
	}
	if c.API.MaxRateLimitRetries < 1 {
		return errors.New("api.max_rate_limit_retries must be >= 1")
	}

	if c.Gateway.ShardCount < 1 {
		return errors.New("gateway.shard_count must be >= 1")
	}
	for _, id := range c.Gateway.ShardIDs {
		if id < 0 || id >= c.Gateway.ShardCount {
			return fmt.Errorf("gateway.shard_ids: shard %d out of range [0, %d)", id, c.Gateway.ShardCount)
		}
	}
	if _, err := model.ParseIntents(c.Gateway.Intents); err != nil {
		return fmt.Errorf("gateway.intents: %w", err)
	}
	if c.Gateway.LargeThreshold < 50 || c.Gateway.LargeThreshold > 250 {
		return fmt.Errorf("gateway.large_threshold must be between 50 and 250, got %d", c.Gateway.LargeThreshold)
	}
	if c.Gateway.SendLimit < 1 {
		return errors.New("gateway.send_limit must be >= 1")
	}
	if c.Gateway.IdentifyConcurrency < 1 {
		return errors.New("gateway.identify_concurrency must be >= 1")
	}
	if c.Gateway.Status != "" {
		if !(model.Presence{Status: model.Status(c.Gateway.Status)}).Valid() {
			return fmt.Errorf("gateway.status %q is not a valid status", c.Gateway.Status)
		}
	}

	if c.Supervisor.ReconnectMaxDelay < c.Supervisor.ReconnectBaseDelay {
		return fmt.Errorf("supervisor.reconnect_max_delay (%v) cannot be below reconnect_base_delay (%v)",
			c.Supervisor.ReconnectMaxDelay, c.Supervisor.ReconnectBaseDelay)
	}

	if c.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be > 0")
	}
	if c.Cache.MaxEntries < 1 {
		return errors.New("cache.max_entries must be >= 1")
	}

	if c.Database.Enabled {
		if err := c.Database.Archive.validate("database.archive"); err != nil {
			return err
		}
		if c.Database.BatchSize < 1 {
			return errors.New("database.batch_size must be >= 1")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Logging.Format {
	case "text", "json", "console":
	default:
		return fmt.Errorf("logging.format must be text, json or console, got %q", c.Logging.Format)
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
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
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
