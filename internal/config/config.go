package config

import "time"

// Config is the root configuration for a gatecord instance.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	API        APIConfig        `yaml:"api"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Cache      CacheConfig      `yaml:"cache"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
	Memory     MemoryConfig     `yaml:"memory"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds REST settings.
type APIConfig struct {
	RestURL              string        `yaml:"rest_url"`
	Version              int           `yaml:"version"`
	Token                string        `yaml:"token"`
	TokenFile            string        `yaml:"token_file"` // Read when token is empty
	Timeout              time.Duration `yaml:"timeout"`
	MaxRateLimitRetries  int           `yaml:"max_rate_limit_retries"`
	GlobalRequestsPerSec int           `yaml:"global_requests_per_sec"`
	HTTP2                bool          `yaml:"http2"`
}

// GatewayConfig holds per-shard session settings.
type GatewayConfig struct {
	URL                 string        `yaml:"url"`
	ShardIDs            []int         `yaml:"shard_ids"` // Empty means every shard in [0, shard_count)
	ShardCount          int           `yaml:"shard_count"`
	Intents             []string      `yaml:"intents"`
	Compress            bool          `yaml:"compress"`
	LargeThreshold      int           `yaml:"large_threshold"`
	SendLimit           int           `yaml:"send_limit"` // Commands per send_window, heartbeats excluded
	SendWindow          time.Duration `yaml:"send_window"`
	IdentifyConcurrency int           `yaml:"identify_concurrency"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	ReconnectDelay      time.Duration `yaml:"reconnect_delay"`
	MaxReconnects       int           `yaml:"max_reconnects"` // Consecutive failed dials before the session gives up
	EventBufferSize     int           `yaml:"event_buffer_size"`
	Status              string        `yaml:"status"`
	Activity            string        `yaml:"activity"`
}

// SupervisorConfig holds watchdog settings.
type SupervisorConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
}

// CacheConfig holds entity cache settings shared by all entity caches.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	CacheNotFound bool          `yaml:"cache_not_found"`
	NegativeTTL   time.Duration `yaml:"negative_ttl"`
	SelfTTL       time.Duration `yaml:"self_ttl"`
}

// DatabaseConfig holds the optional PostgreSQL event archive.
type DatabaseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Archive       DBConfig      `yaml:"archive"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxPending    int           `yaml:"max_pending"` // Rows held while the database is slow; more are dropped
	EventTypes    []string      `yaml:"event_types"` // Dispatch types to archive; empty archives all
}

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

// RedisConfig holds the optional rate-limit statistics store.
type RedisConfig struct {
	Addr     string        `yaml:"addr"` // Empty disables Redis statistics
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// MetricsConfig holds Prometheus and health endpoint settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json, console
}

// MemoryConfig configures the optional heap watchdog.
type MemoryConfig struct {
	LimitMB uint64 `yaml:"limit_mb"` // 0 disables the watchdog
}
