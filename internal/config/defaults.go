package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL              = "https://discord.com/api"
	DefaultGatewayURL           = "wss://gateway.discord.gg"
	DefaultAPIVersion           = 10
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRateLimitRetries  = 5
	DefaultGlobalRequestsPerSec = 50
	DefaultShardCount           = 1
	DefaultLargeThreshold       = 250
	DefaultSendLimit            = 115
	DefaultSendWindow           = 60 * time.Second
	DefaultIdentifyConcurrency  = 1
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultReconnectDelay       = 1 * time.Second
	DefaultMaxReconnects        = 5
	DefaultEventBufferSize      = 1024
	DefaultPollInterval         = 1 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 2 * time.Minute
	DefaultShutdownGrace        = 5 * time.Second
	DefaultCacheTTL             = 60 * time.Second
	DefaultCacheMaxEntries      = 10000
	DefaultSelfTTL              = 60 * time.Second
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultBatchSize            = 500
	DefaultFlushInterval        = 1 * time.Second
	DefaultRedisPrefix          = "gatecord:ratelimit"
	DefaultRedisTTL             = 24 * time.Hour
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

func (c *Config) applyDefaults() {
	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.Version == 0 {
		c.API.Version = DefaultAPIVersion
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRateLimitRetries == 0 {
		c.API.MaxRateLimitRetries = DefaultMaxRateLimitRetries
	}
	if c.API.GlobalRequestsPerSec == 0 {
		c.API.GlobalRequestsPerSec = DefaultGlobalRequestsPerSec
	}

	// Gateway defaults
	if c.Gateway.URL == "" {
		c.Gateway.URL = DefaultGatewayURL
	}
	if c.Gateway.ShardCount == 0 {
		c.Gateway.ShardCount = DefaultShardCount
	}
	if len(c.Gateway.Intents) == 0 {
		c.Gateway.Intents = []string{"unprivileged"}
	}
	if c.Gateway.LargeThreshold == 0 {
		c.Gateway.LargeThreshold = DefaultLargeThreshold
	}
	if c.Gateway.SendLimit == 0 {
		c.Gateway.SendLimit = DefaultSendLimit
	}
	if c.Gateway.SendWindow == 0 {
		c.Gateway.SendWindow = DefaultSendWindow
	}
	if c.Gateway.IdentifyConcurrency == 0 {
		c.Gateway.IdentifyConcurrency = DefaultIdentifyConcurrency
	}
	if c.Gateway.HandshakeTimeout == 0 {
		c.Gateway.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = DefaultWriteTimeout
	}
	if c.Gateway.ReconnectDelay == 0 {
		c.Gateway.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Gateway.MaxReconnects == 0 {
		c.Gateway.MaxReconnects = DefaultMaxReconnects
	}
	if c.Gateway.EventBufferSize == 0 {
		c.Gateway.EventBufferSize = DefaultEventBufferSize
	}

	// Supervisor defaults
	if c.Supervisor.PollInterval == 0 {
		c.Supervisor.PollInterval = DefaultPollInterval
	}
	if c.Supervisor.ReconnectBaseDelay == 0 {
		c.Supervisor.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Supervisor.ReconnectMaxDelay == 0 {
		c.Supervisor.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Supervisor.ShutdownGrace == 0 {
		c.Supervisor.ShutdownGrace = DefaultShutdownGrace
	}

	// Cache defaults
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if c.Cache.SelfTTL == 0 {
		c.Cache.SelfTTL = DefaultSelfTTL
	}

	// Database defaults
	applyDBDefaults(&c.Database.Archive)
	if c.Database.BatchSize == 0 {
		c.Database.BatchSize = DefaultBatchSize
	}
	if c.Database.MaxPending == 0 {
		c.Database.MaxPending = 10 * c.Database.BatchSize
	}
	if c.Database.FlushInterval == 0 {
		c.Database.FlushInterval = DefaultFlushInterval
	}

	// Redis defaults
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = DefaultRedisPrefix
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = DefaultRedisTTL
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
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
