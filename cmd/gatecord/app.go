package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"github.com/rickgao/gatecord/internal/archive"
	"github.com/rickgao/gatecord/internal/auth"
	"github.com/rickgao/gatecord/internal/cache"
	"github.com/rickgao/gatecord/internal/config"
	"github.com/rickgao/gatecord/internal/database"
	"github.com/rickgao/gatecord/internal/gateway"
	"github.com/rickgao/gatecord/internal/model"
	"github.com/rickgao/gatecord/internal/ratelimit"
	"github.com/rickgao/gatecord/internal/rest"
	"github.com/rickgao/gatecord/internal/supervisor"
	"github.com/rickgao/gatecord/internal/version"
)

// Module wires every component. cfg and logger are supplied by the caller.
func Module() fx.Option {
	return fx.Module("gatecord",
		fx.Provide(
			newCredentials,
			ratelimit.NewMemoryStats,
			newRedisStats,
			newRegistry,
			newRESTClient,
			newDispatcher,
			newCaches,
			newArchive,
			newEventHandler,
			newGatewayInfo,
			newSupervisor,
			newHTTPServer,
		),
		fx.Invoke(registerSupervisor, registerHTTPServer),
	)
}

func newCredentials(cfg *config.Config) (*auth.Credentials, error) {
	return auth.LoadCredentials(cfg.API.Token, cfg.API.TokenFile)
}

// newRedisStats returns nil when Redis is not configured.
func newRedisStats(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) *ratelimit.RedisStats {
	if cfg.Redis.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	stats := ratelimit.NewRedisStats(rdb,
		ratelimit.WithStatsPrefix(cfg.Redis.Prefix),
		ratelimit.WithStatsTTL(cfg.Redis.TTL),
		ratelimit.WithStatsLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := rdb.Ping(startCtx).Err(); err != nil {
				logger.Warn("redis unreachable, rate limit statistics may be lost", "addr", cfg.Redis.Addr, "error", err)
			}
			go func() {
				defer close(done)
				stats.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return rdb.Close()
		},
	})
	return stats
}

func newRegistry(cfg *config.Config, logger *slog.Logger, mem *ratelimit.MemoryStats, rs *ratelimit.RedisStats) *ratelimit.Registry {
	observers := ratelimit.Observers{mem}
	if rs != nil {
		observers = append(observers, rs)
	}
	opts := []ratelimit.Option{
		ratelimit.WithLogger(logger),
		ratelimit.WithObserver(observers),
	}
	if n := cfg.API.GlobalRequestsPerSec; n > 0 {
		opts = append(opts, ratelimit.WithGlobalLimit(n, time.Second))
	}
	return ratelimit.NewRegistry(opts...)
}

func newRESTClient(cfg *config.Config, creds *auth.Credentials, logger *slog.Logger) (*rest.Client, error) {
	opts := []rest.ClientOption{
		rest.WithLogger(logger),
		rest.WithTimeout(cfg.API.Timeout),
		rest.WithUserAgent(version.UserAgent()),
	}
	if cfg.API.HTTP2 {
		hc, err := rest.NewHTTP2Client(cfg.API.Timeout)
		if err != nil {
			return nil, fmt.Errorf("http2 transport: %w", err)
		}
		opts = append(opts, rest.WithHTTPClient(hc))
	}
	return rest.NewClient(rest.BaseURL(cfg.API.RestURL, cfg.API.Version), creds.Authorization(), opts...), nil
}

func newDispatcher(lc fx.Lifecycle, cfg *config.Config, client *rest.Client, registry *ratelimit.Registry, logger *slog.Logger) *rest.Dispatcher {
	d := rest.NewDispatcher(client, registry,
		rest.WithMaxRetries(cfg.API.MaxRateLimitRetries),
		rest.WithDispatcherLogger(logger),
	)
	lc.Append(fx.Hook{
		OnStop: d.Close,
	})
	return d
}

// Caches are the entity caches in front of the dispatcher.
type Caches struct {
	Self     *cache.Value[*model.User]
	Users    *cache.EntityCache[*model.User]
	Channels *cache.EntityCache[*model.Channel]
	Guilds   *cache.EntityCache[*model.Guild]
}

func newCaches(cfg *config.Config, d *rest.Dispatcher, logger *slog.Logger) (*Caches, error) {
	cc := cache.Config{
		TTL:           cfg.Cache.TTL,
		MaxEntries:    cfg.Cache.MaxEntries,
		CacheNotFound: cfg.Cache.CacheNotFound,
		NegativeTTL:   cfg.Cache.NegativeTTL,
	}
	opt := cache.WithLogger(logger)

	users, err := cache.NewUserCache(d, cc, opt)
	if err != nil {
		return nil, err
	}
	channels, err := cache.NewChannelCache(d, cc, opt)
	if err != nil {
		return nil, err
	}
	guilds, err := cache.NewGuildCache(d, cc, opt)
	if err != nil {
		return nil, err
	}
	return &Caches{
		Self:     cache.NewSelfCache(d, cfg.Cache.SelfTTL, opt),
		Users:    users,
		Channels: channels,
		Guilds:   guilds,
	}, nil
}

// newArchive returns nil when the database is disabled.
func newArchive(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*archive.Writer, error) {
	if !cfg.Database.Enabled {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("connecting to database",
		"host", cfg.Database.Archive.Host,
		"port", cfg.Database.Archive.Port,
		"database", cfg.Database.Archive.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database.Archive)
	if err != nil {
		return nil, fmt.Errorf("connect archive database: %w", err)
	}

	w := archive.NewWriter(archive.Config{
		BatchSize:     cfg.Database.BatchSize,
		FlushInterval: cfg.Database.FlushInterval,
		MaxPending:    cfg.Database.MaxPending,
		EventTypes:    cfg.Database.EventTypes,
	}, pool, archive.WithLogger(logger))

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := w.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("create archive schema: %w", err)
			}
			return w.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			defer pool.Close()
			return w.Stop(ctx)
		},
	})
	return w, nil
}

func newEventHandler(logger *slog.Logger, caches *Caches, w *archive.Writer) gateway.EventHandler {
	handlers := gateway.Handlers{
		newEventLogger(logger),
		newCacheUpdater(caches, logger),
	}
	if w != nil {
		handlers = append(handlers, w)
	}
	return handlers
}

// gatewayInfo is what the supervisor needs from GET /gateway/bot. It is
// filled in on start, before the first session opens.
type gatewayInfo struct {
	url      string
	identify *rate.Limiter
}

func newGatewayInfo(cfg *config.Config) *gatewayInfo {
	return &gatewayInfo{
		url:      cfg.Gateway.URL,
		identify: gateway.NewIdentifyLimiter(cfg.Gateway.IdentifyConcurrency),
	}
}

// refresh asks the API for the gateway URL and identify concurrency. The
// configured values stay in place when the call fails.
func (g *gatewayInfo) refresh(ctx context.Context, d *rest.Dispatcher, logger *slog.Logger) error {
	gb, err := d.GetGatewayBot(ctx)
	if err != nil {
		var apiErr *rest.APIError
		if errors.As(err, &apiErr) && apiErr.IsUnauthorized() {
			return fmt.Errorf("bot token rejected: %w", err)
		}
		logger.Warn("gateway lookup failed, using configured url", "url", g.url, "error", err)
		return nil
	}

	if gb.URL != "" {
		g.url = gb.URL
	}
	if gb.SessionStartLimit.MaxConcurrency > 0 {
		g.identify = gateway.NewIdentifyLimiter(gb.SessionStartLimit.MaxConcurrency)
	}
	logger.Info("gateway discovered",
		"url", g.url,
		"recommended_shards", gb.Shards,
		"session_starts_remaining", gb.SessionStartLimit.Remaining,
		"max_concurrency", gb.SessionStartLimit.MaxConcurrency,
	)
	if gb.SessionStartLimit.Remaining == 0 {
		logger.Warn("session start limit exhausted", "reset_in", gb.SessionStartLimit.ResetIn())
	}
	return nil
}

func newSupervisor(cfg *config.Config, creds *auth.Credentials, handler gateway.EventHandler, info *gatewayInfo, logger *slog.Logger) (*supervisor.Supervisor, error) {
	intents, err := model.ParseIntents(cfg.Gateway.Intents)
	if err != nil {
		return nil, err
	}
	presence := initialPresence(cfg.Gateway)

	dialer := gateway.WSDialer{
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		WriteTimeout:     cfg.Gateway.WriteTimeout,
	}

	factory := func(shardID, shardCount int) supervisor.Handle {
		return gateway.NewSession(gateway.Config{
			URL:              info.url,
			Version:          cfg.API.Version,
			Token:            creds.Token,
			Intents:          intents,
			ShardID:          shardID,
			ShardCount:       shardCount,
			Compress:         cfg.Gateway.Compress,
			LargeThreshold:   cfg.Gateway.LargeThreshold,
			Presence:         presence,
			HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
			ReconnectDelay:   cfg.Gateway.ReconnectDelay,
			MaxReconnects:    cfg.Gateway.MaxReconnects,
			EventBufferSize:  cfg.Gateway.EventBufferSize,
			SendLimit:        cfg.Gateway.SendLimit,
			SendWindow:       cfg.Gateway.SendWindow,
		}, handler,
			gateway.WithDialer(dialer),
			gateway.WithIdentifyLimiter(info.identify),
			gateway.WithLogger(logger),
		)
	}

	return supervisor.New(supervisor.Config{
		ShardIDs:      cfg.Shards(),
		ShardCount:    cfg.Gateway.ShardCount,
		PollInterval:  cfg.Supervisor.PollInterval,
		BaseDelay:     cfg.Supervisor.ReconnectBaseDelay,
		MaxDelay:      cfg.Supervisor.ReconnectMaxDelay,
		ShutdownGrace: cfg.Supervisor.ShutdownGrace,
	}, factory, supervisor.WithLogger(logger))
}

// initialPresence builds the identify presence from config, nil when unset.
func initialPresence(cfg config.GatewayConfig) *model.Presence {
	if cfg.Status == "" && cfg.Activity == "" {
		return nil
	}
	p := &model.Presence{Status: model.Status(cfg.Status), Activities: []model.Activity{}}
	if p.Status == "" {
		p.Status = model.StatusOnline
	}
	if cfg.Activity != "" {
		p.Activities = append(p.Activities, model.Activity{Name: cfg.Activity, Type: model.ActivityPlaying})
	}
	return p
}

func registerSupervisor(lc fx.Lifecycle, sd fx.Shutdowner, sup *supervisor.Supervisor, info *gatewayInfo, d *rest.Dispatcher, logger *slog.Logger) {
	stopping := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := info.refresh(ctx, d, logger); err != nil {
				return err
			}
			if err := sup.Start(context.Background()); err != nil {
				return err
			}
			go func() {
				select {
				case <-sup.Done():
				case <-stopping:
					return
				}
				select {
				case <-stopping:
					return
				default:
				}
				logger.Error("all shards failed", "error", sup.Err())
				_ = sd.Shutdown(fx.ExitCode(1))
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stopping)
			return sup.Shutdown(ctx)
		},
	})
}

func newHTTPServer(cfg *config.Config, sup *supervisor.Supervisor, registry *ratelimit.Registry, mem *ratelimit.MemoryStats, d *rest.Dispatcher, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHealthHandler(cfg.Metrics.Path, sup, registry, mem, d),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func registerHTTPServer(lc fx.Lifecycle, srv *http.Server, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				logger.Info("starting health server", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("health server error", "error", err)
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
