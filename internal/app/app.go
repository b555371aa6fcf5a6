// Package app wires the shared client runtime: config, logging, store,
// broadcast stream, liveness monitor, and identity. Both binaries build
// on the same App so their environments behave identically.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/avoronov/syncboard/internal/config"
	"github.com/avoronov/syncboard/internal/identity"
	"github.com/avoronov/syncboard/internal/obslog"
	"github.com/avoronov/syncboard/internal/realtime"
	"github.com/avoronov/syncboard/internal/store"
)

// App holds the wired runtime shared by both client binaries.
type App struct {
	Cfg      *config.AppConfig
	Store    store.Store
	Stream   realtime.Stream
	Monitor  *realtime.Monitor
	Identity *identity.Manager

	// Redis is only set when the Redis transport is configured;
	// presence tracking needs it directly.
	Redis *redis.Client
}

// New builds the runtime from the environment. An unreachable store or
// broadcast transport is tolerated: the clients start in offline mode
// and the monitor retries both the transport and the deferred identity
// bootstrap.
func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := obslog.Init(cfg.LogLevel, cfg.LogFormat, cfg.LogFile); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	a := &App{Cfg: cfg}

	switch {
	case cfg.DatabaseURL != "":
		a.Store, err = store.NewPostgres(cfg.DatabaseURL)
	default:
		a.Store, err = store.NewREST(cfg.RESTBaseURL, cfg.RESTAPIKey)
	}
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	switch {
	case cfg.RedisURL != "":
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", perr)
		}
		a.Redis = redis.NewClient(opts)
		a.Stream = realtime.NewRedisStream(a.Redis)
	case cfg.RealtimeWSURL != "":
		a.Stream = realtime.NewWSStream(cfg.RealtimeWSURL, func() map[string]string {
			return map[string]string{"apikey": cfg.RESTAPIKey}
		})
	default:
		obslog.L().Warn("no broadcast transport configured, live updates disabled")
		a.Stream = realtime.NewNoopStream()
	}

	a.Store = store.Published(a.Store, a.Stream)

	if err := a.Stream.Connect(ctx); err != nil {
		obslog.L().Warn("broadcast transport unavailable, will keep retrying", zap.Error(err))
	}
	a.Monitor = realtime.NewMonitor(a.Stream)
	a.Monitor.Start()

	a.Identity, err = identity.Load(ctx, cfg.DataDir, a.Store.Players())
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	a.Monitor.OnReconnect(func(ctx context.Context) {
		if err := a.Identity.EnsureRow(ctx); err != nil {
			obslog.L().Warn("players row bootstrap still pending", zap.Error(err))
		}
	})
	return a, nil
}

// Close tears the runtime down in reverse order of construction.
func (a *App) Close() {
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	if a.Stream != nil {
		_ = a.Stream.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
	_ = obslog.L().Sync()
}
