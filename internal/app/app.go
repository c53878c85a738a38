// Package app builds the dependency graph shared by the API and worker binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/richinsley/comfy2video/client"
	"github.com/richinsley/comfy2video/graphapi"
	"github.com/richinsley/comfy2video/handler"
	"github.com/richinsley/comfy2video/internal/pkg/config"
	"github.com/richinsley/comfy2video/internal/pkg/errors"
	"github.com/richinsley/comfy2video/internal/pkg/logger"
	"github.com/richinsley/comfy2video/internal/pkg/shutdown"
	"github.com/richinsley/comfy2video/jobs"
	"github.com/richinsley/comfy2video/transfer"
)

// App holds the long-lived components. Cleanup is registered on Shutdown as
// each component is built.
type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Shutdown *shutdown.Manager

	Engine   *client.Engine
	Client   *client.ComfyClient
	Registry *graphapi.Registry
	Handler  *handler.Handler
}

// New builds the engine handle, client, template registry and job handler.
// Nothing touches the network until Start.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Log:      log,
		Shutdown: shutdown.NewManager(log, cfg.ShutdownTimeout),
	}

	registry, err := buildRegistry(cfg, log)
	if err != nil {
		return nil, err
	}
	a.Registry = registry

	engineOpts := []client.EngineOption{client.WithEngineLogger(log)}
	if cfg.Engine.Managed() {
		a.Engine, err = client.NewManagedEngine(cfg.Engine.BaseURL, cfg.Engine.Command, cfg.Engine.Args, engineOpts...)
	} else {
		a.Engine, err = client.NewEngine(cfg.Engine.BaseURL, engineOpts...)
	}
	if err != nil {
		return nil, err
	}
	a.Shutdown.Register("engine", a.Engine.Shutdown)

	a.Client = client.NewComfyClient(a.Engine,
		client.WithPollInterval(cfg.Poll.Interval),
		client.WithBackoffMax(cfg.Poll.BackoffMax),
		client.WithMaxTransientFailures(cfg.Poll.MaxTransientFailures),
		client.WithProgressConnectTimeout(progressConnectTimeout(cfg.Engine.ReadyTimeout)),
		client.WithLogger(log),
	)

	resolver := transfer.NewResolver(
		transfer.WithFetchTimeout(cfg.FetchTimeout),
		transfer.WithResolverLogger(log),
	)
	var materializer graphapi.ImageMaterializer
	if cfg.Engine.InputDir != "" {
		materializer = transfer.NewDirMaterializer(resolver, cfg.Engine.InputDir, "input", log)
	} else {
		materializer = transfer.NewUploadMaterializer(resolver, a.Client, "input", "", log)
	}
	binder := graphapi.NewBinder(
		graphapi.WithDefaultNegativePrompt(cfg.DefaultNegativePrompt),
		graphapi.WithMaterializer(materializer),
		graphapi.WithBinderLogger(log),
	)

	publisher, err := transfer.NewPublisher(ctx, cfg.Publish, log)
	if err != nil {
		return nil, err
	}

	a.Handler = handler.New(registry, binder, a.Client, publisher,
		handler.WithJobTimeout(cfg.Poll.JobTimeout),
		handler.WithLogger(log),
	)
	return a, nil
}

// progressConnectTimeout is the engine ready timeout, capped so a missing
// websocket endpoint cannot hold up startup for long.
func progressConnectTimeout(ready time.Duration) time.Duration {
	if ready <= 0 || ready > client.DefaultProgressConnectTimeout {
		return client.DefaultProgressConnectTimeout
	}
	return ready
}

func buildRegistry(cfg *config.Config, log *logger.Logger) (*graphapi.Registry, error) {
	registry := graphapi.DefaultRegistry()
	if cfg.TemplateDir == "" {
		return registry, nil
	}
	loaded, err := registry.LoadDir(cfg.TemplateDir)
	if err != nil {
		return nil, err
	}
	log.Info("templates loaded", "dir", cfg.TemplateDir, "variants", loaded)
	return registry, nil
}

// Start waits for the engine and, when configured, opens the progress stream.
func (a *App) Start(ctx context.Context) error {
	if err := a.Engine.WaitReady(ctx, a.Config.Engine.ReadyTimeout); err != nil {
		return err
	}
	if a.Config.Engine.ProgressWS {
		// progress is telemetry only; the service runs without it
		if err := a.Client.StartProgress(ctx); err != nil {
			a.Log.Warn("progress stream unavailable, continuing without it", "error", err.Error())
			return nil
		}
		a.Shutdown.RegisterSimple("progress stream", a.Client.StopProgress)
	}
	return nil
}

// OpenStore opens the configured job store.
func (a *App) OpenStore(ctx context.Context) (jobs.Store, error) {
	cfg := a.Config.Jobs
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "app.OpenStore", "connect to postgres")
		}
		store := jobs.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		a.Shutdown.Register("job store", func(context.Context) error { return store.Close() })
		return store, nil
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "app.OpenStore", "connect to redis")
		}
		a.Shutdown.Register("job store", func(context.Context) error { return rdb.Close() })
		return jobs.NewRedisStore(rdb, cfg.ResultTTL), nil
	}
	return nil, fmt.Errorf("app: unknown job store %q", cfg.Store)
}

// Queue builds the asynq-backed job queue over store.
func (a *App) Queue(store jobs.Store) *jobs.Queue {
	c := jobs.NewClient(a.Config.Jobs)
	a.Shutdown.Register("asynq client", func(context.Context) error { return c.Close() })
	return jobs.NewQueue(c, store, a.Log)
}

// Worker builds the asynq server and the worker that feeds the handler.
func (a *App) Worker(store jobs.Store) (*asynq.Server, *jobs.Worker) {
	srv := jobs.NewServer(a.Config.Jobs, a.Log)
	a.Shutdown.RegisterSimple("asynq server", srv.Shutdown)
	return srv, jobs.NewWorker(a.Handler, store, a.Log)
}
