package main

import (
	"context"

	"github.com/richinsley/comfy2video/internal/app"
	"github.com/richinsley/comfy2video/internal/pkg/config"
	"github.com/richinsley/comfy2video/internal/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	lcfg := logger.DefaultConfig()
	lcfg.ServiceName = "comfy2video-worker"
	log := logger.New(lcfg)
	if err != nil {
		log.LogFatal("invalid configuration", err)
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.LogFatal("failed to build application", err)
	}
	if err := a.Start(ctx); err != nil {
		a.Shutdown.Shutdown()
		log.LogFatal("render engine not ready", err)
	}

	store, err := a.OpenStore(ctx)
	if err != nil {
		a.Shutdown.Shutdown()
		log.LogFatal("failed to open job store", err, "store", cfg.Jobs.Store)
	}

	srv, worker := a.Worker(store)
	if err := srv.Start(worker.Mux()); err != nil {
		a.Shutdown.Shutdown()
		log.LogFatal("asynq server failed to start", err)
	}
	log.Info("worker started", "concurrency", cfg.Jobs.Concurrency, "redis", cfg.Jobs.RedisAddr)

	a.Shutdown.Wait()
}
