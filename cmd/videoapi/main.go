package main

import (
	"context"
	"net/http"
	"time"

	"github.com/richinsley/comfy2video/internal/app"
	"github.com/richinsley/comfy2video/internal/pkg/config"
	"github.com/richinsley/comfy2video/internal/pkg/logger"
	"github.com/richinsley/comfy2video/server"
)

func main() {
	cfg, err := config.Load()
	lcfg := logger.DefaultConfig()
	lcfg.ServiceName = "comfy2video-api"
	log := logger.New(lcfg)
	if err != nil {
		log.LogFatal("invalid configuration", err)
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.LogFatal("failed to build application", err)
	}

	log.Info("waiting for render engine", "base_url", cfg.Engine.BaseURL, "managed", cfg.Engine.Managed())
	if err := a.Start(ctx); err != nil {
		a.Shutdown.Shutdown()
		log.LogFatal("render engine not ready", err)
	}

	store, err := a.OpenStore(ctx)
	if err != nil {
		a.Shutdown.Shutdown()
		log.LogFatal("failed to open job store", err, "store", cfg.Jobs.Store)
	}

	srv := server.New(server.Deps{
		Runner: a.Handler,
		Queue:  a.Queue(store),
		Engine: a.Client,
		Log:    log,
	})

	httpServer := &http.Server{
		Addr:         "0.0.0.0:" + cfg.HTTPPort,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Poll.JobTimeout + time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	a.Shutdown.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return httpServer.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	a.Shutdown.Wait()
}
