package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"biblio/internal/api"
	"biblio/internal/app"

	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, configPath, "api-main")
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logger := rt.Config, rt.Logger

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, but starting API application. Check your config.")
	}

	// движок в этом процессе не работает, health отражает только хранилище
	grpcServer, err := api.NewGRPCServer(&cfg.API, rt.Repo, logger)
	if err != nil {
		logger.Error().Err(err).Msg("create grpc server")
		return err
	}
	grpcServer.SetServing(true)

	httpServer := api.NewHTTPServer(cfg.API, rt.Repo, nil, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(grpcServer.Serve)
	if cfg.API.HTTP.Enabled {
		g.Go(httpServer.Start)
	}
	if cfg.Monitoring.PrometheusEnabled {
		g.Go(func() error { return app.ServeMetrics(gctx, cfg.Monitoring.PrometheusPort, logger) })
	}

	logger.Info().Str("grpc_addr", grpcServer.Addr()).Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		grpcServer.Shutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("API server stopped")
	return err
}
