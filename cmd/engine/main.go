package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"biblio/internal/api"
	"biblio/internal/app"
	"biblio/internal/config"
	"biblio/internal/database"
	"biblio/internal/scheduler"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, configPath(), "engine")
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logger := rt.Config, rt.Logger

	if cfg.Priorities.SyncOnStart {
		if _, err := rt.SyncPriorities(ctx); err != nil {
			logger.Warn().Err(err).Msg("priority sync at startup failed, keeping stored priorities")
		}
	}

	engine, err := rt.BuildEngine()
	if err != nil {
		return err
	}

	cadence, err := scheduler.NewCadence(cfg.Scheduler)
	if err != nil {
		return err
	}
	sched := scheduler.New(cadence, scheduler.Every(cfg.Sweep.Interval), logger)

	status := func() api.EngineStatus {
		return api.EngineStatus{Running: sched.Running(), LastTick: engine.LastTick()}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		engine.Outbox.Start(gctx)
		return nil
	})

	g.Go(func() error {
		sched.Run(gctx, tickJob(engine, logger), sweepJob(engine, logger))
		return nil
	})

	if cfg.Monitoring.PrometheusEnabled {
		g.Go(func() error { return app.ServeMetrics(gctx, cfg.Monitoring.PrometheusPort, logger) })
	}

	if cfg.Database.Driver == config.DriverSQLite && cfg.Backup.Enabled {
		backups := database.NewBackupService(cfg.Database.Path, cfg.Backup, logger)
		g.Go(func() error {
			backups.Start(gctx)
			return nil
		})
	}

	if cfg.API.Enabled {
		if err := startAPI(gctx, g, rt, status); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
	}

	logger.Info().
		Str("timezone", cadence.Location().String()).
		Int("concurrency", cfg.Engine.Concurrency).
		Time("next_tick", cadence.Next(time.Now())).
		Msg("engine started")

	err = g.Wait()
	logger.Info().Msg("engine stopped")
	return err
}

func tickJob(engine *app.Engine, logger *zerolog.Logger) scheduler.Job {
	return func(ctx context.Context) {
		sum, err := engine.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("tick failed")
			return
		}
		if sum.Claimed > 0 {
			logger.Info().
				Int("claimed", sum.Claimed).
				Int("processed", sum.Processed).
				Int("skipped", sum.Skipped).
				Int("failed", sum.Failed).
				Msg("tick finished")
		}
	}
}

func sweepJob(engine *app.Engine, logger *zerolog.Logger) scheduler.Job {
	return func(ctx context.Context) {
		swept, err := engine.Sweep(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("sweep failed")
			return
		}
		if len(swept) > 0 {
			logger.Info().Int("resolved", len(swept)).Msg("sweep finished")
		}
	}
}

func startAPI(ctx context.Context, g *errgroup.Group, rt *app.Runtime, status api.StatusFunc) error {
	cfg, logger := rt.Config, rt.Logger

	if cfg.API.GRPC.Enabled {
		grpcServer, err := api.NewGRPCServer(&cfg.API, rt.Repo, logger)
		if err != nil {
			return err
		}
		g.Go(grpcServer.Serve)
		g.Go(func() error {
			grpcServer.TrackEngine(ctx, status, 2*time.Second)
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			grpcServer.Shutdown(shutdownCtx)
			return nil
		})
	}

	if cfg.API.HTTP.Enabled {
		httpServer := api.NewHTTPServer(cfg.API, rt.Repo, status, logger)
		g.Go(httpServer.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}
	return nil
}
