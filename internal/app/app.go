// Package app wires configuration into the long-lived components shared by the commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"biblio/internal/config"
	"biblio/internal/database"
	"biblio/internal/domain"
	"biblio/internal/events"
	"biblio/internal/google"
	"biblio/internal/logging"
	"biblio/internal/metrics"
	"biblio/internal/notifier"
	"biblio/internal/pgstore"
	"biblio/internal/priority"
	"biblio/internal/repository"
	"biblio/internal/reservation"
	"biblio/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// PrioritiesEnv holds an optional JSON or YAML priority table.
const PrioritiesEnv = "BIBLIO_PRIORITIES"

// Runtime owns the process-wide resources. Close releases them in reverse order.
type Runtime struct {
	Config   *config.Config
	Logger   *zerolog.Logger
	Location *time.Location
	Repo     domain.Repository
	Redis    *redis.Client

	closers []io.Closer
}

// Open loads config, builds the logger and connects storage. Redis is optional.
func Open(ctx context.Context, configPath, component string) (*Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	base, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	rt := &Runtime{Config: cfg, Logger: logging.Component(base, component)}
	if closer != nil {
		rt.closers = append(rt.closers, closer)
	}

	rt.Location, err = cfg.Venue.Location()
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Repo, err = OpenStore(ctx, cfg, rt.Location, rt.Logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, rt.Repo)

	rt.Redis = OpenRedis(ctx, cfg.Redis, rt.Logger)
	if rt.Redis != nil {
		rt.closers = append(rt.closers, rt.Redis)
	}
	return rt, nil
}

// Close releases resources, newest first.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i].Close()
	}
	rt.closers = nil
}

// OpenStore picks the sqlite or postgres store by database.driver.
func OpenStore(ctx context.Context, cfg *config.Config, loc *time.Location, logger *zerolog.Logger) (domain.Repository, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		store, err := pgstore.New(ctx, cfg.Database.Postgres.DSN(), loc, logger)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		store.SetDefaultPriority(cfg.Priorities.Default)
		return store, nil
	default:
		db, err := database.NewDB(cfg.Database.Path, loc, logger)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		db.SetDefaultPriority(cfg.Priorities.Default)
		return db, nil
	}
}

// OpenRedis returns nil when redis is not configured or unreachable.
func OpenRedis(ctx context.Context, cfg config.RedisConfig, logger *zerolog.Logger) *redis.Client {
	if cfg.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Address).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Address).Msg("redis connected")
	return client
}

// Lease prefers a Redis lease shared across processes and falls back to memory.
func (rt *Runtime) Lease() domain.Lease {
	memory := repository.NewMemoryLease()
	if rt.Redis == nil {
		return memory
	}
	return repository.NewFailoverLease(repository.NewRedisLease(rt.Redis), memory, rt.Logger)
}

// Sender is the Telegram sender, or a log sender when no token is set.
func (rt *Runtime) Sender() (domain.Sender, error) {
	if rt.Config.Telegram.BotToken == "" {
		rt.Logger.Warn().Msg("telegram bot token is empty, notifications go to the log")
		return notifier.NewLogSender(rt.Logger), nil
	}

	api, err := notifier.NewBotAPI(rt.Config.Telegram, "")
	if err != nil {
		return nil, err
	}
	rt.Logger.Info().Str("bot", api.Self.UserName).Msg("telegram connected")
	return notifier.NewTelegramSender(api, rt.Config.Telegram.SendRPS, rt.Logger), nil
}

// EntryClient builds the upstream client, with a CAPTCHA solver when enabled.
func (rt *Runtime) EntryClient() *reservation.Client {
	cfg := rt.Config
	client := reservation.NewClient(
		cfg.Upstream,
		reservation.NewTimeoutPolicy(cfg.Engine.Timeout),
		reservation.NewConfirmPolicy(cfg.Engine.Confirm),
		rt.Logger,
	)
	if cfg.Captcha.Enabled {
		client.UseSolver(reservation.NewCaptchaSolver(cfg.Captcha, nil))
	}
	return client
}

// Engine is the assembled reservation machinery of one process.
type Engine struct {
	*worker.Engine
	Pipeline *worker.Pipeline
	Outbox   *worker.Outbox
	Notifier *notifier.Notifier
	Bus      *events.EventBus
}

// BuildEngine assembles pipeline, engine and outbox. The caller runs Outbox.Start.
func (rt *Runtime) BuildEngine() (*Engine, error) {
	cfg := rt.Config

	venue, err := reservation.NewVenue(cfg.Venue)
	if err != nil {
		return nil, err
	}
	sender, err := rt.Sender()
	if err != nil {
		return nil, err
	}

	bus := events.NewEventBus().WithLogger(rt.Logger)
	events.SubscribeDefaults(bus, rt.Logger)

	outbox := worker.NewOutbox(sender, rt.Redis, worker.DefaultBackoff(), rt.Logger)
	notif := notifier.New(outbox, cfg.Engine.NotifyEvery, rt.Logger)

	client := rt.EntryClient()
	pipeline := worker.NewPipeline(rt.Repo, client, venue, notif, client.Timeouts(),
		worker.NewPipelineConfig(cfg.Engine), venue.Location, rt.Logger)
	pipeline.UseEvents(bus)

	engine := worker.NewEngine(rt.Repo, pipeline, rt.Lease(), worker.NewEngineConfig(cfg.Engine, cfg.Sweep), rt.Logger)
	engine.UseNotifier(notif)
	engine.UseEvents(bus)

	return &Engine{Engine: engine, Pipeline: pipeline, Outbox: outbox, Notifier: notif, Bus: bus}, nil
}

// LoadPriorities merges the file table, the Google Sheet and the env table, in that order.
func (rt *Runtime) LoadPriorities(ctx context.Context) (priority.Table, error) {
	cfg := rt.Config
	tables := []priority.Table{}

	if cfg.Priorities.File != "" {
		t, err := priority.Load(cfg.Priorities.File)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}

	if cfg.Google.CredentialsFile != "" && cfg.Google.PrioritiesSpreadsheetID != "" {
		sheet, err := google.NewPrioritySheet(ctx, cfg.Google.CredentialsFile,
			cfg.Google.PrioritiesSpreadsheetID, cfg.Google.PrioritiesRange, rt.Logger)
		if err != nil {
			return nil, err
		}
		t, err := sheet.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}

	t, ok, err := priority.FromEnv(PrioritiesEnv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", PrioritiesEnv, err)
	}
	if ok {
		tables = append(tables, t)
	}

	if len(tables) == 0 {
		return nil, errors.New("no priority source configured")
	}
	return priority.Merge(tables...), nil
}

// SyncPriorities loads the priority table and writes it to the users table.
func (rt *Runtime) SyncPriorities(ctx context.Context) (int, error) {
	table, err := rt.LoadPriorities(ctx)
	if err != nil {
		return 0, err
	}
	n, err := rt.Repo.SyncPriorities(ctx, table, rt.Config.Priorities.Default)
	if err != nil {
		return 0, fmt.Errorf("sync priorities: %w", err)
	}
	rt.Logger.Info().Int("users", n).Int("entries", len(table)).Msg("priorities synced")
	return n, nil
}

// ServeMetrics exposes /metrics until ctx is done.
func ServeMetrics(ctx context.Context, port int, logger *zerolog.Logger) error {
	metrics.Register()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()

	logger.Info().Int("port", port).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
