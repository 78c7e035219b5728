package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"AutoHolds/internal/config"
	"AutoHolds/internal/domain"
	"AutoHolds/internal/infrastructure/scheduler"
	"AutoHolds/internal/infrastructure/sierra"
	"AutoHolds/internal/infrastructure/storage"
	"AutoHolds/internal/infrastructure/telemetry"
	"AutoHolds/internal/logging"
	"AutoHolds/internal/usecase"
	"AutoHolds/pkg/logger"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg         config.Config
	logger      *slog.Logger
	store       *storage.DB
	controller  *usecase.RunController
	checkpoints *usecase.CheckpointResolver
	telemetry   *telemetry.Provider
	now         func() time.Time
}

// New opens the store and builds the engine. The caller owns Close.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}
	provider, tracer, err := newTracer(ctx, cfg.Tracing, logging.Component(baseLogger, "telemetry"))
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, storage.Dialect(cfg.Database.Driver), cfg.Database.DSN, storage.WithTracer(tracer))
	if err != nil {
		if provider != nil {
			_ = provider.Shutdown(context.WithoutCancel(ctx))
		}
		return nil, fmt.Errorf("open store: %w", err)
	}

	connector := sierra.NewClient(sierra.Config{
		BaseURL:         cfg.Sierra.BaseURL,
		ClientKey:       cfg.Sierra.ClientKey,
		ClientSecret:    cfg.Sierra.ClientSecret,
		Fields:          cfg.Sierra.Fields,
		PageSize:        cfg.Sierra.PageSize,
		LoginMaxElapsed: cfg.Sierra.LoginMaxElapsed,
	}, nil, tracer)

	controller := usecase.NewRunController(usecase.RunControllerDeps{
		Connector:     connector,
		Registrations: store,
		Audit:         store,
		Dispatch: usecase.DispatchConfig{
			RecordType: cfg.Sierra.RecordType,
			Timeout:    cfg.Sierra.RequestTimeout,
			Limiter:    newLimiter(cfg.Sierra),
		},
		Logger: logging.Component(baseLogger, "engine"),
		Tracer: tracer,
	})

	return &Application{
		cfg:         cfg,
		logger:      baseLogger,
		store:       store,
		controller:  controller,
		checkpoints: usecase.NewCheckpointResolver(store),
		telemetry:   provider,
		now:         time.Now,
	}, nil
}

// Store exposes the persistence layer to read-only commands.
func (a *Application) Store() *storage.DB { return a.store }

// Migrate brings the schema up to date.
func (a *Application) Migrate() error {
	return a.store.Migrate(logger.NewMigrate(a.logger))
}

// Run performs a single synchronization pass.
func (a *Application) Run(ctx context.Context) (*domain.RunRecord, error) {
	return a.controller.Run(ctx)
}

// Watch runs the engine every scheduler interval until ctx is cancelled,
// then waits for an in-flight run to finish.
func (a *Application) Watch(ctx context.Context) error {
	driver := scheduler.NewIntervalScheduler(a.cfg.Scheduler.Interval, a.cfg.Scheduler.Location())
	sched := usecase.NewScheduler(driver, a.controller, logging.Component(a.logger, "scheduler"))

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.logger.Info("watching for new items", "interval", a.cfg.Scheduler.Interval)
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// Checkpoint reports where the next run would resume.
func (a *Application) Checkpoint(ctx context.Context) (domain.Watermark, error) {
	return a.checkpoints.Resolve(ctx, 0, a.now())
}

// Close flushes pending spans and releases the store.
func (a *Application) Close() error {
	var errs []error
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// newTracer installs the OTLP exporter when tracing is enabled. A nil tracer
// leaves every component on its no-op default.
func newTracer(ctx context.Context, cfg config.TracingConfig, log *slog.Logger) (*telemetry.Provider, trace.Tracer, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = "autoholds"
	}
	provider, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: name,
		Endpoint:    cfg.Endpoint,
		Insecure:    cfg.Insecure,
		SampleRatio: cfg.SampleRatio,
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("init tracing: %w", err)
	}
	log.Info("exporting traces", "endpoint", cfg.Endpoint, "service", name)
	return provider, provider.Tracer(name), nil
}

func newLimiter(cfg config.SierraConfig) *rate.Limiter {
	if cfg.HoldsPerSecond <= 0 {
		return nil
	}
	burst := cfg.HoldBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.HoldsPerSecond), burst)
}
