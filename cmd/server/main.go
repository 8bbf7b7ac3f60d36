package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	appevent "github.com/metering/tally/internal/application/event"
	apptally "github.com/metering/tally/internal/application/tally"
	"github.com/metering/tally/internal/bootstrap"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/metering/tally/internal/infrastructure/cache"
	"github.com/metering/tally/internal/infrastructure/config"
	"github.com/metering/tally/internal/infrastructure/event"
	"github.com/metering/tally/internal/infrastructure/logger"
	"github.com/metering/tally/internal/infrastructure/migration"
	"github.com/metering/tally/internal/infrastructure/persistence"
	"github.com/metering/tally/internal/infrastructure/scheduler"
	"github.com/metering/tally/internal/infrastructure/telemetry"
	"github.com/metering/tally/internal/interfaces/http/handler"
	"github.com/metering/tally/internal/interfaces/http/router"
	"github.com/metering/tally/migrations"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	baseLog, err := logger.New(logger.FromConfig(cfg.Log))
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	ctx := context.Background()

	// Telemetry first so the log bridge covers everything after it
	providers, err := telemetry.Setup(ctx, cfg.Telemetry, baseLog)
	if err != nil {
		baseLog.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	log := providers.BridgeLogger(baseLog)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			baseLog.Error("Error shutting down telemetry", zap.Error(err))
		}
		_ = baseLog.Sync()
	}()

	log.Info("Starting tally",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.Bool("telemetry", providers.Enabled()),
	)

	// Database
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh))
	db, err := persistence.NewDatabase(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	meter := providers.Meter(telemetry.MeterName)
	if err := telemetry.InstrumentDB(db.DB, meter, telemetry.DBConfig{
		Tracing:            cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		FullSQL:            cfg.Telemetry.DBLogFullSQL,
		SlowQueryThreshold: cfg.Telemetry.DBSlowQueryThresh,
		DBSystem:           "postgresql",
	}, log); err != nil {
		log.Fatal("Failed to instrument database", zap.Error(err))
	}

	if cfg.Database.AutoMigrate {
		if err := migrateUp(db, log); err != nil {
			log.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}
	if err := db.CheckSchema(ctx); err != nil {
		log.Fatal("Database schema is not ready", zap.Error(err))
	}

	metrics, err := telemetry.NewTallyMetrics(meter)
	if err != nil {
		log.Fatal("Failed to create metrics", zap.Error(err))
	}

	// Redis-backed coordination, falling back to in-memory for single instances
	cacheFactory := cache.NewFactory(cfg.Redis,
		cache.WithLogger(log.Named("cache")),
		cache.WithLockTTL(cfg.Tally.LockTTL),
	)
	defer func() {
		if err := cacheFactory.Close(); err != nil {
			log.Error("Error closing Redis client", zap.Error(err))
		}
	}()
	locker, err := cacheFactory.CreateKeyLocker(ctx)
	if err != nil {
		log.Fatal("Failed to create key locker", zap.Error(err))
	}

	// Tally
	profile, err := config.LoadTagProfile(cfg.Tally.TagProfilePath)
	if err != nil {
		log.Fatal("Failed to load tag profile", zap.Error(err))
	}
	clock := tally.NewClock()
	scope := persistence.NewGormTransactionScope(db.DB, event.NewTxPublisherFactory(cfg.Outbox.MaxRetries))

	tallyService := apptally.NewTallyService(scope, profile, locker, metrics, clock, log.Named("tally"),
		apptally.TallyServiceConfig{
			CollectionTimeout: cfg.Tally.CollectionTimeout,
			PublishSummaries:  cfg.Tally.PublishSummaries,
		})
	ingestService := apptally.NewIngestService(scope, metrics, log.Named("ingest"))

	// Billing: tally summaries flow through the outbox into the producer
	outboxRepo := event.NewGormOutboxRepository(db.DB)
	outboxProcessor, err := bootstrap.NewBillingPipeline(ctx, cfg, outboxRepo, cacheFactory, metrics, log)
	if err != nil {
		log.Fatal("Failed to create billing pipeline", zap.Error(err))
	}
	if cfg.Outbox.ProcessorEnabled {
		if err := outboxProcessor.Start(ctx); err != nil {
			log.Fatal("Failed to start outbox processor", zap.Error(err))
		}
	}

	// Hourly collection
	tallyScheduler := scheduler.NewTallyScheduler(tallyService, clock, log, scheduler.TallySchedulerConfig{
		Enabled:    cfg.Tally.SchedulerEnabled,
		Offset:     cfg.Tally.ScheduleOffset,
		Lookback:   cfg.Tally.HourlyLookback,
		RunTimeout: time.Hour - cfg.Tally.ScheduleOffset,
	})
	if err := tallyScheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start tally scheduler", zap.Error(err))
	}

	// HTTP
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	var httpMeter metric.Meter
	if providers.Enabled() {
		httpMeter = providers.Meter("http.server")
	}
	engine, err := router.NewEngine(router.EngineConfig{
		Logger:         log,
		Meter:          httpMeter,
		ServiceName:    cfg.Telemetry.ServiceName,
		TracingEnabled: providers.Enabled(),
		MaxBodySize:    cfg.HTTP.MaxBodySize,
		TrustedProxies: cfg.HTTP.TrustedProxies,
	})
	if err != nil {
		log.Fatal("Failed to configure HTTP engine", zap.Error(err))
	}

	handler.NewHealthHandler(version).
		WithCheck("database", db.Ping).
		WithCheck("schema", db.CheckSchema).
		WithCheck("redis", func(ctx context.Context) error {
			client, err := cacheFactory.Client(ctx)
			if err != nil || client == nil {
				return err
			}
			return client.Ping(ctx).Err()
		}).
		RegisterRoutes(engine)

	var trigger handler.TallyTrigger
	if cfg.Tally.SchedulerEnabled {
		trigger = tallyScheduler
	}
	router.NewRouter(engine, router.WithAPIVersion("v1")).
		Register(handler.NewEventHandler(ingestService, cfg.HTTP.MaxEventBatch)).
		Register(handler.NewTallyHandler(tallyService, trigger)).
		Register(handler.NewSnapshotHandler(persistence.NewGormSnapshotRepository(db.DB))).
		Register(handler.NewOutboxHandler(appevent.NewOutboxService(outboxRepo, log.Named("outbox_admin")))).
		Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := tallyScheduler.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping tally scheduler", zap.Error(err))
	}
	if cfg.Outbox.ProcessorEnabled {
		if err := outboxProcessor.Stop(shutdownCtx); err != nil {
			log.Error("Error stopping outbox processor", zap.Error(err))
		}
	}

	log.Info("Server exited")
}

func migrateUp(db *persistence.Database, log *zap.Logger) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	m, err := migration.New(sqlDB, migrations.FS, log.Named("migrate"))
	if err != nil {
		return err
	}
	// Closing the migrator would close the shared connection pool
	return m.Up()
}
