package telemetry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBConfig controls database instrumentation
type DBConfig struct {
	Tracing            bool          // register otelgorm spans
	FullSQL            bool          // keep bound variables in span statements
	SlowQueryThreshold time.Duration // zero disables slow query marking
	DBSystem           string
}

// DBQueryBuckets are histogram boundaries in seconds for statement latency
var DBQueryBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

type queryStartKey struct{}

type dbInstruments struct {
	queries  metric.Int64Counter
	duration metric.Float64Histogram
	slow     metric.Int64Counter
	config   DBConfig
}

// InstrumentDB records statement counts, latency and pool usage on meter and, when
// enabled, traces statements with otelgorm. Slow statements get a span event.
func InstrumentDB(db *gorm.DB, meter metric.Meter, cfg DBConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DBSystem == "" {
		cfg.DBSystem = "postgresql"
	}

	if cfg.Tracing {
		opts := []otelgorm.Option{otelgorm.WithDBName(cfg.DBSystem)}
		if !cfg.FullSQL {
			opts = append(opts, otelgorm.WithoutQueryVariables())
		}
		if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
			return err
		}
	}

	inst := &dbInstruments{config: cfg}
	var err error
	if inst.queries, err = meter.Int64Counter("db_query_total",
		metric.WithDescription("Database statements by operation and table"),
		metric.WithUnit("{query}")); err != nil {
		return err
	}
	if inst.duration, err = meter.Float64Histogram("db_query_duration_seconds",
		metric.WithDescription("Database statement latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(DBQueryBuckets...)); err != nil {
		return err
	}
	if inst.slow, err = meter.Int64Counter("db_slow_query_total",
		metric.WithDescription("Statements slower than the configured threshold"),
		metric.WithUnit("{query}")); err != nil {
		return err
	}
	if err := inst.registerCallbacks(db); err != nil {
		return err
	}
	if err := registerPoolGauges(db, meter); err != nil {
		return err
	}

	logger.Info("Database instrumentation enabled",
		zap.Bool("tracing", cfg.Tracing),
		zap.Bool("full_sql", cfg.FullSQL),
		zap.Duration("slow_query_threshold", cfg.SlowQueryThreshold),
	)
	return nil
}

func (i *dbInstruments) registerCallbacks(db *gorm.DB) error {
	cb := db.Callback()
	return errors.Join(
		cb.Create().Before("gorm:create").Register("tally_metrics:before_create", before),
		cb.Query().Before("gorm:query").Register("tally_metrics:before_query", before),
		cb.Update().Before("gorm:update").Register("tally_metrics:before_update", before),
		cb.Delete().Before("gorm:delete").Register("tally_metrics:before_delete", before),
		cb.Row().Before("gorm:row").Register("tally_metrics:before_row", before),
		cb.Raw().Before("gorm:raw").Register("tally_metrics:before_raw", before),

		cb.Create().After("gorm:create").Register("tally_metrics:after_create", i.after("create")),
		cb.Query().After("gorm:query").Register("tally_metrics:after_query", i.after("select")),
		cb.Update().After("gorm:update").Register("tally_metrics:after_update", i.after("update")),
		cb.Delete().After("gorm:delete").Register("tally_metrics:after_delete", i.after("delete")),
		cb.Row().After("gorm:row").Register("tally_metrics:after_row", i.after("select")),
		cb.Raw().After("gorm:raw").Register("tally_metrics:after_raw", i.after("")),
	)
}

func before(db *gorm.DB) {
	if db.Statement.Context != nil {
		db.Statement.Context = context.WithValue(db.Statement.Context, queryStartKey{}, time.Now())
	}
}

func (i *dbInstruments) after(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			return
		}
		start, ok := ctx.Value(queryStartKey{}).(time.Time)
		if !ok {
			return
		}
		elapsed := time.Since(start)

		op := operation
		if op == "" {
			op = detectOperation(db.Statement.SQL.String())
		}
		attrs := metric.WithAttributes(
			attribute.String("db.operation", op),
			attribute.String("db.table", db.Statement.Table),
			attribute.Bool("error", db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound)),
		)
		i.queries.Add(ctx, 1, attrs)
		i.duration.Record(ctx, elapsed.Seconds(), attrs)

		if i.config.SlowQueryThreshold > 0 && elapsed > i.config.SlowQueryThreshold {
			i.slow.Add(ctx, 1, attrs)
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.Bool("db.slow_query", true))
				span.AddEvent("slow_query", trace.WithAttributes(
					attribute.Int64("duration_ms", elapsed.Milliseconds()),
					attribute.Int64("threshold_ms", i.config.SlowQueryThreshold.Milliseconds()),
				))
			}
		}
	}
}

func detectOperation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "other"
	}
	switch op := strings.ToLower(fields[0]); op {
	case "select", "insert", "update", "delete", "with":
		return op
	default:
		return "other"
	}
}

func registerPoolGauges(db *gorm.DB, meter metric.Meter) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	conns, err := meter.Int64ObservableGauge("db_pool_connections",
		metric.WithDescription("Connections in the pool by state"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return err
	}
	maxConns, err := meter.Int64ObservableGauge("db_pool_connections_max",
		metric.WithDescription("Maximum open connections"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := sqlDB.Stats()
		o.ObserveInt64(conns, int64(stats.InUse), metric.WithAttributes(attribute.String("state", "in_use")))
		o.ObserveInt64(conns, int64(stats.Idle), metric.WithAttributes(attribute.String("state", "idle")))
		o.ObserveInt64(maxConns, int64(stats.MaxOpenConnections))
		return nil
	}, conns, maxConns)
	return err
}
