package graphstore

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Driver selects the database backing a store.
type Driver string

const (
	// DriverSQLite stores data in a single local file. The location passed to
	// Open is the file path.
	DriverSQLite Driver = "sqlite"
	// DriverPostgres stores data in PostgreSQL. The location passed to Open is
	// the connection DSN.
	DriverPostgres Driver = "postgres"
)

// ObservabilityConfig configures OpenTelemetry instrumentation for a store.
type ObservabilityConfig struct {
	// TracerProvider is the OpenTelemetry tracer provider.
	// If nil, tracing is disabled.
	TracerProvider trace.TracerProvider

	// MeterProvider is the OpenTelemetry meter provider.
	// If nil, metrics collection is disabled.
	MeterProvider metric.MeterProvider

	// ServiceName identifies the embedding program in traces.
	ServiceName string

	// EnableDetailedDBTracing adds a span for every database statement.
	EnableDetailedDBTracing bool

	// EnablePredicateTracing records predicate sources on query spans.
	EnablePredicateTracing bool
}

type options struct {
	readOnly         bool
	synchronousLoad  bool
	autoMigrate      bool
	inferMapping     bool
	driver           Driver
	logger           *slog.Logger
	observability    *ObservabilityConfig
	journalRetention time.Duration
	gormConfig       *gorm.Config
}

func defaultOptions() options {
	return options{
		autoMigrate:  true,
		inferMapping: true,
		driver:       DriverSQLite,
	}
}

// Option configures Open.
type Option func(*options)

// WithReadOnly opens the store without write access. Commits and batch
// deletes fail with ErrReadOnly.
func WithReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}

// WithSynchronousLoad makes Open return only after the store has loaded.
// By default loading happens in the background and its outcome is reported
// by Ready and by every operation.
func WithSynchronousLoad() Option {
	return func(o *options) {
		o.synchronousLoad = true
	}
}

// WithoutAutoMigrate makes a model mismatch fail with ErrModelMismatch instead
// of migrating the stored schema.
func WithoutAutoMigrate() Option {
	return func(o *options) {
		o.autoMigrate = false
	}
}

// WithoutInferredMapping disables inferring the mapping between the stored
// and the current model. A model mismatch then fails with ErrMigrationRequired.
func WithoutInferredMapping() Option {
	return func(o *options) {
		o.inferMapping = false
	}
}

// WithDriver selects the database driver. The default is DriverSQLite.
func WithDriver(driver Driver) Option {
	return func(o *options) {
		o.driver = driver
	}
}

// WithLogger sets the logger used by the store. If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithObservability enables OpenTelemetry tracing and metrics.
func WithObservability(cfg ObservabilityConfig) Option {
	return func(o *options) {
		o.observability = &cfg
	}
}

// WithJournalRetention sets how long merged journal entries are kept.
// Zero keeps the default, a negative value disables cleanup.
func WithJournalRetention(d time.Duration) Option {
	return func(o *options) {
		o.journalRetention = d
	}
}

// WithGormConfig overrides the GORM configuration used to open the database.
func WithGormConfig(cfg *gorm.Config) Option {
	return func(o *options) {
		o.gormConfig = cfg
	}
}
