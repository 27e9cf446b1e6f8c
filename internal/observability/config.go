package observability

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceName labels spans when Settings leaves ServiceName empty.
const DefaultServiceName = "graphstore"

// Settings selects the providers and the optional instrumentation. A nil
// provider leaves its signal disabled.
type Settings struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	ServiceName    string

	// DBStatements adds a span per database statement. It needs a tracer.
	DBStatements bool

	// Predicates records predicate sources on query and delete spans.
	Predicates bool
}

// Config is the instrumentation shared by one store. A nil *Config is valid
// and records nothing.
type Config struct {
	settings Settings
	tracer   *Tracer
	metrics  *Metrics
}

var (
	disabledTracer  = NewTracer(tracenoop.NewTracerProvider(), DefaultServiceName)
	disabledMetrics = func() *Metrics {
		m, _ := NewMetrics(noop.NewMeterProvider())
		return m
	}()
)

// New builds the tracer and metric instruments described by s.
func New(s Settings) (*Config, error) {
	if s.ServiceName == "" {
		s.ServiceName = DefaultServiceName
	}
	c := &Config{settings: s, tracer: disabledTracer, metrics: disabledMetrics}
	if s.TracerProvider != nil {
		c.tracer = NewTracer(s.TracerProvider, s.ServiceName)
	}
	if s.MeterProvider != nil {
		m, err := NewMetrics(s.MeterProvider)
		if err != nil {
			return nil, err
		}
		c.metrics = m
	}
	return c, nil
}

// Tracer returns the store tracer. It never returns nil.
func (c *Config) Tracer() *Tracer {
	if c == nil {
		return disabledTracer
	}
	return c.tracer
}

// Metrics returns the store instruments. It never returns nil.
func (c *Config) Metrics() *Metrics {
	if c == nil {
		return disabledMetrics
	}
	return c.metrics
}

// Enabled reports whether a tracer or meter provider was configured.
func (c *Config) Enabled() bool {
	return c != nil && (c.settings.TracerProvider != nil || c.settings.MeterProvider != nil)
}

// ServiceName returns the name spans are labelled with.
func (c *Config) ServiceName() string {
	if c == nil {
		return DefaultServiceName
	}
	return c.settings.ServiceName
}

// PredicateTracingEnabled reports whether predicate sources go on spans.
func (c *Config) PredicateTracingEnabled() bool {
	return c != nil && c.settings.Predicates
}

func (c *Config) traceStatements() bool {
	return c != nil && c.settings.TracerProvider != nil && c.settings.DBStatements
}
