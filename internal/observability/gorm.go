package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	gormProbeKey     = "graphstore:statement"
	gormCallbackName = "graphstore"
)

// statementProbe carries a statement's span from the before to the after
// callback.
type statementProbe struct {
	span      trace.Span
	operation string
	start     time.Time
}

// hook is a positioned GORM callback awaiting registration.
type hook interface {
	Register(name string, fn func(*gorm.DB)) error
}

// statementStages maps GORM processors to the operation recorded for them.
var statementStages = []struct {
	stage, operation string
}{
	{"query", "SELECT"},
	{"create", "INSERT"},
	{"update", "UPDATE"},
	{"delete", "DELETE"},
	{"row", "ROW"},
	{"raw", "RAW"},
}

func stageHooks(db *gorm.DB, stage string) (before, after hook) {
	cb := db.Callback()
	anchor := "gorm:" + stage
	switch stage {
	case "query":
		return cb.Query().Before(anchor), cb.Query().After(anchor)
	case "create":
		return cb.Create().Before(anchor), cb.Create().After(anchor)
	case "update":
		return cb.Update().Before(anchor), cb.Update().After(anchor)
	case "delete":
		return cb.Delete().Before(anchor), cb.Delete().After(anchor)
	case "row":
		return cb.Row().Before(anchor), cb.Row().After(anchor)
	default:
		return cb.Raw().Before(anchor), cb.Raw().After(anchor)
	}
}

// RegisterGORMCallbacks traces every statement db runs and records its
// duration. It does nothing unless statement tracing is enabled.
func RegisterGORMCallbacks(db *gorm.DB, cfg *Config) error {
	if !cfg.traceStatements() {
		return nil
	}
	tracer, metrics := cfg.Tracer(), cfg.Metrics()

	for _, s := range statementStages {
		stage, operation := s.stage, s.operation
		before, after := stageHooks(db, stage)
		err := before.Register(gormCallbackName+":before_"+stage, func(tx *gorm.DB) {
			ctx := tx.Statement.Context
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, span := tracer.startStatement(ctx, stage, tx.Dialector.Name())
			tx.Statement.Context = ctx
			tx.InstanceSet(gormProbeKey, &statementProbe{span: span, operation: operation, start: time.Now()})
		})
		if err != nil {
			return fmt.Errorf("observability: register %s callback: %w", stage, err)
		}
		err = after.Register(gormCallbackName+":after_"+stage, func(tx *gorm.DB) {
			finishStatement(tx, tracer, metrics)
		})
		if err != nil {
			return fmt.Errorf("observability: register %s callback: %w", stage, err)
		}
	}
	return nil
}

func finishStatement(tx *gorm.DB, tracer *Tracer, metrics *Metrics) {
	v, ok := tx.InstanceGet(gormProbeKey)
	if !ok {
		return
	}
	probe, ok := v.(*statementProbe)
	if !ok {
		return
	}
	defer probe.span.End()

	if table := tx.Statement.Table; table != "" {
		probe.span.SetAttributes(attribute.String("db.sql.table", table))
	}
	probe.span.SetAttributes(attribute.Int64("db.rows_affected", tx.RowsAffected))
	tracer.RecordError(probe.span, tx.Error)
	metrics.RecordDBQuery(tx.Statement.Context, probe.operation, time.Since(probe.start))
}
