package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// spanPrefix starts every store span name; the operation completes it.
const spanPrefix = "graphstore."

// Tracer opens the store's spans.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// NewTracer creates a Tracer on tp.
func NewTracer(tp trace.TracerProvider, serviceName string) *Tracer {
	return &Tracer{
		tracer:      tp.Tracer(TracerName),
		serviceName: serviceName,
	}
}

// start opens the span for op, tagged with the operation and attrs.
func (t *Tracer) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := make([]attribute.KeyValue, 0, len(attrs)+2)
	all = append(all, OperationAttr(op), attribute.String("service.name", t.serviceName))
	all = append(all, attrs...)
	return t.tracer.Start(ctx, spanPrefix+op, trace.WithAttributes(all...))
}

// StartCommit opens the span of one Context commit.
func (t *Tracer) StartCommit(ctx context.Context, contextName, kind string, objects int) (context.Context, trace.Span) {
	return t.start(ctx, OpCommit, ContextAttr(contextName), ContextKindAttr(kind), ObjectCountAttr(objects))
}

// StartMerge opens the span of merging one change set into main.
func (t *Tracer) StartMerge(ctx context.Context, source string, seq uint64, objects int) (context.Context, trace.Span) {
	return t.start(ctx, OpMerge, ContextAttr(source), MergeSeqAttr(seq), ObjectCountAttr(objects))
}

// StartQuery opens the span of an entity query.
func (t *Tracer) StartQuery(ctx context.Context, contextName, entity string) (context.Context, trace.Span) {
	return t.start(ctx, OpQuery, ContextAttr(contextName), EntityAttr(entity))
}

// StartBatchDelete opens the span of a direct batch delete.
func (t *Tracer) StartBatchDelete(ctx context.Context, contextName, entity string) (context.Context, trace.Span) {
	return t.start(ctx, OpBatchDelete, ContextAttr(contextName), EntityAttr(entity))
}

// StartImport opens the span of a bulk import.
func (t *Tracer) StartImport(ctx context.Context, mode string) (context.Context, trace.Span) {
	return t.start(ctx, OpImport, ModeAttr(mode))
}

// StartLoad opens the span of opening and migrating the store.
func (t *Tracer) StartLoad(ctx context.Context, location string) (context.Context, trace.Span) {
	return t.start(ctx, OpLoad, attribute.String("graphstore.location", location))
}

func (t *Tracer) startStatement(ctx context.Context, stage, system string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "db."+stage,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", system)))
}

// RecordError marks span as failed with err. A nil err is ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// LoggerWithTrace adds the trace and span ids of ctx to logger.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(LogFieldTraceID, sc.TraceID().String(), LogFieldSpanID, sc.SpanID().String())
}
