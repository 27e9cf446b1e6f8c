// Package observability provides OpenTelemetry-based instrumentation for the store.
//
// It covers commit, merge, query and batch delete spans, store metrics and
// optional per-statement GORM spans.
//
// All observability features are opt-in. When not configured, no-op implementations
// are used.
package observability

import "go.opentelemetry.io/otel/attribute"

// Instrumentation identity constants
const (
	// TracerName is the instrumentation name for tracing.
	TracerName = "github.com/nlstn/go-graphstore"
	// MeterName is the instrumentation name for metrics.
	MeterName = "github.com/nlstn/go-graphstore"
)

// Store attribute keys.
const (
	AttrEntity      = "graphstore.entity"
	AttrContext     = "graphstore.context"
	AttrContextKind = "graphstore.context.kind"
	AttrOperation   = "graphstore.operation"
	AttrMode        = "graphstore.mode"

	AttrObjectCount   = "graphstore.objects"
	AttrResultCount   = "graphstore.result.count"
	AttrDeletedCount  = "graphstore.deleted.count"
	AttrConflictCount = "graphstore.conflicts"

	AttrMergeSeq     = "graphstore.merge.seq"
	AttrPredicate    = "graphstore.predicate"
	AttrPredicateEng = "graphstore.predicate.engine"
)

// Operation values for the graphstore.operation attribute.
const (
	OpCommit      = "commit"
	OpMerge       = "merge"
	OpQuery       = "query"
	OpBatchDelete = "batch_delete"
	OpImport      = "import"
	OpReset       = "reset"
	OpLoad        = "load"
)

// Log field keys used alongside trace context.
const (
	LogFieldTraceID = "trace_id"
	LogFieldSpanID  = "span_id"
)

// EntityAttr creates an attribute for the entity name.
func EntityAttr(name string) attribute.KeyValue {
	return attribute.String(AttrEntity, name)
}

// ContextAttr creates an attribute for the acting context name.
func ContextAttr(name string) attribute.KeyValue {
	return attribute.String(AttrContext, name)
}

// ContextKindAttr records whether the acting context is main or a writer.
func ContextKindAttr(kind string) attribute.KeyValue {
	return attribute.String(AttrContextKind, kind)
}

// OperationAttr creates an attribute for the operation type.
func OperationAttr(op string) attribute.KeyValue {
	return attribute.String(AttrOperation, op)
}

// ModeAttr creates an attribute for the execution mode of an import.
func ModeAttr(mode string) attribute.KeyValue {
	return attribute.String(AttrMode, mode)
}

// ObjectCountAttr creates an attribute for the number of objects in a change set.
func ObjectCountAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrObjectCount, n)
}

// ResultCountAttr creates an attribute for the result count.
func ResultCountAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrResultCount, n)
}

// DeletedCountAttr creates an attribute for the number of deleted rows.
func DeletedCountAttr(n int64) attribute.KeyValue {
	return attribute.Int64(AttrDeletedCount, n)
}

// ConflictCountAttr creates an attribute for the number of resolved conflicts.
func ConflictCountAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrConflictCount, n)
}

// MergeSeqAttr creates an attribute for the merge sequence number.
func MergeSeqAttr(seq uint64) attribute.KeyValue {
	return attribute.Int64(AttrMergeSeq, int64(seq))
}

// PredicateAttrs describes a query predicate.
func PredicateAttrs(engine, source string) []attribute.KeyValue {
	if source == "" {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String(AttrPredicateEng, engine),
		attribute.String(AttrPredicate, source),
	}
}
