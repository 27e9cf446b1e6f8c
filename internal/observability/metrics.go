package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the store metric instruments.
type Metrics struct {
	commitCount     metric.Int64Counter
	commitDuration  metric.Float64Histogram
	commitFailures  metric.Int64Counter
	conflictCount   metric.Int64Counter
	mergeCount      metric.Int64Counter
	mergeFailures   metric.Int64Counter
	deletedRows     metric.Int64Counter
	resultCount     metric.Int64Histogram
	dbQueryDuration metric.Float64Histogram
}

type instrument struct {
	name, description, unit string
}

// NewMetrics creates the store instruments on mp's meter.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(MeterName)
	m := &Metrics{}

	counters := []struct {
		dst *metric.Int64Counter
		instrument
	}{
		{&m.commitCount, instrument{"graphstore.commit.count", "Number of successful context commits", "{commit}"}},
		{&m.commitFailures, instrument{"graphstore.commit.failures", "Number of failed context commits", "{commit}"}},
		{&m.conflictCount, instrument{"graphstore.conflict.count", "Number of version conflicts resolved at commit", "{conflict}"}},
		{&m.mergeCount, instrument{"graphstore.merge.count", "Number of change sets merged into main", "{merge}"}},
		{&m.mergeFailures, instrument{"graphstore.merge.failures", "Number of merges whose save into main failed", "{merge}"}},
		{&m.deletedRows, instrument{"graphstore.deleted.rows", "Number of rows removed by batch deletes", "{row}"}},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("observability: instrument %s: %w", c.name, err)
		}
		*c.dst = counter
	}

	durations := []struct {
		dst *metric.Float64Histogram
		instrument
	}{
		{&m.commitDuration, instrument{"graphstore.commit.duration", "Duration of context commits in milliseconds", "ms"}},
		{&m.dbQueryDuration, instrument{"graphstore.db.query.duration", "Duration of database statements in milliseconds", "ms"}},
	}
	for _, d := range durations {
		histogram, err := meter.Float64Histogram(d.name, metric.WithDescription(d.description), metric.WithUnit(d.unit))
		if err != nil {
			return nil, fmt.Errorf("observability: instrument %s: %w", d.name, err)
		}
		*d.dst = histogram
	}

	results := instrument{"graphstore.query.results", "Number of objects returned by queries", "{object}"}
	resultCount, err := meter.Int64Histogram(results.name, metric.WithDescription(results.description), metric.WithUnit(results.unit))
	if err != nil {
		return nil, fmt.Errorf("observability: instrument %s: %w", results.name, err)
	}
	m.resultCount = resultCount
	return m, nil
}

func milliseconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// RecordCommit records a finished commit.
func (m *Metrics) RecordCommit(ctx context.Context, contextKind string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(ContextKindAttr(contextKind))
	m.commitDuration.Record(ctx, milliseconds(duration), attrs)
	if err != nil {
		m.commitFailures.Add(ctx, 1, attrs)
		return
	}
	m.commitCount.Add(ctx, 1, attrs)
}

// RecordConflicts records version conflicts resolved during a commit.
func (m *Metrics) RecordConflicts(ctx context.Context, entity string, n int) {
	if n <= 0 {
		return
	}
	m.conflictCount.Add(ctx, int64(n), metric.WithAttributes(EntityAttr(entity)))
}

// RecordMerge records the outcome of one merge.
func (m *Metrics) RecordMerge(ctx context.Context, source string, err error) {
	attrs := metric.WithAttributes(ContextAttr(source))
	if err != nil {
		m.mergeFailures.Add(ctx, 1, attrs)
		return
	}
	m.mergeCount.Add(ctx, 1, attrs)
}

// RecordDeleted records rows removed by a batch delete.
func (m *Metrics) RecordDeleted(ctx context.Context, entity string, n int64) {
	m.deletedRows.Add(ctx, n, metric.WithAttributes(EntityAttr(entity)))
}

// RecordResultCount records the number of objects a query returned.
func (m *Metrics) RecordResultCount(ctx context.Context, entity string, n int) {
	m.resultCount.Record(ctx, int64(n), metric.WithAttributes(EntityAttr(entity)))
}

// RecordDBQuery records the duration of one database statement.
func (m *Metrics) RecordDBQuery(ctx context.Context, operation string, duration time.Duration) {
	m.dbQueryDuration.Record(ctx, milliseconds(duration), metric.WithAttributes(OperationAttr(operation)))
}
