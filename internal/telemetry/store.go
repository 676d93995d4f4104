package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ontoforge/oms/internal/docstore"
)

const storeScopeName = "github.com/ontoforge/oms/internal/docstore"

// InstrumentedStore wraps a docstore.Store with OTel tracing and metrics.
// Every operation gets a span and is counted in oms.store.* metrics.
// Use WrapStore to create one; it returns the original store unchanged
// when telemetry is disabled.
type InstrumentedStore struct {
	inner    docstore.Store
	tracer   trace.Tracer
	ops      metric.Int64Counter
	dur      metric.Float64Histogram
	errs     metric.Int64Counter
	docGauge metric.Int64Gauge
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s docstore.Store) docstore.Store {
	if !Enabled() {
		return s
	}
	m := Meter(storeScopeName)
	ops, _ := m.Int64Counter("oms.store.operations",
		metric.WithDescription("Total document store operations executed"),
	)
	dur, _ := m.Float64Histogram("oms.store.operation.duration",
		metric.WithDescription("Document store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("oms.store.errors",
		metric.WithDescription("Total document store operation errors"),
	)
	docGauge, _ := m.Int64Gauge("oms.store.documents",
		metric.WithDescription("Documents per collection (snapshot from unfiltered Count calls)"),
	)
	return &InstrumentedStore{
		inner:    s,
		tracer:   Tracer(storeScopeName),
		ops:      ops,
		dur:      dur,
		errs:     errs,
		docGauge: docGauge,
	}
}

// op starts a span and records a metric for the named store operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "docstore."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func collAttr(collection string) attribute.KeyValue {
	return attribute.String("oms.collection", collection)
}

func (s *InstrumentedStore) Insert(ctx context.Context, collection string, doc docstore.Document) error {
	attrs := []attribute.KeyValue{collAttr(collection)}
	ctx, span, t := s.op(ctx, "Insert", attrs...)
	span.SetAttributes(attribute.String("oms.doc.id", doc.ID()))
	err := s.inner.Insert(ctx, collection, doc)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) Replace(ctx context.Context, collection string, doc docstore.Document) error {
	attrs := []attribute.KeyValue{collAttr(collection)}
	ctx, span, t := s.op(ctx, "Replace", attrs...)
	span.SetAttributes(attribute.String("oms.doc.id", doc.ID()))
	err := s.inner.Replace(ctx, collection, doc)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) Delete(ctx context.Context, collection, id string) error {
	attrs := []attribute.KeyValue{collAttr(collection)}
	ctx, span, t := s.op(ctx, "Delete", attrs...)
	span.SetAttributes(attribute.String("oms.doc.id", id))
	err := s.inner.Delete(ctx, collection, id)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	attrs := []attribute.KeyValue{collAttr(collection)}
	ctx, span, t := s.op(ctx, "Get", attrs...)
	span.SetAttributes(attribute.String("oms.doc.id", id))
	doc, err := s.inner.Get(ctx, collection, id)
	s.done(ctx, span, t, err, attrs...)
	return doc, err
}

func (s *InstrumentedStore) Query(ctx context.Context, q docstore.Query) (docstore.Iterator, error) {
	attrs := []attribute.KeyValue{collAttr(q.Collection)}
	ctx, span, t := s.op(ctx, "Query", attrs...)
	it, err := s.inner.Query(ctx, q)
	s.done(ctx, span, t, err, attrs...)
	return it, err
}

func (s *InstrumentedStore) Count(ctx context.Context, q docstore.Query) (int, error) {
	attrs := []attribute.KeyValue{collAttr(q.Collection)}
	ctx, span, t := s.op(ctx, "Count", attrs...)
	n, err := s.inner.Count(ctx, q)
	if err == nil {
		span.SetAttributes(attribute.Int("oms.result.count", n))
		// An unfiltered count is a collection-size snapshot.
		if len(q.Eq) == 0 && len(q.In) == 0 && len(q.Ranges) == 0 {
			s.docGauge.Record(ctx, int64(n), metric.WithAttributes(attrs...))
		}
	}
	s.done(ctx, span, t, err, attrs...)
	return n, err
}

func (s *InstrumentedStore) RunInTransaction(ctx context.Context, fn func(tx docstore.Tx) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
