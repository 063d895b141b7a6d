// Package testing provides in-memory OpenTelemetry providers for asserting spans
// and metrics in unit tests.
//
//	tp := NewTestTraceProvider()
//	defer tp.Shutdown(context.Background())
//	otel.SetTracerProvider(tp)
//	// ... code under test ...
//	spans := tp.Exporter.GetSpans()
package testing

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const (
	metricNotFoundErrMsg = "metric %s not found"
	noDataPointsErrMsg   = "no data points for metric %s"
)

// TestTraceProvider wraps the SDK TracerProvider and its in-memory exporter.
type TestTraceProvider struct {
	*sdktrace.TracerProvider
	Exporter *tracetest.InMemoryExporter
}

// NewTestTraceProvider creates a TracerProvider that records spans synchronously in memory.
func NewTestTraceProvider() *TestTraceProvider {
	exporter := tracetest.NewInMemoryExporter()
	return &TestTraceProvider{
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)),
		Exporter:       exporter,
	}
}

// TestMeterProvider wraps the SDK MeterProvider and a manual reader.
type TestMeterProvider struct {
	*sdkmetric.MeterProvider
	Reader *sdkmetric.ManualReader
}

// NewTestMeterProvider creates a MeterProvider whose metrics are collected on demand.
func NewTestMeterProvider() *TestMeterProvider {
	reader := sdkmetric.NewManualReader()
	return &TestMeterProvider{
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		Reader:        reader,
	}
}

// Collect reads all metrics recorded so far.
func (tmp *TestMeterProvider) Collect(t *testing.T) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, tmp.Reader.Collect(context.Background(), &rm), "failed to collect metrics")
	return rm
}

// FindSpan returns the first span named name, or nil.
func FindSpan(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

// SpanAttribute returns the value of key on span.
func SpanAttribute(span *tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// FindMetric returns the metric named metricName, or nil.
func FindMetric(rm metricdata.ResourceMetrics, metricName string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == metricName {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// SumInt64 adds up every data point of an Int64 counter, optionally filtered by one attribute.
func SumInt64(rm metricdata.ResourceMetrics, metricName string, filter ...attribute.KeyValue) (int64, error) {
	m := FindMetric(rm, metricName)
	if m == nil {
		return 0, fmt.Errorf(metricNotFoundErrMsg, metricName)
	}

	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		return 0, fmt.Errorf("metric %s is not an int64 Sum", metricName)
	}
	if len(sum.DataPoints) == 0 {
		return 0, fmt.Errorf(noDataPointsErrMsg, metricName)
	}

	var total int64
	for _, dp := range sum.DataPoints {
		if matches(dp.Attributes, filter) {
			total += dp.Value
		}
	}
	return total, nil
}

// HistogramCount returns the number of recordings of a float64 histogram.
func HistogramCount(rm metricdata.ResourceMetrics, metricName string) (uint64, error) {
	m := FindMetric(rm, metricName)
	if m == nil {
		return 0, fmt.Errorf(metricNotFoundErrMsg, metricName)
	}

	hist, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		return 0, fmt.Errorf("metric %s is not a float64 Histogram", metricName)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	return count, nil
}

// HistogramSum returns the sum of all recordings of a float64 histogram.
func HistogramSum(rm metricdata.ResourceMetrics, metricName string) (float64, error) {
	m := FindMetric(rm, metricName)
	if m == nil {
		return 0, fmt.Errorf(metricNotFoundErrMsg, metricName)
	}

	hist, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		return 0, fmt.Errorf("metric %s is not a float64 Histogram", metricName)
	}
	var sum float64
	for _, dp := range hist.DataPoints {
		sum += dp.Sum
	}
	return sum, nil
}

func matches(set attribute.Set, filter []attribute.KeyValue) bool {
	for _, kv := range filter {
		v, ok := set.Value(kv.Key)
		if !ok || v.Emit() != kv.Value.Emit() {
			return false
		}
	}
	return true
}
