// Package observability provides OpenTelemetry instrumentation for mediasniff.
package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName = "github.com/grokify/mediasniff"
)

// Metrics holds all mediasniff metrics.
type Metrics struct {
	// Detection metrics
	DetectionsTotal   metric.Int64Counter
	DetectionDuration metric.Float64Histogram
	BytesInspected    metric.Int64Histogram
	ReadErrors        metric.Int64Counter

	// Rule-set metrics
	RuleBuilds metric.Int64Counter

	// Request metrics
	RequestsTotal   metric.Int64Counter
	RequestDuration metric.Float64Histogram
	ActiveRequests  metric.Int64UpDownCounter

	// Journal metrics
	JournalStored        metric.Int64Counter
	JournalStoreErrors   metric.Int64Counter
	JournalStoreDuration metric.Float64Histogram
	JournalQueueDepth    metric.Int64ObservableGauge

	// For queue depth callback
	queueDepthFunc func() int64
}

// NewMetrics creates a new Metrics instance with all instruments registered.
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}

	meter := meterProvider.Meter(instrumentationName)
	m := &Metrics{}

	var err error

	// Detection metrics
	m.DetectionsTotal, err = meter.Int64Counter(
		"mediasniff.detections.total",
		metric.WithDescription("Total number of classifications"),
		metric.WithUnit("{detection}"),
	)
	if err != nil {
		return nil, err
	}

	m.DetectionDuration, err = meter.Float64Histogram(
		"mediasniff.detection.duration",
		metric.WithDescription("Classification duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500),
	)
	if err != nil {
		return nil, err
	}

	m.BytesInspected, err = meter.Int64Histogram(
		"mediasniff.detection.bytes",
		metric.WithDescription("Bytes inspected per classification"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(16, 256, 1024, 4096, 16384, 65536, 1048576),
	)
	if err != nil {
		return nil, err
	}

	m.ReadErrors, err = meter.Int64Counter(
		"mediasniff.read.errors",
		metric.WithDescription("Total number of content read failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	// Rule-set metrics
	m.RuleBuilds, err = meter.Int64Counter(
		"mediasniff.rules.builds",
		metric.WithDescription("Total number of rule-set configurations"),
		metric.WithUnit("{build}"),
	)
	if err != nil {
		return nil, err
	}

	// Request metrics
	m.RequestsTotal, err = meter.Int64Counter(
		"mediasniff.requests.total",
		metric.WithDescription("Total number of HTTP requests processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"mediasniff.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRequests, err = meter.Int64UpDownCounter(
		"mediasniff.requests.active",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	// Journal metrics
	m.JournalStored, err = meter.Int64Counter(
		"mediasniff.journal.stored",
		metric.WithDescription("Total number of journal records stored"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	m.JournalStoreErrors, err = meter.Int64Counter(
		"mediasniff.journal.errors",
		metric.WithDescription("Total number of journal store errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.JournalStoreDuration, err = meter.Float64Histogram(
		"mediasniff.journal.duration",
		metric.WithDescription("Journal store duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterQueueDepthCallback registers a callback to observe journal queue depth.
func (m *Metrics) RegisterQueueDepthCallback(meterProvider metric.MeterProvider, fn func() int64) error {
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}

	meter := meterProvider.Meter(instrumentationName)
	m.queueDepthFunc = fn

	var err error
	m.JournalQueueDepth, err = meter.Int64ObservableGauge(
		"mediasniff.journal.queue.depth",
		metric.WithDescription("Current number of records in the journal queue"),
		metric.WithUnit("{record}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			if m.queueDepthFunc != nil {
				o.Observe(m.queueDepthFunc())
			}
			return nil
		}),
	)
	return err
}

// RecordDetection records a completed classification.
func (m *Metrics) RecordDetection(ctx context.Context, mediaType, method string, duration time.Duration, size int) {
	attrs := metric.WithAttributes(
		attribute.String("media_type", mediaType),
		attribute.String("method", method),
	)
	m.DetectionsTotal.Add(ctx, 1, attrs)
	m.DetectionDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	m.BytesInspected.Record(ctx, int64(size))
}

// RecordReadError records a content read failure.
func (m *Metrics) RecordReadError(ctx context.Context) {
	m.ReadErrors.Add(ctx, 1)
}

// RecordRuleBuild records a rule-set configuration attempt.
func (m *Metrics) RecordRuleBuild(ctx context.Context, source string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RuleBuilds.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", sourceKind(source)),
		attribute.String("result", result),
	))
}

// RecordRequest records metrics for a completed HTTP request.
func (m *Metrics) RecordRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status_code", statusCode),
		attribute.String("status_class", statusClass(statusCode)),
	}

	m.RequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.RequestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RequestStart should be called when a request starts.
func (m *Metrics) RequestStart(ctx context.Context) {
	m.ActiveRequests.Add(ctx, 1)
}

// RequestEnd should be called when a request ends.
func (m *Metrics) RequestEnd(ctx context.Context) {
	m.ActiveRequests.Add(ctx, -1)
}

// RecordJournalStored records a successful journal store.
func (m *Metrics) RecordJournalStored(ctx context.Context) {
	m.JournalStored.Add(ctx, 1)
}

// RecordJournalStoreError records a journal store error.
func (m *Metrics) RecordJournalStoreError(ctx context.Context) {
	m.JournalStoreErrors.Add(ctx, 1)
}

// RecordJournalStoreDuration records how long one journal write took.
func (m *Metrics) RecordJournalStoreDuration(ctx context.Context, d time.Duration) {
	m.JournalStoreDuration.Record(ctx, float64(d.Microseconds())/1000)
}

// sourceKind keeps file paths out of metric labels.
func sourceKind(source string) string {
	switch {
	case source == "default", source == "inline", source == "conflicting":
		return source
	case strings.HasPrefix(source, "file:"):
		return "file"
	default:
		return "other"
	}
}

// statusClass returns the status class (1xx, 2xx, etc.)
func statusClass(code int) string {
	switch {
	case code >= 100 && code < 200:
		return "1xx"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

// MetricsMiddleware wraps an http.Handler with metrics collection.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()

		m.RequestStart(ctx)
		defer m.RequestEnd(ctx)

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordRequest(ctx, r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
