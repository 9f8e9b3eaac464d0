package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/grokify/mediasniff/pkg/detect"
)

// Provider holds the OpenTelemetry providers and exporters.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Metrics       *Metrics
	promExporter  *prometheus.Exporter
}

// Config configures the observability provider.
type Config struct {
	// ServiceName is the name of the service for telemetry.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// EnablePrometheus enables the Prometheus metrics exporter.
	EnablePrometheus bool
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:      "mediasniff",
		ServiceVersion:   "dev",
		EnablePrometheus: true,
	}
}

// NewProvider creates a new observability provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Provider{}

	// Create Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		exporter, err := prometheus.New()
		if err != nil {
			return nil, err
		}
		p.promExporter = exporter

		p.MeterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
		)
	} else {
		p.MeterProvider = sdkmetric.NewMeterProvider()
	}

	// Set as global provider
	otel.SetMeterProvider(p.MeterProvider)

	metrics, err := NewMetrics(p.MeterProvider)
	if err != nil {
		return nil, err
	}
	p.Metrics = metrics

	return p, nil
}

// PrometheusHandler returns an http.Handler for the /metrics endpoint.
func (p *Provider) PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// Shutdown gracefully shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.MeterProvider != nil {
		return p.MeterProvider.Shutdown(ctx)
	}
	return nil
}

// DetectionObserver adapts Metrics to the detect.Observer interface.
type DetectionObserver struct {
	m *Metrics
}

var _ detect.Observer = (*DetectionObserver)(nil)

// NewDetectionObserver creates a detect.Observer adapter.
func NewDetectionObserver(m *Metrics) *DetectionObserver {
	return &DetectionObserver{m: m}
}

// ObserveDetection records a classification.
func (o *DetectionObserver) ObserveDetection(ctx context.Context, res detect.Result, elapsed time.Duration) {
	o.m.RecordDetection(ctx, res.MediaType.String(), string(res.Method), elapsed, res.Size)
}

// ObserveReadError records a content read failure.
func (o *DetectionObserver) ObserveReadError(ctx context.Context) {
	o.m.RecordReadError(ctx)
}

// ObserveConfigure records a rule-set configuration attempt.
func (o *DetectionObserver) ObserveConfigure(ctx context.Context, source string, err error) {
	o.m.RecordRuleBuild(ctx, source, err)
}

// JournalMetrics adapts Metrics to the backend.Metrics interface.
type JournalMetrics struct {
	m   *Metrics
	ctx context.Context
}

// NewJournalMetrics creates a backend.Metrics adapter.
func NewJournalMetrics(m *Metrics) *JournalMetrics {
	return &JournalMetrics{
		m:   m,
		ctx: context.Background(),
	}
}

// IncStoreSuccess increments successful store counter.
func (j *JournalMetrics) IncStoreSuccess() {
	j.m.RecordJournalStored(j.ctx)
}

// IncStoreError increments store error counter.
func (j *JournalMetrics) IncStoreError() {
	j.m.RecordJournalStoreError(j.ctx)
}

// ObserveStoreDuration records store operation duration.
func (j *JournalMetrics) ObserveStoreDuration(d time.Duration) {
	j.m.RecordJournalStoreDuration(j.ctx, d)
}

// SetQueueDepth sets the current queue depth gauge.
// Note: Queue depth is handled via callback in the main metrics.
func (j *JournalMetrics) SetQueueDepth(n int) {}
