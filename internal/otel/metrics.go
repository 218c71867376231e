// Package otel provides OpenTelemetry metrics and tracing for the hub.
package otel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "sindri-hub",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps the hub's OpenTelemetry instruments.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.RWMutex

	// Metric instruments
	ingestedEvents  metric.Int64Counter
	connectedAgents metric.Int64UpDownCounter
	jobDuration     metric.Float64Histogram
	fanoutDropped   metric.Int64Counter
	registrations   metric.Int64Counter
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{config: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		// Use no-op meter when disabled
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := m.createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

// createExporter creates the appropriate metrics exporter based on configuration.
func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// createResource creates the OpenTelemetry resource with service information.
func (m *Metrics) createResource(cfg *MetricsConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

// registerInstruments creates and registers all metric instruments.
func (m *Metrics) registerInstruments() error {
	var err error

	m.ingestedEvents, err = m.meter.Int64Counter(
		"sindri.ingest.events",
		metric.WithDescription("Count of ingested agent payloads by stream"),
	)
	if err != nil {
		return fmt.Errorf("failed to create ingest counter: %w", err)
	}

	m.connectedAgents, err = m.meter.Int64UpDownCounter(
		"sindri.agents.connected",
		metric.WithDescription("Number of agents with an open websocket connection"),
	)
	if err != nil {
		return fmt.Errorf("failed to create connected agents counter: %w", err)
	}

	m.jobDuration, err = m.meter.Float64Histogram(
		"sindri.jobs.duration",
		metric.WithDescription("Duration of scheduled store jobs"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create job duration histogram: %w", err)
	}

	m.fanoutDropped, err = m.meter.Int64Counter(
		"sindri.fanout.dropped",
		metric.WithDescription("Count of frames dropped on full subscriber buffers"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fan-out drop counter: %w", err)
	}

	m.registrations, err = m.meter.Int64Counter(
		"sindri.registrations",
		metric.WithDescription("Count of instance registrations by outcome"),
	)
	if err != nil {
		return fmt.Errorf("failed to create registration counter: %w", err)
	}

	return nil
}

// RecordIngest counts one ingested payload for a stream.
func (m *Metrics) RecordIngest(ctx context.Context, stream string) {
	if m.ingestedEvents == nil {
		return
	}
	m.ingestedEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", stream),
	))
}

// AgentConnected increments the connected agents counter.
func (m *Metrics) AgentConnected(ctx context.Context) {
	if m.connectedAgents == nil {
		return
	}
	m.connectedAgents.Add(ctx, 1)
}

// AgentDisconnected decrements the connected agents counter.
func (m *Metrics) AgentDisconnected(ctx context.Context) {
	if m.connectedAgents == nil {
		return
	}
	m.connectedAgents.Add(ctx, -1)
}

// RecordJobDuration records one scheduled job execution.
func (m *Metrics) RecordJobDuration(ctx context.Context, job string, d time.Duration, success bool) {
	if m.jobDuration == nil {
		return
	}
	m.jobDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("job", job),
		attribute.Bool("success", success),
	))
}

// RecordFanoutDrop counts one frame dropped by a full subscriber.
func (m *Metrics) RecordFanoutDrop(ctx context.Context, channel string) {
	if m.fanoutDropped == nil {
		return
	}
	m.fanoutDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
	))
}

// RecordRegistration counts one registration attempt.
func (m *Metrics) RecordRegistration(ctx context.Context, outcome string) {
	if m.registrations == nil {
		return
	}
	m.registrations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// Shutdown gracefully shuts down the metrics provider, flushing pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// MeterProvider returns the underlying meter provider.
func (m *Metrics) MeterProvider() *sdkmetric.MeterProvider {
	return m.meterProvider
}

// SetGlobalMetrics sets the global metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m

	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// GetGlobalMetrics returns the global metrics instance, or a no-op instance
// if none has been set.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()

	if globalMetrics == nil {
		return NoopMetrics()
	}
	return globalMetrics
}

// NoopMetrics returns a metrics instance that does nothing.
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
