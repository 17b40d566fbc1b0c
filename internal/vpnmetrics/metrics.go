// Package vpnmetrics adapts the OpenTelemetry metric pipeline of
// utils/metrics-go/metrics.go to the session core's counters: sessions
// created/disposed/suppressed and admission latency.
package vpnmetrics

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Config holds configuration for the metrics pipeline.
type Config struct {
	OTLPEndpoint     string
	ExportIntervalMS int
	ServiceName      string
	ServiceVersion   string
	Enabled          bool
}

// MetricCreator provides thread-safe metric recording. All methods are
// safe for concurrent use by multiple goroutines, and are no-ops on a
// nil receiver so callers need not special-case a disabled pipeline.
type MetricCreator struct {
	meterProvider  *sdkmetric.MeterProvider
	meter          metric.Meter
	counterCache   sync.Map // map[string]metric.Int64Counter
	histogramCache sync.Map // map[string]metric.Float64Histogram
}

var (
	instance *MetricCreator
	once     sync.Once
	initErr  error
)

// Init initializes the global MetricCreator singleton. Safe to call
// multiple times; only the first call takes effect.
func Init(config Config) error {
	once.Do(func() {
		if !config.Enabled {
			return
		}
		mc, err := newMetricCreator(config)
		if err != nil {
			initErr = err
			return
		}
		instance = mc
	})
	return initErr
}

// Get returns the global MetricCreator singleton, or nil if Init was
// never called, disabled, or failed.
func Get() *MetricCreator {
	return instance
}

func newMetricCreator(config Config) (*MetricCreator, error) {
	ctx := context.Background()

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exporter,
			sdkmetric.WithInterval(time.Duration(config.ExportIntervalMS)*time.Millisecond),
		)),
		sdkmetric.WithResource(res),
	)

	return &MetricCreator{
		meterProvider: provider,
		meter:         provider.Meter(config.ServiceName),
	}, nil
}

// RecordCounter increments a named integer counter.
func (mc *MetricCreator) RecordCounter(ctx context.Context, name string, value int64, unit, description string, tags map[string]string) {
	if mc == nil {
		return
	}
	counter, err := mc.getOrCreateCounter(name, unit, description)
	if err != nil {
		return
	}
	counter.Add(ctx, value, metric.WithAttributes(buildAttributes(tags)...))
}

// RecordHistogram records a floating-point sample (e.g. admission
// latency in milliseconds).
func (mc *MetricCreator) RecordHistogram(ctx context.Context, name string, value float64, unit, description string, tags map[string]string) {
	if mc == nil {
		return
	}
	histogram, err := mc.getOrCreateHistogram(name, unit, description)
	if err != nil {
		return
	}
	histogram.Record(ctx, value, metric.WithAttributes(buildAttributes(tags)...))
}

// SessionCreated records one admitted session.
func (mc *MetricCreator) SessionCreated(ctx context.Context) {
	mc.RecordCounter(ctx, "vpnhood.session.created", 1, "1", "sessions admitted", nil)
}

// SessionDisposed records one disposed session, tagged by cause.
func (mc *MetricCreator) SessionDisposed(ctx context.Context, cause string) {
	mc.RecordCounter(ctx, "vpnhood.session.disposed", 1, "1", "sessions disposed", map[string]string{"cause": cause})
}

// AdmissionLatency records the time taken to admit a session, in milliseconds.
func (mc *MetricCreator) AdmissionLatency(ctx context.Context, d time.Duration) {
	mc.RecordHistogram(ctx, "vpnhood.session.admission_latency_ms", float64(d.Milliseconds()), "ms", "time to admit a session", nil)
}

func (mc *MetricCreator) getOrCreateCounter(name, unit, description string) (metric.Int64Counter, error) {
	if cached, ok := mc.counterCache.Load(name); ok {
		return cached.(metric.Int64Counter), nil
	}
	counter, err := mc.meter.Int64Counter(name, metric.WithUnit(unit), metric.WithDescription(description))
	if err != nil {
		return nil, fmt.Errorf("create counter %s: %w", name, err)
	}
	actual, _ := mc.counterCache.LoadOrStore(name, counter)
	return actual.(metric.Int64Counter), nil
}

func (mc *MetricCreator) getOrCreateHistogram(name, unit, description string) (metric.Float64Histogram, error) {
	if cached, ok := mc.histogramCache.Load(name); ok {
		return cached.(metric.Float64Histogram), nil
	}
	histogram, err := mc.meter.Float64Histogram(name, metric.WithUnit(unit), metric.WithDescription(description))
	if err != nil {
		return nil, fmt.Errorf("create histogram %s: %w", name, err)
	}
	actual, _ := mc.histogramCache.LoadOrStore(name, histogram)
	return actual.(metric.Float64Histogram), nil
}

func buildAttributes(tags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// Shutdown flushes pending metrics and shuts down the meter provider.
func (mc *MetricCreator) Shutdown(ctx context.Context) error {
	if mc == nil || mc.meterProvider == nil {
		return nil
	}
	return mc.meterProvider.Shutdown(ctx)
}

// FlagPointers holds pointers to flag values for metrics configuration.
type FlagPointers struct {
	enable     *bool
	host       *string
	port       *int
	intervalMS *int
	version    *string
}

// RegisterFlags registers metrics-related command-line flags.
func RegisterFlags() *FlagPointers {
	return &FlagPointers{
		enable:     flag.Bool("metrics-otel-enable", true, "Enable OpenTelemetry metrics"),
		host:       flag.String("metrics-otel-collector-host", "localhost", "OpenTelemetry collector host"),
		port:       flag.Int("metrics-otel-collector-port", 4317, "OpenTelemetry collector port"),
		intervalMS: flag.Int("metrics-otel-collector-interval-ms", 6000, "OpenTelemetry export interval in milliseconds"),
		version:    flag.String("service-version", "unknown", "Service version for OpenTelemetry metrics"),
	}
}

// ToConfig converts flag pointers to Config.
func (p *FlagPointers) ToConfig(serviceName string) Config {
	return Config{
		OTLPEndpoint:     fmt.Sprintf("%s:%d", *p.host, *p.port),
		ExportIntervalMS: *p.intervalMS,
		ServiceName:      serviceName,
		ServiceVersion:   *p.version,
		Enabled:          *p.enable,
	}
}
