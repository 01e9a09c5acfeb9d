package observability

import (
	"context"
	"errors"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Resource attribute keys describing the client instance
const (
	AttrSources   = attribute.Key("photosync.sources")
	AttrDataDir   = attribute.Key("photosync.data_dir")
	defaultOTLP   = "localhost:4317"
	exportTimeout = 30 * time.Second
)

// Config controls telemetry export. Export is opt-in: a desktop client
// usually has no collector to talk to.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Enabled        bool
	SampleRatio    float64
	InstanceID     string
	DataDir        string
	Sources        []string
}

// NewConfig reads the OTEL_* environment for a client syncing sources
func NewConfig(serviceName, serviceVersion, dataDir string, sources []string) Config {
	cfg := Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Environment:    os.Getenv("ENVIRONMENT"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRatio:    1,
		InstanceID:     uuid.NewString(),
		DataDir:        dataDir,
		Sources:        append([]string(nil), sources...),
	}
	sort.Strings(cfg.Sources)

	switch os.Getenv("OTEL_ENABLED") {
	case "true", "1":
		cfg.Enabled = true
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = defaultOTLP
	}
	if cfg.Environment == "" {
		cfg.Environment = "desktop"
	}
	if raw := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); raw != "" {
		if r, err := strconv.ParseFloat(raw, 64); err == nil && r >= 0 && r <= 1 {
			cfg.SampleRatio = r
		}
	}
	return cfg
}

// resourceAttributes identifies this client and the sources it syncs
func (c Config) resourceAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.ServiceName(c.ServiceName),
		semconv.ServiceVersion(c.ServiceVersion),
		semconv.ServiceInstanceID(c.InstanceID),
		semconv.DeploymentEnvironment(c.Environment),
		AttrSources.StringSlice(c.Sources),
		AttrDataDir.String(c.DataDir),
	}
}

// Histogram bucket boundaries, in milliseconds
var (
	phaseBuckets   = []float64{5, 25, 100, 500, 1000, 5000, 15000, 60000, 300000, 1800000}
	requestBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 1000, 5000}
)

// metricViews fits the histogram buckets to what the client measures:
// sync phases run for minutes, status requests for milliseconds
func metricViews() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: MetricPhaseDuration},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: phaseBuckets}},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: MetricStatusRequestDuration},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: requestBuckets}},
		),
	}
}

// Telemetry owns the exporting providers of one client process
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

// Initialize installs OTLP tracing and metrics as the global providers.
// When export is disabled the global no-op providers stay in place and the
// sync instruments cost nothing.
func Initialize(ctx context.Context, cfg Config) (*Telemetry, error) {
	log := GetLogger().WithField("component", "telemetry")
	tel := &Telemetry{}
	if !cfg.Enabled {
		log.Debugf("Telemetry disabled (set OTEL_ENABLED=true to enable)")
		return tel, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(cfg.resourceAttributes()...), resource.WithHost())
	if err != nil {
		return nil, err
	}

	if spans, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	); err != nil {
		log.Warnf("Span export unavailable: %v", err)
	} else {
		tel.TracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		)
		otel.SetTracerProvider(tel.TracerProvider)
	}

	if metrics, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	); err != nil {
		log.Warnf("Metric export unavailable: %v", err)
	} else {
		tel.MeterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(time.Minute))),
			sdkmetric.WithResource(res),
			sdkmetric.WithView(metricViews()...),
		)
		otel.SetMeterProvider(tel.MeterProvider)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log.WithField("sources", cfg.Sources).Infof("Exporting telemetry to %s", cfg.OTLPEndpoint)
	return tel, nil
}

// Shutdown flushes pending spans and metrics
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.TracerProvider != nil {
		errs = append(errs, t.TracerProvider.Shutdown(ctx))
	}
	if t.MeterProvider != nil {
		errs = append(errs, t.MeterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
