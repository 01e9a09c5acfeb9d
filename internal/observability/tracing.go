package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartRemoteSpan starts a span for a call to the remote service
func StartRemoteSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("remote.%s", operation),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.String("remote.operation", operation))...),
	)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.component", service),
			attribute.String("service.operation", operation),
		),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// SyncMetrics holds sync engine metrics
type SyncMetrics struct {
	sessions      metric.Int64Counter
	uploads       metric.Int64Counter
	downloads     metric.Int64Counter
	bytesUp       metric.Int64Counter
	bytesDown     metric.Int64Counter
	retries       metric.Int64Counter
	quotaSkips    metric.Int64Counter
	phaseDuration metric.Float64Histogram
}

// Sync instrument names
const (
	MetricSessions      = "photosync.sync.sessions"
	MetricUploads       = "photosync.item.uploads"
	MetricDownloads     = "photosync.item.downloads"
	MetricBytesSent     = "photosync.transfer.bytes_sent"
	MetricBytesReceived = "photosync.transfer.bytes_received"
	MetricRetries       = "photosync.transfer.retries"
	MetricQuotaSkips    = "photosync.upload.quota_skips"
	MetricPhaseDuration = "photosync.sync.phase.duration"
)

// NewSyncMetrics creates sync metrics instruments on the global meter provider
func NewSyncMetrics() (*SyncMetrics, error) {
	return newSyncMetrics(otel.Meter(instrumentationName))
}

func newSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {

	sessions, err := meter.Int64Counter(
		MetricSessions,
		metric.WithDescription("Total number of sync sessions by result"),
		metric.WithUnit("{sessions}"),
	)
	if err != nil {
		return nil, err
	}

	uploads, err := meter.Int64Counter(
		MetricUploads,
		metric.WithDescription("Total number of item uploads"),
		metric.WithUnit("{uploads}"),
	)
	if err != nil {
		return nil, err
	}

	downloads, err := meter.Int64Counter(
		MetricDownloads,
		metric.WithDescription("Total number of item downloads"),
		metric.WithUnit("{downloads}"),
	)
	if err != nil {
		return nil, err
	}

	bytesUp, err := meter.Int64Counter(
		MetricBytesSent,
		metric.WithDescription("Bytes sent to the remote service"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	bytesDown, err := meter.Int64Counter(
		MetricBytesReceived,
		metric.WithDescription("Bytes received from the remote service"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		MetricRetries,
		metric.WithDescription("Transfer attempts retried after a network error"),
		metric.WithUnit("{retries}"),
	)
	if err != nil {
		return nil, err
	}

	quotaSkips, err := meter.Int64Counter(
		MetricQuotaSkips,
		metric.WithDescription("Uploads not attempted because the quota budget was exhausted"),
		metric.WithUnit("{items}"),
	)
	if err != nil {
		return nil, err
	}

	phaseDuration, err := meter.Float64Histogram(
		MetricPhaseDuration,
		metric.WithDescription("Sync phase duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		sessions:      sessions,
		uploads:       uploads,
		downloads:     downloads,
		bytesUp:       bytesUp,
		bytesDown:     bytesDown,
		retries:       retries,
		quotaSkips:    quotaSkips,
		phaseDuration: phaseDuration,
	}, nil
}

// RecordSession records a finished sync session
func (m *SyncMetrics) RecordSession(ctx context.Context, source, result string, full bool) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("result", result),
		attribute.Bool("full", full),
	))
}

// RecordUpload records an item upload
func (m *SyncMetrics) RecordUpload(ctx context.Context, source string, bytes int64, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", source), attribute.Bool("success", success))
	m.uploads.Add(ctx, 1, attrs)
	if bytes > 0 {
		m.bytesUp.Add(ctx, bytes, metric.WithAttributes(attribute.String("source", source)))
	}
}

// RecordDownload records an item download
func (m *SyncMetrics) RecordDownload(ctx context.Context, source string, bytes int64, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", source), attribute.Bool("success", success))
	m.downloads.Add(ctx, 1, attrs)
	if bytes > 0 {
		m.bytesDown.Add(ctx, bytes, metric.WithAttributes(attribute.String("source", source)))
	}
}

// RecordRetry records one retried transfer attempt
func (m *SyncMetrics) RecordRetry(ctx context.Context, source, direction string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("direction", direction),
	))
}

// RecordQuotaSkip records an upload refused by quota admission
func (m *SyncMetrics) RecordQuotaSkip(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.quotaSkips.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordPhase records how long a sync phase took
func (m *SyncMetrics) RecordPhase(ctx context.Context, source, phase string, durationMS float64) {
	if m == nil {
		return
	}
	m.phaseDuration.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("phase", phase),
	))
}
