package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/photosync/client/observability"

// Status server instrument names
const (
	MetricStatusRequests        = "photosync.status.requests"
	MetricStatusRequestDuration = "photosync.status.request.duration"
	MetricStatusStreams         = "photosync.status.streams"
)

// AttrSource tags status requests scoped to one source
var AttrSource = attribute.Key("photosync.source")

// HTTPMetrics holds the status server instruments
type HTTPMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	streams  metric.Int64UpDownCounter
}

// NewHTTPMetrics creates the status server instruments on the global meter provider
func NewHTTPMetrics() (*HTTPMetrics, error) {
	return newHTTPMetrics(otel.Meter(instrumentationName))
}

func newHTTPMetrics(meter metric.Meter) (*HTTPMetrics, error) {
	requests, err := meter.Int64Counter(MetricStatusRequests,
		metric.WithDescription("Status server requests by route and source"),
		metric.WithUnit("{requests}"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(MetricStatusRequestDuration,
		metric.WithDescription("Status server request duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	streams, err := meter.Int64UpDownCounter(MetricStatusStreams,
		metric.WithDescription("Open progress websocket streams"),
		metric.WithUnit("{streams}"))
	if err != nil {
		return nil, err
	}
	return &HTTPMetrics{requests: requests, duration: duration, streams: streams}, nil
}

// statusRecorder captures what the handler answered
type statusRecorder struct {
	http.ResponseWriter
	code     int
	upgraded bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher
func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so websocket upgrades pass through
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.code = http.StatusSwitchingProtocols
	rw.upgraded = true
	return h.Hijack()
}

// routeOf returns the matched chi pattern and the source the route is scoped
// to. Both are only known once chi has routed the request.
func routeOf(r *http.Request) (pattern, source string) {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path, ""
	}
	pattern = rctx.RoutePattern()
	if pattern == "" {
		pattern = r.URL.Path
	}
	return pattern, rctx.URLParam("source")
}

// Instrument traces every status server request as a span named after its
// route and counts it per route and source. metrics may be nil.
// Websocket streams are tracked as open streams, not as request durations.
func Instrument(metrics *HTTPMetrics) func(http.Handler) http.Handler {
	tracer := otel.Tracer(instrumentationName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			propagator := otel.GetTextMapPropagator()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, "status "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.ClientAddress(r.RemoteAddr),
					semconv.UserAgentOriginal(r.UserAgent()),
				),
			)
			defer span.End()

			rw := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			if metrics != nil && isUpgrade(r) {
				metrics.streams.Add(ctx, 1)
				defer metrics.streams.Add(ctx, -1)
			}
			next.ServeHTTP(rw, r.WithContext(ctx))

			route, source := routeOf(r)
			span.SetName("status " + r.Method + " " + route)
			attrs := []attribute.KeyValue{
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(rw.code),
			}
			if source != "" {
				attrs = append(attrs, AttrSource.String(source))
			}
			span.SetAttributes(attrs...)
			if rw.code >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.code))
			}

			if metrics == nil {
				return
			}
			set := metric.WithAttributes(attrs...)
			metrics.requests.Add(ctx, 1, set)
			if !rw.upgraded {
				metrics.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, set)
			}
		})
	}
}

func isUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != ""
}
