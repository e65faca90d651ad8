package middleware

import (
	"net/http"
	"time"

	"github.com/caseworks/caseflow/internal/config"
	otelint "github.com/caseworks/caseflow/internal/otel"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter captures what the handler wrote so it can be metered.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

// Opentelemetry traces and meters incoming requests. Propagation and span
// lifecycle are delegated to otelhttp; the span is renamed to the chi route
// pattern once routing resolved it, so cardinality stays bounded.
func Opentelemetry(conf config.Tracing) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		metered := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			start := time.Now()

			next.ServeHTTP(sw, r)

			pattern := chi.RouteContext(r.Context()).RoutePattern()
			span := trace.SpanFromContext(r.Context())
			span.SetName(pattern)
			span.SetAttributes(semconv.HTTPRouteKey.String(pattern))
			recordRequest(r, sw, pattern, time.Since(start))
		})
		return otelhttp.NewHandler(metered, conf.Name,
			otelhttp.WithSpanOptions(trace.WithSpanKind(trace.SpanKindServer)))
	}
}

func recordRequest(r *http.Request, sw *statusWriter, pattern string, latency time.Duration) {
	tags := metric.WithAttributes(
		attribute.String("path", pattern),
		attribute.String("method", r.Method),
		attribute.Int("status", sw.status),
	)
	ctx := r.Context()
	otelint.RequestTotal.Add(ctx, 1)
	otelint.RequestUriTotal.Add(ctx, 1, tags)
	if r.ContentLength > 0 {
		otelint.RequestBodySize.Add(ctx, float64(r.ContentLength), tags)
	}
	if sw.written > 0 {
		otelint.ResponseBodySize.Add(ctx, float64(sw.written), tags)
	}
	otelint.RequestDuration.Record(ctx, latency.Seconds()*1000, tags)
}
