package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fundcard/observability"
)

// Observability records a span, Prometheus metrics and an access log line for
// every request.
type Observability struct {
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.HTTPMetrics
	now     func() time.Time
}

// NewObservability wires the HTTP instrumentation. A nil metrics value
// disables Prometheus recording.
func NewObservability(logger *slog.Logger, metrics *observability.HTTPMetrics) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observability{
		logger:  logger,
		tracer:  otel.Tracer("redeemd/http"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Middleware instruments next. The route label is the chi pattern so path
// parameters do not explode metric cardinality.
func (o *Observability) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := o.now()
		ctx, span := o.tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.method", r.Method)))
		defer span.End()

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", recorder.status),
		)
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
		}
		elapsed := o.now().Sub(start)
		o.metrics.Observe(route, r.Method, recorder.status, elapsed)
		o.logger.LogAttrs(ctx, slog.LevelDebug, "http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", recorder.status),
			slog.Duration("duration", elapsed),
		)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}
