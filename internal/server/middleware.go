package server

import (
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

const (
	headerRequestID = "X-Request-Id"
	headerTraceID   = "X-Trace-Id"
)

// instrument starts a server span for every request, continuing any trace the caller propagated.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return otelhttp.NewMiddleware(h.emitter.Service(),
		otelhttp.WithTracerProvider(h.provider.Tracers),
		otelhttp.WithMeterProvider(h.provider.Meters),
		otelhttp.WithPropagators(h.provider.Propagator),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics"
		}),
	)(next)
}

// requestIDs echoes or assigns X-Request-Id and exposes the trace id of the request.
func requestIDs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)

		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
			w.Header().Set(headerTraceID, sc.TraceID().String())
		}

		next.ServeHTTP(w, r)
	})
}
