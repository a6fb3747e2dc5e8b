package otelobs

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// AccessLogMiddleware logs one line per request with status, duration,
// and trace correlation ids when a span is active. The Trace-Id and
// Span-Id response headers mirror the same ids for client-side
// correlation.
func AccessLogMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		attrs := []any{"method", r.Method, "path", r.URL.Path}
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			sr.Header().Set("Trace-Id", sc.TraceID().String())
			sr.Header().Set("Span-Id", sc.SpanID().String())
			attrs = append(attrs, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
		}
		next.ServeHTTP(sr, r)
		attrs = append(attrs, "status", sr.status, "duration_ms", time.Since(start).Milliseconds())
		log.Info("request", attrs...)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
