package gateway

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	otelpkg "github.com/basket/go-agency/internal/otel"
	"github.com/basket/go-agency/internal/shared"
)

// NewCORSMiddleware allows the listed browser origins. An empty list is a
// pass-through wrapper.
func NewCORSMiddleware(allowOrigins []string) func(http.Handler) http.Handler {
	if len(allowOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	origins := make(map[string]bool)
	allowAll := false
	for _, o := range allowOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}
	methodStr := strings.Join([]string{"GET", "POST", "PUT", "OPTIONS"}, ", ")
	headerStr := strings.Join([]string{"Content-Type", "X-Trace-Id"}, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || origins[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", methodStr)
				w.Header().Set("Access-Control-Allow-Headers", headerStr)
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware limits request body size to prevent abuse.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument tags the request with a trace id, opens a server span and
// records the request duration under the route pattern.
func (s *Server) instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		if id := r.Header.Get("X-Trace-Id"); id != "" {
			ctx = shared.WithTraceID(ctx, id)
		} else {
			ctx = shared.EnsureTraceID(ctx)
		}
		ctx, span := otelpkg.StartServerSpan(ctx, s.tracer, pattern, otelpkg.AttrRoute.String(pattern))
		defer span.End()

		w.Header().Set("X-Trace-Id", shared.TraceID(ctx))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		s.metrics.RequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			otelpkg.AttrRoute.String(pattern),
		))
		s.logger.DebugContext(ctx, "api request",
			"route", pattern,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}
