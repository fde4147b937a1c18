package middleware

import (
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/halbzeit/reviewqueue/internal/logger"
	"github.com/halbzeit/reviewqueue/internal/metrics"
)

// RequestLogger logs each request at Info level and records the HTTP
// metrics histogram/counter, keyed by method, route path, and status.
func RequestLogger() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			status := strconv.Itoa(ww.Status())

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", duration).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("http request")

			metrics.RecordHTTPRequest(r.Method, r.URL.Path, status, duration.Seconds())
		})
	}
}
