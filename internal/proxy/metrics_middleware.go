package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/arlojensen/aigateway/pkg/metrics"
)

// MetricsMiddleware brackets every request with the active-requests gauge
// and records the completed-request counter/histogram, labeled by
// endpoint/method/status/result.
func MetricsMiddleware(reg *metrics.Registry, endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reg.IncActiveRequests()
			defer reg.DecActiveRequests()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rw, r)

			result := "success"
			if rw.statusCode >= 400 {
				result = "error"
			}
			reg.ObserveRequestHTTP(endpoint, r.Method, strconv.Itoa(rw.statusCode), result, time.Since(start).Seconds())
		})
	}
}
