package restapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cvm-network/cvmnode/internal/errors"
	"github.com/cvm-network/cvmnode/internal/logging"
	"github.com/cvm-network/cvmnode/internal/metrics"
)

// statusRecorder wraps a ResponseWriter to capture the status code a
// handler wrote, for the logging/metrics middleware below.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs and records metrics for every completed request.
func loggingMiddleware(logger *logging.Logger, m *metrics.Registry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			duration := time.Since(start)

			if m != nil {
				m.ObserveRestRequest(r.Method, fmt.Sprintf("%dxx", rec.status/100), duration)
			}
			logger.LogRequest(r.Context(), r.Method, r.URL.Path, rec.status, float64(duration.Milliseconds()))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as the documented JSON error body (spec §7),
// translating its ServiceError code to the matching HTTP status.
func writeError(w http.ResponseWriter, err error) {
	se := errors.GetServiceError(err)
	if se == nil {
		se = errors.Internal("unexpected error", err)
	}
	writeJSON(w, se.HTTPStatus, map[string]string{
		"error":   string(se.Code),
		"message": se.Message,
	})
}
