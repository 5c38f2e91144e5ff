package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/okian/receiptreward/pkg/metrics"
)

// statusRecorder captures the response status and, for failures rendered by
// writeError, the API error code.
type statusRecorder struct {
	http.ResponseWriter
	status int
	code   string
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// MetricsMiddleware records request counts and latency per endpoint. Failed
// requests are also counted under their API error code.
func MetricsMiddleware(next http.HandlerFunc, endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r)

		latencyMs := float64(time.Since(start).Microseconds()) / 1000
		status := strconv.Itoa(rec.status)
		metrics.RecordHTTPRequest(endpoint, r.Method, status)
		metrics.RecordHTTPRequestDuration(endpoint, r.Method, status, latencyMs)

		if rec.status < http.StatusBadRequest {
			return
		}
		code := rec.code
		if code == "" {
			code = "http_" + status
		}
		metrics.RecordErrorByEndpoint(endpoint, r.Method, code)
		metrics.RecordErrorByType(code, severity(rec.status))
		metrics.RecordErrorLatency("http", code, latencyMs)
	}
}

// severity ranks failures for alerting. Refusals the client caused (captcha,
// quota, duplicate) rank low; server faults rank high.
func severity(status int) string {
	switch status {
	case http.StatusForbidden, http.StatusConflict:
		return "low"
	}
	if status >= http.StatusInternalServerError {
		return "high"
	}
	return "medium"
}
