package api

import (
	"net/http"
	"time"
)

// StatsProvider exposes service counters for GET /stats.
type StatsProvider interface {
	GetStats() map[string]any
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// StatusHandler serves the liveness probe and the stats snapshot.
type StatusHandler struct {
	stats   StatsProvider
	started time.Time
}

// NewStatusHandler creates a status handler. Uptime counts from now.
func NewStatusHandler(stats StatsProvider) *StatusHandler {
	return &StatusHandler{stats: stats, started: time.Now()}
}

// HandleHealth answers GET and HEAD /healthz.
func (h *StatusHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, NewKind("api.healthz", ErrMethod))
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// HandleStats answers GET /stats.
func (h *StatusHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, NewKind("api.stats", ErrMethod))
		return
	}
	if h.stats == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, h.stats.GetStats())
}
