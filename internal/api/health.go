package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/audioscribe/internal/transcribe"
)

type HealthResponse struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Backend       string                 `json:"backend"`
	Checks        map[string]string      `json:"checks"`
	Queue         *transcribe.QueueStats `json:"queue,omitempty"`
	Watcher       *WatcherStatusData     `json:"watcher,omitempty"`
}

// HealthChecker is satisfied by *database.DB.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnChecker is satisfied by *mqttclient.Client.
type ConnChecker interface {
	IsConnected() bool
}

// QueueStatsSource is satisfied by *transcribe.WorkerPool.
type QueueStatsSource interface {
	Stats() transcribe.QueueStats
}

type HealthHandler struct {
	db        HealthChecker
	mqtt      ConnChecker // nil when not configured
	live      LiveDataSource
	queue     QueueStatsSource
	backend   string
	version   string
	startTime time.Time
}

func NewHealthHandler(db HealthChecker, mqtt ConnChecker, live LiveDataSource, queue QueueStatsSource, backend, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		mqtt:      mqtt,
		live:      live,
		queue:     queue,
		backend:   backend,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Backend:       h.backend,
		Checks:        checks,
	}

	if h.live != nil {
		if ws := h.live.WatcherStatus(); ws != nil {
			checks["inbox_watcher"] = ws.Status
			resp.Watcher = ws
		}
	}
	if h.queue != nil {
		qs := h.queue.Stats()
		resp.Queue = &qs
	}

	WriteJSON(w, httpStatus, resp)
}
