package lifecycle

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callcast/internal/worker"
)

type memoryReport struct {
	UsedMB uint64 `json:"used_mb"`
	MaxMB  uint64 `json:"max_mb"`
}

type healthResponse struct {
	Status        string                  `json:"status"`
	WorkerID      string                  `json:"worker_id"`
	UptimeSeconds float64                 `json:"uptime_seconds"`
	Memory        memoryReport            `json:"memory"`
	Consumers     []worker.ConsumerStatus `json:"consumers"`
}

// Routes mounts the operational surface: health, Prometheus metrics, the
// per-queue job summaries, and the graceful-shutdown trigger.
func (m *Manager) Routes(r *mux.Router) {
	r.HandleFunc("/health", m.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/metrics/jobs", m.handleJobMetrics).Methods(http.MethodGet)
	r.HandleFunc("/shutdown", m.handleShutdown).Methods(http.MethodPost)
}

func (m *Manager) handleHealth(w http.ResponseWriter, r *http.Request) {
	used, max := m.Pool.MemoryUsage()
	resp := healthResponse{
		Status:        "healthy",
		WorkerID:      m.WorkerID,
		UptimeSeconds: m.Uptime().Seconds(),
		Memory:        memoryReport{UsedMB: used, MaxMB: max},
		Consumers:     m.Pool.ConsumerStatuses(),
	}
	code := http.StatusOK
	if s := m.State(); s == StateDraining || s == StateStopped {
		resp.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func (m *Manager) handleJobMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Pool.Summaries())
}

func (m *Manager) handleShutdown(w http.ResponseWriter, r *http.Request) {
	m.Shutdown()
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"draining"}`))
}
