package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"callcast/internal/campaign"
	"callcast/internal/observability"
	sqsqueue "callcast/internal/queue/sqs"
)

// Enqueuer is the queue producer as the API consumes it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job campaign.Job, opts sqsqueue.EnqueueOptions) (string, error)
}

type API struct {
	Queue       Enqueuer
	QueuePrefix string
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/campaign-jobs", a.handleEnqueue).Methods(http.MethodPost)
}

type enqueueRequest struct {
	campaign.Job
	// DelayMs postpones delivery to workers; capped at the queue's 15m limit.
	DelayMs  int64 `json:"delayMs,omitempty"`
	Priority int   `json:"priority,omitempty"`
}

type enqueueResponse struct {
	JobID string `json:"jobId"`
	Queue string `json:"queue"`
}

func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Job.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	jobID, err := a.Queue.Enqueue(r.Context(), req.Job, sqsqueue.EnqueueOptions{
		Delay:    time.Duration(req.DelayMs) * time.Millisecond,
		Priority: req.Priority,
	})
	if err != nil {
		slog.Error("enqueue campaign job failed",
			"err", err,
			"tenant_id", req.TenantID,
			"campaign_type", string(req.Type),
			"customer_phone", req.CustomerPhone,
		)
		observability.Enqueues.WithLabelValues(string(req.Type), "error").Inc()
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	observability.Enqueues.WithLabelValues(string(req.Type), "ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(enqueueResponse{JobID: jobID, Queue: req.Type.QueueName(a.QueuePrefix)})
}
