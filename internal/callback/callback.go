// Package callback ingests Twilio voice status callbacks and settles the
// matching execution log row. Correlation metadata (job id, tenant, campaign
// type) rides on the callback URL query string, set when the call was placed.
package callback

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"

	"callcast/internal/gateway"
	"callcast/internal/observability"
)

const (
	ErrBadForm          = "bad form"
	ErrInvalidSignature = "invalid signature"
	ErrDependency       = "dependency error"
)

type ExecutionStore interface {
	UpdateExecutionByCallRef(ctx context.Context, callRef, status, errorMessage string, durationSecs int) (bool, error)
}

type Receiver struct {
	Store           ExecutionStore
	VerifySignature func(authToken, fullURL, provided string, form url.Values) bool
	AuthToken       string
	// PublicURL is the exact callback base URL registered with Twilio; the
	// signature covers it plus the per-call query string.
	PublicURL string
}

func (rc *Receiver) Register(r *mux.Router) {
	r.HandleFunc("/v1/callbacks/twilio/voice", rc.handleVoiceStatus).Methods(http.MethodPost)
}

// terminal call statuses mapped onto execution log statuses. Anything else is
// an intermediate progress event and is acknowledged without a write.
var statusMap = map[string]string{
	"completed": gateway.ExecutionCompleted,
	"busy":      gateway.ExecutionNoAnswer,
	"no-answer": gateway.ExecutionNoAnswer,
	"canceled":  gateway.ExecutionNoAnswer,
	"failed":    gateway.ExecutionFailed,
}

func (rc *Receiver) handleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, ErrBadForm, http.StatusBadRequest)
		return
	}

	signedURL := rc.PublicURL
	if r.URL.RawQuery != "" {
		signedURL += "?" + r.URL.RawQuery
	}
	if rc.VerifySignature == nil || !rc.VerifySignature(rc.AuthToken, signedURL, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
		http.Error(w, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	callSid := r.PostForm.Get("CallSid")
	callStatus := r.PostForm.Get("CallStatus")
	jobID := r.URL.Query().Get("jobId")

	observability.CallStatusEvents.WithLabelValues(callStatus).Inc()

	newStatus, terminal := statusMap[callStatus]
	if !terminal {
		w.WriteHeader(http.StatusOK)
		return
	}

	errorMessage := ""
	if newStatus != gateway.ExecutionCompleted {
		errorMessage = "call " + callStatus
	}
	duration, _ := strconv.Atoi(r.PostForm.Get("CallDuration"))

	updated, err := rc.Store.UpdateExecutionByCallRef(r.Context(), callSid, newStatus, errorMessage, duration)
	if err != nil {
		slog.Error("settle execution log failed",
			"err", err, "call_sid", callSid, "status", callStatus, "job_id", jobID)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}
	if !updated {
		// The worker may not have committed the log row yet; a non-2xx makes
		// the provider redeliver the callback later.
		slog.Warn("no execution log for call yet", "call_sid", callSid, "job_id", jobID)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}

	slog.Info("call settled",
		"call_sid", callSid, "status", newStatus, "job_id", jobID,
		"tenant_id", r.URL.Query().Get("tenantId"),
		"campaign_type", r.URL.Query().Get("campaignType"),
		"duration_s", duration,
	)
	w.WriteHeader(http.StatusOK)
}
