package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"callcast/internal/campaign"
	sqsqueue "callcast/internal/queue/sqs"
)

type fakeEnqueuer struct {
	job  campaign.Job
	opts sqsqueue.EnqueueOptions
	err  error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job campaign.Job, opts sqsqueue.EnqueueOptions) (string, error) {
	f.job = job
	f.opts = opts
	if f.err != nil {
		return "", f.err
	}
	return "jb_01TEST", nil
}

func newTestRouter(q Enqueuer) *mux.Router {
	r := mux.NewRouter()
	api := &API{Queue: q, QueuePrefix: "voice-campaign"}
	api.Register(r)
	return r
}

func TestEnqueueAccepted(t *testing.T) {
	q := &fakeEnqueuer{}
	r := newTestRouter(q)

	body := `{
		"campaignType": "REVIEW_REQUEST",
		"tenantId": "t1",
		"customerPhone": "+31612345678",
		"campaignContext": {"service": "haircut"},
		"delayMs": 5000,
		"priority": 2
	}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/campaign-jobs", strings.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp enqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID != "jb_01TEST" || resp.Queue != "voice-campaign-review-request" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if q.opts.Delay != 5*time.Second || q.opts.Priority != 2 {
		t.Fatalf("scheduling hints not forwarded: %+v", q.opts)
	}
	if q.job.Type != campaign.TypeReviewRequest || q.job.Context["service"] != "haircut" {
		t.Fatalf("job not forwarded intact: %+v", q.job)
	}
}

func TestEnqueueRejectsBadPayload(t *testing.T) {
	r := newTestRouter(&fakeEnqueuer{})

	cases := map[string]string{
		"not json":     `{"campaignType":`,
		"no tenant":    `{"campaignType": "REVIEW_REQUEST", "customerPhone": "+31612345678"}`,
		"no phone":     `{"campaignType": "REVIEW_REQUEST", "tenantId": "t1"}`,
		"unknown type": `{"campaignType": "SPAM_BLAST", "tenantId": "t1", "customerPhone": "+31612345678"}`,
	}
	for name, body := range cases {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/campaign-jobs", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestEnqueueDependencyFailure(t *testing.T) {
	r := newTestRouter(&fakeEnqueuer{err: errors.New("sqs unavailable")})

	body := `{"campaignType": "PROMOTIONAL", "tenantId": "t1", "customerPhone": "+31612345678"}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/campaign-jobs", strings.NewReader(body)))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}
