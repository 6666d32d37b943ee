package callback

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"callcast/internal/gateway"
	"callcast/internal/telephony/twilio"
)

type fakeStore struct {
	callRef  string
	status   string
	errMsg   string
	duration int
	found    bool
	err      error
	calls    int
}

func (f *fakeStore) UpdateExecutionByCallRef(ctx context.Context, callRef, status, errorMessage string, durationSecs int) (bool, error) {
	f.calls++
	f.callRef, f.status, f.errMsg, f.duration = callRef, status, errorMessage, durationSecs
	return f.found, f.err
}

const (
	testToken = "tok_secret"
	testURL   = "https://hooks.example.com/v1/callbacks/twilio/voice"
)

func post(t *testing.T, r http.Handler, query string, form url.Values, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	target := "/v1/callbacks/twilio/voice"
	signedURL := testURL
	if query != "" {
		target += "?" + query
		signedURL += "?" + query
	}
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sign {
		req.Header.Set("X-Twilio-Signature", signFor(signedURL, form))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

// signFor mirrors the provider-side signature computation.
func signFor(fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(testToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newRouter(store ExecutionStore) *mux.Router {
	r := mux.NewRouter()
	rc := &Receiver{
		Store:           store,
		VerifySignature: twilio.VerifySignature,
		AuthToken:       testToken,
		PublicURL:       testURL,
	}
	rc.Register(r)
	return r
}

func TestCompletedCallSettlesLog(t *testing.T) {
	store := &fakeStore{found: true}
	r := newRouter(store)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "completed")
	form.Set("CallDuration", "42")

	rec := post(t, r, "jobId=jb_1&tenantId=t1&campaignType=REVIEW_REQUEST", form, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.callRef != "CA123" || store.status != gateway.ExecutionCompleted || store.duration != 42 {
		t.Fatalf("unexpected update: %+v", store)
	}
	if store.errMsg != "" {
		t.Fatalf("completed call must not carry an error message, got %q", store.errMsg)
	}
}

func TestNoAnswerMapsToNoAnswerStatus(t *testing.T) {
	store := &fakeStore{found: true}
	r := newRouter(store)

	form := url.Values{}
	form.Set("CallSid", "CA124")
	form.Set("CallStatus", "no-answer")

	rec := post(t, r, "", form, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if store.status != gateway.ExecutionNoAnswer || store.errMsg != "call no-answer" {
		t.Fatalf("unexpected update: %+v", store)
	}
}

func TestIntermediateStatusIsAcknowledgedWithoutWrite(t *testing.T) {
	store := &fakeStore{found: true}
	r := newRouter(store)

	for _, status := range []string{"queued", "initiated", "ringing", "in-progress"} {
		form := url.Values{}
		form.Set("CallSid", "CA125")
		form.Set("CallStatus", status)
		rec := post(t, r, "", form, true)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", status, rec.Code)
		}
	}
	if store.calls != 0 {
		t.Fatalf("intermediate events must not touch the store, got %d writes", store.calls)
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	store := &fakeStore{found: true}
	r := newRouter(store)

	form := url.Values{}
	form.Set("CallSid", "CA126")
	form.Set("CallStatus", "completed")

	rec := post(t, r, "", form, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if store.calls != 0 {
		t.Fatalf("unsigned callback must not reach the store")
	}
}

func TestUnknownCallTriggersRedelivery(t *testing.T) {
	store := &fakeStore{found: false}
	r := newRouter(store)

	form := url.Values{}
	form.Set("CallSid", "CA127")
	form.Set("CallStatus", "failed")

	rec := post(t, r, "", form, true)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 so the provider retries, got %d", rec.Code)
	}
}

func TestStoreFailureReported(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	r := newRouter(store)

	form := url.Values{}
	form.Set("CallSid", "CA128")
	form.Set("CallStatus", "completed")

	rec := post(t, r, "", form, true)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
