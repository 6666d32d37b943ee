// mock-provider is a stand-in Twilio voice API for local development: it
// accepts call creation, picks an outcome per the configured mode, and plays
// back the status-callback sequence (initiated, ringing, terminal) with
// signed requests, the way the real provider would.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	AccountSID  string `envconfig:"TWILIO_ACCOUNT_SID" default:"mock_sid"`
	AuthToken   string `envconfig:"TWILIO_AUTH_TOKEN" default:"mock_token"`
	Port        string `envconfig:"PORT" default:"8080"`
	OutcomeMode string `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	// Outcomes: completed, busy, no-answer, failed, rate_limit, server_error.
	OutcomesRaw    string `envconfig:"MOCK_OUTCOMES" default:"completed"`
	DelayMs        int    `envconfig:"MOCK_DELAY_MS" default:"0"`
	RingingDelayMs int    `envconfig:"MOCK_RINGING_DELAY_MS" default:"300"`
	FinalDelayMs   int    `envconfig:"MOCK_FINAL_DELAY_MS" default:"1500"`
	CallbackTries  int    `envconfig:"MOCK_CALLBACK_TRIES" default:"3"`

	Outcomes []string
}

type callResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

type server struct {
	cfg    config
	idx    uint64
	rngMu  sync.Mutex
	rng    *rand.Rand
	client *http.Client
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Calls.json", s.handleCreateCall).Methods(http.MethodPost)

	slog.Info("mock provider listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != s.cfg.AccountSID || pass != s.cfg.AuthToken {
		writeError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	if r.Form.Get("To") == "" || r.Form.Get("From") == "" {
		writeError(w, http.StatusBadRequest, 21602, "Missing required parameter")
		return
	}
	if r.Form.Get("Twiml") == "" && r.Form.Get("Url") == "" {
		writeError(w, http.StatusBadRequest, 21602, "Twiml or Url is required")
		return
	}

	if s.cfg.DelayMs > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(time.Duration(s.cfg.DelayMs) * time.Millisecond):
		}
	}

	outcome := s.nextOutcome()
	switch outcome {
	case "rate_limit":
		writeError(w, http.StatusTooManyRequests, 20429, "Too Many Requests")
		return
	case "server_error":
		writeError(w, http.StatusInternalServerError, 20500, "Internal Server Error")
		return
	}

	sid := fmt.Sprintf("CA%010d", atomic.AddUint64(&s.idx, 1)-1)
	writeJSON(w, http.StatusCreated, callResponse{Sid: sid, Status: "queued"})

	if cb := r.Form.Get("StatusCallback"); cb != "" {
		go s.callbackSequence(cb, sid, outcome)
	}
}

// callbackSequence posts initiated, ringing, then the terminal status. A
// completed call also reports a fake duration.
func (s *server) callbackSequence(callbackURL, callSid, outcome string) {
	post := func(status string, extra url.Values) {
		form := url.Values{}
		form.Set("CallSid", callSid)
		form.Set("CallStatus", status)
		for k, vs := range extra {
			form.Set(k, vs[0])
		}
		sig := signForm(s.cfg.AuthToken, callbackURL, form)
		s.postWithRetry(callbackURL, sig, form)
	}

	post("initiated", nil)
	time.Sleep(time.Duration(s.cfg.RingingDelayMs) * time.Millisecond)
	post("ringing", nil)
	time.Sleep(time.Duration(s.cfg.FinalDelayMs) * time.Millisecond)

	extra := url.Values{}
	if outcome == "completed" {
		s.rngMu.Lock()
		dur := 15 + s.rng.Intn(90)
		s.rngMu.Unlock()
		extra.Set("CallDuration", strconv.Itoa(dur))
	}
	post(outcome, extra)
}

func (s *server) postWithRetry(callbackURL, sig string, form url.Values) {
	for attempt := 0; attempt < s.cfg.CallbackTries; attempt++ {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, callbackURL, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", sig)

		resp, err := s.client.Do(req)
		if err == nil {
			code := resp.StatusCode
			_ = resp.Body.Close()
			if code >= 200 && code < 300 {
				return
			}
			slog.Warn("mock callback post rejected", "url", callbackURL, "attempt", attempt+1, "status", code)
		} else {
			slog.Warn("mock callback post failed", "url", callbackURL, "attempt", attempt+1, "err", err)
		}
		time.Sleep(time.Duration(250<<attempt) * time.Millisecond)
	}
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 0)
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func signForm(authToken, fullURL string, form url.Values) string {
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
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, callResponse{Status: "failed", ErrorCode: &code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"completed"}
	}
	return out
}
