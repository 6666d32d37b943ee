//go:build integration
// +build integration

package integration

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"callcast/internal/callback"
	"callcast/internal/campaign"
	"callcast/internal/gateway"
	"callcast/internal/gateway/pg"
	"callcast/internal/joberr"
	"callcast/internal/pipeline"
	"callcast/internal/script"
	"callcast/internal/telephony"
	"callcast/internal/telephony/twilio"
)

// memUsage is an in-memory stand-in for the Redis counters; the integration
// target here is Postgres.
type memUsage struct {
	calls int
	spend float64
}

func (m *memUsage) DailyUsage(ctx context.Context, tenantID string, day time.Time) (gateway.DailyUsage, error) {
	return gateway.DailyUsage{Calls: m.calls, Spend: m.spend}, nil
}

func (m *memUsage) RecordCall(ctx context.Context, tenantID string, cost float64, day time.Time) error {
	m.calls++
	m.spend += cost
	return nil
}

type fakeDialer struct {
	ref   string
	calls int
}

func (f *fakeDialer) PlaceCall(ctx context.Context, req telephony.CallRequest) (telephony.CallResult, error) {
	f.calls++
	return telephony.CallResult{Reference: f.ref}, nil
}

func newPipeline(t *testing.T, db *pgxpool.Pool, usage *memUsage, dialer *fakeDialer) *pipeline.Pipeline {
	t.Helper()
	scripts, err := script.Load()
	if err != nil {
		t.Fatalf("load scripts: %v", err)
	}
	return &pipeline.Pipeline{
		Data:          pg.New(db),
		Usage:         usage,
		Scripts:       scripts,
		Dialer:        dialer,
		CostPerCall:   0.15,
		SpendCurrency: "EUR",
	}
}

func reviewJob(tenantID, phone string) campaign.Job {
	return campaign.Job{
		JobID:         "jb_int_1",
		Type:          campaign.TypeReviewRequest,
		TenantID:      tenantID,
		CustomerPhone: phone,
		Context:       map[string]any{"service": "haircut"},
	}
}

func TestOptedOutCustomerSuppressed(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID, phone := "t1", "+31611111111"
	seedTenant(t, db, tenantID)
	seedConsent(t, db, tenantID, phone, "REVIEW_REQUEST", "OPTED_OUT")

	dialer := &fakeDialer{ref: "CA1"}
	p := newPipeline(t, db, &memUsage{}, dialer)

	_, err := p.Run(ctx, reviewJob(tenantID, phone))
	if joberr.Classify(err) != joberr.Permanent {
		t.Fatalf("expected permanent consent failure, got %v", err)
	}
	if dialer.calls != 0 {
		t.Fatalf("no call may be placed without consent")
	}
	assertExecutionStatusDB(t, db, "jb_int_1", gateway.ExecutionFailed)
}

func TestBudgetCeilingBlocksBeforeContext(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID, phone := "t2", "+31622222222"
	seedTenant(t, db, tenantID)
	setBudget(t, db, tenantID, 10.0)

	dialer := &fakeDialer{ref: "CA1"}
	p := newPipeline(t, db, &memUsage{spend: 12.0}, dialer)

	_, err := p.Run(ctx, reviewJob(tenantID, phone))
	if joberr.Classify(err) != joberr.RateLimited {
		t.Fatalf("expected rate-limited budget failure, got %v", err)
	}
	if dialer.calls != 0 {
		t.Fatalf("no call may be placed over budget")
	}
}

func TestHappyPathInitiatedThenSettled(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID, phone := "t3", "+31633333333"
	seedTenant(t, db, tenantID)
	seedConsent(t, db, tenantID, phone, "REVIEW_REQUEST", "OPTED_IN")

	usage := &memUsage{}
	dialer := &fakeDialer{ref: "CA777"}
	p := newPipeline(t, db, usage, dialer)

	res, err := p.Run(ctx, reviewJob(tenantID, phone))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.CallReference != "CA777" {
		t.Fatalf("expected call reference CA777, got %s", res.CallReference)
	}
	assertExecutionStatusDB(t, db, "jb_int_1", gateway.ExecutionInitiated)
	if usage.calls != 1 {
		t.Fatalf("usage counter not applied: %d", usage.calls)
	}

	var total int
	err = db.QueryRow(ctx, `SELECT total_calls FROM daily_analytics WHERE tenant_id=$1`, tenantID).Scan(&total)
	if err != nil || total != 1 {
		t.Fatalf("analytics row missing or wrong: total=%d err=%v", total, err)
	}

	// Status callback with real signature verification settles the log row.
	authToken := "testtoken"
	publicURL := "https://example.com/v1/callbacks/twilio/voice"
	receiver := &callback.Receiver{
		Store:           pg.New(db),
		VerifySignature: twilio.VerifySignature,
		AuthToken:       authToken,
		PublicURL:       publicURL,
	}
	router := mux.NewRouter()
	receiver.Register(router)

	form := url.Values{
		"CallSid":      []string{"CA777"},
		"CallStatus":   []string{"completed"},
		"CallDuration": []string{"42"},
	}
	query := "jobId=jb_int_1&tenantId=" + tenantID + "&campaignType=REVIEW_REQUEST"
	sig := twilioSignature(authToken, publicURL+"?"+query, form)

	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/twilio/voice?"+query, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", sig)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("callback: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	assertExecutionStatusDB(t, db, "jb_int_1", gateway.ExecutionCompleted)
}

func seedTenant(t *testing.T, db *pgxpool.Pool, tenantID string) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO tenants (id, name, caller_id, daily_budget, budget_currency, daily_call_limit, allowed_campaign_types)
		VALUES ($1, $1, '+31200000000', 100, 'EUR', 100, '{REVIEW_REQUEST,REACTIVATION}')
		ON CONFLICT (id) DO NOTHING
	`, tenantID)
	if err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
}

func setBudget(t *testing.T, db *pgxpool.Pool, tenantID string, budget float64) {
	t.Helper()
	_, err := db.Exec(context.Background(), `UPDATE tenants SET daily_budget=$2 WHERE id=$1`, tenantID, budget)
	if err != nil {
		t.Fatalf("set budget: %v", err)
	}
}

func seedConsent(t *testing.T, db *pgxpool.Pool, tenantID, phone, campaignType, status string) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO consents (tenant_id, phone, campaign_type, status)
		VALUES ($1, $2, $3, $4)
	`, tenantID, phone, campaignType, status)
	if err != nil {
		t.Fatalf("insert consent: %v", err)
	}
}

func assertExecutionStatusDB(t *testing.T, db *pgxpool.Pool, jobID, want string) {
	t.Helper()
	var got string
	err := db.QueryRow(context.Background(), `
		SELECT status FROM call_execution_logs WHERE job_id=$1 ORDER BY id DESC LIMIT 1
	`, jobID).Scan(&got)
	if err != nil {
		t.Fatalf("select status: %v", err)
	}
	if got != want {
		t.Fatalf("expected status %s, got %s", want, got)
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	_, err = admin.Exec(context.Background(), "CREATE SCHEMA "+schema)
	if err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlPath := filepath.Join("..", "..", "migrations", "001_init.sql")
	sqlBytes, err := os.ReadFile(sqlPath)
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}

	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}

	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func twilioSignature(authToken, fullURL string, form url.Values) string {
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
	_, _ = mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
