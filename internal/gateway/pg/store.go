// Package pg implements the relational side of the campaign data gateway on
// top of a pgx pool: tenant and customer profiles, consent reads, execution
// logs, and the daily analytics upsert.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callcast/internal/campaign"
	"callcast/internal/gateway"
	"callcast/internal/joberr"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) TenantLimits(ctx context.Context, tenantID string) (gateway.TenantLimits, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT daily_budget, budget_currency, daily_call_limit, allowed_campaign_types
		FROM tenants WHERE id=$1
	`, tenantID)

	var out gateway.TenantLimits
	var allowed []string
	err := row.Scan(&out.DailyBudget, &out.BudgetCurrency, &out.DailyCallLimit, &allowed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return gateway.TenantLimits{}, joberr.Newf(joberr.Permanent, "tenant %s not found", tenantID)
		}
		return gateway.TenantLimits{}, joberr.Wrap(err, joberr.ServiceUnavailable, "load tenant limits")
	}
	for _, a := range allowed {
		if t, err := campaign.ParseType(a); err == nil {
			out.AllowedTypes = append(out.AllowedTypes, t)
		}
	}
	return out, nil
}

func (s *Store) TenantProfile(ctx context.Context, tenantID string) (gateway.TenantProfile, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, name, COALESCE(caller_id,''), COALESCE(language,'')
		FROM tenants WHERE id=$1
	`, tenantID)

	var out gateway.TenantProfile
	err := row.Scan(&out.ID, &out.Name, &out.CallerID, &out.Language)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return gateway.TenantProfile{}, joberr.Newf(joberr.Permanent, "tenant %s not found", tenantID)
		}
		return gateway.TenantProfile{}, joberr.Wrap(err, joberr.ServiceUnavailable, "load tenant profile")
	}
	return out, nil
}

// CustomerProfile resolves by id first, then by phone. found=false with a nil
// error means neither matched; the caller decides whether that is fatal.
func (s *Store) CustomerProfile(ctx context.Context, tenantID, customerID, phone string) (gateway.CustomerProfile, bool, error) {
	if customerID != "" {
		p, found, err := s.customerBy(ctx, `id=$2 AND tenant_id=$1`, tenantID, customerID)
		if err != nil || found {
			return p, found, err
		}
	}
	return s.customerBy(ctx, `phone=$2 AND tenant_id=$1`, tenantID, phone)
}

func (s *Store) customerBy(ctx context.Context, where, tenantID, key string) (gateway.CustomerProfile, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, COALESCE(name,''), phone, COALESCE(language,'')
		FROM customers WHERE `+where, tenantID, key)

	var out gateway.CustomerProfile
	err := row.Scan(&out.ID, &out.Name, &out.Phone, &out.Language)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return gateway.CustomerProfile{}, false, nil
		}
		return gateway.CustomerProfile{}, false, joberr.Wrap(err, joberr.ServiceUnavailable, "load customer profile")
	}
	return out, true, nil
}

// Consent returns the consent record for (tenant, phone, campaign type), or
// nil when none exists.
func (s *Store) Consent(ctx context.Context, tenantID, phone string, t campaign.Type) (*gateway.ConsentRecord, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT status, revoked_at
		FROM consents
		WHERE tenant_id=$1 AND phone=$2 AND campaign_type=$3
	`, tenantID, phone, string(t))

	var status string
	var revokedAt *time.Time
	err := row.Scan(&status, &revokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, joberr.Wrap(err, joberr.ServiceUnavailable, "load consent record")
	}
	return &gateway.ConsentRecord{Status: gateway.ConsentStatus(status), RevokedAt: revokedAt}, nil
}

func (s *Store) AppendExecutionLog(ctx context.Context, e gateway.ExecutionLog) error {
	ctxJSON, _ := json.Marshal(e.Context)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO call_execution_logs
			(job_id, campaign_type, tenant_id, customer_id, customer_phone, call_reference, status, error_message, campaign_context, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
	`, e.JobID, string(e.Type), e.TenantID, nullIfEmpty(e.CustomerID), e.CustomerPhone,
		nullIfEmpty(e.CallReference), e.Status, nullIfEmpty(e.ErrorMessage), ctxJSON)
	return err
}

// UpdateExecutionByCallRef settles an execution log row from a provider
// status callback. Returns false when no row carries the call reference yet,
// which happens when the callback outruns the worker's log write.
func (s *Store) UpdateExecutionByCallRef(ctx context.Context, callRef, status, errorMessage string, durationSecs int) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE call_execution_logs
		SET status=$2, error_message=COALESCE(NULLIF($3,''), error_message),
		    call_duration_seconds=$4, updated_at=now()
		WHERE call_reference=$1
	`, callRef, status, errorMessage, durationSecs)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// per-campaign-type counter columns, keyed by the enum so the column name can
// be spliced into SQL safely.
var analyticsColumns = map[campaign.Type]string{
	campaign.TypeReviewRequest:      "review_request_calls",
	campaign.TypeReactivation:       "reactivation_calls",
	campaign.TypeFollowUp:           "follow_up_calls",
	campaign.TypePromotional:        "promotional_calls",
	campaign.TypeMissedCallCallback: "missed_call_callback_calls",
}

// IncrementDailyAnalytics upserts today's per-tenant aggregate, incrementing
// total, outbound, the campaign-type counter, and spend atomically in the
// store.
func (s *Store) IncrementDailyAnalytics(ctx context.Context, tenantID string, t campaign.Type, cost float64, day time.Time) error {
	col, ok := analyticsColumns[t]
	if !ok {
		return fmt.Errorf("no analytics column for campaign type %s", t)
	}
	d := day.UTC().Truncate(24 * time.Hour)
	q := fmt.Sprintf(`
		INSERT INTO daily_analytics
			(tenant_id, day, period_type, total_calls, outbound_calls, %[1]s, total_cost, updated_at)
		VALUES ($1,$2,'daily',1,1,1,$3,now())
		ON CONFLICT (tenant_id, day, period_type)
		DO UPDATE SET
			total_calls    = daily_analytics.total_calls + 1,
			outbound_calls = daily_analytics.outbound_calls + 1,
			%[1]s          = daily_analytics.%[1]s + 1,
			total_cost     = daily_analytics.total_cost + $3,
			updated_at     = now()
	`, col)
	_, err := s.DB.Exec(ctx, q, tenantID, d, cost)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
