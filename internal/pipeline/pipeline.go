// Package pipeline executes the ordered stages for one dequeued campaign
// job: validation, context retrieval, consent check, script selection, call
// placement, execution logging, and analytics. Failures are tagged with their
// retry category at the point they are raised; the worker classifies them.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"callcast/internal/campaign"
	"callcast/internal/gateway"
	"callcast/internal/joberr"
	"callcast/internal/observability"
	"callcast/internal/script"
	"callcast/internal/telephony"
)

// budgetMargin is the fixed safety factor over the nominal daily budget. A
// tenant is blocked once spend reaches budget x 1.1.
const budgetMargin = 1.1

// Approximate EUR value per unit of currency, used only when a tenant's
// budget and the tracked spend are in different currencies. These are fixed
// approximations, not live rates.
var eurPerUnit = map[string]float64{
	"EUR": 1.0,
	"USD": 0.92,
	"GBP": 1.17,
}

// DataGateway is the record-store side of the campaign data gateway.
type DataGateway interface {
	TenantLimits(ctx context.Context, tenantID string) (gateway.TenantLimits, error)
	TenantProfile(ctx context.Context, tenantID string) (gateway.TenantProfile, error)
	CustomerProfile(ctx context.Context, tenantID, customerID, phone string) (gateway.CustomerProfile, bool, error)
	Consent(ctx context.Context, tenantID, phone string, t campaign.Type) (*gateway.ConsentRecord, error)
	AppendExecutionLog(ctx context.Context, e gateway.ExecutionLog) error
	IncrementDailyAnalytics(ctx context.Context, tenantID string, t campaign.Type, cost float64, day time.Time) error
}

// UsageCounters is the contended daily call/spend counter store.
type UsageCounters interface {
	DailyUsage(ctx context.Context, tenantID string, day time.Time) (gateway.DailyUsage, error)
	RecordCall(ctx context.Context, tenantID string, cost float64, day time.Time) error
}

type Pipeline struct {
	Data    DataGateway
	Usage   UsageCounters
	Scripts *script.Selector
	Dialer  telephony.Dialer

	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	CallbackURL string
	// CostPerCall is the estimated spend recorded per placed call; actual
	// cost settles later through billing, outside this core.
	CostPerCall   float64
	SpendCurrency string

	Now func() time.Time
}

// Result is the terminal outcome of a successful pipeline run.
type Result struct {
	CallReference string
	TenantID      string
	CustomerID    string
	Type          campaign.Type
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run executes the stages for one job. The execution log is written whatever
// the outcome; a failed log write never masks the job's result.
func (p *Pipeline) Run(ctx context.Context, job campaign.Job) (Result, error) {
	res, err := p.run(ctx, job)
	p.logOutcome(ctx, job, res, err)
	return res, err
}

func (p *Pipeline) run(ctx context.Context, job campaign.Job) (Result, error) {
	if err := p.validate(ctx, job); err != nil {
		return Result{}, err
	}

	tenant, customer, err := p.loadContext(ctx, job)
	if err != nil {
		return Result{}, err
	}

	if err := p.checkConsent(ctx, job); err != nil {
		return Result{}, err
	}

	text, lang, err := p.buildScript(job, tenant, customer)
	if err != nil {
		return Result{}, err
	}

	ref, err := p.placeCall(ctx, job, tenant, text, lang)
	if err != nil {
		return Result{}, err
	}

	p.recordAnalytics(ctx, job)

	return Result{
		CallReference: ref,
		TenantID:      job.TenantID,
		CustomerID:    customer.ID,
		Type:          job.Type,
	}, nil
}

// validate is the execution gate: daily spend vs budget x margin, daily call
// count vs ceiling, campaign type vs the tenant's allowed set. It runs before
// any context retrieval.
func (p *Pipeline) validate(ctx context.Context, job campaign.Job) error {
	limits, err := p.Data.TenantLimits(ctx, job.TenantID)
	if err != nil {
		return err
	}
	usage, err := p.Usage.DailyUsage(ctx, job.TenantID, p.now())
	if err != nil {
		return err
	}

	spend := convertCurrency(usage.Spend, p.SpendCurrency, limits.BudgetCurrency)
	if limits.DailyBudget > 0 && spend >= limits.DailyBudget*budgetMargin {
		return joberr.Newf(joberr.RateLimited, "daily budget exceeded for tenant %s: spent %.2f of %.2f %s",
			job.TenantID, spend, limits.DailyBudget, limits.BudgetCurrency)
	}
	if limits.DailyCallLimit > 0 && usage.Calls >= limits.DailyCallLimit {
		return joberr.Newf(joberr.RateLimited, "daily call limit reached for tenant %s: %d of %d",
			job.TenantID, usage.Calls, limits.DailyCallLimit)
	}
	if !limits.Allows(job.Type) {
		return joberr.Newf(joberr.Permanent, "campaign type %s not enabled for tenant %s", job.Type, job.TenantID)
	}
	return nil
}

func convertCurrency(amount float64, from, to string) float64 {
	if from == "" || to == "" || from == to {
		return amount
	}
	fromRate, ok1 := eurPerUnit[from]
	toRate, ok2 := eurPerUnit[to]
	if !ok1 || !ok2 {
		return amount
	}
	return amount * fromRate / toRate
}

// loadContext fetches tenant and customer profiles concurrently; there is no
// ordering dependency between them. A tenant without an outbound caller id is
// a hard failure; a customer that resolves to no record becomes a minimal
// anonymous profile so missed-call callbacks can still reach unknown numbers.
func (p *Pipeline) loadContext(ctx context.Context, job campaign.Job) (gateway.TenantProfile, gateway.CustomerProfile, error) {
	var (
		tenant   gateway.TenantProfile
		customer gateway.CustomerProfile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := p.Data.TenantProfile(gctx, job.TenantID)
		if err != nil {
			return err
		}
		if t.CallerID == "" {
			return joberr.Newf(joberr.Permanent, "tenant %s has no outbound caller id configured", job.TenantID)
		}
		tenant = t
		return nil
	})
	g.Go(func() error {
		c, found, err := p.Data.CustomerProfile(gctx, job.TenantID, job.CustomerID, job.CustomerPhone)
		if err != nil {
			return err
		}
		if !found {
			c = gateway.CustomerProfile{
				Phone:     job.CustomerPhone,
				Language:  script.DefaultLanguage,
				Anonymous: true,
			}
		}
		customer = c
		return nil
	})
	if err := g.Wait(); err != nil {
		return gateway.TenantProfile{}, gateway.CustomerProfile{}, err
	}
	return tenant, customer, nil
}

func (p *Pipeline) checkConsent(ctx context.Context, job campaign.Job) error {
	rec, err := p.Data.Consent(ctx, job.TenantID, job.CustomerPhone, job.Type)
	if err != nil {
		return err
	}
	switch {
	case rec == nil:
		return joberr.Newf(joberr.Permanent, "no consent record for %s campaign", job.Type)
	case rec.RevokedAt != nil:
		return joberr.New(joberr.Permanent, "consent revoked")
	case rec.Status != gateway.ConsentOptedIn:
		return joberr.Newf(joberr.Permanent, "consent status is %s, not opted in", rec.Status)
	}
	return nil
}

// buildScript selects the template by (campaign type, language) and renders
// the placeholders. Language preference: job voice config, then the
// customer's language, then the global default.
func (p *Pipeline) buildScript(job campaign.Job, tenant gateway.TenantProfile, customer gateway.CustomerProfile) (string, string, error) {
	lang := job.Voice.Language
	if lang == "" {
		lang = customer.Language
	}
	if lang == "" {
		lang = script.DefaultLanguage
	}

	tpl, err := p.Scripts.Select(job.Type, lang)
	if err != nil {
		return "", "", err
	}

	vars := make(map[string]string, len(job.Context)+2)
	for k, v := range job.Context {
		if s, ok := v.(string); ok {
			vars[k] = s
		}
	}
	name := customer.Name
	if name == "" {
		name = "there"
	}
	vars["customer_name"] = name
	vars["salon_name"] = tenant.Name

	return script.Render(tpl, vars), lang, nil
}

// placeCall invokes the telephony capability behind the local rate limiter
// and circuit breaker. Provider failures propagate unmodified; they are
// already tagged at the provider boundary.
func (p *Pipeline) placeCall(ctx context.Context, job campaign.Job, tenant gateway.TenantProfile, text, lang string) (string, error) {
	if p.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			return "", joberr.Wrap(err, joberr.RateLimited, "local telephony rate limiter saturated")
		}
	}

	call := func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return p.Dialer.PlaceCall(callCtx, telephony.CallRequest{
			To:          job.CustomerPhone,
			From:        tenant.CallerID,
			Script:      text,
			Language:    lang,
			Voice:       job.Voice.Voice,
			CallbackURL: p.CallbackURL,
			Metadata: map[string]string{
				"jobId":        job.JobID,
				"tenantId":     job.TenantID,
				"campaignType": string(job.Type),
			},
		})
	}

	var res any
	var err error
	if p.Breaker != nil {
		res, err = p.Breaker.Execute(call)
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			observability.CallPlacements.WithLabelValues("cb_open").Inc()
			return "", joberr.Wrap(err, joberr.ServiceUnavailable, "telephony circuit breaker open")
		}
	} else {
		res, err = call()
	}
	if err != nil {
		observability.CallPlacements.WithLabelValues("error").Inc()
		return "", err
	}
	observability.CallPlacements.WithLabelValues("ok").Inc()
	return res.(telephony.CallResult).Reference, nil
}

// recordAnalytics applies the usage counters and the daily analytics upsert
// after a placed call. Both writes are best effort: a lost counter is logged,
// never escalated to fail the job it is recording.
func (p *Pipeline) recordAnalytics(ctx context.Context, job campaign.Job) {
	day := p.now()
	if err := p.Usage.RecordCall(ctx, job.TenantID, p.CostPerCall, day); err != nil {
		slog.Error("daily usage counter update failed", "err", err, "tenant_id", job.TenantID, "job_id", job.JobID)
	}
	if err := p.Data.IncrementDailyAnalytics(ctx, job.TenantID, job.Type, p.CostPerCall, day); err != nil {
		slog.Error("daily analytics update failed", "err", err, "tenant_id", job.TenantID, "job_id", job.JobID)
	}
}

// logOutcome writes the execution log for the attempt. It runs on a detached
// context so a canceled job deadline cannot take the audit row with it, and
// its own failure is only logged locally.
func (p *Pipeline) logOutcome(ctx context.Context, job campaign.Job, res Result, runErr error) {
	entry := gateway.ExecutionLog{
		JobID:         job.JobID,
		Type:          job.Type,
		TenantID:      job.TenantID,
		CustomerID:    job.CustomerID,
		CustomerPhone: job.CustomerPhone,
		Context:       job.Context,
	}
	if runErr != nil {
		entry.Status = gateway.ExecutionFailed
		entry.ErrorMessage = runErr.Error()
	} else {
		entry.Status = gateway.ExecutionInitiated
		entry.CallReference = res.CallReference
		if res.CustomerID != "" {
			entry.CustomerID = res.CustomerID
		}
	}

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.Data.AppendExecutionLog(logCtx, entry); err != nil {
		slog.Error("execution log write failed", "err", err, "job_id", job.JobID, "status", entry.Status)
	}
}
