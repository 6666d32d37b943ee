// Package gateway defines the record types exchanged with the external
// tenant/customer/consent/analytics store. Implementations live in the pg and
// redisusage subpackages; consumers declare their own narrow interfaces over
// these types.
package gateway

import (
	"time"

	"callcast/internal/campaign"
)

// DailyUsage is a tenant's call volume and spend for one day.
type DailyUsage struct {
	Calls int
	Spend float64
}

// TenantLimits are the governance knobs consulted before any context is
// fetched for a job.
type TenantLimits struct {
	DailyBudget    float64
	BudgetCurrency string
	DailyCallLimit int
	AllowedTypes   []campaign.Type
}

func (l TenantLimits) Allows(t campaign.Type) bool {
	for _, a := range l.AllowedTypes {
		if a == t {
			return true
		}
	}
	return false
}

// TenantProfile is the identity a call is placed on behalf of. CallerID is
// the outbound caller number; a tenant without one cannot place calls.
type TenantProfile struct {
	ID       string
	Name     string
	CallerID string
	Language string
}

// CustomerProfile is the contact being called. Anonymous profiles are
// synthesized for numbers that resolve to no record.
type CustomerProfile struct {
	ID        string
	Name      string
	Phone     string
	Language  string
	Anonymous bool
}

type ConsentStatus string

const (
	ConsentOptedIn             ConsentStatus = "OPTED_IN"
	ConsentOptedOut            ConsentStatus = "OPTED_OUT"
	ConsentPendingVerification ConsentStatus = "PENDING_VERIFICATION"
)

// ConsentRecord is the per (tenant, phone, campaign type) consent state.
// Owned by the external consent system; this core only reads it.
type ConsentRecord struct {
	Status    ConsentStatus
	RevokedAt *time.Time
}

// ExecutionLog is the immutable record of one processing attempt. Status
// starts at initiated when the call is placed and is settled later by the
// provider's status callback.
type ExecutionLog struct {
	JobID         string
	Type          campaign.Type
	TenantID      string
	CustomerID    string
	CustomerPhone string
	CallReference string
	Status        string
	ErrorMessage  string
	Context       map[string]any
}

const (
	ExecutionInitiated = "initiated"
	ExecutionCompleted = "completed"
	ExecutionNoAnswer  = "no_answer"
	ExecutionFailed    = "failed"
)
