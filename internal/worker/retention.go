package worker

import (
	"sync"
	"time"
)

// Outcome retention is operability sugar: the last N completed and failed
// jobs per queue, served on the job-summary endpoint. Correctness never
// depends on it.
const (
	retainCompleted = 100
	retainFailed    = 50
)

type OutcomeRecord struct {
	JobID         string        `json:"jobId"`
	TenantID      string        `json:"tenantId"`
	CallReference string        `json:"callReference,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"durationNs"`
	At            time.Time     `json:"at"`
}

type outcomeRing struct {
	mu  sync.Mutex
	max int
	buf []OutcomeRecord
}

func newOutcomeRing(max int) *outcomeRing {
	return &outcomeRing{max: max}
}

func (r *outcomeRing) add(rec OutcomeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, rec)
	if len(r.buf) > r.max {
		r.buf = r.buf[len(r.buf)-r.max:]
	}
}

// list returns newest first.
func (r *outcomeRing) list() []OutcomeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OutcomeRecord, 0, len(r.buf))
	for i := len(r.buf) - 1; i >= 0; i-- {
		out = append(out, r.buf[i])
	}
	return out
}
