package worker

import (
	"time"

	"callcast/internal/campaign"
	"callcast/internal/joberr"
)

type EventKind string

const (
	EventReady     EventKind = "ready"
	EventActive    EventKind = "job-active"
	EventCompleted EventKind = "job-completed"
	EventFailed    EventKind = "job-failed"
	EventStalled   EventKind = "job-stalled"
	EventFatal     EventKind = "fatal"
)

// Event is the typed lifecycle notification the pool emits instead of
// callback hooks. The lifecycle manager subscribes to the channel.
type Event struct {
	Kind     EventKind
	Queue    campaign.Type
	JobID    string
	TenantID string
	Category joberr.Category
	Retrying bool
	Err      error
	Duration time.Duration
	At       time.Time
}
