package campaign

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type identifies the intent of an outbound call campaign. Each type maps to
// its own durable queue.
type Type string

const (
	TypeReviewRequest      Type = "REVIEW_REQUEST"
	TypeReactivation       Type = "REACTIVATION"
	TypeFollowUp           Type = "FOLLOW_UP"
	TypePromotional        Type = "PROMOTIONAL"
	TypeMissedCallCallback Type = "MISSED_CALL_CALLBACK"
)

// Types lists every campaign type in a stable order. Queue binding and
// template loading iterate over this.
var Types = []Type{
	TypeReviewRequest,
	TypeReactivation,
	TypeFollowUp,
	TypePromotional,
	TypeMissedCallCallback,
}

func (t Type) Valid() bool {
	switch t {
	case TypeReviewRequest, TypeReactivation, TypeFollowUp, TypePromotional, TypeMissedCallCallback:
		return true
	}
	return false
}

// QueueName derives the durable queue name for this campaign type,
// e.g. "voice-campaign-review-request" for prefix "voice-campaign".
func (t Type) QueueName(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(strings.ToLower(string(t)), "_", "-")
}

func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown campaign type %q", s)
	}
	return t, nil
}

// VoiceConfig carries per-job voice rendering hints.
type VoiceConfig struct {
	Language string `json:"language,omitempty"`
	Voice    string `json:"voice,omitempty"`
}

const DefaultMaxAttempts = 3

// Job is one scheduled attempt to place a single outbound call for one
// contact. It is the payload stored in the durable queue.
type Job struct {
	JobID         string         `json:"jobId"`
	Type          Type           `json:"campaignType"`
	TenantID      string         `json:"tenantId"`
	CustomerID    string         `json:"customerId,omitempty"`
	CustomerPhone string         `json:"customerPhone"`
	Context       map[string]any `json:"campaignContext,omitempty"`
	Voice         VoiceConfig    `json:"voiceConfig"`
	// AttemptsMade counts processing attempts carried over from a previous
	// incarnation of the queue message. Workers that defer a job without
	// running it re-enqueue a fresh message, which resets the queue's
	// delivery counter; the attempts already spent ride here instead.
	AttemptsMade int       `json:"attemptsMade,omitempty"`
	MaxAttempts  int       `json:"maxAttempts,omitempty"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
}

var (
	ErrMissingTenant = errors.New("missing tenantId")
	ErrMissingPhone  = errors.New("missing customerPhone")
	ErrInvalidType   = errors.New("invalid campaign type")
)

// Validate checks the fields every job must carry before it is enqueued or
// processed. tenantId and customerPhone are always required.
func (j Job) Validate() error {
	if j.TenantID == "" {
		return ErrMissingTenant
	}
	if j.CustomerPhone == "" {
		return ErrMissingPhone
	}
	if !j.Type.Valid() {
		return ErrInvalidType
	}
	return nil
}

// EffectiveMaxAttempts returns the job's attempt ceiling, defaulting to 3.
func (j Job) EffectiveMaxAttempts() int {
	if j.MaxAttempts > 0 {
		return j.MaxAttempts
	}
	return DefaultMaxAttempts
}
