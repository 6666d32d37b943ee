// Package joberr defines the failure categories that drive retry decisions
// and a classifier over raised errors. Failures are tagged with a category at
// the point they are raised; keyword matching over the message is only a
// fallback for errors coming from code that does not tag.
package joberr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

type Category string

const (
	// Permanent failures are never retried: missing consent, invalid or
	// blocked numbers, unknown tenants.
	Permanent Category = "permanent"
	// RateLimited failures retry with the queue's backoff: budget or call
	// ceiling exceeded, upstream throttling.
	RateLimited Category = "rate_limited"
	// ServiceUnavailable failures retry: provider errors, store timeouts.
	ServiceUnavailable Category = "service_unavailable"
	// Temporary is the fail-safe default for anything unclassified.
	Temporary Category = "temporary"
)

// Retryable reports whether a job failing with this category may be
// redelivered.
func (c Category) Retryable() bool { return c != Permanent }

// Error is a failure tagged with its retry category at the raise site.
type Error struct {
	Category Category
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(cat Category, message string) *Error {
	return &Error{Category: cat, Message: message}
}

func Newf(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a category, preserving the cause for
// errors.Is / errors.As.
func Wrap(err error, cat Category, message string) *Error {
	return &Error{Category: cat, Message: message, Cause: err}
}

// Classify maps a raised error to its retry category. Tagged errors are read
// directly; untagged network timeouts count as service_unavailable; anything
// else falls back to keyword matching over the message text, defaulting to
// temporary.
func Classify(err error) Category {
	if err == nil {
		return Temporary
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ServiceUnavailable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ServiceUnavailable
	}

	return classifyMessage(err.Error())
}

func classifyMessage(msg string) Category {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "consent", "opted out", "opted_out", "invalid phone", "blocked number", "blocklist", "not found"):
		return Permanent
	case containsAny(m, "budget", "call limit", "call ceiling", "rate limit", "too many requests", "throttl"):
		return RateLimited
	case containsAny(m, "timeout", "timed out", "connection refused", "unavailable", "econnrefused", "no such host"):
		return ServiceUnavailable
	}
	return Temporary
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
