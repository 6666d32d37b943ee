// Package telephony defines the outbound-call capability consumed by the
// pipeline. The twilio subpackage provides the production implementation.
package telephony

import "context"

// CallRequest describes one outbound voice call.
type CallRequest struct {
	To          string
	From        string
	Script      string
	Language    string
	Voice       string
	CallbackURL string
	// Metadata is encoded onto the status callback for correlation by the
	// webhook consumers downstream of this core.
	Metadata map[string]string
}

// CallResult carries the provider's reference for a placed call.
type CallResult struct {
	Reference string
}

type Dialer interface {
	PlaceCall(ctx context.Context, req CallRequest) (CallResult, error)
}
