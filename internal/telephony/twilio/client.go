// Package twilio places outbound voice calls through the Twilio Calls API.
// The script is delivered as inline TwiML so no external TwiML host is needed.
package twilio

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"callcast/internal/joberr"
	"callcast/internal/telephony"
)

type Client struct {
	AccountSID string
	AuthToken  string
	HTTP       *http.Client
	BaseURL    string
}

type callResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"code"`
	Message   string `json:"message"`
}

// Twilio error codes that mean the destination number itself is bad. Retrying
// these cannot succeed.
var permanentCodes = map[int]bool{
	21211: true, // invalid To number
	21214: true, // To not a valid mobile/voice number
	21217: true, // number not reachable from this account
	13224: true, // dial: invalid number
}

func (c *Client) PlaceCall(ctx context.Context, req telephony.CallRequest) (telephony.CallResult, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Twiml", buildTwiml(req))
	if req.CallbackURL != "" {
		form.Set("StatusCallback", callbackWithMetadata(req.CallbackURL, req.Metadata))
		form.Set("StatusCallbackMethod", "POST")
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	endpoint := baseURL + "/2010-04-01/Accounts/" + c.AccountSID + "/Calls.json"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.AccountSID, c.AuthToken)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return telephony.CallResult{}, joberr.Wrap(err, joberr.ServiceUnavailable, "twilio call timed out")
		}
		return telephony.CallResult{}, joberr.Wrap(err, joberr.ServiceUnavailable, "twilio request failed")
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out callResponse
	_ = json.Unmarshal(b, &out)

	// Twilio returns 201 for created calls; treat any 2xx as success.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return telephony.CallResult{Reference: out.Sid}, nil
	}
	return telephony.CallResult{}, classifyFailure(resp.StatusCode, out)
}

func classifyFailure(status int, out callResponse) error {
	msg := out.Message
	if msg == "" {
		msg = fmt.Sprintf("twilio call failed with status %d", status)
	}
	if out.ErrorCode != nil && permanentCodes[*out.ErrorCode] {
		return joberr.Newf(joberr.Permanent, "invalid phone number: %s", msg)
	}
	if status == http.StatusTooManyRequests {
		return joberr.Newf(joberr.RateLimited, "twilio rate limit: %s", msg)
	}
	return joberr.Newf(joberr.ServiceUnavailable, "twilio error: %s", msg)
}

// buildTwiml wraps the rendered script in a minimal <Say> response.
func buildTwiml(req telephony.CallRequest) string {
	var script strings.Builder
	_ = xml.EscapeText(&script, []byte(req.Script))

	var attrs strings.Builder
	if req.Language != "" {
		fmt.Fprintf(&attrs, ` language=%q`, req.Language)
	}
	if req.Voice != "" {
		fmt.Fprintf(&attrs, ` voice=%q`, req.Voice)
	}
	return fmt.Sprintf("<Response><Say%s>%s</Say></Response>", attrs.String(), script.String())
}

// callbackWithMetadata appends correlation metadata as query parameters.
func callbackWithMetadata(callback string, meta map[string]string) string {
	if len(meta) == 0 {
		return callback
	}
	u, err := url.Parse(callback)
	if err != nil {
		return callback
	}
	q := u.Query()
	for k, v := range meta {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
