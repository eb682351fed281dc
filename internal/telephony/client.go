package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/errs"
)

// Client issues outbound requests to the telephony provider's REST API,
// grounded on the teacher's internal/ui/client.Client (a plain *http.Client
// with a base URL and JSON decode helpers), wrapped in a gobreaker circuit
// breaker so a provider outage fails fast instead of stacking up blocked
// placeCall attempts.
type Client struct {
	httpClient *http.Client
	baseURL    string
	secret     string
	breaker    *gobreaker.CircuitBreaker
}

// NewClient builds a Client bound to the provider's base URL.
func NewClient(baseURL, sharedSecret string) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "telephony-provider",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     sharedSecret,
		breaker:    cb,
	}
}

// PlaceCallRequest is the outbound call-initiation request, per §4.A's
// placeCall(patient, callbackURL) contract.
type PlaceCallRequest struct {
	Patient     domain.Patient
	CallbackURL string // base URL the provider POSTs progress events to
	VoiceURL    string // base URL the provider fetches the voice-response document from
}

type placeCallResponse struct {
	CallSid string `json:"call_sid"`
}

// PlaceCall issues the outbound call request. Errors are terminal for this
// attempt: the caller (Orchestrator) decides whether to retry the whole
// call, not this component.
func (c *Client) PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error) {
	form := url.Values{}
	form.Set("to", req.Patient.Phone)
	form.Set("status_callback", req.CallbackURL)
	form.Set("voice_url", req.VoiceURL)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doPlaceCall(ctx, form)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", errs.Transient("telephony.placeCall", err)
		}
		return "", errs.Terminal("telephony.placeCall", err)
	}
	return result.(string), nil
}

func (c *Client) doPlaceCall(ctx context.Context, form url.Values) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/calls", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build placeCall request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("placeCall request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("placeCall: provider returned %s", resp.Status)
	}

	var out placeCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode placeCall response: %w", err)
	}
	if out.CallSid == "" {
		return "", fmt.Errorf("placeCall: provider response missing call_sid")
	}
	return out.CallSid, nil
}

// Hangup requests termination of an in-progress call. Idempotent: the
// provider is expected to no-op on an already-terminated callSid. Per
// §4.A's failure semantics, errors here are logged and swallowed by the
// caller after one retry rather than blocking the Bridge teardown path.
func (c *Client) Hangup(ctx context.Context, callSid string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doHangup(ctx, callSid)
	})
	return err
}

func (c *Client) doHangup(ctx context.Context, callSid string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/calls/"+url.PathEscape(callSid)+"/hangup", nil)
	if err != nil {
		return fmt.Errorf("build hangup request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("hangup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("hangup: provider returned %s", resp.Status)
	}
	return nil
}
