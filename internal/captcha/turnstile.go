// turnstile.go -- Cloudflare Turnstile CAPTCHA verifier for invite code submission.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ActionSubmitCode is the widget action the guest page renders for code entry.
const ActionSubmitCode = "submit_code"

var turnstileURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// ErrRejected is returned when Turnstile answers but does not accept the token.
var ErrRejected = errors.New("captcha rejected")

// TurnstileVerifier verifies Cloudflare Turnstile tokens against the siteverify API.
type TurnstileVerifier struct {
	secret     string
	action     string
	httpClient *http.Client
}

// NewTurnstileVerifier returns a TurnstileVerifier using the given secret key.
// An empty action skips the action check. Uses a 5s timeout on the outbound HTTP client.
func NewTurnstileVerifier(secret, action string) *TurnstileVerifier {
	return &TurnstileVerifier{
		secret:     secret,
		action:     action,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Verify checks the token against Cloudflare's siteverify endpoint.
// Returns nil on success, ErrRejected for a refused token, and a plain error
// for network or decode failures.
func (v *TurnstileVerifier) Verify(ctx context.Context, token, remoteIP string) error {
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrRejected)
	}
	body := url.Values{
		"secret":   {v.secret},
		"response": {token},
		"remoteip": {remoteIP},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, turnstileURL, strings.NewReader(body.Encode()))
	if err != nil {
		return fmt.Errorf("turnstile: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("turnstile: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Success    bool     `json:"success"`
		Action     string   `json:"action"`
		ErrorCodes []string `json:"error-codes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("turnstile: decoding response: %w", err)
	}

	if !result.Success {
		return fmt.Errorf("%w: %v", ErrRejected, result.ErrorCodes)
	}
	if v.action != "" && result.Action != v.action {
		return fmt.Errorf("%w: token issued for action %q", ErrRejected, result.Action)
	}
	return nil
}
