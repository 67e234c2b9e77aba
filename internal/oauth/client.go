// client.go -- Stateless OIDC protocol functions.
//
// Authorization URL construction, authorization-code exchange and userinfo retrieval.
// No application state lives here; provider-specific wiring is in eduid.go.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// maxResponseBytes caps how much of a provider response body is read.
const maxResponseBytes = 1 << 20

// AuthParams are the inputs to BuildAuthorizationURL.
type AuthParams struct {
	ClientID    string
	RedirectURI string
	Challenge   string
	Scope       string // defaults to DefaultScope
	AuthOptions
}

// BuildAuthorizationURL returns the authorization redirect URL for endpoint.
// code_challenge_method is always S256; empty optional params are omitted.
// Query params already present on endpoint are kept.
func BuildAuthorizationURL(endpoint string, p AuthParams) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing authorization endpoint: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("authorization endpoint %q is not an absolute URL", endpoint)
	}

	scope := p.Scope
	if scope == "" {
		scope = DefaultScope
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", p.ClientID)
	q.Set("scope", scope)
	q.Set("redirect_uri", p.RedirectURI)
	q.Set("code_challenge", p.Challenge)
	q.Set("code_challenge_method", "S256")
	if p.ACRValues != "" {
		q.Set("acr_values", p.ACRValues)
	}
	if p.Prompt != "" {
		q.Set("prompt", p.Prompt)
	}
	if p.LoginHint != "" {
		q.Set("login_hint", p.LoginHint)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// TokenRequest are the inputs to ExchangeCode.
type TokenRequest struct {
	TokenEndpoint string
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	Code          string
	Verifier      string
}

// ExchangeCode trades an authorization code for the provider's token payload.
// Sends one form POST with grant_type=authorization_code and the client credentials in the body.
// Failures are returned as *TokenExchangeError.
func ExchangeCode(ctx context.Context, hc *http.Client, req TokenRequest) (*oauth2.Token, error) {
	cfg := &oauth2.Config{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		RedirectURL:  req.RedirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  req.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	if hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}

	token, err := cfg.Exchange(ctx, req.Code, oauth2.VerifierOption(req.Verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			return nil, &TokenExchangeError{StatusCode: status, Body: re.Body, Err: err}
		}
		return nil, &TokenExchangeError{Err: err}
	}
	return token, nil
}

// FetchUserinfo posts the token payload to endpoint and decodes the flat claim map.
// Failures are returned as *UserinfoError.
func FetchUserinfo(ctx context.Context, hc *http.Client, endpoint string, token *oauth2.Token) (Claims, error) {
	if hc == nil {
		hc = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(tokenForm(token).Encode()))
	if err != nil {
		return nil, &UserinfoError{Err: fmt.Errorf("building userinfo request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &UserinfoError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &UserinfoError{Err: fmt.Errorf("reading userinfo response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UserinfoError{StatusCode: resp.StatusCode, Body: body}
	}

	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, &UserinfoError{Body: body, Err: fmt.Errorf("decoding userinfo response: %w", err)}
	}
	if claims == nil {
		return nil, &UserinfoError{Body: body, Err: errors.New("userinfo response is not a claim object")}
	}
	return claims, nil
}

// tokenForm re-encodes the token payload as form values for the userinfo request.
func tokenForm(token *oauth2.Token) url.Values {
	form := url.Values{}
	if token == nil {
		return form
	}
	form.Set("access_token", token.AccessToken)
	if token.TokenType != "" {
		form.Set("token_type", token.TokenType)
	}
	if token.RefreshToken != "" {
		form.Set("refresh_token", token.RefreshToken)
	}
	for _, key := range []string{"id_token", "scope", "expires_in"} {
		if v := token.Extra(key); v != nil {
			form.Set(key, fmt.Sprint(v))
		}
	}
	return form
}
