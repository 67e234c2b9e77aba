// provider.go -- OIDC provider interface and shared types.
package oauth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// ErrTokenExchange is wrapped by every authorization-code exchange failure.
var ErrTokenExchange = errors.New("token exchange failed")

// ErrUserinfo is wrapped by every userinfo retrieval failure.
var ErrUserinfo = errors.New("userinfo request failed")

// DefaultScope is requested when AuthParams.Scope is empty.
const DefaultScope = "openid profile email"

// Claims is the flat claim map returned by the userinfo endpoint.
type Claims map[string]any

// String returns claim key as a string, or "" when absent or not a string.
func (c Claims) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Subject returns the "sub" claim.
func (c Claims) Subject() string { return c.String("sub") }

// ProviderConfig is the subset of the provider's discovery document the client uses.
// Fetched once at startup and kept for the process lifetime.
type ProviderConfig struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	ScopesSupported       []string `json:"scopes_supported"`
	ACRValuesSupported    []string `json:"acr_values_supported"`
}

// AuthOptions carries the optional authorization request parameters.
// Empty fields are omitted from the redirect URL entirely.
type AuthOptions struct {
	ACRValues string
	Prompt    string
	LoginHint string
}

// TokenExchangeError describes a failed code exchange.
// Body holds the raw provider response for logging; Error() never includes it.
type TokenExchangeError struct {
	StatusCode int // 0 on transport failure
	Body       []byte
	Err        error
}

func (e *TokenExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token exchange failed: provider returned status %d", e.StatusCode)
	}
	return "token exchange failed"
}

func (e *TokenExchangeError) Unwrap() []error { return wrapped(ErrTokenExchange, e.Err) }

// UserinfoError describes a failed userinfo request.
// Body holds the raw provider response for logging; Error() never includes it.
type UserinfoError struct {
	StatusCode int // 0 on transport or decode failure
	Body       []byte
	Err        error
}

func (e *UserinfoError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("userinfo request failed: provider returned status %d", e.StatusCode)
	}
	return "userinfo request failed"
}

func (e *UserinfoError) Unwrap() []error { return wrapped(ErrUserinfo, e.Err) }

// wrapped returns sentinel plus cause, dropping a nil cause.
func wrapped(sentinel, cause error) []error {
	if cause == nil {
		return []error{sentinel}
	}
	return []error{sentinel, cause}
}

// Provider is an OIDC identity provider using the authorization code flow with PKCE.
// Callers pass the S256 challenge to AuthCodeURL and the matching verifier to Exchange.
type Provider interface {
	// AuthCodeURL returns the authorization redirect URL for challenge.
	AuthCodeURL(challenge string, opts AuthOptions) (string, error)

	// Exchange trades a single-use authorization code for the provider's token payload.
	// Never retried: a second attempt with the same code fails at the provider.
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)

	// UserInfo fetches the claim set for token. Safe to retry.
	UserInfo(ctx context.Context, token *oauth2.Token) (Claims, error)
}
