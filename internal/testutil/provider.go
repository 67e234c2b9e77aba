// provider.go
//
// FakeProvider implements oauth.Provider in memory. It checks the PKCE
// verifier against the challenge from the most recent AuthCodeURL call, the
// same way a real provider would.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/MGallo-Code/eduinvite/internal/oauth"
)

// FakeProvider is a stateful oauth.Provider for tests.
// Claims is returned by UserInfo; *Err fields inject failures.
type FakeProvider struct {
	Claims      oauth.Claims
	ExchangeErr error
	UserInfoErr error

	mu         sync.Mutex
	challenges map[string]string // authorization code -> challenge it was issued for
	used       map[string]bool
	lastOpts   oauth.AuthOptions
	issued     int

	ExchangeCalls int
	UserInfoCalls int
}

// NewFakeProvider returns a provider whose userinfo yields claims.
func NewFakeProvider(claims oauth.Claims) *FakeProvider {
	return &FakeProvider{
		Claims:     claims,
		challenges: make(map[string]string),
		used:       make(map[string]bool),
	}
}

// AuthCodeURL issues a new authorization code bound to challenge; fetch it
// with LastCode, as if the guest had logged in and been redirected back.
func (p *FakeProvider) AuthCodeURL(challenge string, opts oauth.AuthOptions) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issued++
	code := fmt.Sprintf("code-%d", p.issued)
	p.challenges[code] = challenge
	p.lastOpts = opts
	return oauth.BuildAuthorizationURL("https://idp.example.org/authorize", oauth.AuthParams{
		ClientID:    "test-client",
		RedirectURI: "https://invite.example.org/oidc_callback",
		Challenge:   challenge,
		AuthOptions: opts,
	})
}

// LastCode returns the most recently issued authorization code.
func (p *FakeProvider) LastCode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("code-%d", p.issued)
}

// LastOptions returns the options of the most recent AuthCodeURL call.
func (p *FakeProvider) LastOptions() oauth.AuthOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOpts
}

// Exchange accepts each issued code once, and only with the matching verifier.
func (p *FakeProvider) Exchange(_ context.Context, code, verifier string) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ExchangeCalls++
	if p.ExchangeErr != nil {
		return nil, p.ExchangeErr
	}
	challenge, ok := p.challenges[code]
	if !ok || p.used[code] {
		return nil, &oauth.TokenExchangeError{StatusCode: 400, Body: []byte(`{"error":"invalid_grant"}`)}
	}
	p.used[code] = true
	if oauth.ChallengeS256(verifier) != challenge {
		return nil, &oauth.TokenExchangeError{StatusCode: 400, Body: []byte(`{"error":"invalid_grant","error_description":"pkce"}`)}
	}
	return &oauth2.Token{AccessToken: "at-" + code, TokenType: "Bearer"}, nil
}

func (p *FakeProvider) UserInfo(_ context.Context, token *oauth2.Token) (oauth.Claims, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UserInfoCalls++
	if p.UserInfoErr != nil {
		return nil, p.UserInfoErr
	}
	if token == nil || token.AccessToken == "" {
		return nil, &oauth.UserinfoError{StatusCode: 401, Err: errors.New("missing token")}
	}
	out := make(oauth.Claims, len(p.Claims))
	for k, v := range p.Claims {
		out[k] = v
	}
	return out, nil
}
