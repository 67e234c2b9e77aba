// eduid.go -- eduID (or any discovery-capable OIDC provider) implementation of Provider.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
)

var tracer = otel.Tracer("github.com/MGallo-Code/eduinvite/internal/oauth")

// EduIDConfig holds the client registration and call policy for EduIDProvider.
type EduIDConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string

	// UserinfoAttempts bounds userinfo retries (transport errors and 5xx only). Minimum 1.
	UserinfoAttempts int
	// RetryInterval is the initial backoff between userinfo attempts.
	RetryInterval time.Duration
}

// EduIDProvider implements Provider against discovered provider metadata.
// Uses PKCE (S256) for all authorization requests.
type EduIDProvider struct {
	meta       *ProviderConfig
	cfg        EduIDConfig
	httpClient *http.Client
}

// NewHTTPClient returns the client used for all provider calls.
// timeout bounds each request; the transport is traced with otelhttp.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// NewEduIDProvider fetches the discovery document at wellKnownURL and returns a ready provider.
// Makes an outbound HTTP request at startup; returns an error if the provider is unreachable.
func NewEduIDProvider(ctx context.Context, hc *http.Client, wellKnownURL string, cfg EduIDConfig) (*EduIDProvider, error) {
	meta, err := FetchProviderMetadata(ctx, hc, wellKnownURL)
	if err != nil {
		return nil, err
	}
	return NewEduIDProviderFromMetadata(meta, hc, cfg), nil
}

// NewEduIDProviderFromMetadata builds a provider from already-fetched metadata.
func NewEduIDProviderFromMetadata(meta *ProviderConfig, hc *http.Client, cfg EduIDConfig) *EduIDProvider {
	if hc == nil {
		hc = NewHTTPClient(10 * time.Second)
	}
	if cfg.UserinfoAttempts < 1 {
		cfg.UserinfoAttempts = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 250 * time.Millisecond
	}
	return &EduIDProvider{meta: meta, cfg: cfg, httpClient: hc}
}

// Metadata returns the discovery document fetched at startup.
func (p *EduIDProvider) Metadata() ProviderConfig { return *p.meta }

// AuthCodeURL builds the authorization URL with the PKCE S256 challenge embedded.
func (p *EduIDProvider) AuthCodeURL(challenge string, opts AuthOptions) (string, error) {
	return BuildAuthorizationURL(p.meta.AuthorizationEndpoint, AuthParams{
		ClientID:    p.cfg.ClientID,
		RedirectURI: p.cfg.RedirectURI,
		Challenge:   challenge,
		Scope:       p.cfg.Scope,
		AuthOptions: opts,
	})
}

// Exchange trades the authorization code for the token payload. Never retried.
func (p *EduIDProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx, span := tracer.Start(ctx, "oauth.Exchange")
	defer span.End()

	token, err := ExchangeCode(ctx, p.httpClient, TokenRequest{
		TokenEndpoint: p.meta.TokenEndpoint,
		ClientID:      p.cfg.ClientID,
		ClientSecret:  p.cfg.ClientSecret,
		RedirectURI:   p.cfg.RedirectURI,
		Code:          code,
		Verifier:      verifier,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token exchange failed")
		return nil, err
	}
	return token, nil
}

// UserInfo fetches the claim set for token, retrying transport errors and 5xx
// responses with exponential backoff up to UserinfoAttempts.
func (p *EduIDProvider) UserInfo(ctx context.Context, token *oauth2.Token) (Claims, error) {
	ctx, span := tracer.Start(ctx, "oauth.UserInfo")
	defer span.End()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.UserinfoAttempts-1)), ctx)

	var claims Claims
	err := backoff.Retry(func() error {
		c, err := FetchUserinfo(ctx, p.httpClient, p.meta.UserinfoEndpoint, token)
		if err != nil {
			if !retryableUserinfo(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		claims = c
		return nil
	}, policy)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "userinfo failed")
		if !errors.Is(err, ErrUserinfo) {
			// Context cancelled between attempts.
			return nil, &UserinfoError{Err: fmt.Errorf("userinfo retry aborted: %w", err)}
		}
		return nil, err
	}
	return claims, nil
}

// retryableUserinfo reports whether err is a transport failure or a 5xx response.
// 4xx responses and undecodable bodies are permanent.
func retryableUserinfo(err error) bool {
	var ue *UserinfoError
	if !errors.As(err, &ue) {
		return false
	}
	if ue.StatusCode >= 500 {
		return true
	}
	return ue.StatusCode == 0 && ue.Body == nil
}
