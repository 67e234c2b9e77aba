// discovery.go -- Provider metadata discovery.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

const wellKnownSuffix = "/.well-known/openid-configuration"

// FetchProviderMetadata loads the provider's discovery document from wellKnownURL.
// The issuer in the document must match the URL's prefix. Call once at startup.
func FetchProviderMetadata(ctx context.Context, hc *http.Client, wellKnownURL string) (*ProviderConfig, error) {
	issuer, ok := strings.CutSuffix(wellKnownURL, wellKnownSuffix)
	if !ok || issuer == "" {
		return nil, fmt.Errorf("discovery url %q must end in %s", wellKnownURL, wellKnownSuffix)
	}
	if hc != nil {
		ctx = oidc.ClientContext(ctx, hc)
	}

	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	var cfg ProviderConfig
	if err := p.Claims(&cfg); err != nil {
		return nil, fmt.Errorf("decoding discovery document: %w", err)
	}
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" || cfg.UserinfoEndpoint == "" {
		return nil, errors.New("discovery document is missing authorization, token or userinfo endpoint")
	}
	return &cfg, nil
}
