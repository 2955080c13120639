package fallback

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentialsConfig configures an Endpoint's TokenSource for RPC
// gateways fronted by OAuth2 client-credentials instead of a bare API key.
// Cut down from the teacher's three-legged authorization-code flow in
// adapter/oauth.go (login URL, PKCE, token storage, early-refresh timer) to
// the non-interactive slice an RPC gateway client actually needs: no
// browser round-trip is possible from a backend process.
type ClientCredentialsConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	HTTPClient   *http.Client
}

// NewClientCredentialsTokenSource builds an oauth2.TokenSource that fetches
// and auto-refreshes a bearer token via the client-credentials grant,
// suitable for Endpoint.TokenSource. The returned source refreshes lazily
// on Token() calls; clientcredentials.Config already treats a token within
// its expiry skew as stale and re-fetches, matching the teacher's
// early-refresh-before-expiry behavior without a background timer.
func NewClientCredentialsTokenSource(ctx context.Context, cfg ClientCredentialsConfig) oauth2.TokenSource {
	ccCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}
	return ccCfg.TokenSource(ctx)
}

// AuthorizedTransport wraps an http.RoundTripper, attaching a bearer token
// from ts on every request. Endpoints that hand op a raw *http.Client
// rather than threading tokenSource through RpcOp can use this instead.
type AuthorizedTransport struct {
	Base        http.RoundTripper
	TokenSource oauth2.TokenSource
}

func (t *AuthorizedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	tok, err := t.TokenSource.Token()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	tok.SetAuthHeader(clone)
	return base.RoundTrip(clone)
}
