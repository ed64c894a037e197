package mcp

import (
	"context"
	"net/http"
	"sync"
)

// CredentialProvider supplies a bearer token for the OAuth-wrapped transport
// (spec §4.2/§10.7). Implementations decide their own grant type
// (client-credentials, authorization-code+PKCE, static token for tests) and
// their own refresh-ahead-of-expiry policy; the token-endpoint exchange
// itself is explicitly out of this package's scope (spec §1) and is supplied
// by the host.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticCredentialProvider always returns the same token; useful for tests
// and for hosts that manage refresh out-of-band.
type StaticCredentialProvider struct{ token string }

func NewStaticCredentialProvider(token string) *StaticCredentialProvider {
	return &StaticCredentialProvider{token: token}
}

func (p *StaticCredentialProvider) Token(ctx context.Context) (string, error) { return p.token, nil }

// OAuthTransport pairs any Transport with a CredentialProvider. It forwards
// every Transport method to the embedded inner transport unchanged and adds
// no Authorization header itself. Bearer-token injection for HTTP transports
// is done by NewOAuthHeaderProvider, plugged in as the headers callback of
// StreamableHTTPTransport/SSESplitTransport.
//
// Grounded on the teacher's pkg/a2a/client.go authType/authToken/authHeader
// fields (the auth-header-injection idea); generalized into a reusable
// decorator instead of being hardwired into one client type.
type OAuthTransport struct {
	Transport
	creds CredentialProvider
}

// NewOAuthHeaderProvider returns a HeaderProvider suitable for
// NewStreamableHTTPTransport/NewSSESplitTransport that injects a fresh
// bearer token on every request.
func NewOAuthHeaderProvider(creds CredentialProvider, extra HeaderProvider) HeaderProvider {
	return func(ctx context.Context) (http.Header, error) {
		h := http.Header{}
		if extra != nil {
			if eh, err := extra(ctx); err == nil {
				for k, vs := range eh {
					for _, v := range vs {
						h.Add(k, v)
					}
				}
			}
		}
		tok, err := creds.Token(ctx)
		if err != nil {
			return h, err
		}
		h.Set("Authorization", "Bearer "+tok)
		return h, nil
	}
}

// NewOAuthTransport wraps a transport for callers that want an explicit
// decorator value. It only stores inner and creds: it does not fetch or
// refresh a token, and it passes nothing to the inner transport (no header,
// no environment variable). For HTTP transports use NewOAuthHeaderProvider,
// which composes directly with the transport's own HeaderProvider hook.
func NewOAuthTransport(inner Transport, creds CredentialProvider) *OAuthTransport {
	return &OAuthTransport{Transport: inner, creds: creds}
}

// cachingCredentialProvider memoizes a token until a caller-supplied expiry
// check reports it stale, so refresh happens "ahead of expiry" rather than
// on every single request even when the inner provider is expensive.
type cachingCredentialProvider struct {
	mu       sync.Mutex
	inner    CredentialProvider
	token    string
	fetched  bool
	expired  func(token string) bool
}

// NewCachingCredentialProvider wraps inner so Token() is only invoked again
// once expired(lastToken) reports true.
func NewCachingCredentialProvider(inner CredentialProvider, expired func(token string) bool) CredentialProvider {
	return &cachingCredentialProvider{inner: inner, expired: expired}
}

func (c *cachingCredentialProvider) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetched && !c.expired(c.token) {
		return c.token, nil
	}
	tok, err := c.inner.Token(ctx)
	if err != nil {
		return "", err
	}
	c.token = tok
	c.fetched = true
	return tok, nil
}
