package live

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Identity is an authenticated caller. An empty Subject is the anonymous
// caller.
type Identity struct {
	Subject string `json:"subject"`
}

// Anonymous reports whether the identity carries no subject.
func (i *Identity) Anonymous() bool { return i == nil || i.Subject == "" }

// Authenticator validates credentials and returns an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// ErrUnauthorized indicates authentication failure.
var ErrUnauthorized = errors.New("live: unauthorized")

// ── API Key authenticator ───────────────────────────

// APIKeyAuthenticator validates API keys against a static table. A request
// without a key is anonymous; a request with an unknown key is refused.
type APIKeyAuthenticator struct {
	keys map[string]*Identity
}

// NewAPIKeyAuthenticator creates an authenticator from a key to subject
// table.
func NewAPIKeyAuthenticator(keys map[string]string) *APIKeyAuthenticator {
	m := make(map[string]*Identity, len(keys))
	for key, subject := range keys {
		m[key] = &Identity{Subject: subject}
	}
	return &APIKeyAuthenticator{keys: m}
}

func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return &Identity{}, nil
	}
	id, ok := a.keys[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	return id, nil
}

// ── No-op authenticator ─────────────────────────────

// NoopAuthenticator treats every caller as anonymous.
// Use for development only.
type NoopAuthenticator struct{}

func (NoopAuthenticator) Authenticate(context.Context, string) (*Identity, error) {
	return &Identity{}, nil
}

// ── Composite authenticator ─────────────────────────

// CompositeAuthenticator tries multiple authenticators in order.
// The first successful authentication wins.
type CompositeAuthenticator struct {
	authenticators []Authenticator
}

// NewCompositeAuthenticator chains multiple authenticators.
func NewCompositeAuthenticator(auths ...Authenticator) *CompositeAuthenticator {
	return &CompositeAuthenticator{authenticators: auths}
}

func (c *CompositeAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	for _, auth := range c.authenticators {
		id, err := auth.Authenticate(ctx, token)
		if err == nil {
			return id, nil
		}
	}
	return nil, ErrUnauthorized
}

// TokenFromRequest extracts the API key of r from, in order, a bearer
// Authorization header, the X-API-Key header or the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("token")
}
