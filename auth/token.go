// Package auth supplies bearer tokens to the transport and REST layers.
// Token storage itself lives with the host application; the SDK only asks
// for the current token right before it needs one.
package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Provider hands out the current bearer token. ok is false when no token is
// available, in which case connection attempts fail fast without touching
// the network.
type Provider interface {
	Token() (token string, ok bool)
}

// Static is an in-memory token store. The zero value is an empty store.
type Static struct {
	mu    sync.RWMutex
	token string
}

func NewStatic(token string) *Static {
	return &Static{token: token}
}

// Set replaces the stored token. An empty string clears it.
func (s *Static) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Static) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// JWTProvider wraps another Provider and refuses tokens whose JWT exp claim
// has already passed, so a stale session fails fast client-side instead of
// burning a connect attempt on a guaranteed 401. The signature is not
// verified; that is the server's job.
type JWTProvider struct {
	Source Provider

	// Leeway is subtracted from the expiry, so tokens about to expire are
	// treated as gone. Zero means no leeway.
	Leeway time.Duration
}

func (p *JWTProvider) Token() (string, bool) {
	token, ok := p.Source.Token()
	if !ok {
		return "", false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// Not a JWT; pass it through untouched.
		return token, true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return token, true
	}
	if time.Now().Add(p.Leeway).After(exp.Time) {
		return "", false
	}
	return token, true
}
