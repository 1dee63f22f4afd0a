// Package githubapp provides GitHub App authentication and the
// rate-limit-aware data aggregator.
package githubapp

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v68/github"

	"github.com/giknew/giknew/internal/config"
)

// ErrAuth marks a rejected token exchange. Callers must not retry the
// exchange within the same request; the affected installation degrades
// to a placeholder line instead.
var ErrAuth = errors.New("installation token exchange failed")

// Token is a scoped installation token with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenSource issues installation tokens.
type TokenSource interface {
	InstallationToken(ctx context.Context, installationID int64) (Token, error)
}

// refreshMargin forces a re-exchange when a cached token is close to
// expiry.
const refreshMargin = 2 * time.Minute

// Authenticator signs App assertions and exchanges them for scoped
// installation tokens, caching tokens in process per installation.
// Concurrent requests may populate the cache redundantly; the overwrite
// is idempotent.
type Authenticator struct {
	appID int64
	key   *rsa.PrivateKey
	apps  *github.Client
	now   func() time.Time

	mu    sync.Mutex
	cache map[int64]Token
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithBaseURL points the App client at a different API endpoint.
func WithBaseURL(baseURL string) Option {
	return func(a *Authenticator) {
		if u, err := a.apps.BaseURL.Parse(baseURL); err == nil {
			a.apps.BaseURL = u
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.now = now
	}
}

// NewAuthenticator builds an Authenticator from App credentials.
func NewAuthenticator(cfg config.GitHubConfig, opts ...Option) (*Authenticator, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}

	a := &Authenticator{
		appID: cfg.AppID,
		key:   key,
		now:   time.Now,
		cache: make(map[int64]Token),
	}
	a.apps = github.NewClient(&http.Client{
		Transport: &assertionTransport{auth: a},
		Timeout:   15 * time.Second,
	})
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Sign produces a short-lived RS256 App assertion: issued-at backdated
// by 30s to absorb clock skew, valid for 9 minutes.
func (a *Authenticator) Sign() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(540 * time.Second)),
		Issuer:    strconv.FormatInt(a.appID, 10),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign app assertion: %w", err)
	}
	return signed, nil
}

// InstallationToken returns a cached token for the installation or
// exchanges a fresh assertion for one.
func (a *Authenticator) InstallationToken(ctx context.Context, installationID int64) (Token, error) {
	a.mu.Lock()
	cached, ok := a.cache[installationID]
	a.mu.Unlock()
	if ok && cached.ExpiresAt.After(a.now().Add(refreshMargin)) {
		return cached, nil
	}

	issued, _, err := a.apps.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return Token{}, fmt.Errorf("%w: installation %d: %v", ErrAuth, installationID, err)
	}

	token := Token{
		Value:     issued.GetToken(),
		ExpiresAt: issued.GetExpiresAt().Time,
	}
	a.mu.Lock()
	a.cache[installationID] = token
	a.mu.Unlock()

	slog.Debug("installation token issued",
		"installation_id", installationID, "expires_at", token.ExpiresAt)
	return token, nil
}

// assertionTransport signs a fresh assertion for every outgoing request
// to the App endpoints.
type assertionTransport struct {
	auth *Authenticator
	base http.RoundTripper
}

func (t *assertionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	assertion, err := t.auth.Sign()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+assertion)
	clone.Header.Set("Accept", "application/vnd.github+json")

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}
