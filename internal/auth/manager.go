package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kiwi-bridge/internal/observability"
)

// ErrMalformedGrant is returned when the platform answers a credential
// exchange without an access token. Not retried within the same call.
var ErrMalformedGrant = errors.New("auth: token response missing access_token")

// Grant is the platform's answer to a credential exchange.
type Grant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// API is the slice of the REST client the token manager needs.
type API interface {
	FetchToken(ctx context.Context, identifier, credential string) (*Grant, error)
	ProbeToken(ctx context.Context, tokenType, token string) (bool, error)
}

// Manager owns the token lifecycle for one account. All callers go through
// Token; a mutex gives at-most-one-concurrent-refresh semantics, so N
// concurrent callers share a single network fetch.
type Manager struct {
	api        API
	store      *Store
	identifier string
	credential string

	mu  sync.Mutex
	rec *Record
	now func() time.Time
}

func NewManager(api API, store *Store, identifier, credential string) *Manager {
	return &Manager{
		api:        api,
		store:      store,
		identifier: identifier,
		credential: credential,
		now:        time.Now,
	}
}

// Token returns a valid access token, fetching or re-authenticating as
// needed. Every successful fetch is persisted before returning.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rec == nil && !m.store.Exists() {
		slog.Debug("no stored token, fetching new", "file", m.store.Path())
		if err := m.fetch(ctx); err != nil {
			return "", err
		}
		return m.rec.AccessToken, nil
	}

	if m.rec == nil {
		rec, err := m.store.Load()
		if err != nil {
			slog.Error("token load failed", "error", err)
		}
		m.rec = rec
	}

	if m.rec != nil && !m.rec.Expired(m.now()) {
		live, err := m.api.ProbeToken(ctx, m.rec.TokenType, m.rec.AccessToken)
		if err != nil {
			slog.Debug("token probe failed", "error", err)
		}
		if live {
			slog.Info("using cached token", "expires_at", time.Unix(m.rec.ExpiresAt, 0))
			return m.rec.AccessToken, nil
		}
	}

	slog.Warn("token expired or rejected, re-authenticating")
	if err := m.fetch(ctx); err != nil {
		return "", err
	}
	return m.rec.AccessToken, nil
}

// TokenType returns the stored token type, defaulting to bearer.
func (m *Manager) TokenType() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec != nil && m.rec.TokenType != "" {
		return m.rec.TokenType
	}
	return "bearer"
}

// Invalidate drops the current token and persists the cleared record.
func (m *Manager) Invalidate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = &Record{Identifier: m.identifier}
	return m.store.Save(m.rec)
}

// fetch performs the full credential exchange and persists the result.
// Caller holds the mutex.
func (m *Manager) fetch(ctx context.Context) error {
	grant, err := m.api.FetchToken(ctx, m.identifier, m.credential)
	if err != nil {
		return fmt.Errorf("auth: credential exchange: %w", err)
	}
	if grant.AccessToken == "" {
		return ErrMalformedGrant
	}
	expiresIn := grant.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	tokenType := grant.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	rec := &Record{
		Identifier:   m.identifier,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    m.now().Unix() + expiresIn - int64(expiryMargin.Seconds()),
	}
	if err := m.store.Save(rec); err != nil {
		return err
	}
	m.rec = rec
	observability.TokenRefreshes.Inc()
	slog.Info("token refreshed", "expires_at", time.Unix(rec.ExpiresAt, 0))
	return nil
}
