package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/snallabot/twitch-notifier/internal/domain"
)

// tokenExpiryMargin refreshes tokens slightly before Twitch expires them.
const tokenExpiryMargin = 60 * time.Second

type AppToken struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// TokenSource obtains a fresh app access token (client-credentials grant).
type TokenSource func(ctx context.Context) (AppToken, error)

// TokenManager owns the app access token used for Helix calls.
type TokenManager struct {
	source TokenSource
	clock  clockwork.Clock

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewTokenManager(source TokenSource, clock clockwork.Clock) *TokenManager {
	return &TokenManager{source: source, clock: clock}
}

// Token returns the cached token, refreshing it when missing or about to expire.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && m.clock.Now().Add(tokenExpiryMargin).Before(m.expiresAt) {
		return m.token, nil
	}
	return m.refreshLocked(ctx)
}

func (m *TokenManager) refreshLocked(ctx context.Context) (string, error) {
	tok, err := m.source(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to obtain app access token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("failed to obtain app access token: empty token")
	}

	m.token = tok.AccessToken
	m.expiresAt = m.clock.Now().Add(tok.ExpiresIn)
	slog.DebugContext(ctx, "Refreshed Twitch app access token", "expires_in", tok.ExpiresIn)
	return m.token, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.expiresAt = time.Time{}
}

// WithValidToken runs op with a valid token. If op reports
// domain.ErrUnauthorized the token is refreshed and op runs exactly once more.
func (m *TokenManager) WithValidToken(ctx context.Context, op func(ctx context.Context, token string) error) error {
	token, err := m.Token(ctx)
	if err != nil {
		return err
	}

	err = op(ctx, token)
	if !errors.Is(err, domain.ErrUnauthorized) {
		return err
	}

	slog.InfoContext(ctx, "Twitch rejected app access token, refreshing")
	m.Invalidate()
	token, err = m.Token(ctx)
	if err != nil {
		return err
	}
	return op(ctx, token)
}
