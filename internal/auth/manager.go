// Package auth keeps per-user OAuth credentials valid, refreshing them at
// most once at a time per user.
package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"

	appLog "github.com/bobuk/calsync/internal/log"
)

// CredentialStore persists tokens. Load returns a nil token when the user
// has none.
type CredentialStore interface {
	LoadToken(ctx context.Context, userID string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, userID string, token *oauth2.Token) error
}

type Refresher interface {
	Refresh(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error)
}

// OAuthRefresher exchanges refresh tokens against the config's token
// endpoint.
type OAuthRefresher struct {
	Config *oauth2.Config
}

func (r OAuthRefresher) Refresh(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	// An expired access token forces the source to hit the endpoint.
	stale := &oauth2.Token{RefreshToken: token.RefreshToken, Expiry: time.Unix(1, 0)}
	fresh, err := r.Config.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, err
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = token.RefreshToken
	}
	return fresh, nil
}

type Manager struct {
	store     CredentialStore
	refresher Refresher
	leeway    time.Duration
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type ManagerOption func(*Manager)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(store CredentialStore, refresher Refresher, leeway time.Duration, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		refresher: refresher,
		leeway:    leeway,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

func (m *Manager) valid(token *oauth2.Token) bool {
	if token == nil || token.AccessToken == "" {
		return false
	}
	if token.Expiry.IsZero() {
		return true
	}
	return token.Expiry.After(m.now().Add(m.leeway))
}

// GetValidToken returns a token that stays valid for at least the
// configured leeway. Concurrent callers for one user share one refresh.
func (m *Manager) GetValidToken(ctx context.Context, userID string) (*oauth2.Token, error) {
	token, err := m.store.LoadToken(ctx, userID)
	if err != nil {
		return nil, &Error{UserID: userID, Err: err}
	}
	if token == nil {
		return nil, &Error{UserID: userID, Err: ErrNotConnected}
	}
	if m.valid(token) {
		return token, nil
	}
	return m.refresh(ctx, userID, token.AccessToken)
}

// ForceRefresh discards the current access token, e.g. after a 401.
func (m *Manager) ForceRefresh(ctx context.Context, userID string) (*oauth2.Token, error) {
	token, err := m.store.LoadToken(ctx, userID)
	if err != nil {
		return nil, &Error{UserID: userID, Err: err}
	}
	if token == nil {
		return nil, &Error{UserID: userID, Err: ErrNotConnected}
	}
	return m.refresh(ctx, userID, token.AccessToken)
}

// Authorize satisfies the sync engine: it makes sure a usable token exists.
func (m *Manager) Authorize(ctx context.Context, userID string) error {
	_, err := m.GetValidToken(ctx, userID)
	return err
}

// Reauthorize forces a refresh after the provider rejected the token.
func (m *Manager) Reauthorize(ctx context.Context, userID string) error {
	_, err := m.ForceRefresh(ctx, userID)
	return err
}

// refresh replaces the token whose access part was seen as stale. When
// another caller already replaced it while we waited, that result wins.
func (m *Manager) refresh(ctx context.Context, userID, seen string) (*oauth2.Token, error) {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	current, err := m.store.LoadToken(ctx, userID)
	if err != nil {
		return nil, &Error{UserID: userID, Err: err}
	}
	if current == nil {
		return nil, &Error{UserID: userID, Err: ErrNotConnected}
	}
	if current.AccessToken != seen && m.valid(current) {
		return current, nil
	}
	if current.RefreshToken == "" {
		return nil, &Error{UserID: userID, Err: ErrRevoked}
	}

	appLog.Debug("refreshing access token", "user", userID)
	fresh, err := m.refresher.Refresh(ctx, current)
	if err != nil {
		err = classifyRefresh(err)
		appLog.Error("token refresh failed", err, "user", userID)
		return nil, &Error{UserID: userID, Err: err}
	}
	if err := m.store.SaveToken(ctx, userID, fresh); err != nil {
		return nil, &Error{UserID: userID, Err: err}
	}
	return fresh, nil
}

// TokenSource adapts the manager to oauth2 HTTP clients.
func (m *Manager) TokenSource(ctx context.Context, userID string) oauth2.TokenSource {
	return &managedSource{ctx: ctx, m: m, userID: userID}
}

type managedSource struct {
	ctx    context.Context
	m      *Manager
	userID string
}

func (s *managedSource) Token() (*oauth2.Token, error) {
	return s.m.GetValidToken(s.ctx, s.userID)
}
