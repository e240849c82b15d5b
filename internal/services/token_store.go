package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"

	"chatclient/internal/logger"
	"chatclient/internal/storage"
	"chatclient/pkg/chattypes"
)

// TokenStore keeps the account token in memory and mirrors it to a Store so it survives
// restarts. An expired token is indistinguishable from an absent one.
type TokenStore struct {
	mu    sync.RWMutex
	token chattypes.AccountToken
	store storage.Store
	now   func() time.Time
	log   *log.Logger
}

// TokenStoreOption configures a TokenStore.
type TokenStoreOption func(*TokenStore)

// WithTokenClock sets the time source used for expiry checks.
func WithTokenClock(now func() time.Time) TokenStoreOption {
	return func(t *TokenStore) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTokenStore creates a TokenStore persisting to store. A nil store keeps tokens in memory only.
func NewTokenStore(store storage.Store, opts ...TokenStoreOption) *TokenStore {
	if store == nil {
		store = storage.NewMemoryStore()
	}
	t := &TokenStore{
		store: store,
		now:   time.Now,
		log:   logger.NewStyledLogger("Tokens"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Set replaces the current token and persists it. A persistence failure is logged, not returned.
func (t *TokenStore) Set(token chattypes.AccountToken) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()

	if err := t.store.Set(storage.KeyAccountToken, token.Value); err != nil {
		t.log.Warn("Failed to persist account token", "error", err)
		return
	}
	if err := t.store.Set(storage.KeyAccountExpiresAt, token.ExpiresAt.UTC().Format(time.RFC3339Nano)); err != nil {
		t.log.Warn("Failed to persist account token expiry", "error", err)
	}
}

// Clear forgets the token in memory and in the store.
func (t *TokenStore) Clear() {
	t.mu.Lock()
	t.token = chattypes.AccountToken{}
	t.mu.Unlock()
	t.purge()
}

// Current returns the token when it is valid at the current time.
func (t *TokenStore) Current() (chattypes.AccountToken, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.token.ValidAt(t.now()) {
		return chattypes.AccountToken{}, false
	}
	return t.token, true
}

// AccountToken implements AccountTokenSource.
func (t *TokenStore) AccountToken() (string, bool) {
	token, ok := t.Current()
	return token.Value, ok
}

// Valid reports whether a usable token is held.
func (t *TokenStore) Valid() bool {
	_, ok := t.Current()
	return ok
}

// Restore loads the persisted token. A token that is missing, unreadable or not strictly
// in the future is purged and reported absent.
func (t *TokenStore) Restore() (chattypes.AccountToken, bool) {
	value, ok, err := t.store.Get(storage.KeyAccountToken)
	if err != nil {
		t.log.Warn("Failed to read persisted account token", "error", err)
		return chattypes.AccountToken{}, false
	}
	if !ok || value == "" {
		return chattypes.AccountToken{}, false
	}

	rawExpiry, _, err := t.store.Get(storage.KeyAccountExpiresAt)
	if err != nil {
		t.log.Warn("Failed to read persisted account token expiry", "error", err)
		return chattypes.AccountToken{}, false
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, rawExpiry)
	if err != nil {
		t.log.Debug("Discarding persisted token with unreadable expiry", "error", err)
		t.purge()
		return chattypes.AccountToken{}, false
	}

	token := chattypes.AccountToken{Value: value, ExpiresAt: expiresAt}
	if !token.ValidAt(t.now()) {
		t.log.Debug("Discarding expired persisted token", "expires_at", expiresAt)
		t.purge()
		return chattypes.AccountToken{}, false
	}

	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
	return token, true
}

func (t *TokenStore) purge() {
	if err := t.store.Delete(storage.KeyAccountToken); err != nil {
		t.log.Warn("Failed to remove persisted account token", "error", err)
	}
	if err := t.store.Delete(storage.KeyAccountExpiresAt); err != nil {
		t.log.Warn("Failed to remove persisted account token expiry", "error", err)
	}
}

// TokenExpiry reads the exp claim of a JWT access token without verifying its signature.
// It is used only when the auth response omits an explicit expiry.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("access token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}
