package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"chatclient/internal/logger"
	"chatclient/pkg/chattypes"
)

// IdentityService binds the account token to the identity it belongs to.
// The session counts as authenticated only when a valid token and a fetched identity coexist.
type IdentityService struct {
	mu       sync.RWMutex
	identity *chattypes.Identity
	pending  bool
	// epoch changes with every token change so a late identity response is dropped.
	epoch uint64

	tokens   *TokenStore
	router   *RequestRouter
	rejected []func()
	log      *log.Logger
}

// NewIdentityService creates an IdentityService.
func NewIdentityService(tokens *TokenStore, router *RequestRouter) *IdentityService {
	return &IdentityService{
		tokens: tokens,
		router: router,
		log:    logger.NewStyledLogger("Identity"),
	}
}

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   string `json:"expiresAt"`
}

// Authenticate exchanges credentials for an account token and logs in with it.
// Check IsAuthenticated afterwards; a failed identity fetch does not return an error.
func (s *IdentityService) Authenticate(ctx context.Context, email, password string) error {
	var resp tokenResponse
	err := s.router.DoJSON(ctx, Call{
		Method:     http.MethodPost,
		Path:       "/auth/token",
		Credential: chattypes.CredentialNone,
		Body:       tokenRequest{Email: strings.TrimSpace(email), Password: password},
	}, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", ErrInvalidCredentials, apiErr.UserMessage())
		}
		return fmt.Errorf("authentication failed: %w", err)
	}
	if resp.AccessToken == "" {
		return fmt.Errorf("authentication failed: empty access token")
	}

	expiresAt, err := s.expiryOf(resp)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	s.Login(ctx, resp.AccessToken, expiresAt)
	return nil
}

func (s *IdentityService) expiryOf(resp tokenResponse) (time.Time, error) {
	if resp.ExpiresAt != "" {
		expiresAt, err := time.Parse(time.RFC3339, resp.ExpiresAt)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid expiresAt %q: %w", resp.ExpiresAt, err)
		}
		return expiresAt, nil
	}
	expiresAt, err := TokenExpiry(resp.AccessToken)
	if err != nil {
		return time.Time{}, fmt.Errorf("no token expiry available: %w", err)
	}
	return expiresAt, nil
}

// Login records token and fetches the identity it belongs to. The outcome is observed
// through IsAuthenticated.
func (s *IdentityService) Login(ctx context.Context, token string, expiresAt time.Time) {
	s.tokens.Set(chattypes.AccountToken{Value: token, ExpiresAt: expiresAt})

	s.mu.Lock()
	s.identity = nil
	s.epoch++
	s.mu.Unlock()

	s.fetchIdentity(ctx)
}

// Logout destroys the token and the identity.
func (s *IdentityService) Logout() {
	s.tokens.Clear()

	s.mu.Lock()
	s.identity = nil
	s.pending = false
	s.epoch++
	s.mu.Unlock()

	s.log.Debug("Logged out")
}

// OnTokenRejected registers a listener run after the server rejected the account token and
// the service logged out. Listeners run without the service lock held.
func (s *IdentityService) OnTokenRejected(listener func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = append(s.rejected, listener)
}

// CheckAuth restores a persisted token and, when it is still valid, fetches the identity.
func (s *IdentityService) CheckAuth(ctx context.Context) {
	if _, ok := s.tokens.Restore(); !ok {
		s.mu.Lock()
		s.identity = nil
		s.mu.Unlock()
		s.log.Debug("No persisted account token")
		return
	}
	s.fetchIdentity(ctx)
}

// IsAuthenticated reports whether a valid token and its identity are both held.
func (s *IdentityService) IsAuthenticated() bool {
	s.mu.RLock()
	hasIdentity := s.identity != nil
	s.mu.RUnlock()
	return hasIdentity && s.tokens.Valid()
}

// Identity returns the fetched identity while authenticated.
func (s *IdentityService) Identity() (chattypes.Identity, bool) {
	if !s.IsAuthenticated() {
		return chattypes.Identity{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return chattypes.Identity{}, false
	}
	return *s.identity, true
}

// Pending reports whether an identity fetch is in flight.
func (s *IdentityService) Pending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

func (s *IdentityService) fetchIdentity(ctx context.Context) {
	s.mu.Lock()
	s.pending = true
	epoch := s.epoch
	s.mu.Unlock()

	var identity chattypes.Identity
	err := s.router.DoJSON(ctx, Call{
		Method:     http.MethodGet,
		Path:       "/auth/me",
		Credential: chattypes.CredentialAccount,
	}, &identity)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.log.Debug("Dropping identity response for a replaced token")
		return
	}
	if errors.Is(err, ErrUnauthorized) {
		listeners := append([]func(){}, s.rejected...)
		s.mu.Unlock()
		s.log.Info("Account token rejected, logging out")
		s.Logout()
		for _, listener := range listeners {
			listener()
		}
		return
	}
	defer s.mu.Unlock()
	s.pending = false
	s.identity = nil

	switch {
	case err != nil:
		s.log.Warn("Failed to fetch identity", "error", err)
	case identity.ID == "":
		s.log.Warn("Identity response has no id")
	default:
		s.identity = &identity
		s.log.Debug("Identity fetched", "id", identity.ID)
	}
}
