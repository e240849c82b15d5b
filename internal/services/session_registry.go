package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"chatclient/internal/config"
	"chatclient/internal/logger"
	"chatclient/internal/storage"
	"chatclient/pkg/chattypes"
)

// ActiveSessionListener is called after the active session changes. Either argument may
// be nil. Listeners run on the goroutine that caused the change, after locks are released.
type ActiveSessionListener func(previous, current *chattypes.ChatSession)

// SessionRegistry holds the authenticated identity's sessions and the active-session pointer.
// Once a fetch has completed under a valid account token the list is never left empty.
type SessionRegistry struct {
	mu        sync.RWMutex
	sessions  []chattypes.ChatSession
	activeID  string
	busy      map[string]struct{}
	listeners []ActiveSessionListener

	accounts    AccountTokenSource
	router      *RequestRouter
	store       storage.Store
	placeholder string
	now         func() time.Time
	group       singleflight.Group
	log         *log.Logger
}

// RegistryOption configures a SessionRegistry.
type RegistryOption func(*SessionRegistry)

// WithPlaceholder sets the display name given to unnamed sessions.
func WithPlaceholder(name string) RegistryOption {
	return func(r *SessionRegistry) {
		if strings.TrimSpace(name) != "" {
			r.placeholder = strings.TrimSpace(name)
		}
	}
}

// WithRegistryClock sets the time source used for session token expiry.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *SessionRegistry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewSessionRegistry creates a registry. accounts gates every operation on a valid account
// token and store remembers the active session across restarts.
func NewSessionRegistry(accounts AccountTokenSource, router *RequestRouter, store storage.Store, opts ...RegistryOption) *SessionRegistry {
	if store == nil {
		store = storage.NewMemoryStore()
	}
	r := &SessionRegistry{
		busy:        make(map[string]struct{}),
		accounts:    accounts,
		router:      router,
		store:       store,
		placeholder: config.DefaultPlaceholder,
		now:         time.Now,
		log:         logger.NewStyledLogger("Registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnActiveChange registers a listener for active-session changes.
func (r *SessionRegistry) OnActiveChange(listener ActiveSessionListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// Placeholder returns the name used for unnamed sessions.
func (r *SessionRegistry) Placeholder() string {
	return r.placeholder
}

// SanitizeName trims name and substitutes the placeholder for a blank one.
func (r *SessionRegistry) SanitizeName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return r.placeholder
	}
	return trimmed
}

// Sessions returns a copy of the registered sessions in server order.
func (r *SessionRegistry) Sessions() []chattypes.ChatSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]chattypes.ChatSession(nil), r.sessions...)
}

// Session returns the registered session with id.
func (r *SessionRegistry) Session(id string) (chattypes.ChatSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.indexLocked(id)
	if idx < 0 {
		return chattypes.ChatSession{}, false
	}
	return r.sessions[idx], true
}

// Active returns the active session, if any.
func (r *SessionRegistry) Active() (chattypes.ChatSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.indexLocked(r.activeID)
	if idx < 0 {
		return chattypes.ChatSession{}, false
	}
	return r.sessions[idx], true
}

// ActiveSessionToken implements SessionTokenSource.
func (r *SessionRegistry) ActiveSessionToken() (string, bool) {
	active, ok := r.Active()
	if !ok || !active.SessionToken.ValidAt(r.now()) {
		return "", false
	}
	return active.SessionToken.Value, true
}

// IsBusy reports whether a rename or delete for id is outstanding.
func (r *SessionRegistry) IsBusy(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, busy := r.busy[id]
	return busy
}

// FetchSessions replaces the list with the server's, restores the remembered active session
// and creates one when the list comes back empty. Concurrent calls share one request.
func (r *SessionRegistry) FetchSessions(ctx context.Context) error {
	if _, ok := r.accounts.AccountToken(); !ok {
		r.Reset()
		return ErrNotAuthenticated
	}

	return r.shared(ctx, "fetch", r.fetch)
}

// shared runs fn once for all concurrent callers of key. fn runs on a context detached from
// the first caller's cancellation, so one caller giving up does not fail the others; the
// router's request timeout still bounds it. Each caller stops waiting when its own ctx is done.
func (r *SessionRegistry) shared(ctx context.Context, key string, fn func(context.Context) error) error {
	detached := context.WithoutCancel(ctx)
	results := r.group.DoChan(key, func() (any, error) {
		return nil, fn(detached)
	})

	select {
	case res := <-results:
		if res.Shared {
			r.log.Debug("Joined in-flight registry call", "call", key)
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *SessionRegistry) fetch(ctx context.Context) error {
	var listed []chattypes.ChatSession
	err := r.router.DoJSON(ctx, Call{
		Method:     http.MethodGet,
		Path:       "/sessions",
		Credential: chattypes.CredentialAccount,
	}, &listed)
	if err != nil {
		return fmt.Errorf("failed to fetch sessions: %w", err)
	}

	sessions := r.normalize(listed)
	remembered := r.rememberedActive()

	r.mu.Lock()
	previous := r.activeLocked()
	r.sessions = sessions
	switch {
	case r.indexLocked(r.activeID) >= 0:
		// keep the in-memory pointer
	case r.indexLocked(remembered) >= 0:
		r.activeID = remembered
	case len(sessions) > 0:
		r.activeID = sessions[len(sessions)-1].ID
	default:
		r.activeID = ""
	}
	current := r.activeLocked()
	r.mu.Unlock()

	r.log.Debug("Sessions fetched", "count", len(sessions))
	r.activeChanged(previous, current)

	return r.ensureNonEmpty(ctx)
}

// normalize drops duplicate ids, keeping the first, and names unnamed sessions.
func (r *SessionRegistry) normalize(listed []chattypes.ChatSession) []chattypes.ChatSession {
	seen := make(map[string]struct{}, len(listed))
	sessions := make([]chattypes.ChatSession, 0, len(listed))
	for _, session := range listed {
		if session.ID == "" {
			r.log.Warn("Ignoring session without id")
			continue
		}
		if _, dup := seen[session.ID]; dup {
			r.log.Warn("Ignoring duplicate session", "session", session.ID)
			continue
		}
		seen[session.ID] = struct{}{}
		session.DisplayName = r.SanitizeName(session.DisplayName)
		sessions = append(sessions, session)
	}
	return sessions
}

// ensureNonEmpty creates a session when the list is empty and the account token is valid.
// Concurrent callers share a single creation.
func (r *SessionRegistry) ensureNonEmpty(ctx context.Context) error {
	if _, ok := r.accounts.AccountToken(); !ok {
		return nil
	}

	err := r.shared(ctx, "ensure", func(ctx context.Context) error {
		r.mu.RLock()
		empty := len(r.sessions) == 0
		r.mu.RUnlock()
		if !empty {
			return nil
		}
		r.log.Debug("Session list is empty, creating one")
		_, err := r.create(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to restore a non-empty session list: %w", err)
	}
	return nil
}

type createSessionRequest struct {
	Name string `json:"name"`
}

// CreateNewSession creates a session on the server, registers it and makes it active.
func (r *SessionRegistry) CreateNewSession(ctx context.Context) (chattypes.ChatSession, error) {
	if _, ok := r.accounts.AccountToken(); !ok {
		return chattypes.ChatSession{}, ErrNotAuthenticated
	}
	return r.create(ctx)
}

func (r *SessionRegistry) create(ctx context.Context) (chattypes.ChatSession, error) {
	var created chattypes.ChatSession
	err := r.router.DoJSON(ctx, Call{
		Method:     http.MethodPost,
		Path:       "/sessions",
		Credential: chattypes.CredentialAccount,
		Body:       createSessionRequest{Name: ""},
	}, &created)
	if err != nil {
		return chattypes.ChatSession{}, fmt.Errorf("failed to create session: %w", err)
	}
	if created.ID == "" {
		return chattypes.ChatSession{}, fmt.Errorf("failed to create session: response has no id")
	}
	created.DisplayName = r.SanitizeName(created.DisplayName)

	r.mu.Lock()
	previous := r.activeLocked()
	if idx := r.indexLocked(created.ID); idx >= 0 {
		r.sessions[idx] = created
	} else {
		r.sessions = append(r.sessions, created)
	}
	r.activeID = created.ID
	current := r.activeLocked()
	r.mu.Unlock()

	r.log.Debug("Session created", "session", created.ID)
	r.activeChanged(previous, current)

	return created, nil
}

// SwitchActiveSession makes the registered session id active. An empty id clears the pointer.
func (r *SessionRegistry) SwitchActiveSession(id string) error {
	r.mu.Lock()
	if id != "" && r.indexLocked(id) < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	previous := r.activeLocked()
	r.activeID = id
	current := r.activeLocked()
	r.mu.Unlock()

	r.activeChanged(previous, current)
	return nil
}

type renameSessionRequest struct {
	Name string `json:"name"`
}

// RenameSession renames id on the server using that session's own token. The local name is
// the sanitized requested name, whatever the server echoes.
func (r *SessionRegistry) RenameSession(ctx context.Context, id, name string) (chattypes.ChatSession, error) {
	session, err := r.acquire(id)
	if err != nil {
		return chattypes.ChatSession{}, err
	}
	defer r.release(id)

	sanitized := r.SanitizeName(name)
	err = r.router.DoJSON(ctx, Call{
		Method:     http.MethodPatch,
		Path:       "/sessions/" + url.PathEscape(id),
		Credential: chattypes.CredentialExplicit,
		Token:      session.SessionToken.Value,
		Body:       renameSessionRequest{Name: sanitized},
	}, nil)
	if err != nil {
		return chattypes.ChatSession{}, fmt.Errorf("failed to rename session: %w", err)
	}

	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return chattypes.ChatSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	r.sessions[idx].DisplayName = sanitized
	renamed := r.sessions[idx]
	r.mu.Unlock()

	r.log.Debug("Session renamed", "session", id)
	return renamed, nil
}

// DeleteSession deletes id on the server. The call is account-scoped but carries the
// session token explicitly. Deleting the active session moves the pointer to the most
// recently created remaining session, and an emptied list is refilled.
func (r *SessionRegistry) DeleteSession(ctx context.Context, id string) error {
	session, err := r.acquire(id)
	if err != nil {
		return err
	}
	defer r.release(id)

	err = r.router.DoJSON(ctx, Call{
		Method:     http.MethodDelete,
		Path:       "/sessions/" + url.PathEscape(id),
		Credential: chattypes.CredentialAccount,
		Token:      session.SessionToken.Value,
	}, nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err != nil {
		r.log.Debug("Session already gone on the server", "session", id)
	}

	r.mu.Lock()
	previous := r.activeLocked()
	if idx := r.indexLocked(id); idx >= 0 {
		r.sessions = append(r.sessions[:idx], r.sessions[idx+1:]...)
	}
	if r.activeID == id {
		r.activeID = ""
		if n := len(r.sessions); n > 0 {
			r.activeID = r.sessions[n-1].ID
		}
	}
	current := r.activeLocked()
	r.mu.Unlock()

	r.log.Debug("Session deleted", "session", id)
	r.activeChanged(previous, current)

	return r.ensureNonEmpty(ctx)
}

// Reset forgets every session and the active pointer. The persisted pointer is dropped too.
func (r *SessionRegistry) Reset() {
	r.mu.Lock()
	previous := r.activeLocked()
	r.sessions = nil
	r.activeID = ""
	r.mu.Unlock()

	if previous != nil {
		r.activeChanged(previous, nil)
		return
	}
	if err := r.store.Delete(storage.KeyActiveSession); err != nil {
		r.log.Warn("Failed to remove persisted active session", "error", err)
	}
}

// acquire marks id busy and returns its registered session.
func (r *SessionRegistry) acquire(id string) (chattypes.ChatSession, error) {
	if _, ok := r.accounts.AccountToken(); !ok {
		return chattypes.ChatSession{}, ErrNotAuthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexLocked(id)
	if idx < 0 {
		return chattypes.ChatSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if _, busy := r.busy[id]; busy {
		return chattypes.ChatSession{}, ErrSessionBusy
	}
	r.busy[id] = struct{}{}
	return r.sessions[idx], nil
}

func (r *SessionRegistry) release(id string) {
	r.mu.Lock()
	delete(r.busy, id)
	r.mu.Unlock()
}

func (r *SessionRegistry) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range r.sessions {
		if r.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *SessionRegistry) activeLocked() *chattypes.ChatSession {
	idx := r.indexLocked(r.activeID)
	if idx < 0 {
		return nil
	}
	session := r.sessions[idx]
	return &session
}

// activeChanged persists the pointer and notifies listeners when the active id moved.
func (r *SessionRegistry) activeChanged(previous, current *chattypes.ChatSession) {
	if sessionID(previous) == sessionID(current) {
		return
	}

	if current != nil {
		r.persistActive(current.ID)
	} else if err := r.store.Delete(storage.KeyActiveSession); err != nil {
		r.log.Warn("Failed to remove persisted active session", "error", err)
	}
	r.log.Debug("Active session changed", "from", sessionID(previous), "session", sessionID(current))

	r.mu.RLock()
	listeners := append([]ActiveSessionListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, listener := range listeners {
		listener(previous, current)
	}
}

type activeBlob struct {
	SessionID string `json:"sessionId"`
}

func (r *SessionRegistry) persistActive(id string) {
	data, err := json.Marshal(activeBlob{SessionID: id})
	if err != nil {
		r.log.Warn("Failed to encode active session", "error", err)
		return
	}
	if err := r.store.Set(storage.KeyActiveSession, string(data)); err != nil {
		r.log.Warn("Failed to persist active session", "error", err)
	}
}

// rememberedActive returns the persisted active id, or "" when absent or unreadable.
func (r *SessionRegistry) rememberedActive() string {
	raw, ok, err := r.store.Get(storage.KeyActiveSession)
	if err != nil {
		r.log.Warn("Failed to read persisted active session", "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	var blob activeBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		r.log.Debug("Ignoring unreadable persisted active session", "error", err)
		return ""
	}
	return blob.SessionID
}

func sessionID(session *chattypes.ChatSession) string {
	if session == nil {
		return ""
	}
	return session.ID
}
