// Package orchestration provides the composition root of the chat client.
// This package wires the token store, identity session, session registry, request router
// and stream consumer together and coordinates operations that span several of them,
// such as loading history when the active session changes.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"chatclient/internal/config"
	"chatclient/internal/logger"
	"chatclient/internal/services"
	"chatclient/internal/storage"
	"chatclient/pkg/chattypes"
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	Store       storage.Store // nil keeps state in memory
	HTTPClient  *http.Client
	Timeout     time.Duration
	Placeholder string
	Now         func() time.Time
}

// Client is one signed-in (or signed-out) chat client.
type Client struct {
	Tokens       *services.TokenStore
	Router       *services.RequestRouter
	Identity     *services.IdentityService
	Sessions     *services.SessionRegistry
	Conversation *services.Conversation
	History      *services.HistoryService
	Stream       *services.StreamConsumer

	store     storage.Store
	ownsStore bool
	log       *log.Logger

	mu         sync.Mutex
	historyFor string
}

// New wires a Client from opts.
func New(opts Options) *Client {
	store := opts.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}

	c := &Client{
		store: store,
		log:   logger.NewStyledLogger("Client"),
	}

	var tokenOpts []services.TokenStoreOption
	registryOpts := []services.RegistryOption{services.WithPlaceholder(opts.Placeholder)}
	if opts.Now != nil {
		tokenOpts = append(tokenOpts, services.WithTokenClock(opts.Now))
		registryOpts = append(registryOpts, services.WithRegistryClock(opts.Now))
	}

	routerOpts := []services.RouterOption{services.WithHTTPClient(opts.HTTPClient)}
	if opts.Timeout > 0 {
		routerOpts = append(routerOpts, services.WithTimeout(opts.Timeout))
	}

	c.Tokens = services.NewTokenStore(store, tokenOpts...)
	// The registry is built after the router, so the router reads the active session
	// token through a closure.
	c.Router = services.NewRequestRouter(opts.BaseURL, c.Tokens,
		services.SessionTokenFunc(func() (string, bool) { return c.Sessions.ActiveSessionToken() }),
		routerOpts...)
	c.Identity = services.NewIdentityService(c.Tokens, c.Router)
	c.Sessions = services.NewSessionRegistry(c.Tokens, c.Router, store, registryOpts...)
	c.Conversation = services.NewConversation()
	c.History = services.NewHistoryService(c.Router, c.Sessions, c.Conversation)
	c.Stream = services.NewStreamConsumer(c.Router, c.Sessions, c.Conversation)

	c.Sessions.OnActiveChange(c.onActiveChange)
	c.Identity.OnTokenRejected(c.forgetAccount)

	return c
}

// Open builds a Client from configuration, opening the configured store.
// The store is closed by Client.Close.
func Open(cfg *config.Config) (*Client, error) {
	store, err := storage.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	c := New(Options{
		BaseURL:     cfg.BaseURL,
		Store:       store,
		Timeout:     cfg.Timeout(),
		Placeholder: cfg.SessionPlaceholder,
	})
	c.ownsStore = true

	logger.Debug("Client opened", "backend", cfg.StoreBackend, "path", cfg.StorePath)
	return c, nil
}

// Start restores a persisted login and, when it is still valid, loads the sessions and the
// active session's history.
//
// Returns:
//   - error: a session or history failure; an absent or rejected login is not an error
func (c *Client) Start(ctx context.Context) error {
	c.Identity.CheckAuth(ctx)
	if !c.Identity.IsAuthenticated() {
		c.log.Debug("Starting signed out")
		return nil
	}
	return c.refresh(ctx)
}

// Login authenticates with credentials and loads sessions.
func (c *Client) Login(ctx context.Context, email, password string) error {
	if err := c.Identity.Authenticate(ctx, email, password); err != nil {
		return err
	}
	if !c.Identity.IsAuthenticated() {
		return fmt.Errorf("%w: identity could not be verified", services.ErrNotAuthenticated)
	}
	return c.refresh(ctx)
}

// Logout cancels any reply in flight and forgets the login, the sessions and the conversation.
func (c *Client) Logout() {
	c.Identity.Logout()
	c.forgetAccount()
}

// forgetAccount drops everything loaded for the signed-in account. It also runs when the
// server rejects the account token, so no session of that account stays usable.
func (c *Client) forgetAccount() {
	c.Stream.Cancel()
	c.Sessions.Reset()
	c.Conversation.Reset("")

	c.mu.Lock()
	c.historyFor = ""
	c.mu.Unlock()
}

// NewSession creates a session and makes it active.
func (c *Client) NewSession(ctx context.Context) (chattypes.ChatSession, error) {
	session, err := c.Sessions.CreateNewSession(ctx)
	if err != nil {
		return chattypes.ChatSession{}, err
	}
	c.syncHistory(ctx)
	return session, nil
}

// SwitchSession activates id and loads its history.
func (c *Client) SwitchSession(ctx context.Context, id string) error {
	if err := c.Sessions.SwitchActiveSession(id); err != nil {
		return err
	}
	c.syncHistory(ctx)
	return nil
}

// RenameSession renames id. A reply streaming into that session keeps streaming.
func (c *Client) RenameSession(ctx context.Context, id, name string) (chattypes.ChatSession, error) {
	return c.Sessions.RenameSession(ctx, id, name)
}

// DeleteSession cancels a reply streaming into id, then deletes it.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	c.Stream.CancelSession(id)
	if err := c.Sessions.DeleteSession(ctx, id); err != nil {
		return err
	}
	c.syncHistory(ctx)
	return nil
}

// Send submits input to the active session and waits for the reply.
func (c *Client) Send(ctx context.Context, input string) (services.StreamResult, error) {
	return c.Stream.Submit(ctx, input)
}

// ClearHistory deletes the active session's stored history.
func (c *Client) ClearHistory(ctx context.Context) error {
	return c.History.ClearHistory(ctx)
}

// Close cancels any reply in flight and releases the store when the client opened it.
func (c *Client) Close() error {
	c.Stream.Cancel()
	if !c.ownsStore {
		return nil
	}
	if err := c.store.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

func (c *Client) refresh(ctx context.Context) error {
	if err := c.Sessions.FetchSessions(ctx); err != nil {
		return err
	}
	c.syncHistory(ctx)
	return nil
}

// onActiveChange runs after the registry moved the active pointer.
func (c *Client) onActiveChange(previous, current *chattypes.ChatSession) {
	if previous != nil {
		c.Stream.CancelSession(previous.ID)
	}

	id := ""
	if current != nil {
		id = current.ID
	}
	c.Conversation.Reset(id)

	c.mu.Lock()
	c.historyFor = ""
	c.mu.Unlock()
}

// syncHistory loads the active session's history once per activation. Failures leave the
// conversation empty and are only logged.
func (c *Client) syncHistory(ctx context.Context) {
	active, ok := c.Sessions.Active()
	if !ok {
		return
	}

	c.mu.Lock()
	loaded := c.historyFor == active.ID
	c.mu.Unlock()
	if loaded {
		return
	}

	if _, err := c.History.FetchHistory(ctx); err != nil {
		c.log.Warn("Failed to load history", "session", active.ID, "error", err)
		return
	}

	c.mu.Lock()
	c.historyFor = active.ID
	c.mu.Unlock()
}
