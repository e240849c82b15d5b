package services

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatclient/internal/storage"
	"chatclient/internal/testutils"
)

// harness wires every component against a fake chat server, as the client does.
type harness struct {
	server       *testutils.ChatServer
	store        *storage.MemoryStore
	transport    *http.Transport
	tokens       *TokenStore
	router       *RequestRouter
	identity     *IdentityService
	registry     *SessionRegistry
	conversation *Conversation
	history      *HistoryService
	stream       *StreamConsumer

	closeOnce sync.Once
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		server:    testutils.NewChatServer(),
		store:     storage.NewMemoryStore(),
		transport: &http.Transport{},
	}
	h.tokens = NewTokenStore(h.store)
	h.router = NewRequestRouter(h.server.URL, h.tokens,
		SessionTokenFunc(func() (string, bool) { return h.registry.ActiveSessionToken() }),
		WithHTTPClient(&http.Client{Transport: h.transport}),
		WithTimeout(5*time.Second),
	)
	h.identity = NewIdentityService(h.tokens, h.router)
	h.registry = NewSessionRegistry(h.tokens, h.router, h.store)
	h.conversation = NewConversation()
	h.history = NewHistoryService(h.router, h.registry, h.conversation)
	h.stream = NewStreamConsumer(h.router, h.registry, h.conversation)

	t.Cleanup(h.Close)
	return h
}

// Close stops the fake server and drops idle client connections.
func (h *harness) Close() {
	h.closeOnce.Do(func() {
		h.server.Close()
		h.transport.CloseIdleConnections()
	})
}

// login authenticates with the fake server's credentials.
func (h *harness) login(t *testing.T) {
	t.Helper()
	require.NoError(t, h.identity.Authenticate(context.Background(), h.server.Email, h.server.Password))
	require.True(t, h.identity.IsAuthenticated())
}

// loginWithSession authenticates and fetches sessions so an active session exists.
func (h *harness) loginWithSession(t *testing.T) {
	t.Helper()
	h.login(t)
	require.NoError(t, h.registry.FetchSessions(context.Background()))
	_, ok := h.registry.Active()
	require.True(t, ok)
}
