package testutils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"chatclient/pkg/chattypes"
)

// RecordedRequest is one request seen by the fake server.
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	RequestID     string
}

// ChatServer is an in-memory fake of the chat service used by tests.
// Set exported knobs before issuing requests, or through Configure while requests
// are in flight; handlers read them under the server mutex.
type ChatServer struct {
	*httptest.Server

	mu sync.Mutex

	Email        string
	Password     string
	UserID       string
	AccountToken string
	TokenTTL     time.Duration
	// OmitExpiry leaves expiresAt out of the auth response.
	OmitExpiry bool

	// IdentityStatus forces the status of GET /auth/me when non-zero.
	IdentityStatus int
	// CreateStatus forces the status of POST /sessions when non-zero.
	CreateStatus int
	// ListStatus forces the status of GET /sessions when non-zero.
	ListStatus int
	// ListDelay holds GET /sessions this long before answering.
	ListDelay time.Duration
	// RenameEcho replaces the name echoed by PATCH /sessions/{id} when non-empty.
	RenameEcho string
	// MinClientVersion is advertised on every response when non-empty.
	MinClientVersion string

	// StreamStatus forces the status of POST /chat/stream when non-zero.
	StreamStatus int
	// StreamChunks are written and flushed one by one as the streaming body.
	StreamChunks []string
	// StreamHold keeps the stream open after the chunks until the client goes away.
	StreamHold bool
	// StreamChunkWritten receives a value after each chunk is flushed when non-nil.
	StreamChunkWritten chan int
	// StreamAbortAfter closes the connection abruptly after this many chunks when > 0.
	StreamAbortAfter int

	sessions     []chattypes.ChatSession
	history      map[string][]chattypes.Message
	requests     []RecordedRequest
	lastMessages []chattypes.Message
	ids          *IDSequence
	tokens       *IDSequence
}

// NewChatServer starts a fake chat service. Close it with Close().
func NewChatServer() *ChatServer {
	s := &ChatServer{
		Email:        "ada@example.com",
		Password:     "secret",
		UserID:       "user-1",
		AccountToken: "account-token",
		TokenTTL:     time.Hour,
		history:      make(map[string][]chattypes.Message),
		ids:          NewIDSequence("s"),
		tokens:       NewIDSequence("session-token"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", s.handleToken)
	mux.HandleFunc("GET /auth/me", s.handleMe)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("PATCH /sessions/{id}", s.handleRenameSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /chat/stream", s.handleStream)
	mux.HandleFunc("GET /chat/history", s.handleHistory)
	mux.HandleFunc("DELETE /chat/history", s.handleClearHistory)

	s.Server = httptest.NewServer(s.record(mux))
	return s
}

// SeedSession adds a session as if it had been created earlier and returns it.
func (s *ChatServer) SeedSession(name string) chattypes.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newSessionLocked(name)
}

// SetHistory replaces the stored history of a session.
func (s *ChatServer) SetHistory(sessionID string, messages []chattypes.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[sessionID] = append([]chattypes.Message(nil), messages...)
}

// History returns the stored history of a session.
func (s *ChatServer) History(sessionID string) []chattypes.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chattypes.Message(nil), s.history[sessionID]...)
}

// Sessions returns the sessions the server currently knows.
func (s *ChatServer) Sessions() []chattypes.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chattypes.ChatSession(nil), s.sessions...)
}

// Requests returns every request recorded so far.
func (s *ChatServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// RequestsTo returns recorded requests matching method and path.
func (s *ChatServer) RequestsTo(method, path string) []RecordedRequest {
	var matched []RecordedRequest
	for _, req := range s.Requests() {
		if req.Method == method && req.Path == path {
			matched = append(matched, req)
		}
	}
	return matched
}

// LastStreamMessages returns the message history sent with the last stream request.
func (s *ChatServer) LastStreamMessages() []chattypes.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chattypes.Message(nil), s.lastMessages...)
}

// Configure runs fn with the server lock held so knobs can be changed safely mid-test.
func (s *ChatServer) Configure(fn func(s *ChatServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *ChatServer) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, RecordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			RequestID:     r.Header.Get("X-Request-ID"),
		})
		minVersion := s.MinClientVersion
		s.mu.Unlock()

		if minVersion != "" {
			w.Header().Set("X-Min-Client-Version", minVersion)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *ChatServer) newSessionLocked(name string) chattypes.ChatSession {
	session := chattypes.ChatSession{
		ID:           s.ids.Next(),
		DisplayName:  name,
		SessionToken: chattypes.SessionToken{Value: s.tokens.Next()},
	}
	s.sessions = append(s.sessions, session)
	return session
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (s *ChatServer) accountAuthorized(r *http.Request) bool {
	return r.Header.Get("Authorization") != "" && bearer(r) == s.AccountToken
}

// sessionForToken must be called with mu held.
func (s *ChatServer) sessionForToken(token string) (int, bool) {
	if token == "" {
		return -1, false
	}
	for i, session := range s.sessions {
		if session.SessionToken.Value == token {
			return i, true
		}
	}
	return -1, false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"message": message})
}

func (s *ChatServer) handleToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if body.Email == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "validation failed",
			"errors":  map[string][]string{"email": {"is required"}},
		})
		return
	}
	if body.Email != s.Email || body.Password != s.Password {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	response := map[string]any{"accessToken": s.AccountToken}
	if !s.OmitExpiry {
		response["expiresAt"] = time.Now().Add(s.TokenTTL).UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *ChatServer) handleMe(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IdentityStatus != 0 {
		writeError(w, s.IdentityStatus, "forced identity status")
		return
	}
	if !s.accountAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, chattypes.Identity{ID: s.UserID, Email: s.Email})
}

func (s *ChatServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delay := s.ListDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ListStatus != 0 {
		writeError(w, s.ListStatus, "forced list status")
		return
	}
	if !s.accountAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessions := s.sessions
	if sessions == nil {
		sessions = []chattypes.ChatSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *ChatServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CreateStatus != 0 {
		writeError(w, s.CreateStatus, "forced create status")
		return
	}
	if !s.accountAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusCreated, s.newSessionLocked(body.Name))
}

func (s *ChatServer) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.sessionForToken(bearer(r))
	if !ok || s.sessions[idx].ID != r.PathValue("id") {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.sessions[idx].DisplayName = body.Name
	echoed := s.sessions[idx]
	if s.RenameEcho != "" {
		echoed.DisplayName = s.RenameEcho
	}
	writeJSON(w, http.StatusOK, echoed)
}

func (s *ChatServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.sessionForToken(bearer(r))
	if !ok || s.sessions[idx].ID != r.PathValue("id") {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	delete(s.history, s.sessions[idx].ID)
	s.sessions = append(s.sessions[:idx], s.sessions[idx+1:]...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.sessionForToken(bearer(r))
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	messages, exists := s.history[s.sessions[idx].ID]
	if !exists {
		writeError(w, http.StatusNotFound, "no history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *ChatServer) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.sessionForToken(bearer(r))
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	delete(s.history, s.sessions[idx].ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatServer) handleStream(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Messages []chattypes.Message `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	if s.StreamStatus != 0 {
		status := s.StreamStatus
		s.mu.Unlock()
		writeError(w, status, "forced stream status")
		return
	}
	if _, ok := s.sessionForToken(bearer(r)); !ok {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.lastMessages = body.Messages
	chunks := append([]string(nil), s.StreamChunks...)
	hold := s.StreamHold
	written := s.StreamChunkWritten
	abortAfter := s.StreamAbortAfter
	s.mu.Unlock()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for i, chunk := range chunks {
		if abortAfter > 0 && i == abortAfter {
			abortConnection(w)
			return
		}
		if _, err := w.Write([]byte(chunk)); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if written != nil {
			select {
			case written <- i:
			case <-r.Context().Done():
				return
			}
		}
	}

	if abortAfter > 0 && abortAfter >= len(chunks) {
		abortConnection(w)
		return
	}

	if hold {
		<-r.Context().Done()
	}
}

// abortConnection drops the TCP connection without finishing the chunked body,
// which the client observes as an unexpected EOF.
func abortConnection(w http.ResponseWriter) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}
