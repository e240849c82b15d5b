// Package services implements the chat client components: the account token store,
// the identity session, the session registry, the request router, the conversation buffer
// and the streaming reply consumer.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"chatclient/internal/logger"
	"chatclient/internal/version"
	"chatclient/pkg/chattypes"
)

// AccountTokenSource exposes the current account token, if valid.
type AccountTokenSource interface {
	AccountToken() (string, bool)
}

// SessionTokenSource exposes the active session's token, if any.
type SessionTokenSource interface {
	ActiveSessionToken() (string, bool)
}

// SessionTokenFunc adapts a function to SessionTokenSource.
type SessionTokenFunc func() (string, bool)

// ActiveSessionToken implements SessionTokenSource.
func (f SessionTokenFunc) ActiveSessionToken() (string, bool) {
	return f()
}

// Call describes one outbound request and the credential it requires.
type Call struct {
	Method     string
	Path       string               // Relative to the router base URL
	Credential chattypes.Credential // Declared requirement, enforced by the router
	Token      string               // Explicit token; wins over Credential when set
	Body       any                  // JSON-encoded when non-nil
	Header     http.Header          // Extra headers; an Authorization here is never replaced
	Stream     bool                 // Streaming response: no client timeout, caller closes the body
}

func (c Call) op() string {
	return c.Method + " " + c.Path
}

// RequestRouter is the single chokepoint for outbound calls. It attaches the credential
// each call declares and never overwrites one the caller already set.
type RequestRouter struct {
	baseURL      string
	client       *http.Client
	streamClient *http.Client
	accounts     AccountTokenSource
	sessions     SessionTokenSource
	log          *log.Logger

	versionOnce sync.Once
}

// RouterOption configures a RequestRouter.
type RouterOption func(*RequestRouter)

// WithHTTPClient uses a copy of client for requests. The caller's client is never modified.
func WithHTTPClient(client *http.Client) RouterOption {
	return func(r *RequestRouter) {
		if client != nil {
			copied := *client
			r.client = &copied
		}
	}
}

// WithTimeout bounds non-streaming calls.
func WithTimeout(timeout time.Duration) RouterOption {
	return func(r *RequestRouter) {
		r.client.Timeout = timeout
	}
}

// WithRouterLogger sets the router logger.
func WithRouterLogger(l *log.Logger) RouterOption {
	return func(r *RequestRouter) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRequestRouter creates a router for baseURL reading tokens from the given sources.
func NewRequestRouter(baseURL string, accounts AccountTokenSource, sessions SessionTokenSource, opts ...RouterOption) *RequestRouter {
	r := &RequestRouter{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
		accounts: accounts,
		sessions: sessions,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.NewStyledLogger("Router")
	}

	streamClient := *r.client
	streamClient.Timeout = 0
	r.streamClient = &streamClient

	return r
}

// BaseURL returns the service root the router targets.
func (r *RequestRouter) BaseURL() string {
	return r.baseURL
}

// Do sends call and returns the raw response. The caller closes the body.
func (r *RequestRouter) Do(ctx context.Context, call Call) (*http.Response, error) {
	var body io.Reader
	if call.Body != nil {
		data, err := json.Marshal(call.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, r.baseURL+call.Path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range call.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if call.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		if call.Stream {
			req.Header.Set("Accept", "text/event-stream")
		} else {
			req.Header.Set("Accept", "application/json")
		}
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("X-Client-Version", version.GetVersion())

	r.authorize(req, call)

	client := r.client
	if call.Stream {
		client = r.streamClient
	}

	r.log.Debug("Sending request", "path", call.Path, "method", call.Method, "credential", call.Credential)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	r.checkServerVersion(resp)
	r.log.Debug("Received response", "path", call.Path, "status", resp.StatusCode)

	return resp, nil
}

// DoJSON sends call, fails with *APIError on a non-2xx status and decodes a JSON body
// into out when out is non-nil.
func (r *RequestRouter) DoJSON(ctx context.Context, call Call, out any) error {
	resp, err := r.Do(ctx, call)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(call.op(), resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("failed to decode %s response: %w", call.op(), err)
	}
	return nil
}

// authorize applies the call's credential requirement to req.
func (r *RequestRouter) authorize(req *http.Request, call Call) {
	if req.Header.Get("Authorization") != "" {
		r.log.Debug("Keeping caller credential", "path", call.Path)
		return
	}
	if call.Token != "" {
		req.Header.Set("Authorization", "Bearer "+call.Token)
		return
	}

	var (
		token string
		ok    bool
	)
	switch call.Credential {
	case chattypes.CredentialNone:
		return
	case chattypes.CredentialAccount:
		if r.accounts != nil {
			token, ok = r.accounts.AccountToken()
		}
	case chattypes.CredentialActiveSession:
		if r.sessions != nil {
			token, ok = r.sessions.ActiveSessionToken()
		}
	case chattypes.CredentialExplicit:
		// The caller was required to supply the token.
	}

	if !ok || token == "" {
		// The server decides; a missing token here usually means client state is off.
		r.log.Warn("No credential available for call", "credential", call.Credential, "path", call.Path)
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func (r *RequestRouter) checkServerVersion(resp *http.Response) {
	minimum := resp.Header.Get("X-Min-Client-Version")
	if minimum == "" {
		return
	}
	ok, err := version.Satisfies(minimum)
	if err != nil {
		r.log.Debug("Ignoring unparsable minimum client version", "minimum", minimum, "error", err)
		return
	}
	if !ok {
		r.versionOnce.Do(func() {
			r.log.Warn("Client is older than the server minimum", "client", version.GetVersion(), "minimum", minimum)
		})
	}
}
