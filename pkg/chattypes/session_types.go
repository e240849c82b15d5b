// Package chattypes defines the data types shared by the chat client components.
// This file contains the credential, identity, session and conversation types that
// flow between the token store, the session registry and the stream consumer.
package chattypes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AccountToken is the identity-level credential issued by the auth endpoint.
// A token past ExpiresAt is treated as absent and must never be sent.
type AccountToken struct {
	Value     string    `json:"value" yaml:"value"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

// ValidAt reports whether the token is present and strictly before its expiry at now.
func (t AccountToken) ValidAt(now time.Time) bool {
	if t.Value == "" || t.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(t.ExpiresAt)
}

// Identity is the profile returned by the identity endpoint for an account token.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// SessionToken is the credential scoped to a single chat session.
// A zero ExpiresAt means the server did not advertise an expiry.
type SessionToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// ValidAt reports whether the session token may be sent at now.
func (t SessionToken) ValidAt(now time.Time) bool {
	if t.Value == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt)
}

// UnmarshalJSON accepts either an object {value, expiresAt} or a bare token string.
func (t *SessionToken) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*t = SessionToken{}
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return fmt.Errorf("session token: %w", err)
		}
		*t = SessionToken{Value: value}
		return nil
	}

	type plain SessionToken
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("session token: %w", err)
	}
	*t = SessionToken(decoded)
	return nil
}

// ChatSession is one conversation owned by the authenticated identity.
type ChatSession struct {
	ID           string       `json:"sessionId"`    // Stable, server-assigned, unique
	DisplayName  string       `json:"name"`         // User-facing name, never blank once registered
	SessionToken SessionToken `json:"sessionToken"` // Credential for this session's chat operations
}

// Role identifies the author of a message.
type Role string

// Message roles understood by the chat service.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single entry in a session's conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StreamFrame is one parsed record from the chat streaming endpoint.
type StreamFrame struct {
	Content string `json:"content"`
	Done    bool   `json:"done"` // Informational; end of stream is signalled by EOF
}
