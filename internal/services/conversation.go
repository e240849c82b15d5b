package services

import (
	"sync"

	"chatclient/pkg/chattypes"
)

// Conversation is the in-memory message list of the active session.
// Every reset bumps a generation so writes from a superseded stream are dropped.
type Conversation struct {
	mu         sync.RWMutex
	sessionID  string
	messages   []chattypes.Message
	generation uint64
}

// NewConversation creates an empty conversation bound to no session.
func NewConversation() *Conversation {
	return &Conversation{}
}

// Reset binds the conversation to sessionID with an empty list.
func (c *Conversation) Reset(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.messages = nil
	c.generation++
}

// Replace loads messages for sessionID. It is a no-op, returning false, when the
// conversation has since been bound to another session.
func (c *Conversation) Replace(sessionID string, messages []chattypes.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != sessionID {
		return false
	}
	c.messages = append([]chattypes.Message(nil), messages...)
	c.generation++
	return true
}

// SessionID returns the session the conversation is bound to.
func (c *Conversation) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Messages returns a copy of the message list.
func (c *Conversation) Messages() []chattypes.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]chattypes.Message(nil), c.messages...)
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// turn identifies the assistant placeholder written by one submission.
type turn struct {
	generation uint64
	index      int
}

// beginTurn appends the user message and an empty assistant placeholder. It returns the
// placeholder handle and the history to send, which ends with the user message.
func (c *Conversation) beginTurn(sessionID, input string) (turn, []chattypes.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != sessionID {
		c.sessionID = sessionID
		c.messages = nil
		c.generation++
	}

	c.messages = append(c.messages, chattypes.Message{Role: chattypes.RoleUser, Content: input})
	history := append([]chattypes.Message(nil), c.messages...)
	c.messages = append(c.messages, chattypes.Message{Role: chattypes.RoleAssistant})

	return turn{generation: c.generation, index: len(c.messages) - 1}, history
}

// appendDelta appends to the placeholder of t. It reports false when t is stale.
func (c *Conversation) appendDelta(t turn, delta string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ownsLocked(t) {
		return false
	}
	c.messages[t.index].Content += delta
	return true
}

// content returns the placeholder content of t.
func (c *Conversation) content(t turn) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ownsLocked(t) {
		return ""
	}
	return c.messages[t.index].Content
}

// fail marks the placeholder of t as failed: an empty placeholder is replaced with
// replacement, otherwise suffix is appended to the partial content.
func (c *Conversation) fail(t turn, replacement, suffix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ownsLocked(t) {
		return
	}
	if c.messages[t.index].Content == "" {
		c.messages[t.index].Content = replacement
		return
	}
	c.messages[t.index].Content += suffix
}

func (c *Conversation) ownsLocked(t turn) bool {
	return t.generation == c.generation &&
		t.index < len(c.messages) &&
		c.messages[t.index].Role == chattypes.RoleAssistant
}
