package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"

	"chatclient/internal/logger"
	"chatclient/pkg/chattypes"
)

// ActiveSessionSource exposes the active session.
type ActiveSessionSource interface {
	Active() (chattypes.ChatSession, bool)
}

// HistoryService loads and clears the stored history of the active session.
type HistoryService struct {
	router       *RequestRouter
	sessions     ActiveSessionSource
	conversation *Conversation
	log          *log.Logger
}

// NewHistoryService creates a HistoryService writing into conversation.
func NewHistoryService(router *RequestRouter, sessions ActiveSessionSource, conversation *Conversation) *HistoryService {
	return &HistoryService{
		router:       router,
		sessions:     sessions,
		conversation: conversation,
		log:          logger.NewStyledLogger("History"),
	}
}

type historyResponse struct {
	Messages []chattypes.Message `json:"messages"`
}

// FetchHistory loads the active session's messages into the conversation.
// A session with no stored history yields an empty list.
func (h *HistoryService) FetchHistory(ctx context.Context) ([]chattypes.Message, error) {
	active, ok := h.sessions.Active()
	if !ok {
		return nil, ErrNoActiveSession
	}

	var resp historyResponse
	err := h.router.DoJSON(ctx, Call{
		Method:     http.MethodGet,
		Path:       "/chat/history",
		Credential: chattypes.CredentialActiveSession,
	}, &resp)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}

	messages := make([]chattypes.Message, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		if !msg.Role.Valid() {
			h.log.Warn("Skipping history message with unknown role", "session", active.ID, "role", msg.Role)
			continue
		}
		messages = append(messages, msg)
	}

	if !h.conversation.Replace(active.ID, messages) {
		h.log.Debug("Active session changed during history fetch", "session", active.ID)
	}
	return messages, nil
}

// ClearHistory deletes the active session's stored history and empties the conversation.
func (h *HistoryService) ClearHistory(ctx context.Context) error {
	active, ok := h.sessions.Active()
	if !ok {
		return ErrNoActiveSession
	}

	err := h.router.DoJSON(ctx, Call{
		Method:     http.MethodDelete,
		Path:       "/chat/history",
		Credential: chattypes.CredentialActiveSession,
	}, nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to clear history: %w", err)
	}

	h.conversation.Replace(active.ID, nil)
	return nil
}
