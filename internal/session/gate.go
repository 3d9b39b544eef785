package session

import (
	"context"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/waleopard-engine/internal/errors"
	"github.com/unclebandit/waleopard-engine/internal/model"
)

// MessageHistory loads every recorded message of a conversation.
type MessageHistory interface {
	MessagesForConversation(ctx context.Context, conversationID string) ([]model.ConversationMessage, error)
}

// Authorization is the gate's answer for one free-form send.
type Authorization struct {
	Allowed bool                     `json:"allowed"`
	Reason  string                   `json:"reason,omitempty"`
	Window  model.ConversationWindow `json:"window"`
}

// Err returns the session-closed error for a denied authorization.
func (a Authorization) Err() error {
	if a.Allowed {
		return nil
	}
	return appErrors.NewSessionClosed(a.Window.ConversationID, a.Reason)
}

// Gate recomputes the window on every call; nothing is cached or written.
type Gate struct {
	History MessageHistory
	Now     func() time.Time
}

func NewGate(history MessageHistory) *Gate {
	return &Gate{History: history, Now: time.Now}
}

func (g *Gate) Window(ctx context.Context, conversationID string) (model.ConversationWindow, error) {
	msgs, err := g.History.MessagesForConversation(ctx, conversationID)
	if err != nil {
		return model.ConversationWindow{}, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return ComputeWindow(conversationID, msgs, now()), nil
}

// AuthorizeFreeform allows a free-form send only inside an active window.
// Template sends never go through the gate.
func (g *Gate) AuthorizeFreeform(ctx context.Context, conversationID string) (Authorization, error) {
	w, err := g.Window(ctx, conversationID)
	if err != nil {
		return Authorization{}, err
	}
	switch w.State {
	case model.WindowActive:
		return Authorization{Allowed: true, Window: w}, nil
	case model.WindowExpired:
		return Authorization{Reason: appErrors.ReasonWindowExpired, Window: w}, nil
	default:
		return Authorization{Reason: appErrors.ReasonWindowUnknown, Window: w}, nil
	}
}
