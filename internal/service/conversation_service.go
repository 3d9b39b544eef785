package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/unclebandit/waleopard-engine/internal/model"
	"github.com/unclebandit/waleopard-engine/internal/repository"
	"github.com/unclebandit/waleopard-engine/internal/session"
)

type WindowGate interface {
	SendGate
	Window(ctx context.Context, conversationID string) (model.ConversationWindow, error)
}

// ImmediateSender sends a single queued task right away.
type ImmediateSender interface {
	SendNow(ctx context.Context, taskID int) (SendResult, error)
}

type ConversationService struct {
	Gate     WindowGate
	TaskRepo repository.SendTaskRepositoryInterface
	Sender   ImmediateSender
	Logger   zerolog.Logger
}

type SendMessageInput struct {
	TenantID string        `json:"tenant_id"`
	Payload  model.Payload `json:"payload"`
}

// SendMessageResult carries the gate decision alongside the send outcome.
// A denied free-form message has Authorization set and no Send.
type SendMessageResult struct {
	Authorization *session.Authorization `json:"authorization,omitempty"`
	Send          *SendResult            `json:"send,omitempty"`
}

func (s *ConversationService) Window(ctx context.Context, conversationID string) (model.ConversationWindow, error) {
	if _, _, err := SplitConversationID(conversationID); err != nil {
		return model.ConversationWindow{}, err
	}
	return s.Gate.Window(ctx, conversationID)
}

// SendMessage sends an ad-hoc message in a conversation. Free-form bodies
// are checked against the session window before anything is stored; the
// dispatcher checks again at send time.
func (s *ConversationService) SendMessage(ctx context.Context, conversationID string, in SendMessageInput) (*SendMessageResult, error) {
	channelID, address, err := SplitConversationID(conversationID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.TenantID) == "" {
		return nil, validation("tenant_id is required")
	}
	if err := validatePayload(in.Payload); err != nil {
		return nil, err
	}

	if in.Payload.IsFreeform() {
		auth, err := s.Gate.AuthorizeFreeform(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if !auth.Allowed {
			s.Logger.Info().Str("conversation_id", conversationID).Str("reason", auth.Reason).
				Msg("free-form message rejected: session window closed")
			return &SendMessageResult{Authorization: &auth}, auth.Err()
		}
	}

	t := &model.SendTask{
		TenantID:  strings.TrimSpace(in.TenantID),
		ChannelID: channelID,
		Recipient: address,
		Payload:   in.Payload,
	}
	if _, err := s.TaskRepo.Enqueue(ctx, t); err != nil {
		return nil, fmt.Errorf("enqueue message for %s: %w", conversationID, err)
	}

	res, err := s.Sender.SendNow(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return &SendMessageResult{Send: &res}, nil
}

// SplitConversationID parses "channel:address".
func SplitConversationID(id string) (channelID, address string, err error) {
	channelID, address, ok := strings.Cut(id, ":")
	channelID, address = strings.TrimSpace(channelID), strings.TrimSpace(address)
	if !ok || channelID == "" || address == "" {
		return "", "", validation("conversation id %q must be channel:address", id)
	}
	return channelID, address, nil
}

func validatePayload(p model.Payload) error {
	switch p.Kind {
	case model.PayloadTemplate:
		if strings.TrimSpace(p.TemplateName) == "" {
			return validation("template payload requires template_name")
		}
	case model.PayloadText:
		if strings.TrimSpace(p.Body) == "" {
			return validation("text payload requires body")
		}
	default:
		return validation("payload kind must be %q or %q", model.PayloadTemplate, model.PayloadText)
	}
	return nil
}
