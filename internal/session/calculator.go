// Package session derives the customer service window of a conversation
// from its message history and gates free-form sends on it.
package session

import (
	"time"

	"github.com/unclebandit/waleopard-engine/internal/model"
)

// ComputeWindow folds a conversation's messages into its window state at now.
// The input order does not matter. Without any inbound message the state is
// unknown and Active is nil.
func ComputeWindow(conversationID string, messages []model.ConversationMessage, now time.Time) model.ConversationWindow {
	w := model.ConversationWindow{ConversationID: conversationID, State: model.WindowUnknown}

	var lastIn, lastOut time.Time
	for _, m := range messages {
		switch m.Direction {
		case model.DirectionInbound:
			if m.SentAt.After(lastIn) {
				lastIn = m.SentAt
			}
		case model.DirectionOutbound:
			if m.SentAt.After(lastOut) {
				lastOut = m.SentAt
			}
		}
	}

	if !lastOut.IsZero() {
		w.LastOutboundAt = &lastOut
	}
	if lastIn.IsZero() {
		return w
	}

	expires := lastIn.Add(model.SessionWindowLength)
	active := now.Before(expires)
	w.LastInboundAt = &lastIn
	w.ExpiresAt = &expires
	w.Active = &active
	if active {
		w.State = model.WindowActive
		w.RemainingMinutes = int(expires.Sub(now) / time.Minute)
	} else {
		w.State = model.WindowExpired
	}
	return w
}
