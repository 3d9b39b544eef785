package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/waleopard-engine/internal/service"
)

type ConversationController struct {
	ConversationService *service.ConversationService
}

func (c *ConversationController) GetWindow(w http.ResponseWriter, r *http.Request) {
	window, err := c.ConversationService.Window(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, window)
}

// SendMessage answers 409 with the window reason when a free-form message
// is outside the session window.
func (c *ConversationController) SendMessage(w http.ResponseWriter, r *http.Request) {
	var body service.SendMessageInput
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid body")
		return
	}

	result, err := c.ConversationService.SendMessage(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.Send != nil && result.Send.RateLimited {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}
