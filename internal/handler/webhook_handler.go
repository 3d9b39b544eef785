// internal/handler/webhook_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/unclebandit/waleopard-engine/internal/webhook"
)

type Ingester interface {
	Ingest(ctx context.Context, raw []byte) (webhook.IngestResult, error)
}

// WebhookHandler receives provider delivery callbacks.
type WebhookHandler struct {
	Ingestor    Ingester
	AppSecret   string
	VerifyToken string
	Logger      zerolog.Logger
}

// Verify answers the subscription handshake by echoing hub.challenge.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.VerifyToken == "" || q.Get("hub.verify_token") != h.VerifyToken {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// Receive verifies the signature, stores every event and acknowledges with
// 200. Malformed events are stored and acknowledged; only a storage failure
// answers 500 so the provider redelivers.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	log := h.Logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()

	body, err := readBody(r, maxBodyBytes)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, err.Error(), status)
		return
	}

	if err := webhook.Verify(h.AppSecret, r.Header.Get(webhook.SignatureHeader), body); err != nil {
		log.Warn().Err(err).Msg("webhook: signature rejected")
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	res, err := h.Ingestor.Ingest(r.Context(), body)
	if err != nil {
		log.Error().Err(err).Msg("webhook: ingest failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	log.Info().Int("events", len(res.Stored)).Int("inbound", res.Inbound).Int("applied", res.Applied).
		Int("stale", res.Stale).Int("deferred", res.Deferred).Int("errors", len(res.Errors)).
		Msg("webhook: callback ingested")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(res)
}
