package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/unclebandit/waleopard-engine/internal/controller"
)

type Routes struct {
	Campaigns     *controller.CampaignController
	Conversations *controller.ConversationController
	Reconcile     *controller.ReconcileController
	Webhook       *WebhookHandler
	DB            DBPinger
	Logger        zerolog.Logger
}

func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(rt.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", Healthz)
	if rt.DB != nil {
		r.Get("/readyz", Readyz(rt.DB))
	}

	if rt.Webhook != nil {
		r.Get("/webhooks/whatsapp", rt.Webhook.Verify)
		r.Post("/webhooks/whatsapp", rt.Webhook.Receive)
	}

	if c := rt.Campaigns; c != nil {
		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", c.CreateCampaign)
			r.Get("/", c.ListCampaigns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", c.GetCampaignDetails)
				r.Post("/recipients", c.AddRecipients)
				r.Post("/personalized-preview", c.PersonalizedPreview)
				r.Post("/run", c.RunCampaign)
				r.Post("/pause", c.PauseCampaign)
				r.Post("/resume", c.ResumeCampaign)
			})
		})
	}

	if c := rt.Conversations; c != nil {
		r.Get("/conversations/{id}/window", c.GetWindow)
		r.Post("/conversations/{id}/messages", c.SendMessage)
	}

	if c := rt.Reconcile; c != nil {
		r.Post("/tenants/{tenantID}/reconcile", c.Backfill)
		r.Post("/messages/{externalID}/rebuild", c.Rebuild)
	}

	return r
}
