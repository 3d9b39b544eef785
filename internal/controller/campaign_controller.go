// internal/controller/campaign_controller.go
package controller

import (
	"net/http"
	"strconv"

	"github.com/unclebandit/waleopard-engine/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid body")
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	tenantID := r.URL.Query().Get("tenant_id")
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, tenantID, status)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination, // page, page_size, total_count, total_pages
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}

	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, details)
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}
	var body struct {
		ContactID int `json:"contact_id"`
	}
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid body")
		return
	}

	payload, err := c.CampaignService.RenderPreview(r.Context(), id, body.ContactID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"campaign_id": id,
		"contact_id":  body.ContactID,
		"payload":     payload,
	})
}

func (c *CampaignController) AddRecipients(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}
	var body service.AddRecipientsInput
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid body")
		return
	}

	result, err := c.CampaignService.AddRecipients(r.Context(), id, body)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (c *CampaignController) RunCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}
	inline, _ := strconv.ParseBool(r.URL.Query().Get("inline"))

	result, err := c.CampaignService.RunCampaign(r.Context(), id, inline)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}
	campaign, err := c.CampaignService.PauseCampaign(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}
	campaign, err := c.CampaignService.ResumeCampaign(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}
