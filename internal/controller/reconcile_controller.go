package controller

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/waleopard-engine/internal/model"
	"github.com/unclebandit/waleopard-engine/internal/queue"
)

type MessageRebuilder interface {
	Rebuild(ctx context.Context, externalID string) (*model.MessageStatus, error)
}

type ReconcileController struct {
	Reconciler MessageRebuilder
	Queue      queue.Queue
}

// Backfill queues a reconcile of every message of a tenant. With full=true
// all messages are rebuilt, otherwise only those whose status lags behind
// their newest event.
func (c *ReconcileController) Backfill(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		badRequest(w, "tenant id required")
		return
	}
	full, _ := strconv.ParseBool(r.URL.Query().Get("full"))

	job := queue.ReconcileJob{TenantID: tenantID, Full: full}
	if err := c.Queue.Publish(queue.TopicReconcileJobs, job); err != nil {
		writeError(w, fmt.Errorf("publish reconcile job: %w", err))
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (c *ReconcileController) Rebuild(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")
	st, err := c.Reconciler.Rebuild(r.Context(), externalID)
	if err != nil {
		writeError(w, err)
		return
	}
	if st == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no delivery events recorded for " + externalID})
		return
	}
	writeJSON(w, http.StatusOK, st)
}
