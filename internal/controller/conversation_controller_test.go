package controller_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/waleopard-engine/internal/controller"
	appErrors "github.com/unclebandit/waleopard-engine/internal/errors"
	"github.com/unclebandit/waleopard-engine/internal/model"
	"github.com/unclebandit/waleopard-engine/internal/queue"
	"github.com/unclebandit/waleopard-engine/internal/service"
	"github.com/unclebandit/waleopard-engine/internal/session"
)

type staticGate struct {
	state string
}

func (g staticGate) Window(_ context.Context, id string) (model.ConversationWindow, error) {
	return model.ConversationWindow{ConversationID: id, State: g.state}, nil
}

func (g staticGate) AuthorizeFreeform(ctx context.Context, id string) (session.Authorization, error) {
	w, _ := g.Window(ctx, id)
	switch g.state {
	case model.WindowActive:
		return session.Authorization{Allowed: true, Window: w}, nil
	case model.WindowExpired:
		return session.Authorization{Reason: appErrors.ReasonWindowExpired, Window: w}, nil
	}
	return session.Authorization{Reason: appErrors.ReasonWindowUnknown, Window: w}, nil
}

type instantSender struct{ sent []int }

func (s *instantSender) SendNow(_ context.Context, taskID int) (service.SendResult, error) {
	s.sent = append(s.sent, taskID)
	return service.SendResult{Task: &model.SendTask{ID: taskID, State: model.TaskSent, ProviderMessageID: "wamid.x"}}, nil
}

func conversationRouter(state string, sender *instantSender) http.Handler {
	ctrl := &controller.ConversationController{ConversationService: &service.ConversationService{
		Gate:     staticGate{state: state},
		TaskRepo: &MockTaskRepo{},
		Sender:   sender,
		Logger:   zerolog.Nop(),
	}}
	r := chi.NewRouter()
	r.Get("/conversations/{id}/window", ctrl.GetWindow)
	r.Post("/conversations/{id}/messages", ctrl.SendMessage)
	return r
}

func TestConversationWindowHandler(t *testing.T) {
	h := conversationRouter(model.WindowActive, &instantSender{})
	w := do(t, h, http.MethodGet, "/conversations/105550001:254700000001/window", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var win model.ConversationWindow
	if err := json.NewDecoder(w.Body).Decode(&win); err != nil {
		t.Fatal(err)
	}
	if win.ConversationID != "105550001:254700000001" || win.State != model.WindowActive {
		t.Fatalf("window = %+v", win)
	}

	if w := do(t, h, http.MethodGet, "/conversations/garbage/window", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", w.Code)
	}
}

func TestSendMessageHandler_ClosedWindowIs409WithReason(t *testing.T) {
	for state, reason := range map[string]string{
		model.WindowExpired: appErrors.ReasonWindowExpired,
		model.WindowUnknown: appErrors.ReasonWindowUnknown,
	} {
		sender := &instantSender{}
		h := conversationRouter(state, sender)
		w := do(t, h, http.MethodPost, "/conversations/105550001:254700000001/messages", map[string]any{
			"tenant_id": "acme",
			"payload":   map[string]string{"kind": "text", "body": "hello"},
		})
		if w.Code != http.StatusConflict {
			t.Fatalf("%s: expected 409, got %d", state, w.Code)
		}
		var res map[string]string
		json.NewDecoder(w.Body).Decode(&res)
		if res["reason"] != reason {
			t.Errorf("%s: reason = %q, want %q", state, res["reason"], reason)
		}
		if len(sender.sent) != 0 {
			t.Errorf("%s: message was sent", state)
		}
	}
}

func TestSendMessageHandler_TemplateAllowed(t *testing.T) {
	sender := &instantSender{}
	h := conversationRouter(model.WindowExpired, sender)
	w := do(t, h, http.MethodPost, "/conversations/105550001:254700000001/messages", map[string]any{
		"tenant_id": "acme",
		"payload":   map[string]string{"kind": "template", "template_name": "reengage", "template_language": "en"},
	})
	if w.Code != http.StatusOK || len(sender.sent) != 1 {
		t.Fatalf("expected 200 and one send, got %d / %v", w.Code, sender.sent)
	}
}

type stubRebuilder struct {
	status *model.MessageStatus
	err    error
}

func (s stubRebuilder) Rebuild(context.Context, string) (*model.MessageStatus, error) {
	return s.status, s.err
}

type capturingQueue struct{ jobs []any }

func (q *capturingQueue) Publish(_ string, payload any) error {
	q.jobs = append(q.jobs, payload)
	return nil
}

func (q *capturingQueue) Subscribe(context.Context, string, queue.Handler) error { return nil }

func reconcileRouter(rb stubRebuilder, q *capturingQueue) http.Handler {
	ctrl := &controller.ReconcileController{Reconciler: rb, Queue: q}
	r := chi.NewRouter()
	r.Post("/tenants/{tenantID}/reconcile", ctrl.Backfill)
	r.Post("/messages/{externalID}/rebuild", ctrl.Rebuild)
	return r
}

func TestReconcileHandlers(t *testing.T) {
	q := &capturingQueue{}
	h := reconcileRouter(stubRebuilder{status: &model.MessageStatus{ExternalMessageID: "wamid.1", Status: model.StatusRead}}, q)

	if w := do(t, h, http.MethodPost, "/tenants/acme/reconcile?full=true", nil); w.Code != http.StatusAccepted {
		t.Fatalf("backfill: expected 202, got %d", w.Code)
	}
	if len(q.jobs) != 1 || q.jobs[0] != (queue.ReconcileJob{TenantID: "acme", Full: true}) {
		t.Fatalf("jobs = %+v", q.jobs)
	}

	w := do(t, h, http.MethodPost, "/messages/wamid.1/rebuild", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rebuild: expected 200, got %d", w.Code)
	}
	var st model.MessageStatus
	json.NewDecoder(w.Body).Decode(&st)
	if st.Status != model.StatusRead {
		t.Fatalf("status = %+v", st)
	}

	if w := do(t, reconcileRouter(stubRebuilder{}, q), http.MethodPost, "/messages/wamid.9/rebuild", nil); w.Code != http.StatusNotFound {
		t.Fatalf("no events: expected 404, got %d", w.Code)
	}
	if w := do(t, reconcileRouter(stubRebuilder{err: errors.New("db down")}, q), http.MethodPost, "/messages/wamid.9/rebuild", nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("store failure: expected 500, got %d", w.Code)
	}
}
