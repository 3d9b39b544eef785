package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/waleopard-engine/internal/errors"
	"github.com/unclebandit/waleopard-engine/internal/model"
	"github.com/unclebandit/waleopard-engine/internal/service"
)

func newConversationService(t *testing.T) (*service.ConversationService, *dispatchFixture) {
	f := newDispatchFixture(t)
	return &service.ConversationService{
		Gate:     f.gate,
		TaskRepo: f.tasks,
		Sender:   f.d,
		Logger:   zerolog.Nop(),
	}, f
}

func TestSendMessage_FreeformRejectedOutsideWindow(t *testing.T) {
	svc, f := newConversationService(t)
	convID := testChannel + ":254700000001"
	f.gate.windows[convID] = model.ConversationWindow{ConversationID: convID, State: model.WindowExpired}

	res, err := svc.SendMessage(context.Background(), convID, service.SendMessageInput{
		TenantID: testTenant,
		Payload:  model.Payload{Kind: model.PayloadText, Body: "hi"},
	})
	var closed *appErrors.SessionClosedError
	if !errors.As(err, &closed) || closed.Reason != appErrors.ReasonWindowExpired {
		t.Fatalf("want session closed (expired), got %v", err)
	}
	if res == nil || res.Authorization == nil || res.Send != nil {
		t.Fatalf("result = %+v", res)
	}
	if f.provider.Calls() != 0 || len(f.tasks.tasks) != 0 {
		t.Fatal("rejected message must not be stored or sent")
	}
}

func TestSendMessage_UnknownWindowReason(t *testing.T) {
	svc, _ := newConversationService(t)
	_, err := svc.SendMessage(context.Background(), testChannel+":254700000042", service.SendMessageInput{
		TenantID: testTenant,
		Payload:  model.Payload{Kind: model.PayloadText, Body: "hi"},
	})
	var closed *appErrors.SessionClosedError
	if !errors.As(err, &closed) || closed.Reason != appErrors.ReasonWindowUnknown {
		t.Fatalf("want window_unknown, got %v", err)
	}
}

func TestSendMessage_TemplateBypassesWindow(t *testing.T) {
	svc, f := newConversationService(t)
	res, err := svc.SendMessage(context.Background(), testChannel+":254700000001", service.SendMessageInput{
		TenantID: testTenant,
		Payload:  model.Payload{Kind: model.PayloadTemplate, TemplateName: "reengage", TemplateLanguage: "en"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Send == nil || res.Send.Task.State != model.TaskSent || f.gate.calls != 0 {
		t.Fatalf("result = %+v, gate calls %d", res, f.gate.calls)
	}
	if f.provider.sends[0].To != "254700000001" || f.provider.sends[0].ChannelID != testChannel {
		t.Fatalf("sent %+v", f.provider.sends[0])
	}
}

func TestSendMessage_Validation(t *testing.T) {
	svc, _ := newConversationService(t)
	cases := map[string]struct {
		conv string
		in   service.SendMessageInput
	}{
		"bad conversation id": {"nocolon", service.SendMessageInput{TenantID: testTenant, Payload: model.Payload{Kind: model.PayloadText, Body: "x"}}},
		"missing tenant":      {testChannel + ":1", service.SendMessageInput{Payload: model.Payload{Kind: model.PayloadText, Body: "x"}}},
		"empty body":          {testChannel + ":1", service.SendMessageInput{TenantID: testTenant, Payload: model.Payload{Kind: model.PayloadText}}},
		"unknown kind":        {testChannel + ":1", service.SendMessageInput{TenantID: testTenant, Payload: model.Payload{Kind: "audio"}}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.SendMessage(context.Background(), tc.conv, tc.in); !errors.Is(err, service.ErrValidation) {
				t.Fatalf("want validation error, got %v", err)
			}
		})
	}
}

func TestSplitConversationID(t *testing.T) {
	ch, addr, err := service.SplitConversationID("105550001:254700000001")
	if err != nil || ch != "105550001" || addr != "254700000001" {
		t.Fatalf("got %q %q %v", ch, addr, err)
	}
	if _, _, err := service.SplitConversationID(":254700000001"); err == nil {
		t.Fatal("empty channel accepted")
	}
}
