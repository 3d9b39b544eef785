package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/waleopard-engine/internal/model"
	"github.com/unclebandit/waleopard-engine/internal/reconcile"
	"github.com/unclebandit/waleopard-engine/internal/repository"
)

type memoryStore struct {
	updateMu sync.Mutex
	mu       sync.Mutex
	events   map[string][]model.DeliveryEvent
	statuses map[string]model.MessageStatus
	tenant   map[string][]string
	failFor  string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		events:   map[string][]model.DeliveryEvent{},
		statuses: map[string]model.MessageStatus{},
		tenant:   map[string][]string{},
	}
}

func (m *memoryStore) add(ev model.DeliveryEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ExternalMessageID] = append(m.events[ev.ExternalMessageID], ev)
}

func (m *memoryStore) ListForMessage(ctx context.Context, id string) ([]model.DeliveryEvent, error) {
	if id == m.failFor {
		return nil, errors.New("boom")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.DeliveryEvent{}, m.events[id]...), nil
}

func (m *memoryStore) MessagesForTenant(ctx context.Context, tenantID string, staleOnly bool) ([]string, error) {
	return m.tenant[tenantID], nil
}

// Update serializes mutations the way the advisory lock does.
func (m *memoryStore) Update(ctx context.Context, id string, fn repository.StatusMutation) (*model.MessageStatus, error) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.mu.Lock()
	var cur *model.MessageStatus
	if s, ok := m.statuses[id]; ok {
		cur = &s
	}
	m.mu.Unlock()

	next, err := fn(cur)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if next == nil {
		delete(m.statuses, id)
		return nil, nil
	}
	m.statuses[id] = *next
	return next, nil
}

func TestApplyEvent_IncrementalEqualsRebuild(t *testing.T) {
	events := []model.DeliveryEvent{
		event(1, model.StatusRead, 5*time.Second),
		event(2, model.StatusSent, 0),
		event(3, model.StatusDelivered, 2*time.Second),
		event(4, model.StatusDelivered, 2*time.Second),
	}

	for _, order := range permutations(events) {
		store := newMemoryStore()
		r := reconcile.New(store, store, 2, zerolog.Nop())
		ctx := context.Background()
		for _, ev := range order {
			store.add(ev)
			if _, err := r.ApplyEvent(ctx, ev); err != nil {
				t.Fatal(err)
			}
		}
		incremental := store.statuses["wamid.1"]

		rebuilt, err := r.Rebuild(ctx, "wamid.1")
		if err != nil {
			t.Fatal(err)
		}
		if rebuilt == nil || !rebuilt.Equal(incremental) {
			t.Fatalf("order %v: rebuild %+v != incremental %+v", ids(order), rebuilt, incremental)
		}
		if incremental.Status != model.StatusRead {
			t.Fatalf("order %v: expected read, got %s", ids(order), incremental.Status)
		}
	}
}

func TestApplyEvent_StaleIsNotAnError(t *testing.T) {
	store := newMemoryStore()
	r := reconcile.New(store, store, 1, zerolog.Nop())
	ctx := context.Background()

	if applied, err := r.ApplyEvent(ctx, event(1, model.StatusDelivered, time.Minute)); err != nil || !applied {
		t.Fatalf("first event: applied=%v err=%v", applied, err)
	}
	applied, err := r.ApplyEvent(ctx, event(2, model.StatusSent, 0))
	if err != nil {
		t.Fatalf("stale event returned error: %v", err)
	}
	if applied {
		t.Fatal("expected stale event not applied")
	}
	if store.statuses["wamid.1"].Status != model.StatusDelivered {
		t.Fatalf("stale event changed status: %+v", store.statuses["wamid.1"])
	}
}

func TestApplyEvent_SkipsParseErrors(t *testing.T) {
	store := newMemoryStore()
	r := reconcile.New(store, store, 1, zerolog.Nop())
	bad := model.DeliveryEvent{ID: 9, ParseError: "malformed body"}
	if applied, err := r.ApplyEvent(context.Background(), bad); applied || err != nil {
		t.Fatalf("expected skip, applied=%v err=%v", applied, err)
	}
	if len(store.statuses) != 0 {
		t.Fatal("parse-error event touched the status cache")
	}
}

func TestRebuild_NoEventsClearsCache(t *testing.T) {
	store := newMemoryStore()
	store.statuses["wamid.1"] = model.MessageStatus{ExternalMessageID: "wamid.1", Status: model.StatusRead, EventAt: base}
	r := reconcile.New(store, store, 1, zerolog.Nop())

	got, err := r.Rebuild(context.Background(), "wamid.1")
	if err != nil || got != nil {
		t.Fatalf("expected cleared status, got %+v %v", got, err)
	}
	if _, ok := store.statuses["wamid.1"]; ok {
		t.Fatal("expected cached row removed")
	}
}

func TestBackfill_RebuildsTenantMessages(t *testing.T) {
	store := newMemoryStore()
	for i, id := range []string{"wamid.a", "wamid.b", "wamid.c", "wamid.bad"} {
		store.add(model.DeliveryEvent{ID: int64(i + 1), ExternalMessageID: id, Status: model.StatusDelivered, EventAt: base})
	}
	store.tenant["acme"] = []string{"wamid.a", "wamid.b", "wamid.c", "wamid.bad"}
	store.failFor = "wamid.bad"
	r := reconcile.New(store, store, 2, zerolog.Nop())

	n, err := r.Backfill(context.Background(), "acme", true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rebuilt, got %d", n)
	}
	for _, id := range []string{"wamid.a", "wamid.b", "wamid.c"} {
		if store.statuses[id].Status != model.StatusDelivered {
			t.Errorf("%s not rebuilt", id)
		}
	}
}
