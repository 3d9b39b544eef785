package reconcile

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/unclebandit/waleopard-engine/internal/model"
	"github.com/unclebandit/waleopard-engine/internal/repository"
)

type EventStore interface {
	ListForMessage(ctx context.Context, externalID string) ([]model.DeliveryEvent, error)
	MessagesForTenant(ctx context.Context, tenantID string, staleOnly bool) ([]string, error)
}

type StatusStore interface {
	Update(ctx context.Context, externalID string, fn repository.StatusMutation) (*model.MessageStatus, error)
}

type Reconciler struct {
	Events   EventStore
	Statuses StatusStore
	// Concurrency bounds parallel rebuilds during Backfill.
	Concurrency int
	Logger      zerolog.Logger
}

func New(events EventStore, statuses StatusStore, concurrency int, logger zerolog.Logger) *Reconciler {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if concurrency < 1 {
		concurrency = 4
	}
	return &Reconciler{
		Events:      events,
		Statuses:    statuses,
		Concurrency: concurrency,
		Logger:      logger.With().Str("component", "reconciler").Logger(),
	}
}

// ApplyEvent merges one stored event into the cached status of its message.
func (r *Reconciler) ApplyEvent(ctx context.Context, ev model.DeliveryEvent) (bool, error) {
	if !ev.Mergeable() {
		return false, nil
	}
	applied := false
	_, err := r.Statuses.Update(ctx, ev.ExternalMessageID, func(cur *model.MessageStatus) (*model.MessageStatus, error) {
		next, ok := Apply(cur, ev)
		applied = ok
		if !ok {
			return cur, nil
		}
		return &next, nil
	})
	if err != nil {
		return false, fmt.Errorf("merge event %d for %s: %w", ev.ID, ev.ExternalMessageID, err)
	}
	if !applied {
		r.Logger.Debug().
			Str("external_message_id", ev.ExternalMessageID).
			Int64("event_id", ev.ID).
			Str("status", ev.Status).
			Msg("reconciler: stale event ignored")
	}
	return applied, nil
}

// Rebuild discards the cached status and replays every stored event of the
// message in (event_at, ingestion id) order.
func (r *Reconciler) Rebuild(ctx context.Context, externalID string) (*model.MessageStatus, error) {
	// events are read while the message lock is held so a concurrent
	// incremental merge cannot be overwritten by an older replay
	status, err := r.Statuses.Update(ctx, externalID, func(*model.MessageStatus) (*model.MessageStatus, error) {
		events, err := r.Events.ListForMessage(ctx, externalID)
		if err != nil {
			return nil, fmt.Errorf("load events: %w", err)
		}
		sortEvents(events)
		return Fold(events), nil
	})
	if err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", externalID, err)
	}
	return status, nil
}

// Backfill rebuilds a tenant's messages. Without full, only messages with
// events newer than their cached status are touched. It returns how many
// messages were rebuilt; individual failures are logged and skipped.
func (r *Reconciler) Backfill(ctx context.Context, tenantID string, full bool) (int, error) {
	ids, err := r.Events.MessagesForTenant(ctx, tenantID, !full)
	if err != nil {
		return 0, fmt.Errorf("list messages for tenant %s: %w", tenantID, err)
	}

	sem := semaphore.NewWeighted(int64(r.Concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	rebuilt := 0

	for _, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)
			if _, err := r.Rebuild(ctx, id); err != nil {
				r.Logger.Error().Err(err).Str("tenant_id", tenantID).Str("external_message_id", id).
					Msg("reconciler: rebuild failed")
				return
			}
			mu.Lock()
			rebuilt++
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	r.Logger.Info().Str("tenant_id", tenantID).Bool("full", full).Int("candidates", len(ids)).
		Int("rebuilt", rebuilt).Msg("reconciler: backfill finished")
	return rebuilt, ctx.Err()
}

func sortEvents(events []model.DeliveryEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].EventAt.Equal(events[j].EventAt) {
			return events[i].EventAt.Before(events[j].EventAt)
		}
		return events[i].ID < events[j].ID
	})
}
