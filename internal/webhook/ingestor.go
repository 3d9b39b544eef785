package webhook

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/waleopard-engine/internal/errors"
	"github.com/unclebandit/waleopard-engine/internal/model"
	"github.com/unclebandit/waleopard-engine/internal/queue"
)

type EventAppender interface {
	Append(ctx context.Context, ev *model.DeliveryEvent) error
}

type ConversationAppender interface {
	Append(ctx context.Context, m *model.ConversationMessage) error
}

// ChannelResolver maps a callback's phone_number_id to the channel outbound
// sends and the session gate key conversations by.
type ChannelResolver interface {
	ChannelForPhoneNumber(ctx context.Context, phoneNumberID string) (string, error)
}

type EventApplier interface {
	ApplyEvent(ctx context.Context, ev model.DeliveryEvent) (bool, error)
}

// IngestResult summarizes one callback.
type IngestResult struct {
	Stored   []model.DeliveryEvent `json:"-"`
	Inbound  int                   `json:"inbound"`
	Applied  int                   `json:"applied"`
	Stale    int                   `json:"stale"`
	Deferred int                   `json:"deferred"`
	Errors   []string              `json:"errors,omitempty"`
}

type Ingestor struct {
	Normalizer    *Normalizer
	Events        EventAppender
	Conversations ConversationAppender
	Channels      ChannelResolver
	Reconciler    EventApplier
	Queue         queue.Queue
	Logger        zerolog.Logger
}

func NewIngestor(n *Normalizer, events EventAppender, conversations ConversationAppender, channels ChannelResolver,
	reconciler EventApplier, q queue.Queue, logger zerolog.Logger) *Ingestor {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Ingestor{
		Normalizer:    n,
		Events:        events,
		Conversations: conversations,
		Channels:      channels,
		Reconciler:    reconciler,
		Queue:         q,
		Logger:        logger.With().Str("component", "webhook_ingestor").Logger(),
	}
}

// Ingest stores every event of the body, duplicates and malformed entries
// included, records inbound messages, then merges the well-formed events.
// Only storage failures are returned; a failed merge is deferred to the
// reconcile queue because the event is already durable.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte) (IngestResult, error) {
	norm := i.Normalizer.Normalize(raw)
	res := IngestResult{Errors: norm.Errors}

	for _, ev := range norm.Events {
		ev := ev
		if err := i.Events.Append(ctx, &ev); err != nil {
			return res, fmt.Errorf("store delivery event: %w", err)
		}
		res.Stored = append(res.Stored, ev)
		if ev.ParseError != "" {
			res.Errors = append(res.Errors, ev.ParseError)
			i.Logger.Warn().Int64("event_id", ev.ID).Str("parse_error", ev.ParseError).
				Msg("webhook: malformed event stored")
		}
	}

	for _, in := range norm.Inbound {
		m, err := i.resolve(ctx, in)
		if err != nil {
			return res, err
		}
		if err := i.Conversations.Append(ctx, &m); err != nil {
			return res, fmt.Errorf("store inbound message: %w", err)
		}
		res.Inbound++
	}

	for _, ev := range res.Stored {
		if !ev.Mergeable() {
			continue
		}
		applied, err := i.Reconciler.ApplyEvent(ctx, ev)
		switch {
		case err != nil:
			res.Deferred++
			i.deferMerge(ev, err)
		case applied:
			res.Applied++
		default:
			res.Stale++
		}
	}
	return res, nil
}

// resolve keys an inbound message by channel. A phone number without
// credentials keeps the phone number id as channel.
func (i *Ingestor) resolve(ctx context.Context, in Inbound) (model.ConversationMessage, error) {
	m := in.Message
	if i.Channels == nil {
		return m, nil
	}
	channelID, err := i.Channels.ChannelForPhoneNumber(ctx, in.PhoneNumberID)
	switch {
	case errors.Is(err, appErrors.ErrNoCredentials):
		i.Logger.Warn().Str("phone_number_id", in.PhoneNumberID).Msg("webhook: inbound message for unknown phone number")
		return m, nil
	case err != nil:
		return m, fmt.Errorf("resolve channel of phone number %s: %w", in.PhoneNumberID, err)
	}
	m.ConversationID = model.ConversationID(channelID, in.From)
	return m, nil
}

func (i *Ingestor) deferMerge(ev model.DeliveryEvent, cause error) {
	log := i.Logger.Warn().Err(cause).Int64("event_id", ev.ID).Str("external_message_id", ev.ExternalMessageID)
	if i.Queue == nil {
		log.Msg("webhook: inline merge failed, left for backfill")
		return
	}
	if err := i.Queue.Publish(queue.TopicReconcileJobs, queue.ReconcileJob{ExternalMessageID: ev.ExternalMessageID}); err != nil {
		log.AnErr("publish_error", err).Msg("webhook: inline merge failed, left for backfill")
		return
	}
	log.Msg("webhook: inline merge failed, rebuild queued")
}
