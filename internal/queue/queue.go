package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job topics.
const (
	TopicCampaignBatches = "campaign_batches"
	TopicReconcileJobs   = "reconcile_jobs"
)

// Handler processes one job body. A non-nil error asks for a redelivery
// until the queue's retry budget is spent.
type Handler func(ctx context.Context, body []byte) error

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(ctx context.Context, topic string, handler Handler) error
}

// BatchJob asks a worker to run one dispatch batch of a campaign.
type BatchJob struct {
	CampaignID int `json:"campaign_id"`
}

// ReconcileJob rebuilds one message, or backfills a tenant when
// ExternalMessageID is empty.
type ReconcileJob struct {
	TenantID          string `json:"tenant_id,omitempty"`
	ExternalMessageID string `json:"external_message_id,omitempty"`
	Full              bool   `json:"full,omitempty"`
}

type subscriber struct {
	ctx     context.Context
	handler Handler
}

// InMemoryQueue delivers jobs to in-process subscribers with retry.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]subscriber
	maxRetries int
	backoff    time.Duration
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(maxRetries int, logger zerolog.Logger) *InMemoryQueue {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &InMemoryQueue{
		handlers:   make(map[string][]subscriber),
		maxRetries: maxRetries,
		backoff:    500 * time.Millisecond,
		logger:     logger.With().Str("component", "memory_queue").Logger(),
	}
}

// job wraps a message body with retry info
type job struct {
	topic      string
	body       []byte
	retryCount int
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s job: %w", topic, err)
	}

	q.mu.Lock()
	subs := append([]subscriber(nil), q.handlers[topic]...)
	q.mu.Unlock()

	if len(subs) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, sub := range subs {
		q.wg.Add(1)
		go q.processJob(sub, job{topic: topic, body: body})
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(sub subscriber, j job) {
	defer q.wg.Done()

	for {
		if sub.ctx.Err() != nil {
			return
		}
		err := sub.handler(sub.ctx, j.body)
		if err == nil {
			return
		}

		j.retryCount++
		if j.retryCount > q.maxRetries {
			q.logger.Error().Err(err).Str("topic", j.topic).Int("attempts", j.retryCount).
				Msg("queue: job permanently failed")
			return
		}
		q.logger.Warn().Err(err).Str("topic", j.topic).Int("attempt", j.retryCount).
			Msg("queue: job failed, retrying")

		// linear backoff before retry
		timer := time.NewTimer(time.Duration(j.retryCount) * q.backoff)
		select {
		case <-sub.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Subscribe adds a handler for a topic. It stops receiving jobs once ctx is done.
func (q *InMemoryQueue) Subscribe(ctx context.Context, topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], subscriber{ctx: ctx, handler: handler})
	return nil
}

// Wait blocks until every published job has finished.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

var _ Queue = (*InMemoryQueue)(nil)
