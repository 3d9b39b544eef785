package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/unclebandit/waleopard-engine/internal/queue"
)

func TestInMemoryQueue_DeliversJSON(t *testing.T) {
	q := queue.NewInMemoryQueue(0, zerolog.Nop())
	got := make(chan queue.BatchJob, 1)
	q.Subscribe(context.Background(), queue.TopicCampaignBatches, func(ctx context.Context, body []byte) error {
		var job queue.BatchJob
		if err := json.Unmarshal(body, &job); err != nil {
			return err
		}
		got <- job
		return nil
	})

	if err := q.Publish(queue.TopicCampaignBatches, queue.BatchJob{CampaignID: 42}); err != nil {
		t.Fatal(err)
	}
	q.Wait()

	if job := <-got; job.CampaignID != 42 {
		t.Fatalf("expected campaign 42, got %+v", job)
	}
}

func TestInMemoryQueue_NoSubscribers(t *testing.T) {
	q := queue.NewInMemoryQueue(0, zerolog.Nop())
	if err := q.Publish("nobody", queue.BatchJob{}); err == nil {
		t.Fatal("expected error for topic without subscribers")
	}
}

func TestInMemoryQueue_RetriesUntilBudgetSpent(t *testing.T) {
	q := queue.NewInMemoryQueue(1, zerolog.Nop())
	var calls int32
	q.Subscribe(context.Background(), "t", func(ctx context.Context, body []byte) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("fail")
	})

	q.Publish("t", queue.ReconcileJob{TenantID: "acme"})
	q.Wait()

	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected first attempt plus one retry, got %d", n)
	}
}

func TestInMemoryQueue_StopsWhenContextDone(t *testing.T) {
	q := queue.NewInMemoryQueue(5, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	q.Subscribe(ctx, "t", func(ctx context.Context, body []byte) error {
		atomic.AddInt32(&calls, 1)
		cancel()
		return errors.New("fail")
	})

	q.Publish("t", queue.BatchJob{CampaignID: 1})
	q.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected no retries after cancel, got %d calls", n)
	}
}
