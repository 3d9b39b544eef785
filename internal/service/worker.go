package service

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/waleopard-engine/internal/model"
	"github.com/unclebandit/waleopard-engine/internal/queue"
)

// BatchDispatcher is the part of the Dispatcher the worker drives.
type BatchDispatcher interface {
	BatchRunner
	RunAdHoc(ctx context.Context) (BatchResult, error)
	SweepStuck(ctx context.Context) (int, error)
}

type StatusRebuilder interface {
	Rebuild(ctx context.Context, externalID string) (*model.MessageStatus, error)
	Backfill(ctx context.Context, tenantID string, full bool) (int, error)
}

type RunningCampaigns interface {
	ListRunningIDs(ctx context.Context) ([]int, error)
}

type WindowPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type WorkerConfig struct {
	SchedulerInterval time.Duration
	SweepInterval     time.Duration
}

// Worker consumes batch and reconcile jobs and runs the periodic
// stuck-task sweep and campaign scheduler.
type Worker struct {
	Queue      queue.Queue
	Dispatcher BatchDispatcher
	Reconciler StatusRebuilder
	Campaigns  RunningCampaigns
	RateLimits WindowPruner
	Config     WorkerConfig
	Logger     zerolog.Logger
}

func NewWorker(q queue.Queue, d BatchDispatcher, r StatusRebuilder, campaigns RunningCampaigns,
	rateLimits WindowPruner, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if cfg.SchedulerInterval <= 0 {
		cfg.SchedulerInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Worker{
		Queue:      q,
		Dispatcher: d,
		Reconciler: r,
		Campaigns:  campaigns,
		RateLimits: rateLimits,
		Config:     cfg,
		Logger:     logger.With().Str("component", "worker").Logger(),
	}
}

// Start subscribes to both job topics and blocks running the periodic
// loops until ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Queue.Subscribe(ctx, queue.TopicCampaignBatches, w.HandleBatchJob); err != nil {
		return fmt.Errorf("subscribe %s: %w", queue.TopicCampaignBatches, err)
	}
	if err := w.Queue.Subscribe(ctx, queue.TopicReconcileJobs, w.HandleReconcileJob); err != nil {
		return fmt.Errorf("subscribe %s: %w", queue.TopicReconcileJobs, err)
	}

	w.sweep(ctx)

	scheduler := time.NewTicker(w.Config.SchedulerInterval)
	defer scheduler.Stop()
	sweeper := time.NewTicker(w.Config.SweepInterval)
	defer sweeper.Stop()

	w.Logger.Info().Dur("scheduler_interval", w.Config.SchedulerInterval).Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			w.Logger.Info().Msg("worker stopped")
			return nil
		case <-sweeper.C:
			w.sweep(ctx)
		case <-scheduler.C:
			w.ScheduleRunning(ctx)
			w.RunAdHoc(ctx)
		}
	}
}

// HandleBatchJob runs one batch and chains the next one while the campaign
// still has due work. Rate-limited batches resume after the window resets.
func (w *Worker) HandleBatchJob(ctx context.Context, body []byte) error {
	var job queue.BatchJob
	if err := json.Unmarshal(body, &job); err != nil {
		w.Logger.Error().Err(err).Bytes("body", body).Msg("worker: dropping undecodable batch job")
		return nil
	}

	res, err := w.Dispatcher.RunBatch(ctx, job.CampaignID)
	if err != nil {
		return fmt.Errorf("batch for campaign %d: %w", job.CampaignID, err)
	}

	switch {
	case res.RateLimited:
		delay := res.RetryAfter
		if delay <= 0 {
			delay = time.Second
		}
		time.AfterFunc(delay, func() {
			if ctx.Err() != nil {
				return
			}
			if err := w.Queue.Publish(queue.TopicCampaignBatches, job); err != nil {
				w.Logger.Error().Err(err).Int("campaign_id", job.CampaignID).Msg("worker: requeue rate-limited batch")
			}
		})
	case res.Processed > 0 && res.QueuedRemaining > 0 && res.Status == model.CampaignRunning:
		if err := w.Queue.Publish(queue.TopicCampaignBatches, job); err != nil {
			return fmt.Errorf("chain batch for campaign %d: %w", job.CampaignID, err)
		}
	}
	return nil
}

func (w *Worker) HandleReconcileJob(ctx context.Context, body []byte) error {
	var job queue.ReconcileJob
	if err := json.Unmarshal(body, &job); err != nil {
		w.Logger.Error().Err(err).Bytes("body", body).Msg("worker: dropping undecodable reconcile job")
		return nil
	}

	if job.ExternalMessageID != "" {
		st, err := w.Reconciler.Rebuild(ctx, job.ExternalMessageID)
		if err != nil {
			return fmt.Errorf("rebuild %s: %w", job.ExternalMessageID, err)
		}
		ev := w.Logger.Info().Str("external_message_id", job.ExternalMessageID)
		if st != nil {
			ev = ev.Str("status", st.Status)
		}
		ev.Msg("worker: message status rebuilt")
		return nil
	}

	n, err := w.Reconciler.Backfill(ctx, job.TenantID, job.Full)
	if err != nil {
		return fmt.Errorf("backfill tenant %q: %w", job.TenantID, err)
	}
	w.Logger.Info().Str("tenant_id", job.TenantID).Bool("full", job.Full).Int("messages", n).Msg("worker: backfill finished")
	return nil
}

// ScheduleRunning publishes a batch for every running campaign. It picks up
// retries whose backoff has elapsed and batches lost with a crashed worker.
func (w *Worker) ScheduleRunning(ctx context.Context) {
	ids, err := w.Campaigns.ListRunningIDs(ctx)
	if err != nil {
		w.Logger.Error().Err(err).Msg("worker: list running campaigns")
		return
	}
	for _, id := range ids {
		if err := w.Queue.Publish(queue.TopicCampaignBatches, queue.BatchJob{CampaignID: id}); err != nil {
			w.Logger.Error().Err(err).Int("campaign_id", id).Msg("worker: schedule batch")
		}
	}
}

// RunAdHoc sends the due ad-hoc tasks. They have no campaign batch to ride
// on, so the scheduler drives them directly.
func (w *Worker) RunAdHoc(ctx context.Context) {
	res, err := w.Dispatcher.RunAdHoc(ctx)
	if err != nil {
		w.Logger.Error().Err(err).Msg("worker: ad-hoc tasks")
		return
	}
	if res.RateLimited {
		w.Logger.Debug().Int("released", res.Released).Dur("retry_after", res.RetryAfter).
			Msg("worker: ad-hoc tasks rate limited, next scheduler pass resumes")
	}
}

func (w *Worker) sweep(ctx context.Context) {
	if _, err := w.Dispatcher.SweepStuck(ctx); err != nil {
		w.Logger.Error().Err(err).Msg("worker: stuck task sweep")
	}
	if w.RateLimits == nil {
		return
	}
	// windows are one minute wide; anything older than a few is dead
	if n, err := w.RateLimits.Prune(ctx, time.Now().UTC().Add(-5*time.Minute)); err != nil {
		w.Logger.Error().Err(err).Msg("worker: prune rate limit windows")
	} else if n > 0 {
		w.Logger.Debug().Int64("windows", n).Msg("worker: pruned rate limit windows")
	}
}
