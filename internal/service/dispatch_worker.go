package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/waleopard-engine/internal/errors"
	"github.com/unclebandit/waleopard-engine/internal/model"
	"github.com/unclebandit/waleopard-engine/internal/provider"
	"github.com/unclebandit/waleopard-engine/internal/ratelimit"
	"github.com/unclebandit/waleopard-engine/internal/repository"
	"github.com/unclebandit/waleopard-engine/internal/session"
)

type RateLimiter interface {
	TryAcquire(ctx context.Context, key string) (ratelimit.Decision, error)
	Delay() time.Duration
}

type SendGate interface {
	AuthorizeFreeform(ctx context.Context, conversationID string) (session.Authorization, error)
}

type ConversationRecorder interface {
	Append(ctx context.Context, m *model.ConversationMessage) error
}

type DispatchConfig struct {
	BatchSize       int
	MaxAttempts     int
	ProviderTimeout time.Duration
	StuckTimeout    time.Duration
	Backoff         BackoffConfig
}

// BatchResult reports what one RunBatch call did.
type BatchResult struct {
	CampaignID      int           `json:"campaign_id"`
	Status          string        `json:"status"`
	Processed       int           `json:"processed"`
	Sent            int           `json:"sent"`
	Failed          int           `json:"failed"`
	Retried         int           `json:"retried"`
	Released        int           `json:"released"`
	QueuedRemaining int           `json:"queued_remaining"`
	RateLimited     bool          `json:"rate_limited"`
	RetryAfter      time.Duration `json:"retry_after,omitempty"`
}

type taskOutcome int

const (
	outcomeSent taskOutcome = iota
	outcomeRetry
	outcomeFailed
	outcomeError
)

// Dispatcher claims queued send tasks and pushes them through rate limiting,
// the session gate and the provider.
type Dispatcher struct {
	Campaigns     repository.CampaignRepositoryInterface
	Tasks         repository.SendTaskRepositoryInterface
	Conversations ConversationRecorder
	Limiter       RateLimiter
	Gate          SendGate
	Provider      provider.Provider
	Config        DispatchConfig
	Logger        zerolog.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	randMu sync.Mutex
	rnd    *rand.Rand
}

func NewDispatcher(campaigns repository.CampaignRepositoryInterface, tasks repository.SendTaskRepositoryInterface,
	conversations ConversationRecorder, limiter RateLimiter, gate SendGate, p provider.Provider,
	cfg DispatchConfig, logger zerolog.Logger) *Dispatcher {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = 5 * time.Minute
	}
	return &Dispatcher{
		Campaigns:     campaigns,
		Tasks:         tasks,
		Conversations: conversations,
		Limiter:       limiter,
		Gate:          gate,
		Provider:      p,
		Config:        cfg,
		Logger:        logger.With().Str("component", "dispatcher").Logger(),
		Now:           time.Now,
		Sleep:         sleepContext,
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

// RunBatch processes up to BatchSize due tasks of one campaign. Running it
// again with nothing queued processes nothing.
func (d *Dispatcher) RunBatch(ctx context.Context, campaignID int) (BatchResult, error) {
	res := BatchResult{CampaignID: campaignID}

	campaign, err := d.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return res, err
	}
	res.Status = campaign.Status
	if !campaign.Runnable() {
		return d.withRemaining(ctx, res)
	}

	tasks, err := d.Tasks.ClaimQueued(ctx, campaignID, d.now(), d.Config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim tasks for campaign %d: %w", campaignID, err)
	}

	if len(tasks) > 0 && campaign.Status == model.CampaignDraft {
		if _, err := d.Campaigns.TransitionStatus(ctx, campaignID, []string{model.CampaignDraft}, model.CampaignRunning); err != nil {
			d.release(tasks)
			return res, fmt.Errorf("start campaign %d: %w", campaignID, err)
		}
		campaign.Status = model.CampaignRunning
		res.Status = model.CampaignRunning
	}

	if err := d.dispatch(ctx, tasks, &res); err != nil {
		return res, err
	}

	res, err = d.withRemaining(ctx, res)
	if err != nil {
		return res, err
	}
	d.Logger.Info().Int("campaign_id", campaignID).Int("processed", res.Processed).Int("sent", res.Sent).
		Int("failed", res.Failed).Int("retried", res.Retried).Int("queued_remaining", res.QueuedRemaining).
		Msg("dispatcher: batch finished")
	return res, nil
}

// dispatch sends claimed tasks in order, pacing them with the limiter. A
// denied acquisition releases the rest of the batch and stops.
func (d *Dispatcher) dispatch(ctx context.Context, tasks []*model.SendTask, res *BatchResult) error {
	for i, t := range tasks {
		if i > 0 && d.Limiter != nil {
			if err := d.Sleep(ctx, d.Limiter.Delay()); err != nil {
				res.Released += d.release(tasks[i:])
				return err
			}
		}

		if d.Limiter != nil {
			decision, err := d.Limiter.TryAcquire(ctx, t.RateLimitKey())
			if err != nil {
				res.Released += d.release(tasks[i:])
				return fmt.Errorf("rate limiter: %w", err)
			}
			if !decision.Allowed {
				res.Released += d.release(tasks[i:])
				res.RateLimited = true
				res.RetryAfter = decision.RetryAfter
				d.Logger.Info().Int("campaign_id", res.CampaignID).Int("released", len(tasks)-i).
					Dur("retry_after", decision.RetryAfter).Msg("dispatcher: rate limit reached, batch stopped")
				return nil
			}
		}

		switch d.processTask(ctx, t) {
		case outcomeSent:
			res.Sent++
		case outcomeRetry:
			res.Retried++
		case outcomeFailed:
			res.Failed++
		}
		res.Processed++
	}
	return nil
}

// RunAdHoc processes up to BatchSize due tasks that belong to no campaign:
// ad-hoc sends waiting on backoff, released by the limiter or reclaimed
// from a crashed worker.
func (d *Dispatcher) RunAdHoc(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	tasks, err := d.Tasks.ClaimDueAdHoc(ctx, d.now(), d.Config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim ad-hoc tasks: %w", err)
	}
	if len(tasks) == 0 {
		return res, nil
	}
	if err := d.dispatch(ctx, tasks, &res); err != nil {
		return res, err
	}
	d.Logger.Info().Int("processed", res.Processed).Int("sent", res.Sent).Int("failed", res.Failed).
		Int("retried", res.Retried).Int("released", res.Released).Msg("dispatcher: ad-hoc tasks finished")
	return res, nil
}

// withRemaining fills in queue depth and completes the campaign once no
// task is open anymore.
func (d *Dispatcher) withRemaining(ctx context.Context, res BatchResult) (BatchResult, error) {
	counts, err := d.Campaigns.GetCampaignStats(ctx, res.CampaignID)
	if err != nil {
		return res, fmt.Errorf("campaign %d stats: %w", res.CampaignID, err)
	}
	res.QueuedRemaining = counts.Queued

	if res.Status != model.CampaignRunning || counts.Total() == 0 || counts.Open() > 0 {
		return res, nil
	}
	final := model.CampaignCompleted
	if counts.Sent == 0 && counts.Failed > 0 {
		final = model.CampaignFailed
	}
	ok, err := d.Campaigns.TransitionStatus(ctx, res.CampaignID, []string{model.CampaignRunning}, final)
	if err != nil {
		return res, fmt.Errorf("finish campaign %d: %w", res.CampaignID, err)
	}
	if ok {
		res.Status = final
		d.Logger.Info().Int("campaign_id", res.CampaignID).Str("status", final).Msg("dispatcher: campaign finished")
	}
	return res, nil
}

// SendResult is the outcome of an ad-hoc send.
type SendResult struct {
	Task        *model.SendTask `json:"task"`
	RateLimited bool            `json:"rate_limited"`
	RetryAfter  time.Duration   `json:"retry_after,omitempty"`
}

// SendNow claims one queued task and runs it through the same pipeline as
// a batch. A rate-limited task goes back to queued.
func (d *Dispatcher) SendNow(ctx context.Context, taskID int) (SendResult, error) {
	t, err := d.Tasks.ClaimByID(ctx, taskID, d.now())
	if err != nil {
		return SendResult{}, err
	}

	res := SendResult{}
	if d.Limiter != nil {
		decision, err := d.Limiter.TryAcquire(ctx, t.RateLimitKey())
		if err != nil {
			d.release([]*model.SendTask{t})
			return res, fmt.Errorf("rate limiter: %w", err)
		}
		if !decision.Allowed {
			d.release([]*model.SendTask{t})
			res.RateLimited = true
			res.RetryAfter = decision.RetryAfter
		}
	}
	if !res.RateLimited {
		d.processTask(ctx, t)
	}

	res.Task, err = d.Tasks.GetByID(context.WithoutCancel(ctx), taskID)
	return res, err
}

// SweepStuck returns tasks held in processing longer than StuckTimeout to
// queued, so a crashed worker's claims are picked up again.
func (d *Dispatcher) SweepStuck(ctx context.Context) (int, error) {
	n, err := d.Tasks.ReclaimStuck(ctx, d.now().Add(-d.Config.StuckTimeout))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.Logger.Warn().Int("tasks", n).Msg("dispatcher: reclaimed stuck tasks")
	}
	return n, nil
}

func (d *Dispatcher) processTask(ctx context.Context, t *model.SendTask) taskOutcome {
	// state writes must land even if the batch context is cancelled mid-send
	store := context.WithoutCancel(ctx)
	log := d.Logger.With().Int("task_id", t.ID).Str("tenant_id", t.TenantID).Logger()

	if t.Payload.IsFreeform() {
		auth, err := d.Gate.AuthorizeFreeform(ctx, t.ConversationID())
		if err != nil {
			// a failed lookup counts against the ceiling like a failed send
			log.Error().Err(err).Msg("dispatcher: session window lookup failed")
			return d.retryOrFail(store, log, t, t.Attempts+1, err)
		}
		if !auth.Allowed {
			reason := auth.Err().Error()
			if err := d.Tasks.MarkFailed(store, t.ID, claimOf(t), t.Attempts, reason); err != nil {
				log.Error().Err(err).Msg("dispatcher: mark failed")
				return outcomeError
			}
			log.Info().Str("reason", auth.Reason).Msg("dispatcher: free-form send blocked by session window")
			return outcomeFailed
		}
	}

	msg := provider.Message{
		TenantID:  t.TenantID,
		ChannelID: t.ChannelID,
		To:        t.Recipient,
		Payload:   renderPayload(t.Payload),
	}

	callCtx, cancel := context.WithTimeout(ctx, d.Config.ProviderTimeout)
	result, err := d.Provider.Send(callCtx, msg)
	cancel()
	attempts := t.Attempts + 1

	if err != nil {
		return d.retryOrFail(store, log, t, attempts, err)
	}

	if err := d.Tasks.MarkSent(store, t.ID, claimOf(t), attempts, result.MessageID); err != nil {
		log.Error().Err(err).Str("provider_message_id", result.MessageID).Msg("dispatcher: mark sent")
		return outcomeError
	}
	if d.Conversations != nil {
		out := &model.ConversationMessage{
			ConversationID:    t.ConversationID(),
			Direction:         model.DirectionOutbound,
			ProviderMessageID: result.MessageID,
			SentAt:            d.now(),
		}
		if err := d.Conversations.Append(store, out); err != nil {
			log.Warn().Err(err).Msg("dispatcher: outbound message not recorded in conversation")
		}
	}
	log.Debug().Str("provider_message_id", result.MessageID).Int("attempts", attempts).Msg("dispatcher: sent")
	return outcomeSent
}

func (d *Dispatcher) retryOrFail(ctx context.Context, log zerolog.Logger, t *model.SendTask, attempts int, cause error) taskOutcome {
	if appErrors.IsRetryable(cause) && attempts < d.Config.MaxAttempts {
		next := NextAvailableAt(d.now(), max(attempts, 1), d.Config.Backoff, d.rng())
		if err := d.Tasks.MarkRetry(ctx, t.ID, claimOf(t), attempts, cause.Error(), next); err != nil {
			log.Error().Err(err).Msg("dispatcher: mark retry")
			return outcomeError
		}
		log.Warn().Err(cause).Int("attempts", attempts).Time("available_at", next).Msg("dispatcher: send will be retried")
		return outcomeRetry
	}

	if err := d.Tasks.MarkFailed(ctx, t.ID, claimOf(t), attempts, cause.Error()); err != nil {
		log.Error().Err(err).Msg("dispatcher: mark failed")
		return outcomeError
	}
	var pe *appErrors.ProviderError
	kind := "retries_exhausted"
	if errors.As(cause, &pe) && !pe.IsRetryable() {
		kind = string(pe.Kind)
	}
	log.Warn().Err(cause).Int("attempts", attempts).Str("kind", kind).Msg("dispatcher: send failed")
	return outcomeFailed
}

// claimOf returns the claim a task was handed out under.
func claimOf(t *model.SendTask) time.Time {
	if t.ClaimedAt == nil {
		return time.Time{}
	}
	return *t.ClaimedAt
}

// release puts claimed tasks back to queued without spending an attempt.
func (d *Dispatcher) release(tasks []*model.SendTask) int {
	if len(tasks) == 0 {
		return 0
	}
	ids := make([]int, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	if err := d.Tasks.Release(context.Background(), ids); err != nil {
		d.Logger.Error().Err(err).Ints("task_ids", ids).Msg("dispatcher: release claimed tasks")
		return 0
	}
	return len(ids)
}

func (d *Dispatcher) rng() *rand.Rand {
	d.randMu.Lock()
	defer d.randMu.Unlock()
	// derive a per-call source so callers never share one rand.Rand
	return rand.New(rand.NewSource(d.rnd.Int63()))
}

func renderPayload(p model.Payload) model.Payload {
	if p.IsFreeform() && len(p.Vars) > 0 {
		p.Body = RenderTemplate(p.Body, p.Vars)
	}
	return p
}
