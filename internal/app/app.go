// Package app wires configuration, storage and services into the two
// processes: the HTTP server and the background worker.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/unclebandit/waleopard-engine/internal/config"
	"github.com/unclebandit/waleopard-engine/internal/controller"
	"github.com/unclebandit/waleopard-engine/internal/db"
	"github.com/unclebandit/waleopard-engine/internal/handler"
	"github.com/unclebandit/waleopard-engine/internal/provider"
	"github.com/unclebandit/waleopard-engine/internal/queue"
	"github.com/unclebandit/waleopard-engine/internal/ratelimit"
	"github.com/unclebandit/waleopard-engine/internal/reconcile"
	"github.com/unclebandit/waleopard-engine/internal/repository"
	"github.com/unclebandit/waleopard-engine/internal/service"
	"github.com/unclebandit/waleopard-engine/internal/session"
	"github.com/unclebandit/waleopard-engine/internal/webhook"
)

const backfillConcurrency = 8

type App struct {
	Config *config.Config
	Logger zerolog.Logger
	DB     *sql.DB
	Queue  queue.Queue

	// InMemoryQueue is set when no broker is configured; jobs then only
	// reach subscribers in this process.
	InMemoryQueue bool

	Dispatcher    *service.Dispatcher
	Campaigns     *service.CampaignService
	Conversations *service.ConversationService
	Reconciler    *reconcile.Reconciler
	Ingestor      *webhook.Ingestor
	Worker        *service.Worker

	closers []io.Closer
}

// New opens the database and the queue and builds every service.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	conn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, DB: conn, closers: []io.Closer{conn}}

	if cfg.Queue.AMQPURL != "" {
		q, err := queue.DialAMQP(cfg.Queue.AMQPURL, cfg.Queue.MaxRetries, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = q
		a.closers = append(a.closers, q)
	} else {
		a.Queue = queue.NewInMemoryQueue(cfg.Queue.MaxRetries, logger)
		a.InMemoryQueue = true
	}

	campaignRepo := &repository.CampaignRepository{DB: conn}
	contactRepo := &repository.ContactRepository{DB: conn}
	taskRepo := &repository.SendTaskRepository{DB: conn}
	eventRepo := &repository.DeliveryEventRepository{DB: conn}
	statusRepo := &repository.MessageStatusRepository{DB: conn}
	conversationRepo := &repository.ConversationRepository{DB: conn}
	rateLimitRepo := &repository.RateLimitRepository{DB: conn}
	credentialRepo := &repository.CredentialRepository{DB: conn}

	p, err := newProvider(cfg, credentialRepo, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	limiter := ratelimit.New(rateLimitRepo, ratelimit.Config{
		PerMinute: cfg.RateLimit.PerMinute,
		MinDelay:  cfg.RateLimit.MinDelay,
		MaxDelay:  cfg.RateLimit.MaxDelay,
	})
	gate := session.NewGate(conversationRepo)

	a.Dispatcher = service.NewDispatcher(campaignRepo, taskRepo, conversationRepo, limiter, gate, p,
		service.DispatchConfig{
			BatchSize:       cfg.Dispatch.BatchSize,
			MaxAttempts:     cfg.Dispatch.MaxAttempts,
			ProviderTimeout: cfg.Dispatch.ProviderTimeout,
			StuckTimeout:    cfg.Dispatch.StuckTimeout,
			Backoff:         service.BackoffConfig{BaseDelay: cfg.Dispatch.BaseBackoff, MaxDelay: cfg.Dispatch.MaxBackoff},
		}, logger)

	a.Campaigns = &service.CampaignService{
		CampaignRepo: campaignRepo,
		ContactRepo:  contactRepo,
		TaskRepo:     taskRepo,
		Dispatcher:   a.Dispatcher,
		Queue:        a.Queue,
		Logger:       logger,
	}
	a.Conversations = &service.ConversationService{
		Gate:     gate,
		TaskRepo: taskRepo,
		Sender:   a.Dispatcher,
		Logger:   logger,
	}

	a.Reconciler = reconcile.New(eventRepo, statusRepo, backfillConcurrency, logger)

	normalizer, err := webhook.NewNormalizer()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	a.Ingestor = webhook.NewIngestor(normalizer, eventRepo, conversationRepo, credentialRepo, a.Reconciler, a.Queue, logger)

	a.Worker = service.NewWorker(a.Queue, a.Dispatcher, a.Reconciler, campaignRepo, rateLimitRepo,
		service.WorkerConfig{SchedulerInterval: cfg.Dispatch.SchedulerInterval, SweepInterval: cfg.Dispatch.StuckTimeout / 2},
		logger)

	return a, nil
}

func newProvider(cfg *config.Config, creds provider.CredentialStore, logger zerolog.Logger) (provider.Provider, error) {
	switch cfg.Provider.Mode {
	case config.ProviderMock:
		return provider.NewMockProvider(logger), nil
	case config.ProviderCloud, "":
		return provider.NewCloudProvider(creds, logger,
			provider.WithBaseURL(cfg.Provider.BaseURL),
			provider.WithAPIVersion(cfg.Provider.APIVersion),
			provider.WithHTTPClient(&http.Client{Timeout: cfg.Dispatch.ProviderTimeout}),
		)
	}
	return nil, fmt.Errorf("unknown provider mode %q", cfg.Provider.Mode)
}

// Router returns the operator and webhook HTTP surface.
func (a *App) Router() http.Handler {
	return handler.NewRouter(handler.Routes{
		Campaigns:     &controller.CampaignController{CampaignService: a.Campaigns},
		Conversations: &controller.ConversationController{ConversationService: a.Conversations},
		Reconcile:     &controller.ReconcileController{Reconciler: a.Reconciler, Queue: a.Queue},
		Webhook: &handler.WebhookHandler{
			Ingestor:    a.Ingestor,
			AppSecret:   a.Config.Webhook.AppSecret,
			VerifyToken: a.Config.Webhook.VerifyToken,
			Logger:      a.Logger,
		},
		DB:     a.DB,
		Logger: a.Logger,
	})
}

// Close releases the queue connection and the database pool.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
