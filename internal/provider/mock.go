package provider

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/waleopard-engine/internal/errors"
)

// Scenario selects the mock provider's behaviour.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioPermanent Scenario = "permanent"
	ScenarioTimeout   Scenario = "timeout"
)

type MockOption func(*MockProvider)

func WithScenario(s Scenario) MockOption {
	return func(p *MockProvider) { p.defaultScenario = s }
}

// WithRecipientScenario makes sends to one address behave as s.
func WithRecipientScenario(to string, s Scenario) MockOption {
	return func(p *MockProvider) { p.byRecipient[strings.TrimPrefix(to, "+")] = s }
}

func WithLatency(d time.Duration) MockOption {
	return func(p *MockProvider) {
		if d < 0 {
			d = 0
		}
		p.latency = d
	}
}

// MockProvider accepts messages without a network call, for development
// and tests.
type MockProvider struct {
	logger          zerolog.Logger
	defaultScenario Scenario
	byRecipient     map[string]Scenario
	latency         time.Duration

	mu   sync.Mutex
	sent []Message
}

func NewMockProvider(logger zerolog.Logger, opts ...MockOption) *MockProvider {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	p := &MockProvider{
		logger:          logger,
		defaultScenario: ScenarioSuccess,
		byRecipient:     map[string]Scenario{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *MockProvider) Send(ctx context.Context, msg Message) (Result, error) {
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	scenario, ok := p.byRecipient[strings.TrimPrefix(msg.To, "+")]
	p.mu.Unlock()
	if !ok {
		scenario = p.defaultScenario
	}

	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, appErrors.Retryable(0, "", "provider call timed out", ctx.Err())
		case <-timer.C:
		}
	}

	switch scenario {
	case ScenarioTransient:
		return Result{}, appErrors.Retryable(429, "130429", "mock: throughput exceeded", nil)
	case ScenarioPermanent:
		return Result{}, appErrors.Terminal(400, "131026", "mock: message undeliverable", nil)
	case ScenarioTimeout:
		<-ctx.Done()
		return Result{}, appErrors.Retryable(0, "", "provider call timed out", ctx.Err())
	}

	id := "wamid.mock-" + uuid.NewString()
	p.logger.Debug().Str("to", msg.To).Str("message_id", id).Msg("mock provider: message accepted")
	return Result{MessageID: id, HTTPStatus: 200, AcceptedAt: time.Now().UTC()}, nil
}

// Sent returns every message the mock was asked to send.
func (p *MockProvider) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.sent...)
}
