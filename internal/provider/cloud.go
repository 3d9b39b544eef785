package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/waleopard-engine/internal/errors"
	"github.com/unclebandit/waleopard-engine/internal/model"
)

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type CloudOption func(*CloudProvider)

func WithHTTPClient(client HTTPClient) CloudOption {
	return func(p *CloudProvider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

func WithBaseURL(baseURL string) CloudOption {
	return func(p *CloudProvider) {
		if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
			p.baseURL = baseURL
		}
	}
}

func WithAPIVersion(version string) CloudOption {
	return func(p *CloudProvider) {
		if version = strings.Trim(strings.TrimSpace(version), "/"); version != "" {
			p.apiVersion = version
		}
	}
}

func WithClock(now func() time.Time) CloudOption {
	return func(p *CloudProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// CloudProvider talks to the WhatsApp Business Cloud API.
type CloudProvider struct {
	creds        CredentialStore
	logger       zerolog.Logger
	httpClient   HTTPClient
	baseURL      string
	apiVersion   string
	now          func() time.Time
	maxBodyBytes int64
}

func NewCloudProvider(creds CredentialStore, logger zerolog.Logger, opts ...CloudOption) (*CloudProvider, error) {
	if creds == nil {
		return nil, errors.New("cloud provider: credential store is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	p := &CloudProvider{
		creds:        creds,
		logger:       logger.With().Str("component", "cloud_provider").Logger(),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		baseURL:      "https://graph.facebook.com",
		apiVersion:   "v20.0",
		now:          time.Now,
		maxBodyBytes: 16 * 1024,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

type sendRequest struct {
	MessagingProduct string           `json:"messaging_product"`
	RecipientType    string           `json:"recipient_type"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Template         *templateRequest `json:"template,omitempty"`
	Text             *textRequest     `json:"text,omitempty"`
}

type templateRequest struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateComponent struct {
	Type       string          `json:"type"`
	Parameters []textParameter `json:"parameters"`
}

type textParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type textRequest struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func buildRequest(msg Message) (sendRequest, error) {
	req := sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(strings.TrimSpace(msg.To), "+"),
	}
	if req.To == "" {
		return req, errors.New("recipient is required")
	}

	switch msg.Payload.Kind {
	case model.PayloadTemplate:
		if msg.Payload.TemplateName == "" {
			return req, errors.New("template name is required")
		}
		lang := msg.Payload.TemplateLanguage
		if lang == "" {
			lang = "en"
		}
		req.Type = "template"
		req.Template = &templateRequest{Name: msg.Payload.TemplateName, Language: templateLanguage{Code: lang}}
		if len(msg.Payload.Params) > 0 {
			params := make([]textParameter, len(msg.Payload.Params))
			for i, v := range msg.Payload.Params {
				params[i] = textParameter{Type: "text", Text: v}
			}
			req.Template.Components = []templateComponent{{Type: "body", Parameters: params}}
		}
	default:
		if strings.TrimSpace(msg.Payload.Body) == "" {
			return req, errors.New("text body is required")
		}
		req.Type = "text"
		req.Text = &textRequest{Body: msg.Payload.Body}
	}
	return req, nil
}

// Send posts one message. Timeouts, 429, 5xx and throttling codes come back
// retryable; auth failures, invalid recipients and other 4xx are terminal.
func (p *CloudProvider) Send(ctx context.Context, msg Message) (Result, error) {
	creds, err := p.creds.GetCredentials(ctx, msg.TenantID, msg.ChannelID)
	if err != nil {
		if errors.Is(err, appErrors.ErrNoCredentials) {
			return Result{}, appErrors.Terminal(0, "", "no credentials for channel", err)
		}
		return Result{}, appErrors.Retryable(0, "", "credential lookup failed", err)
	}

	body, err := buildRequest(msg)
	if err != nil {
		return Result{}, appErrors.Terminal(0, "", err.Error(), nil)
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return Result{}, appErrors.Terminal(0, "", "encode request", err)
	}

	endpoint := fmt.Sprintf("%s/%s/%s/messages", p.baseURL, p.apiVersion, creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return Result{}, appErrors.Terminal(0, "", "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBodyBytes))
	if err != nil {
		return Result{}, appErrors.Retryable(resp.StatusCode, "", "read response body", err)
	}

	var parsed sendResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
			// accepted without an id cannot be reconciled; the outcome is unknown
			return Result{}, appErrors.Retryable(resp.StatusCode, "", "response missing message id", nil)
		}
		p.logger.Debug().Str("tenant_id", msg.TenantID).Str("message_id", parsed.Messages[0].ID).
			Msg("cloud provider: message accepted")
		return Result{MessageID: parsed.Messages[0].ID, HTTPStatus: resp.StatusCode, AcceptedAt: p.now().UTC()}, nil
	}

	code, message := "", strings.TrimSpace(string(raw))
	if parsed.Error != nil {
		if parsed.Error.Code != 0 {
			code = strconv.Itoa(parsed.Error.Code)
		}
		message = parsed.Error.Message
	}
	return Result{}, classifyStatus(resp.StatusCode, code, message)
}

var retryableCodes = map[string]bool{
	"1":      true, // unknown API error
	"2":      true, // service unavailable
	"4":      true, // application rate limit
	"80007":  true, // WABA rate limit
	"130429": true, // throughput exceeded
	"131000": true, // generic internal error
	"131016": true, // service overloaded
	"131048": true, // spam rate limit
	"131056": true, // pair rate limit
}

func classifyStatus(status int, code, message string) error {
	if retryableCodes[code] {
		return appErrors.Retryable(status, code, message, nil)
	}
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return appErrors.Retryable(status, code, message, nil)
	default:
		return appErrors.Terminal(status, code, message, nil)
	}
}

func classifyTransportError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return appErrors.Retryable(0, "", "provider call timed out", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return appErrors.Retryable(0, "", "provider call timed out", err)
	case errors.Is(err, context.Canceled):
		return appErrors.Retryable(0, "", "provider call cancelled", err)
	}
	return appErrors.Retryable(0, "", "provider transport error", err)
}
