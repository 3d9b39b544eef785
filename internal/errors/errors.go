// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// Kind classifies failures the engine distinguishes between.
type Kind string

const (
	KindRetryableProvider Kind = "retryable_provider_error"
	KindTerminalProvider  Kind = "terminal_provider_error"
	KindSessionClosed     Kind = "session_window_closed"
	KindMalformedEvent    Kind = "malformed_webhook_event"
	KindStaleEvent        Kind = "stale_event"
)

// Session window denial reasons.
const (
	ReasonWindowUnknown = "window_unknown"
	ReasonWindowExpired = "window_expired"
)

var (
	ErrInvalidTransition = errors.New("invalid campaign state transition")
	ErrTaskNotClaimable  = errors.New("task is not queued")
	ErrNoCredentials     = errors.New("channel credentials not found")
)

// ErrCampaignNotFound is returned when no campaign has the given id.
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrTaskNotFound struct {
	TaskID int
}

func (e *ErrTaskNotFound) Error() string {
	return fmt.Sprintf("send task with ID %d not found", e.TaskID)
}

func NewTaskNotFound(id int) error {
	return &ErrTaskNotFound{TaskID: id}
}

type ErrContactNotFound struct {
	ContactID int
}

func (e *ErrContactNotFound) Error() string {
	return fmt.Sprintf("contact with ID %d not found", e.ContactID)
}

func NewContactNotFound(id int) error {
	return &ErrContactNotFound{ContactID: id}
}

// IsNotFound reports whether err is any of the typed not-found errors.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var t *ErrTaskNotFound
	var k *ErrContactNotFound
	return errors.As(err, &c) || errors.As(err, &t) || errors.As(err, &k)
}

// ProviderError is a classified failure from the provider send API.
type ProviderError struct {
	Kind       Kind
	HTTPStatus int
	Code       string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Code != "":
		return fmt.Sprintf("%s: code %s: %s", e.Kind, e.Code, msg)
	case e.HTTPStatus != 0:
		return fmt.Sprintf("%s: http %d: %s", e.Kind, e.HTTPStatus, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) IsRetryable() bool { return e.Kind == KindRetryableProvider }

func Retryable(status int, code, msg string, err error) error {
	return &ProviderError{Kind: KindRetryableProvider, HTTPStatus: status, Code: code, Message: msg, Err: err}
}

func Terminal(status int, code, msg string, err error) error {
	return &ProviderError{Kind: KindTerminalProvider, HTTPStatus: status, Code: code, Message: msg, Err: err}
}

// IsRetryable reports whether err is a provider failure worth another attempt.
// Unclassified errors are treated as retryable: the send outcome is unknown.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}
	var se *SessionClosedError
	if errors.As(err, &se) {
		return false
	}
	return true
}

// SessionClosedError rejects a free-form send outside the session window.
type SessionClosedError struct {
	ConversationID string
	Reason         string
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("%s: %s (conversation %s)", KindSessionClosed, e.Reason, e.ConversationID)
}

func NewSessionClosed(conversationID, reason string) error {
	return &SessionClosedError{ConversationID: conversationID, Reason: reason}
}
