// Package webhook turns provider callbacks into stored delivery events and
// inbound conversation messages.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	appErrors "github.com/unclebandit/waleopard-engine/internal/errors"
	"github.com/unclebandit/waleopard-engine/internal/model"
)

const envelopeSchemaURL = "whatsapp-envelope.json"

// envelopeSchema checks the outer shape only; status entries are validated
// one by one so a bad entry does not discard its siblings.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["entry"],
  "properties": {
    "object": {"type": "string"},
    "entry": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["changes"],
        "properties": {
          "changes": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["value"],
              "properties": {
                "field": {"type": "string"},
                "value": {
                  "type": "object",
                  "properties": {
                    "metadata": {"type": "object"},
                    "statuses": {"type": "array", "items": {"type": "object"}},
                    "messages": {"type": "array", "items": {"type": "object"}}
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

// Inbound is a user message addressed to one of the business phone numbers.
// Message is keyed by the phone number id until the ingestor resolves it to
// a channel.
type Inbound struct {
	PhoneNumberID string
	From          string
	Message       model.ConversationMessage
}

// Result is everything extracted from one callback body.
type Result struct {
	Events  []model.DeliveryEvent
	Inbound []Inbound
	// Errors describes inbound messages that could not be read.
	Errors []string
}

type Normalizer struct {
	schema *jsonschema.Schema
}

func NewNormalizer() (*Normalizer, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("parse envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(envelopeSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	sch, err := c.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Normalizer{schema: sch}, nil
}

type envelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Statuses []json.RawMessage `json:"statuses"`
				Messages []json.RawMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type statusEntry struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Timestamp json.RawMessage `json:"timestamp"`
	Errors    []struct {
		Code    json.Number `json:"code"`
		Title   string      `json:"title"`
		Message string      `json:"message"`
	} `json:"errors"`
}

type inboundEntry struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Normalize never fails: a body that cannot be read becomes a single event
// carrying a parse error, so it is still stored for inspection.
func (n *Normalizer) Normalize(raw []byte) Result {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return malformed(raw, fmt.Sprintf("invalid json: %v", err))
	}
	if err := n.schema.Validate(inst); err != nil {
		return malformed(raw, fmt.Sprintf("unexpected envelope: %v", err))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return malformed(raw, fmt.Sprintf("decode envelope: %v", err))
	}

	var res Result
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			for _, st := range v.Statuses {
				res.Events = append(res.Events, normalizeStatus(st))
			}
			for _, m := range v.Messages {
				msg, err := normalizeInbound(v.Metadata.PhoneNumberID, m)
				if err != nil {
					res.Errors = append(res.Errors, err.Error())
					continue
				}
				res.Inbound = append(res.Inbound, msg)
			}
		}
	}
	return res
}

func malformed(raw []byte, reason string) Result {
	payload := json.RawMessage(raw)
	if !json.Valid(raw) {
		// raw_payload is jsonb; keep the bytes as a JSON string
		quoted, _ := json.Marshal(string(raw))
		payload = quoted
	}
	return Result{Events: []model.DeliveryEvent{{
		ParseError: fmt.Sprintf("%s: %s", appErrors.KindMalformedEvent, reason),
		RawPayload: payload,
	}}}
}

func normalizeStatus(raw json.RawMessage) model.DeliveryEvent {
	ev := model.DeliveryEvent{RawPayload: raw}

	var st statusEntry
	if err := json.Unmarshal(raw, &st); err != nil {
		ev.ParseError = fmt.Sprintf("%s: decode status: %v", appErrors.KindMalformedEvent, err)
		return ev
	}
	ev.ExternalMessageID = strings.TrimSpace(st.ID)
	ev.Status = strings.ToLower(strings.TrimSpace(st.Status))
	if len(st.Errors) > 0 {
		ev.ErrorCode = st.Errors[0].Code.String()
		ev.ErrorReason = st.Errors[0].Message
		if ev.ErrorReason == "" {
			ev.ErrorReason = st.Errors[0].Title
		}
	}

	at, tsErr := parseTimestamp(st.Timestamp)
	switch {
	case ev.ExternalMessageID == "":
		ev.ParseError = fmt.Sprintf("%s: missing message id", appErrors.KindMalformedEvent)
	case !model.IsDeliveryStatus(ev.Status):
		ev.ParseError = fmt.Sprintf("%s: unsupported status %q", appErrors.KindMalformedEvent, ev.Status)
	case tsErr != nil:
		ev.ParseError = fmt.Sprintf("%s: %v", appErrors.KindMalformedEvent, tsErr)
	default:
		ev.EventAt = at
	}
	return ev
}

func normalizeInbound(phoneNumberID string, raw json.RawMessage) (Inbound, error) {
	var m inboundEntry
	if err := json.Unmarshal(raw, &m); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound message: %w", err)
	}
	if phoneNumberID == "" || m.From == "" {
		return Inbound{}, fmt.Errorf("inbound message %q: missing channel or sender", m.ID)
	}
	at, err := parseTimestamp(m.Timestamp)
	if err != nil {
		return Inbound{}, fmt.Errorf("inbound message %q: %w", m.ID, err)
	}
	return Inbound{
		PhoneNumberID: phoneNumberID,
		From:          m.From,
		Message: model.ConversationMessage{
			ConversationID:    model.ConversationID(phoneNumberID, m.From),
			Direction:         model.DirectionInbound,
			ProviderMessageID: m.ID,
			SentAt:            at,
		},
	}, nil
}

// parseTimestamp reads unix seconds, sent either as a string or a number.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return time.Unix(secs, 0).UTC(), nil
}
