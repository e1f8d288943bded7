// Package protocol defines the Phoenix channel wire format spoken by the
// Hooklistener relay.
//
// Every message exchanged over the tunnel WebSocket is a single JSON
// envelope carrying a topic, an event discriminator, an opaque payload,
// and an optional correlation ref. The payload is only decoded into a
// typed shape after the event discriminator is known.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Channel events understood by the tunnel client. Events outside this set
// are ignored by the dispatcher.
const (
	EventJoin      = "phx_join"
	EventReply     = "phx_reply"
	EventHeartbeat = "heartbeat"
	EventWebhook   = "webhook_received"
	EventAck       = "request_ack"
)

// HeartbeatTopic is the reserved topic for keep-alive envelopes.
const HeartbeatTopic = "phoenix"

// JoinRef is the correlation ref used for the one-shot join exchange.
// Heartbeat refs count upward from the next integer.
const JoinRef = "1"

// TunnelTopic returns the logical channel topic for an endpoint slug.
func TunnelTopic(slug string) string {
	return "cli:tunnel:" + slug
}

// Envelope is the unit of wire exchange.
type Envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// NewEnvelope builds an envelope with the payload marshaled in place.
// A nil payload is encoded as an empty JSON object, which is what the
// relay expects for join and heartbeat envelopes.
func NewEnvelope(topic, event string, payload any, ref string) (Envelope, error) {
	raw := json.RawMessage("{}")
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
		}
		raw = data
	}
	return Envelope{Topic: topic, Event: event, Payload: raw, Ref: ref}, nil
}

// ReplyPayload is the payload of a phx_reply envelope.
type ReplyPayload struct {
	Status   string        `json:"status"`
	Response ReplyResponse `json:"response"`
}

// ReplyResponse carries the server's explanation for a rejected reply.
type ReplyResponse struct {
	Reason string `json:"reason"`
}

// OK reports whether the reply confirms the request it answers.
func (p ReplyPayload) OK() bool { return p.Status == "ok" }

// DecodeReply decodes the envelope payload as a phx_reply.
func (e Envelope) DecodeReply() (ReplyPayload, error) {
	var p ReplyPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ReplyPayload{}, fmt.Errorf("decode reply payload: %w", err)
	}
	return p, nil
}

// WebhookRecord is the wire shape of a captured request inside a
// webhook_received payload. Header and query values may be any JSON
// scalar and are coerced to strings by CoerceMap.
type WebhookRecord struct {
	ID          string         `json:"id"`
	Method      string         `json:"method"`
	Path        string         `json:"path"`
	QueryParams map[string]any `json:"query_params"`
	Headers     map[string]any `json:"headers"`
	Body        *string        `json:"body"`
}

type webhookPayload struct {
	Request *WebhookRecord `json:"request"`
}

// ErrMissingRequest is returned when a webhook_received payload has no
// nested request object.
var ErrMissingRequest = errors.New("webhook payload missing request object")

// DecodeWebhook decodes the envelope payload as a webhook_received
// record. Headers, query parameters, and body may be absent; an absent
// request object or a record without an id is an error.
func (e Envelope) DecodeWebhook() (WebhookRecord, error) {
	var p webhookPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return WebhookRecord{}, fmt.Errorf("decode webhook payload: %w", err)
	}
	if p.Request == nil {
		return WebhookRecord{}, ErrMissingRequest
	}
	if p.Request.ID == "" {
		return WebhookRecord{}, errors.New("webhook request missing id")
	}
	return *p.Request, nil
}

// Ack statuses reported back to the relay after a forwarding attempt.
const (
	AckStatusProxied = "proxied"
	AckStatusError   = "error"
)

// AckPayload is the payload of an outbound request_ack envelope.
type AckPayload struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	ProxiedTo string `json:"proxied_to,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Stringify renders a decoded JSON value the way it would appear in a
// query string or header: strings unquoted, numbers and booleans in
// their plain form, and anything structured as compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return "null"
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

// CoerceMap converts a map of arbitrary JSON values to plain strings.
func CoerceMap(in map[string]any) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = Stringify(v)
	}
	return out
}
