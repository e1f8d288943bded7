package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEnvelopeRefOmittedWhenEmpty(t *testing.T) {
	env, err := NewEnvelope(TunnelTopic("my-endpoint"), EventAck, AckPayload{
		RequestID: "r1",
		Status:    AckStatusProxied,
		ProxiedTo: "http://localhost:3000/hook",
	}, "")
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	if strings.Contains(s, `"ref"`) {
		t.Errorf("expected ref to be omitted, got: %s", s)
	}
	if !strings.Contains(s, `"topic":"cli:tunnel:my-endpoint"`) {
		t.Errorf("topic missing or wrong: %s", s)
	}
}

func TestEnvelopeJoinShape(t *testing.T) {
	env, err := NewEnvelope(TunnelTopic("slug"), EventJoin, nil, JoinRef)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	data, _ := json.Marshal(env)
	s := string(data)
	if !strings.Contains(s, `"payload":{}`) {
		t.Errorf("join payload should be an empty object: %s", s)
	}
	if !strings.Contains(s, `"ref":"1"`) {
		t.Errorf("join ref missing: %s", s)
	}
}

func TestDecodeReply(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantOK     bool
		wantReason string
	}{
		{"ok", `{"status":"ok","response":{}}`, true, ""},
		{"rejected with reason", `{"status":"error","response":{"reason":"unauthorized"}}`, false, "unauthorized"},
		{"rejected without reason", `{"status":"error"}`, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Envelope{Event: EventReply, Payload: json.RawMessage(tt.payload)}
			reply, err := env.DecodeReply()
			if err != nil {
				t.Fatalf("DecodeReply: %v", err)
			}
			if reply.OK() != tt.wantOK {
				t.Errorf("OK() = %v, want %v", reply.OK(), tt.wantOK)
			}
			if reply.Response.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reply.Response.Reason, tt.wantReason)
			}
		})
	}
}

func TestDecodeWebhook(t *testing.T) {
	payload := `{"request":{"id":"r1","method":"POST","path":"/x","query_params":{"n":7,"flag":true},"headers":{"content-type":"application/json"},"body":"{}"}}`
	env := Envelope{Event: EventWebhook, Payload: json.RawMessage(payload)}

	rec, err := env.DecodeWebhook()
	if err != nil {
		t.Fatalf("DecodeWebhook: %v", err)
	}
	if rec.ID != "r1" || rec.Method != "POST" || rec.Path != "/x" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Body == nil || *rec.Body != "{}" {
		t.Errorf("body = %v, want {}", rec.Body)
	}
	if got := CoerceMap(rec.QueryParams)["n"]; got != "7" {
		t.Errorf("query n = %q, want 7", got)
	}
}

func TestDecodeWebhookMinimal(t *testing.T) {
	env := Envelope{Payload: json.RawMessage(`{"request":{"id":"r2","method":"GET","path":"/"}}`)}
	rec, err := env.DecodeWebhook()
	if err != nil {
		t.Fatalf("DecodeWebhook: %v", err)
	}
	if rec.Body != nil {
		t.Errorf("body = %v, want nil", rec.Body)
	}
	if len(rec.Headers) != 0 || len(rec.QueryParams) != 0 {
		t.Errorf("expected empty headers and query params, got %+v", rec)
	}
}

func TestDecodeWebhookErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"missing request", `{"other":1}`},
		{"request not an object", `{"request":"nope"}`},
		{"missing id", `{"request":{"method":"GET","path":"/"}}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Envelope{Payload: json.RawMessage(tt.payload)}
			if _, err := env.DecodeWebhook(); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestDecodeWebhookMissingRequestSentinel(t *testing.T) {
	env := Envelope{Payload: json.RawMessage(`{}`)}
	_, err := env.DecodeWebhook()
	if !errors.Is(err, ErrMissingRequest) {
		t.Errorf("err = %v, want ErrMissingRequest", err)
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "abc", "abc"},
		{"integer number", float64(42), "42"},
		{"fractional number", 4.5, "4.5"},
		{"bool", true, "true"},
		{"null", nil, "null"},
		{"array", []any{"a", float64(1)}, `["a",1]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Stringify(tt.in); got != tt.want {
				t.Errorf("Stringify(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
