package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/hooklistener/hooklistener-cli-sub000/internal/protocol"
)

// newRelay starts a fake relay whose handler runs fn for each tunnel
// connection. fn must not call t.Fatal; it runs off the test goroutine.
func newRelay(t *testing.T, fn func(ctx context.Context, ws *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/socket/websocket" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") == "" {
			t.Error("relay dialed without a token query parameter")
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept websocket: %v", err)
			return
		}
		defer ws.CloseNow()
		fn(r.Context(), ws)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readEnv(ctx context.Context, ws *websocket.Conn) (protocol.Envelope, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return protocol.Envelope{}, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}

func sendEnv(ctx context.Context, ws *websocket.Conn, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func okReply(topic, ref string) protocol.Envelope {
	env, _ := protocol.NewEnvelope(topic, protocol.EventReply, protocol.ReplyPayload{Status: "ok"}, ref)
	return env
}

func webhookEnv(topic, id, method, path string, headers, query map[string]any, body *string) protocol.Envelope {
	env, _ := protocol.NewEnvelope(topic, protocol.EventWebhook, map[string]any{
		"request": map[string]any{
			"id":           id,
			"method":       method,
			"path":         path,
			"headers":      headers,
			"query_params": query,
			"body":         body,
		},
	}, "")
	return env
}

func testSession(relayURL, targetURL string, events *Sink) *Session {
	return New(Config{
		Slug:              "test-endpoint",
		TargetURL:         targetURL,
		BaseURL:           relayURL,
		Token:             "tok",
		Events:            events,
		Logger:            discardLogger(),
		HeartbeatInterval: time.Minute, // out of the way unless the test wants it
		JoinTimeout:       2 * time.Second,
	})
}

func waitEvent(t *testing.T, events *Sink, kind Kind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}

func drainEvents(events *Sink) map[Kind]int {
	counts := map[Kind]int{}
	for {
		select {
		case ev := <-events.Events():
			counts[ev.Kind]++
		default:
			return counts
		}
	}
}

func waitAck(t *testing.T, acks <-chan protocol.Envelope) protocol.AckPayload {
	t.Helper()
	select {
	case env := <-acks:
		if env.Event != protocol.EventAck {
			t.Fatalf("expected %s envelope, got %s", protocol.EventAck, env.Event)
		}
		var p protocol.AckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode ack payload: %v", err)
		}
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
	return protocol.AckPayload{}
}

func TestSessionJoinAndConnect(t *testing.T) {
	joins := make(chan protocol.Envelope, 1)
	srv := newRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		env, err := readEnv(ctx, ws)
		if err != nil {
			t.Errorf("read join: %v", err)
			return
		}
		joins <- env
		sendEnv(ctx, ws, okReply(env.Topic, env.Ref))
		readEnv(ctx, ws) // hold the connection open until the client goes away
	})

	events := NewSink(16)
	sess := testSession(srv.URL, "http://localhost:0", events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx) }()

	join := <-joins
	if join.Event != protocol.EventJoin {
		t.Errorf("join event = %q, want %q", join.Event, protocol.EventJoin)
	}
	if join.Topic != "cli:tunnel:test-endpoint" {
		t.Errorf("join topic = %q, want %q", join.Topic, "cli:tunnel:test-endpoint")
	}
	if join.Ref != protocol.JoinRef {
		t.Errorf("join ref = %q, want %q", join.Ref, protocol.JoinRef)
	}
	if string(join.Payload) != "{}" {
		t.Errorf("join payload = %s, want {}", join.Payload)
	}

	waitEvent(t, events, KindConnected)
	if st := sess.State(); st != StateActive {
		t.Errorf("State() = %v, want %v", st, StateActive)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if st := sess.State(); st != StateClosed {
		t.Errorf("State() after Run = %v, want %v", st, StateClosed)
	}
}

func TestSessionJoinRejected(t *testing.T) {
	srv := newRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		env, err := readEnv(ctx, ws)
		if err != nil {
			return
		}
		reply, _ := protocol.NewEnvelope(env.Topic, protocol.EventReply, protocol.ReplyPayload{
			Status:   "error",
			Response: protocol.ReplyResponse{Reason: "unauthorized"},
		}, env.Ref)
		sendEnv(ctx, ws, reply)
		readEnv(ctx, ws)
	})

	events := NewSink(16)
	sess := testSession(srv.URL, "http://localhost:0", events)

	err := sess.Run(context.Background())
	var rejected *JoinRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Run() error = %v, want JoinRejectedError", err)
	}
	if rejected.Reason != "unauthorized" {
		t.Errorf("Reason = %q, want %q", rejected.Reason, "unauthorized")
	}
	if Retryable(err) {
		t.Error("Retryable() = true for a rejected join")
	}

	counts := drainEvents(events)
	if counts[KindConnected] != 0 {
		t.Errorf("got %d connected events, want 0", counts[KindConnected])
	}
	if counts[KindConnectionError] != 1 {
		t.Errorf("got %d connection error events, want 1", counts[KindConnectionError])
	}
}

func TestSessionJoinTimeout(t *testing.T) {
	srv := newRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		readEnv(ctx, ws) // swallow the join, never answer
		readEnv(ctx, ws)
	})

	events := NewSink(16)
	sess := testSession(srv.URL, "http://localhost:0", events)
	sess.cfg.JoinTimeout = 100 * time.Millisecond

	err := sess.Run(context.Background())
	if !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("Run() error = %v, want ErrJoinTimeout", err)
	}
	if !Retryable(err) {
		t.Error("Retryable() = false for a join timeout")
	}
}

func TestSessionMismatchedReplyRefIgnored(t *testing.T) {
	srv := newRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		env, err := readEnv(ctx, ws)
		if err != nil {
			return
		}
		// A reply for some other ref must not satisfy the join wait.
		sendEnv(ctx, ws, okReply(env.Topic, "99"))
		readEnv(ctx, ws)
	})

	events := NewSink(16)
	sess := testSession(srv.URL, "http://localhost:0", events)
	sess.cfg.JoinTimeout = 200 * time.Millisecond

	if err := sess.Run(context.Background()); !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("Run() error = %v, want ErrJoinTimeout", err)
	}
}

func TestSessionForwardsWebhookAndAcks(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotSig, gotBody string
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotSig = r.Header.Get("X-Signature")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	}))
	defer target.Close()

	acks := make(chan protocol.Envelope, 4)
	srv := newRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		env, err := readEnv(ctx, ws)
		if err != nil {
			return
		}
		sendEnv(ctx, ws, okReply(env.Topic, env.Ref))
		sendEnv(ctx, ws, webhookEnv(env.Topic, "req-1", "POST", "/hooks/github",
			map[string]any{"X-Signature": "sha256=abc"},
			map[string]any{"delivery": float64(7)},
			strptr(`{"action":"opened"}`),
		))
		for {
			env, err := readEnv(ctx, ws)
			if err != nil {
				return
			}
			acks <- env
		}
	})

	events := NewSink(16)
	sess := testSession(srv.URL, target.URL, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx) }()

	received := waitEvent(t, events, KindWebhookReceived)
	if received.Request == nil || received.Request.ID != "req-1" {
		t.Fatalf("webhook event request = %+v, want id req-1", received.Request)
	}
	if got := received.Request.QueryParams["delivery"]; got != "7" {
		t.Errorf("coerced query param = %q, want %q", got, "7")
	}

	success := waitEvent(t, events, KindForwardSuccess)
	if success.RequestID != "req-1" {
		t.Errorf("forward event request id = %q, want req-1", success.RequestID)
	}
	if success.Status != http.StatusOK {
		t.Errorf("forward event status = %d, want 200", success.Status)
	}

	ack := waitAck(t, acks)
	if ack.RequestID != "req-1" {
		t.Errorf("ack request_id = %q, want req-1", ack.RequestID)
	}
	if ack.Status != protocol.AckStatusProxied {
		t.Errorf("ack status = %q, want %q", ack.Status, protocol.AckStatusProxied)
	}
	if want := target.URL + "/hooks/github?delivery=7"; ack.ProxiedTo != want {
		t.Errorf("ack proxied_to = %q, want %q", ack.ProxiedTo, want)
	}

	if gotMethod != "POST" || gotPath != "/hooks/github" {
		t.Errorf("target saw %s %s, want POST /hooks/github", gotMethod, gotPath)
	}
	if gotQuery != "delivery=7" {
		t.Errorf("target query = %q, want delivery=7", gotQuery)
	}
	if gotSig != "sha256=abc" {
		t.Errorf("target X-Signature = %q, want sha256=abc", gotSig)
	}
	if gotBody != `{"action":"opened"}` {
		t.Errorf("target body = %q", gotBody)
	}

	cancel()
	<-errCh
}

func TestSessionErrorAckOnTargetFailure(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer target.Close()

	acks := make(chan protocol.Envelope, 4)
	srv := newRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		env, err := readEnv(ctx, ws)
		if err != nil {
			return
		}
		sendEnv(ctx, ws, okReply(env.Topic, env.Ref))
		sendEnv(ctx, ws, webhookEnv(env.Topic, "req-9", "POST", "/hooks", nil, nil, nil))
		for {
			env, err := readEnv(ctx, ws)
			if err != nil {
				return
			}
			acks <- env
		}
	})

	events := NewSink(16)
	sess := testSession(srv.URL, target.URL, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx) }()

	fail := waitEvent(t, events, KindForwardError)
	if fail.RequestID != "req-9" {
		t.Errorf("forward error request id = %q, want req-9", fail.RequestID)
	}

	ack := waitAck(t, acks)
	if ack.Status != protocol.AckStatusError {
		t.Errorf("ack status = %q, want %q", ack.Status, protocol.AckStatusError)
	}
	if ack.RequestID != "req-9" {
		t.Errorf("ack request_id = %q, want req-9", ack.RequestID)
	}
	if !strings.Contains(ack.Error, "500") {
		t.Errorf("ack error %q does not mention the status", ack.Error)
	}
	if ack.ProxiedTo != "" {
		t.Errorf("ack proxied_to = %q, want empty on error", ack.ProxiedTo)
	}

	cancel()
	<-errCh
}

func TestSessionSurvivesMalformedWebhook(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer target.Close()

	acks := make(chan protocol.Envelope, 4)
	srv := newRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		env, err := readEnv(ctx, ws)
		if err != nil {
			return
		}
		sendEnv(ctx, ws, okReply(env.Topic, env.Ref))
		// No request object: must be reported, not fatal.
		bad, _ := protocol.NewEnvelope(env.Topic, protocol.EventWebhook, map[string]any{}, "")
		sendEnv(ctx, ws, bad)
		sendEnv(ctx, ws, webhookEnv(env.Topic, "req-2", "GET", "/ok", nil, nil, nil))
		for {
			env, err := readEnv(ctx, ws)
			if err != nil {
				return
			}
			acks <- env
		}
	})

	events := NewSink(16)
	sess := testSession(srv.URL, target.URL, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx) }()

	waitEvent(t, events, KindConnectionError)

	// The session is still alive: the valid webhook behind it is acked.
	ack := waitAck(t, acks)
	if ack.RequestID != "req-2" {
		t.Errorf("ack request_id = %q, want req-2", ack.RequestID)
	}
	if st := sess.State(); st != StateActive {
		t.Errorf("State() = %v, want %v", st, StateActive)
	}

	cancel()
	<-errCh
}

func TestSessionConcurrentWebhooksAckIndependently(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(100 * time.Millisecond)
		}
	}))
	defer target.Close()

	acks := make(chan protocol.Envelope, 4)
	srv := newRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		env, err := readEnv(ctx, ws)
		if err != nil {
			return
		}
		sendEnv(ctx, ws, okReply(env.Topic, env.Ref))
		sendEnv(ctx, ws, webhookEnv(env.Topic, "slow-1", "GET", "/slow", nil, nil, nil))
		sendEnv(ctx, ws, webhookEnv(env.Topic, "fast-1", "GET", "/fast", nil, nil, nil))
		for {
			env, err := readEnv(ctx, ws)
			if err != nil {
				return
			}
			acks <- env
		}
	})

	events := NewSink(16)
	sess := testSession(srv.URL, target.URL, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx) }()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		ack := waitAck(t, acks)
		if ack.Status != protocol.AckStatusProxied {
			t.Errorf("ack status = %q, want proxied", ack.Status)
		}
		got[ack.RequestID] = true
	}
	if !got["slow-1"] || !got["fast-1"] {
		t.Errorf("acked request ids = %v, want slow-1 and fast-1", got)
	}

	cancel()
	<-errCh
}

func TestSessionHeartbeats(t *testing.T) {
	beats := make(chan protocol.Envelope, 4)
	srv := newRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		env, err := readEnv(ctx, ws)
		if err != nil {
			return
		}
		sendEnv(ctx, ws, okReply(env.Topic, env.Ref))
		for {
			env, err := readEnv(ctx, ws)
			if err != nil {
				return
			}
			if env.Event == protocol.EventHeartbeat {
				sendEnv(ctx, ws, okReply(protocol.HeartbeatTopic, env.Ref))
				beats <- env
			}
		}
	})

	events := NewSink(16)
	sess := testSession(srv.URL, "http://localhost:0", events)
	sess.cfg.HeartbeatInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx) }()

	for i, wantRef := range []string{"2", "3"} {
		select {
		case hb := <-beats:
			if hb.Topic != protocol.HeartbeatTopic {
				t.Errorf("heartbeat %d topic = %q, want %q", i, hb.Topic, protocol.HeartbeatTopic)
			}
			if hb.Ref != wantRef {
				t.Errorf("heartbeat %d ref = %q, want %q", i, hb.Ref, wantRef)
			}
			if string(hb.Payload) != "{}" {
				t.Errorf("heartbeat %d payload = %s, want {}", i, hb.Payload)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for heartbeat %d", i)
		}
	}

	cancel()
	<-errCh
}

func TestSessionServerClose(t *testing.T) {
	srv := newRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		env, err := readEnv(ctx, ws)
		if err != nil {
			return
		}
		sendEnv(ctx, ws, okReply(env.Topic, env.Ref))
		ws.Close(websocket.StatusNormalClosure, "going away")
	})

	events := NewSink(16)
	sess := testSession(srv.URL, "http://localhost:0", events)

	err := sess.Run(context.Background())
	if !errors.Is(err, ErrStreamEnded) {
		t.Fatalf("Run() error = %v, want ErrStreamEnded", err)
	}
	if !Retryable(err) {
		t.Error("Retryable() = false for a closed stream")
	}

	counts := drainEvents(events)
	if counts[KindConnected] != 1 {
		t.Errorf("got %d connected events, want 1", counts[KindConnected])
	}
	if counts[KindConnectionError] != 1 {
		t.Errorf("got %d connection error events, want 1", counts[KindConnectionError])
	}
}
