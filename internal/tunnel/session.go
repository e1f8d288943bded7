// Package tunnel implements the webhook tunnel client: a single logical
// Phoenix channel session over a WebSocket, which decodes inbound webhook
// envelopes, replays them against a local HTTP target, and acknowledges
// each outcome back to the relay.
//
// The session owns the socket exclusively. All writes (join, heartbeat,
// acknowledgment) happen on the run-loop goroutine; forwarding calls run
// concurrently and hand their acknowledgments back through an outbound
// queue rather than writing to the socket directly.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/hooklistener/hooklistener-cli-sub000/internal/metrics"
	"github.com/hooklistener/hooklistener-cli-sub000/internal/protocol"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultJoinTimeout       = 5 * time.Second
	defaultMaxInFlight       = 8
	writeTimeout             = 10 * time.Second
	maxFrameSize             = 1 << 20 // webhook bodies can be large
)

// State is the session lifecycle state. Only the session mutates it.
type State int32

const (
	StateConnecting State = iota
	StateJoining
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds tunnel session parameters.
type Config struct {
	Slug      string // endpoint identity; becomes the channel topic
	TargetURL string // local target base URL
	BaseURL   string // relay base URL (http(s) or ws(s))
	Token     string // access token, passed as a connection query parameter

	Events  *Sink            // optional; nil discards events
	Logger  *slog.Logger     // optional; nil uses slog.Default
	Metrics *metrics.Metrics // optional; nil disables metrics

	HTTPClient *http.Client // client for forwarding calls; nil uses http.DefaultClient

	// MaxInFlight caps concurrent forwarding calls. Acks are
	// self-describing via request_id, so completion order is free.
	// Zero means the default of 8; negative means unlimited.
	MaxInFlight int

	HeartbeatInterval time.Duration // zero means 30s
	JoinTimeout       time.Duration // zero means 5s
}

// Session is a tunnel client for one endpoint. A Session may be run
// multiple times; each Run is one connect-join-loop attempt. Reconnect
// policy lives outside the session (see Driver).
type Session struct {
	cfg   Config
	fwd   *Forwarder
	state atomic.Int32
}

// New creates a session. Zero-value config fields get defaults.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	s := &Session{cfg: cfg}
	s.fwd = &Forwarder{
		Target:  cfg.TargetURL,
		Client:  cfg.HTTPClient,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// frame is one decoded inbound message from the reader goroutine.
type frame struct {
	env       protocol.Envelope
	decodeErr error // malformed frame; reported, loop continues
	err       error // transport error; loop ends
}

// outboundAck is a completed forward waiting for the single writer.
type outboundAck struct {
	env    protocol.Envelope
	status string
}

// Run connects, joins the channel, and processes envelopes until the
// socket fails or ctx is cancelled. Every failure is surfaced through
// the event sink before Run returns; Run never sleeps or retries
// internally.
func (s *Session) Run(ctx context.Context) error {
	logger := s.cfg.Logger
	topic := protocol.TunnelTopic(s.cfg.Slug)

	s.setState(StateConnecting)
	defer s.setState(StateClosed)
	defer s.cfg.Metrics.SetSessionConnected(false)

	logger.Info("connecting to webhook tunnel", "endpoint", s.cfg.Slug, "target", s.cfg.TargetURL)

	ws, err := dial(ctx, s.cfg.BaseURL, s.cfg.Token, s.cfg.Slug)
	if err != nil {
		return s.fail(metricsReason(err), err)
	}
	defer ws.CloseNow()
	ws.SetReadLimit(maxFrameSize)

	// One reader goroutine feeds both the join wait and the run loop.
	// The transport answers ping control frames itself; only data frames
	// surface here.
	readCtx, readCancel := context.WithCancel(ctx)
	defer readCancel()
	frames := make(chan frame)
	go readLoop(readCtx, ws, frames)

	s.setState(StateJoining)
	if err := s.join(ctx, ws, topic, frames); err != nil {
		return s.fail(metricsReason(err), err)
	}

	s.setState(StateActive)
	s.cfg.Metrics.SetSessionConnected(true)
	s.cfg.Events.Send(Event{Kind: KindConnected})
	logger.Info("channel joined", "topic", topic)

	return s.runLoop(ctx, ws, topic, frames)
}

// fail records the reason, emits the explanatory event, and returns err.
func (s *Session) fail(reason string, err error) error {
	s.cfg.Metrics.SessionError(reason)
	s.cfg.Events.Send(Event{Kind: KindConnectionError, Message: err.Error()})
	return err
}

// join performs the one-shot join exchange: send phx_join with the join
// ref, then wait for a phx_reply whose ref matches. Replies with a
// different ref never satisfy the wait.
func (s *Session) join(ctx context.Context, ws *websocket.Conn, topic string, frames <-chan frame) error {
	join, err := protocol.NewEnvelope(topic, protocol.EventJoin, nil, protocol.JoinRef)
	if err != nil {
		return err
	}
	if err := writeEnvelope(ctx, ws, join); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	timer := time.NewTimer(s.cfg.JoinTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrJoinTimeout
		case fr := <-frames:
			switch {
			case fr.err != nil:
				if isStreamEnd(fr.err) {
					return fmt.Errorf("websocket closed during join: %w", fr.err)
				}
				return fmt.Errorf("websocket error during join: %w", fr.err)
			case fr.decodeErr != nil:
				s.cfg.Logger.Debug("ignoring malformed frame during join", "error", fr.decodeErr)
				continue
			case fr.env.Event != protocol.EventReply || fr.env.Ref != protocol.JoinRef:
				continue
			}

			reply, err := fr.env.DecodeReply()
			if err != nil {
				return &JoinRejectedError{Reason: "unreadable join reply"}
			}
			if reply.OK() {
				return nil
			}
			reason := reply.Response.Reason
			if reason == "" {
				reason = "unknown error"
			}
			return &JoinRejectedError{Reason: reason}
		}
	}
}

// runLoop is the single writer: heartbeats, acknowledgments, and inbound
// dispatch all interleave here. A malformed envelope never ends the
// loop; a transport error or a failed write does.
func (s *Session) runLoop(ctx context.Context, ws *websocket.Conn, topic string, frames <-chan frame) error {
	logger := s.cfg.Logger

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	hbRef := 2 // join used ref "1"

	sem := newForwardSemaphore(s.cfg.MaxInFlight)
	outbound := make(chan outboundAck, 16)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-heartbeat.C:
			env, err := protocol.NewEnvelope(protocol.HeartbeatTopic, protocol.EventHeartbeat, nil, strconv.Itoa(hbRef))
			hbRef++
			if err == nil {
				err = writeEnvelope(ctx, ws, env)
			}
			if err != nil {
				return s.fail(metrics.ReasonWriteError, fmt.Errorf("send heartbeat: %w", err))
			}
			s.cfg.Metrics.HeartbeatSent()

		case ack := <-outbound:
			if err := writeEnvelope(ctx, ws, ack.env); err != nil {
				return s.fail(metrics.ReasonWriteError, fmt.Errorf("send ack: %w", err))
			}
			s.cfg.Metrics.AckSent(ack.status)

		case fr := <-frames:
			switch {
			case fr.err != nil:
				if isStreamEnd(fr.err) {
					logger.Warn("websocket stream ended", "error", fr.err)
					return s.fail(metrics.ReasonClosed, fmt.Errorf("%w: %v", ErrStreamEnded, fr.err))
				}
				logger.Error("websocket read failed", "error", fr.err)
				return s.fail(metrics.ReasonReadError, fmt.Errorf("websocket error: %w", fr.err))
			case fr.decodeErr != nil:
				logger.Warn("malformed frame", "error", fr.decodeErr)
				s.cfg.Metrics.SessionError(metrics.ReasonBadPayload)
				s.cfg.Events.Send(Event{Kind: KindConnectionError, Message: "malformed frame: " + fr.decodeErr.Error()})
			default:
				s.dispatch(ctx, topic, fr.env, sem, outbound)
			}
		}
	}
}

// dispatch classifies one envelope by its event discriminator.
func (s *Session) dispatch(ctx context.Context, topic string, env protocol.Envelope, sem *forwardSemaphore, outbound chan<- outboundAck) {
	logger := s.cfg.Logger

	switch env.Event {
	case protocol.EventReply:
		// Post-join replies (heartbeat confirmations) carry nothing we track.
		logger.Debug("ignoring reply", "ref", env.Ref)

	case protocol.EventWebhook:
		rec, err := env.DecodeWebhook()
		if err != nil {
			logger.Error("invalid webhook payload", "error", err)
			s.cfg.Metrics.SessionError(metrics.ReasonBadPayload)
			s.cfg.Events.Send(Event{Kind: KindConnectionError, Message: "invalid webhook payload: " + err.Error()})
			return
		}
		s.cfg.Metrics.WebhookReceived()

		req := normalizeRecord(rec)
		logger.Info("webhook received", "request_id", rec.ID, "method", rec.Method, "path", rec.Path)
		s.cfg.Events.Send(Event{Kind: KindWebhookReceived, Request: &req})

		go s.forwardAndAck(ctx, topic, rec, sem, outbound)

	default:
		logger.Debug("unhandled event", "event", env.Event, "topic", env.Topic)
	}
}

// forwardAndAck runs one forwarding call off the loop goroutine and
// hands the acknowledgment back to the single writer.
func (s *Session) forwardAndAck(ctx context.Context, topic string, rec protocol.WebhookRecord, sem *forwardSemaphore, outbound chan<- outboundAck) {
	if !sem.acquire(ctx) {
		return
	}
	defer sem.release()

	out := s.fwd.Forward(ctx, rec)
	if out.Skipped {
		return
	}

	status := protocol.AckStatusProxied
	if out.Err != nil {
		status = protocol.AckStatusError
		s.cfg.Events.Send(Event{
			Kind:      KindForwardError,
			RequestID: out.RequestID,
			Message:   out.Err.Error(),
			Duration:  out.Duration,
		})
	} else {
		s.cfg.Events.Send(Event{
			Kind:      KindForwardSuccess,
			RequestID: out.RequestID,
			Status:    out.Status,
			Duration:  out.Duration,
		})
	}

	env, err := ackEnvelope(topic, out)
	if err != nil {
		s.cfg.Logger.Error("build ack failed", "request_id", out.RequestID, "error", err)
		return
	}
	select {
	case outbound <- outboundAck{env: env, status: status}:
	case <-ctx.Done():
	}
}

// normalizeRecord converts the wire record into the domain request,
// coercing header and query values to strings.
func normalizeRecord(rec protocol.WebhookRecord) Request {
	return Request{
		ID:          rec.ID,
		Method:      rec.Method,
		Path:        rec.Path,
		Headers:     protocol.CoerceMap(rec.Headers),
		QueryParams: protocol.CoerceMap(rec.QueryParams),
		Body:        rec.Body,
		ReceivedAt:  time.Now().UTC(),
	}
}

// readLoop feeds inbound frames to the session. It exits on the first
// transport error, after reporting it.
func readLoop(ctx context.Context, ws *websocket.Conn, frames chan<- frame) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			select {
			case frames <- frame{err: err}:
			case <-ctx.Done():
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			select {
			case frames <- frame{decodeErr: err}:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case frames <- frame{env: env}:
		case <-ctx.Done():
			return
		}
	}
}

func writeEnvelope(ctx context.Context, ws *websocket.Conn, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

// isStreamEnd reports whether err is a peer close or stream exhaustion,
// as opposed to a frame-level transport error.
func isStreamEnd(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// metricsReason maps a handshake or join error onto its metrics label.
func metricsReason(err error) string {
	var notFound *NotFoundError
	var rejected *JoinRejectedError
	switch {
	case errors.Is(err, ErrAuth):
		return metrics.ReasonAuthFailed
	case errors.As(err, &notFound):
		return metrics.ReasonNotFound
	case errors.As(err, &rejected):
		return metrics.ReasonJoinRejected
	case errors.Is(err, ErrJoinTimeout):
		return metrics.ReasonJoinTimeout
	default:
		return metrics.ReasonDialFailed
	}
}
