package tunnel

import "time"

// Kind identifies a lifecycle event emitted by the session.
type Kind int

const (
	// KindConnected fires once per session, after the join reply is
	// confirmed.
	KindConnected Kind = iota

	// KindConnectionError reports any connection-level problem: a failed
	// dial, a rejected join, a malformed inbound payload, or the socket
	// going away mid-session. Message carries the human-readable cause.
	KindConnectionError

	// KindWebhookReceived carries a decoded webhook. The acknowledgment
	// is decided independently by the forwarder; this event is purely
	// informational.
	KindWebhookReceived

	// KindForwardSuccess and KindForwardError report the outcome of one
	// forwarding attempt against the local target.
	KindForwardSuccess
	KindForwardError
)

// Request is the normalized representation of a captured webhook,
// independent of the wire shape. Header and query values are already
// coerced to strings.
type Request struct {
	ID          string
	Method      string
	Path        string
	Headers     map[string]string
	QueryParams map[string]string
	Body        *string
	ReceivedAt  time.Time
}

// Event is one observable fact about the session. Only the fields
// relevant to the Kind are populated.
type Event struct {
	Kind      Kind
	Message   string        // KindConnectionError, KindForwardError
	Request   *Request      // KindWebhookReceived
	RequestID string        // forward outcomes
	Status    int           // KindForwardSuccess: HTTP status from the local target
	Duration  time.Duration // forward outcomes
}

// Sink is a bounded, drop-on-full event feed. The session never blocks
// on a slow consumer: if the buffer is full the event is dropped.
// All methods are safe on a nil receiver, which discards everything.
type Sink struct {
	ch chan Event
}

// NewSink creates a sink with the given buffer size.
func NewSink(buffer int) *Sink {
	if buffer <= 0 {
		buffer = 64
	}
	return &Sink{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the sink.
func (s *Sink) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

// Send delivers an event without blocking. It reports whether the event
// was accepted.
func (s *Sink) Send(ev Event) bool {
	if s == nil {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Close closes the feed. The session does not close the sink itself;
// the owner does, once no more sessions will use it.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	close(s.ch)
}
