package tunnel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hooklistener/hooklistener-cli-sub000/internal/metrics"
	"github.com/hooklistener/hooklistener-cli-sub000/internal/protocol"
)

// forwardableMethods is the set of verbs the executor will replay.
// Anything else is skipped without failing the session.
var forwardableMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodDelete: {},
	http.MethodPatch:  {},
	http.MethodHead:   {},
}

// Outcome describes one forwarding attempt.
type Outcome struct {
	RequestID string
	ProxiedTo string
	Status    int           // HTTP status from the local target, on success
	Err       error         // transport failure, on error
	Duration  time.Duration // elapsed time of the HTTP call
	Skipped   bool          // unsupported verb; no ack is produced
}

// Forwarder replays webhook records against the configured local target.
type Forwarder struct {
	Target  string // local target base URL
	Client  *http.Client
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// BuildTargetURL concatenates the target base URL with the record's path
// and appends the coerced query parameters, if any.
func BuildTargetURL(base, path string, query map[string]any) string {
	target := base + path
	if len(query) == 0 {
		return target
	}
	values := url.Values{}
	for k, v := range query {
		values.Set(k, protocol.Stringify(v))
	}
	return target + "?" + values.Encode()
}

// Forward issues the outbound HTTP call for one webhook record and
// returns the outcome. A failure to reach the local target is data, not
// an error: it is reported in the outcome and becomes an error ack.
func (f *Forwarder) Forward(ctx context.Context, rec protocol.WebhookRecord) Outcome {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	out := Outcome{RequestID: rec.ID}

	if _, ok := forwardableMethods[rec.Method]; !ok {
		logger.Warn("unsupported HTTP method, skipping forward", "request_id", rec.ID, "method", rec.Method)
		out.Skipped = true
		f.Metrics.ForwardCompleted(metrics.ForwardSkipped, 0)
		return out
	}

	out.ProxiedTo = BuildTargetURL(f.Target, rec.Path, rec.QueryParams)

	var body io.Reader
	if rec.Body != nil {
		// Body is attached verbatim regardless of method. The REST replay
		// path suppresses bodies for GET/HEAD; the tunnel does not.
		body = strings.NewReader(*rec.Body)
	}

	req, err := http.NewRequestWithContext(ctx, rec.Method, out.ProxiedTo, body)
	if err != nil {
		out.Err = err
		f.Metrics.ForwardCompleted(metrics.ForwardError, 0)
		return out
	}

	// Copy all inbound headers except Host, which the transport sets for
	// the new destination.
	for k, v := range rec.Headers {
		if strings.EqualFold(k, "host") {
			continue
		}
		req.Header.Set(k, protocol.Stringify(v))
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	out.Duration = time.Since(start)
	if err != nil {
		logger.Error("forward failed", "request_id", rec.ID, "target", out.ProxiedTo, "error", err)
		out.Err = err
		f.Metrics.ForwardCompleted(metrics.ForwardError, out.Duration.Seconds())
		return out
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	out.Status = resp.StatusCode
	// An error status from the local target counts as a failed forward:
	// the relay is told the webhook was not delivered.
	if resp.StatusCode >= http.StatusBadRequest {
		logger.Error("local target rejected webhook",
			"request_id", rec.ID,
			"status", resp.StatusCode,
			"duration_ms", out.Duration.Milliseconds(),
		)
		out.Err = fmt.Errorf("local target responded with status %d", resp.StatusCode)
		f.Metrics.ForwardCompleted(metrics.ForwardError, out.Duration.Seconds())
		return out
	}

	logger.Info("webhook forwarded",
		"request_id", rec.ID,
		"method", rec.Method,
		"status", resp.StatusCode,
		"duration_ms", out.Duration.Milliseconds(),
	)
	f.Metrics.ForwardCompleted(metrics.ForwardSuccess, out.Duration.Seconds())
	return out
}

// ackEnvelope builds the request_ack envelope for a completed forward.
// Skipped outcomes produce no ack and must not be passed here.
func ackEnvelope(topic string, out Outcome) (protocol.Envelope, error) {
	payload := protocol.AckPayload{RequestID: out.RequestID}
	if out.Err != nil {
		payload.Status = protocol.AckStatusError
		payload.Error = out.Err.Error()
	} else {
		payload.Status = protocol.AckStatusProxied
		payload.ProxiedTo = out.ProxiedTo
	}
	return protocol.NewEnvelope(topic, protocol.EventAck, payload, "")
}

// forwardSemaphore bounds concurrent forwarding calls per session. A nil
// channel imposes no limit.
type forwardSemaphore struct {
	ch chan struct{}
}

func newForwardSemaphore(max int) *forwardSemaphore {
	if max <= 0 {
		return &forwardSemaphore{}
	}
	return &forwardSemaphore{ch: make(chan struct{}, max)}
}

// acquire blocks until a slot is free or the context ends.
func (s *forwardSemaphore) acquire(ctx context.Context) bool {
	if s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *forwardSemaphore) release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}
