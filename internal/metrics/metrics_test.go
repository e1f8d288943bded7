package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
		return
	}
	if m.Registry == nil {
		t.Fatal("Registry is nil")
		return
	}

	// Trigger all metrics so they appear in Gather output.
	m.WebhookReceived()
	m.ForwardCompleted(ForwardSuccess, 0.1)
	m.AckSent("proxied")
	m.HeartbeatSent()
	m.SetSessionConnected(true)
	m.SessionError(ReasonDialFailed)
	m.ReconnectAttempt()

	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	wantNames := []string{
		"hooklistener_webhooks_received_total",
		"hooklistener_forwards_total",
		"hooklistener_forward_duration_seconds",
		"hooklistener_acks_sent_total",
		"hooklistener_heartbeats_sent_total",
		"hooklistener_session_connected",
		"hooklistener_session_errors_total",
		"hooklistener_reconnects_total",
	}
	got := make(map[string]bool)
	for _, f := range fams {
		got[f.GetName()] = true
	}
	for _, name := range wantNames {
		if !got[name] {
			t.Errorf("expected metric %q not found in registry", name)
		}
	}
}

func TestForwardCompleted(t *testing.T) {
	m := New()
	m.ForwardCompleted(ForwardSuccess, 0.2)
	m.ForwardCompleted(ForwardError, 0.1)
	m.ForwardCompleted(ForwardSkipped, 0)

	if got := getCounter(t, m.forwardsTotal, ForwardSuccess); got != 1 {
		t.Errorf("forwards{success} = %v, want 1", got)
	}
	if got := getCounter(t, m.forwardsTotal, ForwardError); got != 1 {
		t.Errorf("forwards{error} = %v, want 1", got)
	}
	if got := getCounter(t, m.forwardsTotal, ForwardSkipped); got != 1 {
		t.Errorf("forwards{skipped} = %v, want 1", got)
	}

	// Skipped forwards never ran; the duration histogram only counts the
	// two real attempts.
	h := &dto.Metric{}
	if err := m.forwardDuration.Write(h); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	if got := h.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("forward duration samples = %d, want 2", got)
	}
}

func TestSessionGauge(t *testing.T) {
	m := New()
	m.SetSessionConnected(true)
	if got := getScalarGauge(t, m.sessionUp); got != 1 {
		t.Errorf("session_connected = %v, want 1", got)
	}
	m.SetSessionConnected(false)
	if got := getScalarGauge(t, m.sessionUp); got != 0 {
		t.Errorf("session_connected = %v, want 0", got)
	}
}

func TestNilMetrics(t *testing.T) {
	// Calling methods on a nil *Metrics must not panic.
	var m *Metrics
	m.WebhookReceived()
	m.ForwardCompleted(ForwardSuccess, 0.1)
	m.AckSent("proxied")
	m.HeartbeatSent()
	m.SetSessionConnected(true)
	m.SessionError(ReasonReadError)
	m.ReconnectAttempt()
}

func TestServe(t *testing.T) {
	m := New()
	m.WebhookReceived()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, ln, nil) }()

	url := fmt.Sprintf("http://%s/metrics", ln.Addr())
	var body string
	for i := 0; i < 50; i++ {
		resp, err := http.Get(url)
		if err == nil {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(data)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(body, "hooklistener_webhooks_received_total") {
		t.Errorf("/metrics output missing webhook counter:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not shut down after cancellation")
	}
}

// helpers

func getCounter(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getScalarGauge(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}
