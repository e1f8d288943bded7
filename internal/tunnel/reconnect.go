package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hooklistener/hooklistener-cli-sub000/internal/metrics"
)

// ReconnectConfig tunes the retry policy around a session.
type ReconnectConfig struct {
	MaxRetries   int           // consecutive failed attempts before giving up; zero means 10
	InitialDelay time.Duration // zero means 1s
	MaxDelay     time.Duration // zero means 60s
	JitterFactor float64       // fraction of the delay randomized both ways; zero means 0.3

	// StableAfter is how long a session must stay up for the attempt
	// counter to reset. Zero means 5s.
	StableAfter time.Duration
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.MaxRetries == 0 {
		c.MaxRetries = 10
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.JitterFactor == 0 {
		c.JitterFactor = 0.3
	}
	if c.StableAfter == 0 {
		c.StableAfter = 5 * time.Second
	}
	return c
}

// Backoff returns the jittered delay before the given attempt, starting
// at 1. Delays double per attempt up to MaxDelay, then jitter is applied
// both ways, floored at 100ms.
func Backoff(attempt int, cfg ReconnectConfig) time.Duration {
	cfg = cfg.withDefaults()
	delay := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}
	jitter := (rand.Float64()*2 - 1) * cfg.JitterFactor * float64(delay)
	delay += time.Duration(jitter)
	if delay < 100*time.Millisecond {
		delay = 100 * time.Millisecond
	}
	return delay
}

// Driver runs a session in a retry loop. Retry policy lives here, not
// in the session: the session makes exactly one attempt per Run and the
// driver decides whether and when to try again.
type Driver struct {
	cfg     ReconnectConfig
	run     func(context.Context) error
	logger  *slog.Logger
	metrics *metrics.Metrics
	trigger chan struct{}
}

// NewDriver wraps run in the retry policy. run is typically
// (*Session).Run.
func NewDriver(cfg ReconnectConfig, run func(context.Context) error, logger *slog.Logger, m *metrics.Metrics) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:     cfg.withDefaults(),
		run:     run,
		logger:  logger,
		metrics: m,
		trigger: make(chan struct{}, 1),
	}
}

// TriggerReconnect cuts the current backoff wait short. It is a no-op
// when no wait is in progress or a trigger is already pending.
func (d *Driver) TriggerReconnect() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run keeps the session alive until ctx is cancelled, a terminal error
// occurs, or MaxRetries consecutive attempts fail. A session that stays
// up past StableAfter resets the attempt counter.
func (d *Driver) Run(ctx context.Context) error {
	attempt := 0
	for {
		start := time.Now()
		err := d.run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !Retryable(err) {
			d.logger.Error("giving up: error is not retryable", "error", err)
			return err
		}
		if time.Since(start) >= d.cfg.StableAfter {
			attempt = 0
		}

		attempt++
		if attempt > d.cfg.MaxRetries {
			d.logger.Error("giving up after repeated connection failures", "attempts", d.cfg.MaxRetries)
			return fmt.Errorf("connection failed after %d attempts: %w", d.cfg.MaxRetries, err)
		}

		delay := Backoff(attempt, d.cfg)
		d.logger.Warn("reconnecting",
			"attempt", attempt,
			"max_attempts", d.cfg.MaxRetries,
			"delay", delay.Round(time.Millisecond),
			"error", err,
		)
		d.metrics.ReconnectAttempt()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-d.trigger:
			timer.Stop()
			d.logger.Info("reconnect triggered, skipping backoff")
		case <-timer.C:
		}
	}
}
