package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/hooklistener/hooklistener-cli-sub000/internal/tunnel"
	"github.com/hooklistener/hooklistener-cli-sub000/internal/update"
)

func listenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen <endpoint-slug>",
		Short: "Forward an endpoint's webhooks to a local server",
		Long: `Open a tunnel for the given endpoint and forward every captured
webhook to a local HTTP server. The tunnel reconnects automatically on
transient failures.`,
		Args: cobra.ExactArgs(1),
		RunE: runListen,
	}

	cmd.Flags().String("target", "http://localhost:3000", "local server base URL to forward webhooks to")
	cmd.Flags().Int("max-in-flight", 0, "max concurrent forwards (0 = default of 8, negative = unlimited)")
	cmd.Flags().Int("max-retries", 0, "consecutive reconnect attempts before giving up (0 = default of 10)")
	cmd.Flags().Duration("heartbeat-interval", 30*time.Second, "keep-alive interval")

	return cmd
}

func runListen(cmd *cobra.Command, args []string) error {
	slug := args[0]
	target, _ := cmd.Flags().GetString("target")
	maxInFlight, _ := cmd.Flags().GetInt("max-in-flight")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat-interval")

	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	token, err := resolveToken(cmd)
	if err != nil {
		return err
	}
	baseURL := resolveAPIBase(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	// Best-effort version notice; never blocks the tunnel.
	go func() {
		checker := &update.Checker{Version: version, Logger: logger}
		if latest := checker.Check(ctx); latest != "" {
			fmt.Fprintf(os.Stderr, "A new version of hooklistener is available: %s (current %s)\n", latest, version)
		}
	}()

	events := tunnel.NewSink(64)
	defer events.Close()
	go printEvents(events, slug, target)

	sess := tunnel.New(tunnel.Config{
		Slug:              slug,
		TargetURL:         target,
		BaseURL:           baseURL,
		Token:             token,
		Events:            events,
		Logger:            logger,
		Metrics:           m,
		MaxInFlight:       maxInFlight,
		HeartbeatInterval: heartbeat,
	})

	driver := tunnel.NewDriver(tunnel.ReconnectConfig{MaxRetries: maxRetries}, sess.Run, logger, m)
	err = driver.Run(ctx)
	if ctx.Err() != nil {
		fmt.Println("Tunnel closed.")
		return nil
	}
	return err
}

// printEvents renders the session's event feed for the terminal.
func printEvents(events *tunnel.Sink, slug, target string) {
	for ev := range events.Events() {
		switch ev.Kind {
		case tunnel.KindConnected:
			fmt.Printf("Connected. Forwarding %s -> %s\n", slug, target)
		case tunnel.KindConnectionError:
			fmt.Fprintf(os.Stderr, "Connection error: %s\n", ev.Message)
		case tunnel.KindWebhookReceived:
			fmt.Printf("-> %s %s (%s)\n", ev.Request.Method, ev.Request.Path, ev.Request.ID)
		case tunnel.KindForwardSuccess:
			fmt.Printf("<- %d in %s (%s)\n", ev.Status, ev.Duration.Round(time.Millisecond), ev.RequestID)
		case tunnel.KindForwardError:
			fmt.Fprintf(os.Stderr, "<- forward failed: %s (%s)\n", ev.Message, ev.RequestID)
		}
	}
}
