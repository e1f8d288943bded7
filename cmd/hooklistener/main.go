package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/spf13/cobra"

	"github.com/hooklistener/hooklistener-cli-sub000/internal/api"
	"github.com/hooklistener/hooklistener-cli-sub000/internal/config"
	"github.com/hooklistener/hooklistener-cli-sub000/internal/metrics"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "hooklistener",
		Short:        "Hooklistener webhook tunnel",
		Long:         "Capture webhooks with Hooklistener and forward them to a local server.",
		SilenceUsage: true,
	}

	// Global flags.
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")
	rootCmd.PersistentFlags().String("api-url", "", "Hooklistener API base URL (default https://app.hooklistener.com)")
	rootCmd.PersistentFlags().String("token", "", "access token (overrides the stored login)")

	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(organizationsCmd())
	rootCmd.AddCommand(endpointsCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		printHint(err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// printHint prints the one-line suggestion attached to API errors.
func printHint(err error) {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		if hint := apiErr.Hint(); hint != "" {
			fmt.Fprintln(os.Stderr, "hint: "+hint)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or HOOKLISTENER_METRICS_ADDR is set. Returns nil if
// metrics are disabled. The provided context controls the server's
// lifetime — when cancelled the server shuts down gracefully.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = os.Getenv("HOOKLISTENER_METRICS_ADDR")
	}
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

// resolveAPIBase returns the API base URL from --api-url, the
// HOOKLISTENER_API_URL env var, or the production default.
func resolveAPIBase(cmd *cobra.Command) string {
	if base, _ := cmd.Flags().GetString("api-url"); base != "" {
		return base
	}
	if base := os.Getenv("HOOKLISTENER_API_URL"); base != "" {
		return base
	}
	return api.DefaultBaseURL
}

// resolveToken returns the access token from --token, the
// HOOKLISTENER_TOKEN env var, or the stored login.
func resolveToken(cmd *cobra.Command) (string, error) {
	if token, _ := cmd.Flags().GetString("token"); token != "" {
		return token, nil
	}
	if token := os.Getenv("HOOKLISTENER_TOKEN"); token != "" {
		return token, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	if cfg.AccessToken == "" {
		return "", fmt.Errorf("not logged in: run `hooklistener login` or set HOOKLISTENER_TOKEN")
	}
	if !cfg.TokenValid() {
		return "", fmt.Errorf("stored token has expired: run `hooklistener login` again")
	}
	return cfg.AccessToken, nil
}

// resolveOrganization returns the organization to act on: the
// --organization flag on commands that define it, the HOOKLISTENER_ORG_ID
// env var, or the stored selection. Empty means the token's default.
func resolveOrganization(cmd *cobra.Command) string {
	if cmd.Flags().Lookup("organization") != nil {
		if org, _ := cmd.Flags().GetString("organization"); org != "" {
			return org
		}
	}
	if org := os.Getenv("HOOKLISTENER_ORG_ID"); org != "" {
		return org
	}
	cfg, err := config.Load()
	if err != nil {
		return ""
	}
	return cfg.SelectedOrganizationID
}

// newAPIClient wires the resolved token, base URL, and organization into
// an API client.
func newAPIClient(cmd *cobra.Command, logger *slog.Logger) (*api.Client, error) {
	token, err := resolveToken(cmd)
	if err != nil {
		return nil, err
	}
	return api.NewClient(api.Config{
		BaseURL:        resolveAPIBase(cmd),
		Token:          token,
		OrganizationID: resolveOrganization(cmd),
		Logger:         logger,
	}), nil
}
