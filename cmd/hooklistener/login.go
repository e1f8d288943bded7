package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/hooklistener/hooklistener-cli-sub000/internal/auth"
	"github.com/hooklistener/hooklistener-cli-sub000/internal/config"
)

// tokenLifetime is how long a device-flow token is treated as valid
// before the CLI asks for a fresh login.
const tokenLifetime = 30 * 24 * time.Hour

const pollInterval = 5 * time.Second

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in via the browser",
		Long: `Request a device code, display it, and wait for you to confirm it in
the Hooklistener dashboard. The token is stored in the config file.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}
}

func runLogin(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)
	baseURL := resolveAPIBase(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	flow := &auth.DeviceFlow{BaseURL: baseURL, Logger: logger}
	if _, err := flow.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("Visit %s/device and enter the code:\n\n    %s\n\n", baseURL, flow.FormattedUserCode())
	fmt.Printf("Waiting for confirmation (expires in %s)...\n", flow.TimeRemaining().Round(time.Second))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("login cancelled")
		case <-ticker.C:
			if flow.TimeRemaining() == 0 {
				return fmt.Errorf("device code expired: run `hooklistener login` again")
			}
			token, err := flow.Poll(ctx)
			if errors.Is(err, auth.ErrPending) {
				continue
			}
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.SetToken(token, time.Now().Add(tokenLifetime))
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Println("Logged in.")
			return nil
		}
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.ClearToken()
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
}
