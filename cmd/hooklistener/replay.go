package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <endpoint-id> <request-id>",
		Short: "Replay a captured request against a target",
		Long: `Fetch a captured request and re-issue it against the target URL.
Hop-specific headers (host, x-forwarded-*, cf-*, content-length) are
stripped, and GET/HEAD replays carry no body.`,
		Args: cobra.ExactArgs(2),
		RunE: runReplay,
	}
	cmd.Flags().String("organization", "", "organization id (overrides the stored selection)")
	cmd.Flags().String("target", "http://localhost:3000", "target base URL")
	return cmd
}

func runReplay(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	client, err := newAPIClient(cmd, newLogger(logLevel))
	if err != nil {
		return err
	}

	captured, err := client.GetRequest(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}

	target, _ := cmd.Flags().GetString("target")
	targetURL := target
	if captured.Path != nil {
		targetURL = target + *captured.Path
	}

	result, err := client.Replay(cmd.Context(), captured, targetURL)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("replay failed: %s", result.ErrMessage)
	}

	fmt.Printf("%s %s -> %d in %s\n", captured.Method, result.TargetURL, result.StatusCode, result.Duration.Round(time.Millisecond))
	if result.Body != "" {
		fmt.Println(result.Body)
	}
	return nil
}
