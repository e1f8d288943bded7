package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func requestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests <endpoint-id> [request-id]",
		Short: "Show an endpoint's captured requests",
		Long: `List the captured requests of an endpoint, or show one request in
full (headers and body) when a request id is given.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runRequests,
	}
	cmd.Flags().String("organization", "", "organization id (overrides the stored selection)")
	cmd.Flags().Int("page", 1, "page number")
	cmd.Flags().Int("page-size", 20, "requests per page")
	return cmd
}

func runRequests(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	client, err := newAPIClient(cmd, newLogger(logLevel))
	if err != nil {
		return err
	}

	if len(args) == 2 {
		req, err := client.GetRequest(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", req.Method, req.URL)
		fmt.Printf("id:       %s\n", req.ID)
		fmt.Printf("received: %s\n", req.CreatedAt)
		fmt.Printf("from:     %s\n", req.RemoteAddr)

		keys := make([]string, 0, len(req.Headers))
		for k := range req.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println()
		for _, k := range keys {
			fmt.Printf("%s: %s\n", k, req.Headers[k])
		}
		if req.Body != nil && *req.Body != "" {
			fmt.Println()
			fmt.Println(*req.Body)
		}
		return nil
	}

	page, _ := cmd.Flags().GetInt("page")
	pageSize, _ := cmd.Flags().GetInt("page-size")
	resp, err := client.ListRequests(cmd.Context(), args[0], page, pageSize)
	if err != nil {
		return err
	}
	if len(resp.Data) == 0 {
		fmt.Println("No requests captured yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMETHOD\tURL\tSIZE\tRECEIVED")
	for _, req := range resp.Data {
		received := req.CreatedAt
		if req.Timestamp > 0 {
			received = time.Unix(req.Timestamp, 0).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", req.ID, req.Method, req.URL, req.ContentLength, received)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\npage %d of %d (%d requests)\n", resp.Pagination.Page, resp.Pagination.TotalPages, resp.Pagination.TotalCount)
	return nil
}
