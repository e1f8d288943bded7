package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hooklistener/hooklistener-cli-sub000/internal/config"
)

func organizationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "organizations",
		Aliases: []string{"orgs"},
		Short:   "List and select organizations",
		Args:    cobra.NoArgs,
		RunE:    runOrganizations,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "select <organization-id>",
		Short: "Set the default organization for API calls",
		Args:  cobra.ExactArgs(1),
		RunE:  runOrganizationSelect,
	})
	return cmd
}

func runOrganizations(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	client, err := newAPIClient(cmd, newLogger(logLevel))
	if err != nil {
		return err
	}
	orgs, err := client.ListOrganizations(cmd.Context())
	if err != nil {
		return err
	}
	if len(orgs) == 0 {
		fmt.Println("No organizations found.")
		return nil
	}

	selected := resolveOrganization(cmd)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\t")
	for _, org := range orgs {
		marker := ""
		if org.ID == selected {
			marker = "(selected)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", org.ID, org.Name, marker)
	}
	return w.Flush()
}

func runOrganizationSelect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.SelectedOrganizationID = args[0]
	if err := cfg.Save(); err != nil {
		return err
	}
	fmt.Printf("Selected organization %s.\n", args[0])
	return nil
}

func endpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "List webhook endpoints",
		Args:  cobra.NoArgs,
		RunE:  runEndpoints,
	}
	cmd.Flags().String("organization", "", "organization id (overrides the stored selection)")
	return cmd
}

func runEndpoints(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	client, err := newAPIClient(cmd, newLogger(logLevel))
	if err != nil {
		return err
	}
	endpoints, err := client.ListEndpoints(cmd.Context())
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		fmt.Println("No endpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSLUG\tNAME\tSTATUS\tWEBHOOK URL")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ep.ID, ep.Slug, ep.Name, ep.Status, ep.WebhookURL)
	}
	return w.Flush()
}
