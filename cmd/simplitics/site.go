package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/idmcalculus/Simplitics/internal/sites"
)

var siteCmd = &cobra.Command{
	Use:     "site",
	Short:   "Manage sites",
	GroupID: "data",
}

var (
	siteName      string
	siteDomain    string
	siteRetention int
	siteNoIP      bool
)

var siteCreateCmd = &cobra.Command{
	Use:   "create <site-id>",
	Short: "Register a site and print its API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		reg := sites.Registration{SiteID: args[0], Name: siteName, Domain: siteDomain, RetentionDays: siteRetention}
		if reg.Name == "" {
			reg.Name = args[0]
		}
		if siteNoIP {
			reg.Settings = map[string]any{"trackIP": false}
		}
		site, key, err := sites.NewService(a.repo, a.vault, a.publisher, a.cfg.RetentionDays, a.logger).Register(cmd.Context(), reg)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"site": site, "apiKey": key})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created site %s (retention %d days)\n", site.SiteID, site.RetentionDays)
		fmt.Fprintf(cmd.OutOrStdout(), "API key: %s\n", key)
		fmt.Fprintln(cmd.OutOrStdout(), "Store it now; it cannot be shown again.")
		return nil
	},
}

var siteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sites",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.repo.ListSites(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), list)
		}
		for _, s := range list {
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-32s %4dd  trackIP=%t\n", s.SiteID, s.Name, s.RetentionDays, s.TrackIP())
		}
		return nil
	},
}

func init() {
	siteCreateCmd.Flags().StringVar(&siteName, "name", "", "display name (defaults to the id)")
	siteCreateCmd.Flags().StringVar(&siteDomain, "domain", "", "site domain")
	siteCreateCmd.Flags().IntVar(&siteRetention, "retention-days", 0, "retention in days (defaults to RETENTION_DAYS)")
	siteCreateCmd.Flags().BoolVar(&siteNoIP, "no-ip", false, "do not store client IPs")

	siteCmd.AddCommand(siteCreateCmd)
	siteCmd.AddCommand(siteListCmd)
}
