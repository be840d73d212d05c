package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/idmcalculus/Simplitics/internal/retention"
)

var sweepCmd = &cobra.Command{
	Use:     "sweep",
	Short:   "Run one retention sweep and exit",
	GroupID: "data",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := retention.NewSweeper(a.repo, a.cfg.SweepInterval, a.retentionDeps()).RunOnce(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s: deleted %d events across %d sites\n", rep.RunID, rep.Deleted, rep.Sites)
			for _, e := range rep.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "  failed: %s: %v\n", e.SiteID, e.Err)
			}
		}
		return rep.Err()
	},
}
