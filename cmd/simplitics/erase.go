package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/idmcalculus/Simplitics/internal/retention"
)

var (
	eraseSite      string
	eraseUserID    string
	eraseSessionID string
)

var eraseCmd = &cobra.Command{
	Use:     "erase --site <id> (--user-id <id> | --session-id <id>)",
	Short:   "Delete every event of a user or session",
	GroupID: "data",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := retention.NewEraser(a.repo, a.vault.Hasher, a.retentionDeps()).Erase(cmd.Context(), retention.ErasureRequest{
			SiteID:    eraseSite,
			UserID:    eraseUserID,
			SessionID: eraseSessionID,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Erased %d events (%s, request %s)\n", res.Deleted, res.Subject, res.RequestID)
		return nil
	},
}

func init() {
	eraseCmd.Flags().StringVar(&eraseSite, "site", "", "site id (required)")
	eraseCmd.Flags().StringVar(&eraseUserID, "user-id", "", "plaintext user id")
	eraseCmd.Flags().StringVar(&eraseSessionID, "session-id", "", "plaintext session id")
	_ = eraseCmd.MarkFlagRequired("site")
	eraseCmd.MarkFlagsMutuallyExclusive("user-id", "session-id")
	eraseCmd.MarkFlagsOneRequired("user-id", "session-id")
}
