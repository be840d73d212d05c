package main

import (
	"os"

	"github.com/spf13/cobra"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:           "simplitics <command>",
	Short:         "Privacy-preserving event ingestion service",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "keys", Title: "Keys:"},
		&cobra.Group{ID: "client", Title: "Client:"},
	)
	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(eraseCmd)
	rootCmd.AddCommand(siteCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(consentCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
