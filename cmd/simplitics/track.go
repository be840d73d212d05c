package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/idmcalculus/Simplitics/internal/config"
	"github.com/idmcalculus/Simplitics/internal/observability"
	"github.com/idmcalculus/Simplitics/internal/tracker"
)

var (
	trackEndpoint string
	trackAPIKey   string
	trackSession  string
	trackProps    []string
	consentFile   string
)

func defaultConsentFile() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "simplitics", "consent.json")
	}
	return "simplitics-consent.json"
}

func consentStore() (*tracker.FileConsentStore, error) {
	if err := os.MkdirAll(filepath.Dir(consentFile), 0o755); err != nil {
		return nil, fmt.Errorf("consent directory: %w", err)
	}
	return tracker.NewFileConsentStore(consentFile), nil
}

// parseProps turns key=value pairs into properties. Values that parse as JSON
// keep their JSON type.
func parseProps(pairs []string) (map[string]any, error) {
	props := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("property %q must be key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil && decoded != nil {
			props[k] = decoded
		} else {
			props[k] = v
		}
	}
	return props, nil
}

var trackCmd = &cobra.Command{
	Use:     "track <event-type>",
	Short:   "Send one event through the consent gate to an ingestion endpoint",
	GroupID: "client",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, err := observability.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		props, err := parseProps(trackProps)
		if err != nil {
			return err
		}
		store, err := consentStore()
		if err != nil {
			return err
		}

		t := tracker.New(tracker.NewHTTPSender(trackEndpoint, trackAPIKey, nil), store, tracker.Options{
			ConsentRequired: cfg.ConsentRequired,
			SessionID:       trackSession,
			Logger:          logger,
		})
		if err := t.Init(cmd.Context()); err != nil {
			return err
		}
		if _, err := t.Track(cmd.Context(), args[0], props); err != nil {
			return err
		}
		state := t.State()
		if err := t.Close(); err != nil {
			return err
		}
		if state != tracker.Consented {
			fmt.Fprintln(cmd.OutOrStdout(), "Not sent: tracking consent has not been granted (see `simplitics consent grant`).")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Submitted. Delivery failures are logged.")
		return nil
	},
}

var consentCmd = &cobra.Command{
	Use:       "consent [grant|revoke|status]",
	Short:     "Manage the local tracking consent flag",
	GroupID:   "client",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"grant", "revoke", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := consentStore()
		if err != nil {
			return err
		}
		switch args[0] {
		case "grant", "revoke":
			if err := store.Save(cmd.Context(), args[0] == "grant"); err != nil {
				return err
			}
		case "status":
		default:
			return fmt.Errorf("unknown consent action %q", args[0])
		}
		granted, found, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		switch {
		case !found:
			fmt.Fprintln(cmd.OutOrStdout(), "Consent: not set")
		case granted:
			fmt.Fprintln(cmd.OutOrStdout(), "Consent: granted")
		default:
			fmt.Fprintln(cmd.OutOrStdout(), "Consent: revoked")
		}
		return nil
	},
}

func init() {
	trackCmd.Flags().StringVar(&trackEndpoint, "endpoint", "http://localhost:8080", "ingestion base URL")
	trackCmd.Flags().StringVar(&trackAPIKey, "api-key", os.Getenv("SIMPLITICS_API_KEY"), "site API key")
	trackCmd.Flags().StringVar(&trackSession, "session", "", "session id")
	trackCmd.Flags().StringArrayVarP(&trackProps, "prop", "p", nil, "property as key=value (repeatable)")

	for _, c := range []*cobra.Command{trackCmd, consentCmd} {
		c.Flags().StringVar(&consentFile, "consent-file", defaultConsentFile(), "consent flag file")
	}
}
