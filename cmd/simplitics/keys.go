package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/idmcalculus/Simplitics/internal/vault"
)

var keygenCmd = &cobra.Command{
	Use:     "keygen",
	Short:   "Generate a new ENCRYPTION_KEY",
	GroupID: "keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := vault.GenerateSecret()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), secret)
		return nil
	},
}

var decryptCmd = &cobra.Command{
	Use:     "decrypt <token>...",
	Short:   "Decrypt stored ciphertext tokens (ip, userAgent, sessionId)",
	GroupID: "keys",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("ENCRYPTION_KEY")
		if secret == "" {
			var err error
			if secret, err = readSecret(cmd); err != nil {
				return err
			}
		}
		raw, err := vault.ParseSecret(secret)
		if err != nil {
			return err
		}
		key, err := vault.DeriveKey(raw)
		if err != nil {
			return err
		}
		c, err := vault.NewCipher(key)
		if err != nil {
			return err
		}

		var failed error
		for _, tok := range args {
			plain, err := c.DecryptString(tok)
			if err != nil {
				failed = errors.Join(failed, err)
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", tok, err)
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), plain)
		}
		return failed
	},
}

// readSecret prompts without echo on a terminal, or reads one line from stdin.
func readSecret(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "Encryption key: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(line), nil
}
