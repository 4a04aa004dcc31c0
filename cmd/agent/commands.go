package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shafraz007/endpoint-agent/internal/auth"
	"github.com/shafraz007/endpoint-agent/internal/config"
	"github.com/shafraz007/endpoint-agent/internal/logging"
	"github.com/shafraz007/endpoint-agent/internal/secret"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the local queue store",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print buffered row counts as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		bootstrap := config.LoadAgentConfig()
		store, err := openQueue(cmd.Context(), bootstrap, logging.Discard())
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage locally stored secrets",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a secret, e.g. the client_secret used to authenticate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], strings.TrimSpace(args[1])
		switch key {
		case secret.ClientSecret, secret.AuthToken, secret.RefreshToken:
		default:
			return fmt.Errorf("unknown secret %q", key)
		}
		if value == "" {
			return fmt.Errorf("secret %q must not be empty", key)
		}
		bootstrap := config.LoadAgentConfig()
		if err := secret.NewFileStore(bootstrap.DataDir).Set(cmd.Context(), key, []byte(value)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", key)
		return nil
	},
}

var secretInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the subject and expiry of the cached auth token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		bootstrap := config.LoadAgentConfig()
		token, err := secret.NewFileStore(bootstrap.DataDir).Get(cmd.Context(), secret.AuthToken)
		if err != nil {
			return err
		}
		claims, err := auth.Inspect(string(token))
		if errors.Is(err, auth.ErrNotJWT) {
			fmt.Fprintln(cmd.OutOrStdout(), "auth token is opaque")
			return nil
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "subject: %s\n", claims.Subject)
		if claims.Role != "" {
			fmt.Fprintf(out, "role:    %s\n", claims.Role)
		}
		if claims.ExpiresAt != nil {
			expired := auth.Expired(string(token), time.Now(), 0)
			fmt.Fprintf(out, "expires: %s (expired: %t)\n", claims.ExpiresAt.Time.UTC().Format(time.RFC3339), expired)
		}
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueStatsCmd)
	secretCmd.AddCommand(secretSetCmd, secretInspectCmd)
}
