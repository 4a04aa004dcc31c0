package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shafraz007/endpoint-agent/internal/agent"
	"github.com/shafraz007/endpoint-agent/internal/config"
	"github.com/shafraz007/endpoint-agent/internal/logging"
	"github.com/shafraz007/endpoint-agent/internal/queue"
)

var rootCmd = &cobra.Command{
	Use:   "endpoint-agent",
	Short: "Endpoint fleet agent",
	Long: `endpoint-agent enrolls a host with the fleet server, reports telemetry
and instruction results, and executes the instructions it receives.

Bootstrap settings come from the environment (AGENT_DATA_DIR, SERVER_URL,
QUEUE_BACKEND, ...). Tunables the server manages live in config.yaml
under the data directory.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd, versionCmd, queueCmd, secretCmd)
}

// configStore opens <data>/config.yaml, seeding it on first use.
func configStore(bootstrap config.AgentConfig) *config.FileStore {
	return config.NewFileStore(
		filepath.Join(bootstrap.DataDir, "config.yaml"),
		agent.DefaultConfiguration(bootstrap, version),
	)
}

// openQueue opens the backend selected by QUEUE_BACKEND.
func openQueue(ctx context.Context, bootstrap config.AgentConfig, logger logging.Logger) (queue.Store, error) {
	switch bootstrap.QueueBackend {
	case config.QueueBackendPostgres:
		if bootstrap.QueueDatabaseURL == "" {
			return nil, fmt.Errorf("QUEUE_DATABASE_URL is required for the %s backend", config.QueueBackendPostgres)
		}
		return queue.OpenPostgres(ctx, bootstrap.QueueDatabaseURL, logger)
	case config.QueueBackendSQLite, "":
		if err := os.MkdirAll(bootstrap.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return queue.OpenSQLite(ctx, queue.SQLiteOptions{
			Path:   filepath.Join(bootstrap.DataDir, "queue.db"),
			Logger: logger,
		})
	default:
		return nil, fmt.Errorf("unknown queue backend %q", bootstrap.QueueBackend)
	}
}
