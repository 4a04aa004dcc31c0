package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAgentConfigFromEnv(t *testing.T) {
	t.Setenv("AGENT_DATA_DIR", "/var/lib/agent")
	t.Setenv("SERVER_URL", "https://fleet.example.com")
	t.Setenv("REQUEST_TIMEOUT_SECONDS", "12")
	t.Setenv("REQUEST_BURST", "not-a-number")
	t.Setenv("LOG_TO_CONSOLE", "false")
	t.Setenv("QUEUE_BACKEND", "postgres")

	cfg := LoadAgentConfig()

	assert.Equal(t, "/var/lib/agent", cfg.DataDir)
	assert.Equal(t, "https://fleet.example.com", cfg.ServerURL)
	assert.Equal(t, 12*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5, cfg.RequestBurst)
	assert.False(t, cfg.LogToConsole)
	assert.Equal(t, QueueBackendPostgres, cfg.QueueBackend)
	assert.Equal(t, filepath.Join("/var/lib/agent", "logs"), cfg.LogDir)
	assert.Zero(t, cfg.MetricRetention, "retention is opt-in")
}

func TestMergeLeavesUnsetFieldsUnchanged(t *testing.T) {
	base := Default()
	base.AgentName = "host_1"

	limit := 10
	collectors := []string{CollectorCPU}
	merged := base.Merge(Patch{MetricsSendLimit: &limit, AllowedCollectors: &collectors})

	assert.Equal(t, 10, merged.MetricsSendLimit)
	assert.Equal(t, []string{CollectorCPU}, merged.AllowedCollectors)
	assert.Equal(t, "host_1", merged.AgentName)
	assert.Equal(t, base.IterationDelaySeconds, merged.IterationDelaySeconds)
	assert.Equal(t, 100, base.MetricsSendLimit, "merge must not mutate the receiver")

	collectors[0] = "changed"
	assert.Equal(t, CollectorCPU, merged.AllowedCollectors[0])
}

func TestPatchValidate(t *testing.T) {
	negative := -1
	blank := " "
	problems := Patch{IterationDelaySeconds: &negative, ServerURL: &blank}.Validate()
	assert.Equal(t, []string{
		"'IterationDelaySeconds' must not be negative",
		"'ServerUrl' must not be empty",
	}, problems)
	assert.Empty(t, Default().Patch().Validate())
	assert.True(t, Patch{}.Empty())
}

func TestIngestFallsBackToServer(t *testing.T) {
	cfg := Configuration{ServerURL: "https://api.example.com/"}
	assert.Equal(t, "https://api.example.com", cfg.Ingest())
	cfg.IngestURL = "https://ingest.example.com/"
	assert.Equal(t, "https://ingest.example.com", cfg.Ingest())
}

func TestFileStoreWritesDefaultsOnFirstGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	store := NewFileStore(path, func() Configuration {
		cfg := Default()
		cfg.AgentName = "host_abc"
		return cfg
	})

	cfg, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "host_abc", cfg.AgentName)

	_, err = os.Stat(path)
	require.NoError(t, err)

	reopened := NewFileStore(path, nil)
	cfg, err = reopened.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "host_abc", cfg.AgentName)
	assert.Equal(t, 50, cfg.InstructionsExecutionLimit)
}

func TestFileStoreSaveReplacesCache(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "config.yaml")
	store := NewFileStore(path, nil)

	cfg, err := store.Get(ctx)
	require.NoError(t, err)

	cfg.RunningExitIntervalSeconds = 42
	require.NoError(t, store.Save(ctx, cfg))

	got, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, got.RunningExitIntervalSeconds)

	require.NoError(t, os.WriteFile(path, []byte("server_url: http://edited\nrunning_exit_interval_seconds: 7\n"), 0o600))
	got, err = store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, got.RunningExitIntervalSeconds, "cached copy served until invalidated")

	store.Invalidate()
	got, err = store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, got.RunningExitIntervalSeconds)
	assert.Equal(t, "http://edited", got.ServerURL)
	assert.Equal(t, 10, got.IterationDelaySeconds, "missing keys keep defaults")
}

func TestFileStoreRejectsInvalidConfiguration(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "config.yaml"), nil)
	cfg := Default()
	cfg.MetricsSendLimit = -5
	assert.Error(t, store.Save(context.Background(), cfg))
}

func TestApplyMergesAndPersists(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "config.yaml"), nil)

	delay := 30
	merged, err := Apply(ctx, store, Patch{IterationDelaySeconds: &delay})
	require.NoError(t, err)
	assert.Equal(t, 30, merged.IterationDelaySeconds)

	store.Invalidate()
	got, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, got.IterationDelaySeconds)

	bad := -1
	_, err = Apply(ctx, store, Patch{MetricsSendLimit: &bad})
	assert.Error(t, err)
}
