package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shafraz007/endpoint-agent/internal/config"
	"github.com/shafraz007/endpoint-agent/internal/telemetry"
)

func TestCollectEmptyAllowListCollectsNothing(t *testing.T) {
	metrics, err := NewMetricsCollector().Collect(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, metrics)
}

func TestCollectOnlyAllowedSources(t *testing.T) {
	fixed := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	c := NewMetricsCollector()
	c.now = func() time.Time { return fixed }
	c.sources[config.CollectorCPU] = func(context.Context, time.Time) ([]telemetry.Metric, error) {
		return []telemetry.Metric{{Type: config.CollectorCPU, Name: "total", Value: 12.5, TimestampUTC: fixed}}, nil
	}
	c.sources[config.CollectorMemory] = func(context.Context, time.Time) ([]telemetry.Metric, error) {
		t.Fatal("memory collector is not allowed")
		return nil, nil
	}

	metrics, err := c.Collect(context.Background(), []string{" CPU_Usage "})
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, config.CollectorCPU, metrics[0].Type)
}

func TestCollectJoinsErrorsAndKeepsPartialResults(t *testing.T) {
	c := NewMetricsCollector()
	c.sources[config.CollectorCPU] = func(context.Context, time.Time) ([]telemetry.Metric, error) {
		return nil, assert.AnError
	}
	c.sources[config.CollectorUptime] = func(context.Context, time.Time) ([]telemetry.Metric, error) {
		return []telemetry.Metric{{Type: config.CollectorUptime, Name: "system", Value: 1}}, nil
	}

	metrics, err := c.Collect(context.Background(), []string{config.CollectorCPU, config.CollectorUptime})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	require.Len(t, metrics, 1)
	assert.Equal(t, config.CollectorUptime, metrics[0].Type)
}

func TestCollectMemoryFromHost(t *testing.T) {
	metrics, err := NewMetricsCollector().Collect(context.Background(), []string{config.CollectorMemory})
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "%", metrics[0].Unit)
	assert.GreaterOrEqual(t, metrics[0].Value, 0.0)
	assert.LessOrEqual(t, metrics[0].Value, 100.0)
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 12.35, round2(12.345678))
}

func TestDefaultAgentName(t *testing.T) {
	name := DefaultAgentName()
	idx := strings.LastIndex(name, "_")
	require.Greater(t, idx, 0)
	_, err := uuid.Parse(name[idx+1:])
	assert.NoError(t, err)
	assert.NotEqual(t, name, DefaultAgentName())
}

func TestDefaultConfigurationUsesBootstrap(t *testing.T) {
	cfg := DefaultConfiguration(config.AgentConfig{ServerURL: "https://fleet", Tag: "lab"}, "1.0.0")()
	assert.Equal(t, "https://fleet", cfg.ServerURL)
	assert.Equal(t, "lab", cfg.Tag)
	assert.Equal(t, "1.0.0", cfg.Version)
	assert.NotEmpty(t, cfg.AgentName)
	assert.NoError(t, cfg.Validate())
}

func TestCollectHardware(t *testing.T) {
	info, err := CollectHardware(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, info.MachineName)
	assert.NotEmpty(t, info.OSVersion)
	assert.Positive(t, info.ProcessorCount)
}
