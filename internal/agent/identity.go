package agent

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/shafraz007/endpoint-agent/internal/config"
)

// DefaultAgentName returns "<hostname>_<uuid>". It is generated once, when
// the configuration file is first created, and persisted there.
func DefaultAgentName() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "agent"
	}
	return fmt.Sprintf("%s_%s", host, uuid.New().String())
}

// DefaultConfiguration seeds a new configuration from bootstrap settings.
func DefaultConfiguration(bootstrap config.AgentConfig, version string) func() config.Configuration {
	return func() config.Configuration {
		cfg := config.Default()
		cfg.AgentName = DefaultAgentName()
		cfg.ServerURL = bootstrap.ServerURL
		cfg.IngestURL = bootstrap.IngestURL
		cfg.Tag = bootstrap.Tag
		cfg.Version = version
		return cfg
	}
}
