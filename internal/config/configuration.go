package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Metric collector keys understood by the agent.
const (
	CollectorCPU     = "cpu_usage"
	CollectorMemory  = "memory_usage"
	CollectorDisk    = "disk_usage"
	CollectorNetwork = "network_traffic"
	CollectorUptime  = "system_uptime"
	CollectorProcess = "process_count"
)

// Configuration is the tunable agent configuration. It is persisted by a
// Store and changed by the server through sync responses or ConfigUpdate
// instructions.
type Configuration struct {
	AgentName string `yaml:"agent_name"`
	ServerURL string `yaml:"server_url"`
	IngestURL string `yaml:"ingest_url,omitempty"`
	Version   string `yaml:"version,omitempty"`
	Tag       string `yaml:"tag,omitempty"`

	AuthenticationExitIntervalSeconds  int `yaml:"authentication_exit_interval_seconds"`
	SynchronizationExitIntervalSeconds int `yaml:"synchronization_exit_interval_seconds"`
	RunningExitIntervalSeconds         int `yaml:"running_exit_interval_seconds"`
	ExecutionExitIntervalSeconds       int `yaml:"execution_exit_interval_seconds"`
	IterationDelaySeconds              int `yaml:"iteration_delay_seconds"`

	InstructionsExecutionLimit  int `yaml:"instructions_execution_limit"`
	InstructionResultsSendLimit int `yaml:"instruction_results_send_limit"`
	MetricsSendLimit            int `yaml:"metrics_send_limit"`

	AllowedCollectors   []string `yaml:"allowed_collectors"`
	AllowedInstructions []string `yaml:"allowed_instructions"`
}

func Default() Configuration {
	return Configuration{
		ServerURL:                          "http://localhost:8070",
		AuthenticationExitIntervalSeconds:  5,
		SynchronizationExitIntervalSeconds: 5,
		RunningExitIntervalSeconds:         5,
		ExecutionExitIntervalSeconds:       5,
		IterationDelaySeconds:              10,
		InstructionsExecutionLimit:         50,
		InstructionResultsSendLimit:        50,
		MetricsSendLimit:                   100,
		AllowedCollectors:                  []string{CollectorCPU, CollectorMemory, CollectorDisk},
		AllowedInstructions:                []string{},
	}
}

// Ingest returns the base URL for sync and report traffic.
func (c Configuration) Ingest() string {
	if c.IngestURL != "" {
		return strings.TrimRight(c.IngestURL, "/")
	}
	return strings.TrimRight(c.ServerURL, "/")
}

func (c Configuration) Server() string {
	return strings.TrimRight(c.ServerURL, "/")
}

func Seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// Clone returns a copy that shares no slices with c.
func (c Configuration) Clone() Configuration {
	c.AllowedCollectors = slices.Clone(c.AllowedCollectors)
	c.AllowedInstructions = slices.Clone(c.AllowedInstructions)
	return c
}

func (c Configuration) Validate() error {
	var problems []string
	if c.ServerURL == "" {
		problems = append(problems, "server url is required")
	}
	problems = append(problems, c.Patch().Validate()...)
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Patch is a partial Configuration. Nil fields are left unchanged by Merge.
// It is also the wire form of the configuration.
type Patch struct {
	AgentName *string `json:"agentName,omitempty"`
	ServerURL *string `json:"serverUrl,omitempty"`
	IngestURL *string `json:"ingestUrl,omitempty"`
	Tag       *string `json:"tag,omitempty"`

	AuthenticationExitIntervalSeconds  *int `json:"authenticationExitIntervalSeconds,omitempty"`
	SynchronizationExitIntervalSeconds *int `json:"synchronizationExitIntervalSeconds,omitempty"`
	RunningExitIntervalSeconds         *int `json:"runningExitIntervalSeconds,omitempty"`
	ExecutionExitIntervalSeconds       *int `json:"executionExitIntervalSeconds,omitempty"`
	IterationDelaySeconds              *int `json:"iterationDelaySeconds,omitempty"`

	InstructionsExecutionLimit  *int `json:"instructionsExecutionLimit,omitempty"`
	InstructionResultsSendLimit *int `json:"instructionResultsSendLimit,omitempty"`
	MetricsSendLimit            *int `json:"metricsSendLimit,omitempty"`

	AllowedCollectors   *[]string `json:"allowedCollectors,omitempty"`
	AllowedInstructions *[]string `json:"allowedInstructions,omitempty"`
}

// Patch returns a patch that sets every field of c.
func (c Configuration) Patch() Patch {
	c = c.Clone()
	return Patch{
		AgentName:                          &c.AgentName,
		ServerURL:                          &c.ServerURL,
		IngestURL:                          &c.IngestURL,
		Tag:                                &c.Tag,
		AuthenticationExitIntervalSeconds:  &c.AuthenticationExitIntervalSeconds,
		SynchronizationExitIntervalSeconds: &c.SynchronizationExitIntervalSeconds,
		RunningExitIntervalSeconds:         &c.RunningExitIntervalSeconds,
		ExecutionExitIntervalSeconds:       &c.ExecutionExitIntervalSeconds,
		IterationDelaySeconds:              &c.IterationDelaySeconds,
		InstructionsExecutionLimit:         &c.InstructionsExecutionLimit,
		InstructionResultsSendLimit:        &c.InstructionResultsSendLimit,
		MetricsSendLimit:                   &c.MetricsSendLimit,
		AllowedCollectors:                  &c.AllowedCollectors,
		AllowedInstructions:                &c.AllowedInstructions,
	}
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p == Patch{}
}

// Validate returns one message per invalid field.
func (p Patch) Validate() []string {
	var problems []string
	nonNegative := func(name string, v *int) {
		if v != nil && *v < 0 {
			problems = append(problems, fmt.Sprintf("'%s' must not be negative", name))
		}
	}
	nonNegative("AuthenticationExitIntervalSeconds", p.AuthenticationExitIntervalSeconds)
	nonNegative("SynchronizationExitIntervalSeconds", p.SynchronizationExitIntervalSeconds)
	nonNegative("RunningExitIntervalSeconds", p.RunningExitIntervalSeconds)
	nonNegative("ExecutionExitIntervalSeconds", p.ExecutionExitIntervalSeconds)
	nonNegative("IterationDelaySeconds", p.IterationDelaySeconds)
	nonNegative("InstructionsExecutionLimit", p.InstructionsExecutionLimit)
	nonNegative("InstructionResultsSendLimit", p.InstructionResultsSendLimit)
	nonNegative("MetricsSendLimit", p.MetricsSendLimit)
	if p.ServerURL != nil && strings.TrimSpace(*p.ServerURL) == "" {
		problems = append(problems, "'ServerUrl' must not be empty")
	}
	if p.AgentName != nil && strings.TrimSpace(*p.AgentName) == "" {
		problems = append(problems, "'AgentName' must not be empty")
	}
	return problems
}

// Merge returns c with every non-nil field of p applied.
func (c Configuration) Merge(p Patch) Configuration {
	c = c.Clone()
	setString(&c.AgentName, p.AgentName)
	setString(&c.ServerURL, p.ServerURL)
	setString(&c.IngestURL, p.IngestURL)
	setString(&c.Tag, p.Tag)
	setInt(&c.AuthenticationExitIntervalSeconds, p.AuthenticationExitIntervalSeconds)
	setInt(&c.SynchronizationExitIntervalSeconds, p.SynchronizationExitIntervalSeconds)
	setInt(&c.RunningExitIntervalSeconds, p.RunningExitIntervalSeconds)
	setInt(&c.ExecutionExitIntervalSeconds, p.ExecutionExitIntervalSeconds)
	setInt(&c.IterationDelaySeconds, p.IterationDelaySeconds)
	setInt(&c.InstructionsExecutionLimit, p.InstructionsExecutionLimit)
	setInt(&c.InstructionResultsSendLimit, p.InstructionResultsSendLimit)
	setInt(&c.MetricsSendLimit, p.MetricsSendLimit)
	if p.AllowedCollectors != nil {
		c.AllowedCollectors = slices.Clone(*p.AllowedCollectors)
	}
	if p.AllowedInstructions != nil {
		c.AllowedInstructions = slices.Clone(*p.AllowedInstructions)
	}
	return c
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
