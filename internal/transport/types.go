package transport

import (
	"github.com/shafraz007/endpoint-agent/internal/config"
	"github.com/shafraz007/endpoint-agent/internal/instruction"
	"github.com/shafraz007/endpoint-agent/internal/telemetry"
)

// Server endpoints, relative to the API or ingest base URL.
const (
	AuthPath   = "/agent/api/v1/auth"
	SyncPath   = "/agent/api/v1/sync"
	ReportPath = "/agent/api/v1/report"
)

// AuthRequest exchanges the agent's client secret for tokens.
type AuthRequest struct {
	AgentName string `json:"agentName"`
	SecretKey string `json:"secretKey"`
}

// AuthResponse may also carry configuration the server wants applied.
type AuthResponse struct {
	AuthToken    string        `json:"authToken"`
	RefreshToken string        `json:"refreshToken"`
	Config       *config.Patch `json:"config,omitempty"`
}

// HardwareInfo describes the host during synchronization.
type HardwareInfo struct {
	MachineName      string   `json:"machineName"`
	OSVersion        string   `json:"osVersion"`
	Platform         string   `json:"platform,omitempty"`
	KernelVersion    string   `json:"kernelVersion,omitempty"`
	Architecture     string   `json:"architecture,omitempty"`
	ProcessorCount   int      `json:"processorCount"`
	ProcessorModel   string   `json:"processorModel,omitempty"`
	TotalMemoryBytes uint64   `json:"totalMemoryBytes"`
	BootTimeUnix     uint64   `json:"bootTimeUnix,omitempty"`
	Timezone         string   `json:"timezone,omitempty"`
	MACAddresses     []string `json:"macAddresses,omitempty"`
}

type SyncRequest struct {
	Hardware HardwareInfo `json:"hardware"`
	Config   config.Patch `json:"config"`
}

// SyncResponse carries the server's view of the agent configuration.
type SyncResponse struct {
	Config *config.Patch `json:"config"`
}

// ReportRequest is one store-and-forward upload.
type ReportRequest struct {
	Metrics            []telemetry.Metric   `json:"metrics"`
	InstructionResults []instruction.Result `json:"instructionResults"`
}

// ReportResponse lists instructions newly assigned to the agent.
type ReportResponse struct {
	Instructions []instruction.Instruction `json:"instructions"`
}
