package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// AgentConfig holds process bootstrap settings read from the environment.
// Tunables the server may change live in Configuration instead.
type AgentConfig struct {
	DataDir              string
	ServerURL            string
	IngestURL            string
	Tag                  string
	RequestTimeout       time.Duration
	CommandTimeout       time.Duration
	RequestRatePerSecond int
	RequestBurst         int
	QueueBackend         string
	QueueDatabaseURL     string
	LogDir               string
	LogLevel             string
	LogToConsole         bool
	MetricsListenAddr    string
	TLSCertFile          string
	TLSKeyFile           string
	TLSCAFile            string
	PolicyDir            string
	PolicyRefreshCommand string
	MetricRetention      time.Duration
}

const (
	QueueBackendSQLite   = "sqlite"
	QueueBackendPostgres = "postgres"
)

func LoadAgentConfig() AgentConfig {
	dataDir := getEnv("AGENT_DATA_DIR", defaultDataDir())
	return AgentConfig{
		DataDir:              dataDir,
		ServerURL:            getEnv("SERVER_URL", "http://localhost:8070"),
		IngestURL:            getEnv("INGEST_URL", ""),
		Tag:                  getEnv("AGENT_TAG", ""),
		RequestTimeout:       getDurationEnv("REQUEST_TIMEOUT_SECONDS", 30) * time.Second,
		CommandTimeout:       getDurationEnv("COMMAND_TIMEOUT_SECONDS", 60) * time.Second,
		RequestRatePerSecond: getIntEnv("REQUEST_RATE_PER_SECOND", 5),
		RequestBurst:         getIntEnv("REQUEST_BURST", 5),
		QueueBackend:         getEnv("QUEUE_BACKEND", QueueBackendSQLite),
		QueueDatabaseURL:     getEnv("QUEUE_DATABASE_URL", ""),
		LogDir:               getEnv("LOG_DIR", filepath.Join(dataDir, "logs")),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogToConsole:         getBoolEnv("LOG_TO_CONSOLE", true),
		MetricsListenAddr:    getEnv("METRICS_LISTEN_ADDR", ""),
		TLSCertFile:          getEnv("TLS_CERT_FILE", ""),
		TLSKeyFile:           getEnv("TLS_KEY_FILE", ""),
		TLSCAFile:            getEnv("TLS_CA_FILE", ""),
		PolicyDir:            getEnv("POLICY_DIR", filepath.Join(dataDir, "policies")),
		PolicyRefreshCommand: getEnv("POLICY_REFRESH_COMMAND", defaultPolicyRefreshCommand()),
		MetricRetention:      getDurationEnv("METRIC_RETENTION_HOURS", 0) * time.Hour,
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "endpoint-agent"
	}
	return filepath.Join(dir, "endpoint-agent")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue int64) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(parsed)
		}
		logrus.WithField("key", key).Warnf("invalid duration, using default: %d", defaultValue)
	}
	return time.Duration(defaultValue)
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		logrus.WithField("key", key).Warnf("invalid integer, using default: %d", defaultValue)
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
		logrus.WithField("key", key).Warnf("invalid boolean, using default: %t", defaultValue)
	}
	return defaultValue
}
