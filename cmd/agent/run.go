package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shafraz007/endpoint-agent/internal/agent"
	"github.com/shafraz007/endpoint-agent/internal/config"
	"github.com/shafraz007/endpoint-agent/internal/executor"
	"github.com/shafraz007/endpoint-agent/internal/logging"
	"github.com/shafraz007/endpoint-agent/internal/observability"
	"github.com/shafraz007/endpoint-agent/internal/report"
	"github.com/shafraz007/endpoint-agent/internal/secret"
	"github.com/shafraz007/endpoint-agent/internal/statemachine"
	"github.com/shafraz007/endpoint-agent/internal/transport"
)

const shutdownTimeout = 15 * time.Second

var (
	runServer      string
	runLogLevel    string
	runMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	RunE:  runAgent,
}

func init() {
	runCmd.Flags().StringVarP(&runServer, "server", "s", "", "Server URL (overrides SERVER_URL)")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Prometheus listen address (overrides METRICS_LISTEN_ADDR)")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	bootstrap := config.LoadAgentConfig()
	if runServer != "" {
		bootstrap.ServerURL = runServer
	}
	if runLogLevel != "" {
		bootstrap.LogLevel = runLogLevel
	}
	if runMetricsAddr != "" {
		bootstrap.MetricsListenAddr = runMetricsAddr
	}
	logCloser, err := logging.Setup("agent", bootstrap.LogDir, bootstrap.LogLevel, bootstrap.LogToConsole)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCloser.Close()

	logger := logging.New("agent")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgStore := configStore(bootstrap)
	cfg, err := cfgStore.Get(ctx)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if runServer != "" && runServer != cfg.ServerURL {
		if cfg, err = config.Apply(ctx, cfgStore, config.Patch{ServerURL: &runServer}); err != nil {
			return fmt.Errorf("applying --server: %w", err)
		}
	}
	logger.WithField("agent_name", cfg.AgentName).WithField("server", cfg.Server()).
		WithField("version", version).Info("agent initialising")

	store, err := openQueue(ctx, bootstrap, logging.New("queue"))
	if err != nil {
		return err
	}
	defer store.Close()

	tlsConfig, err := transport.LoadTLSConfig(bootstrap.TLSCertFile, bootstrap.TLSKeyFile, bootstrap.TLSCAFile)
	if err != nil {
		return err
	}
	channel := transport.NewHTTPChannel(transport.ChannelConfig{
		Timeout:       bootstrap.RequestTimeout,
		RatePerSecond: bootstrap.RequestRatePerSecond,
		Burst:         bootstrap.RequestBurst,
		TLS:           tlsConfig,
		UserAgent:     "endpoint-agent/" + version,
		Logger:        logging.New("transport"),
	})

	secrets := secret.NewFileStore(bootstrap.DataDir)

	runner := executor.Runner{}
	engine := executor.NewEngine(executor.NewRegistry(
		executor.NewShellExecutor(runner, logging.New("shell")),
		executor.NewPolicyExecutor(
			executor.DefaultPolicyWriter(bootstrap.PolicyDir),
			bootstrap.PolicyRefreshCommand,
			runner,
			logging.New("policy"),
		),
		executor.NewConfigExecutor(cfgStore),
	), cfgStore, bootstrap.CommandTimeout, logging.New("executor"))

	cycle := report.NewCycle(report.Deps{
		Queue:     store,
		Config:    cfgStore,
		Secrets:   secrets,
		Channel:   channel,
		Collector: agent.NewMetricsCollector(),
		Logger:    logging.New("report"),
	})

	orch := statemachine.New(statemachine.Deps{
		Config:   cfgStore,
		Secrets:  secrets,
		Queue:    store,
		Channel:  channel,
		Reporter: cycle,
		Engine:   engine,
		Hardware: agent.CollectHardware,
		Logger:   logging.New("lifecycle"),

		MetricRetention: bootstrap.MetricRetention,
	})

	if bootstrap.MetricsListenAddr != "" {
		go func() {
			if err := observability.Serve(ctx, bootstrap.MetricsListenAddr, logging.New("observability")); err != nil {
				logger.WithError(err).Error("metrics listener failed")
			}
		}()
	}

	if err := orch.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping agent: %w", err)
	}
	return nil
}
