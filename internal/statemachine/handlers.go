package statemachine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shafraz007/endpoint-agent/internal/config"
	"github.com/shafraz007/endpoint-agent/internal/instruction"
	"github.com/shafraz007/endpoint-agent/internal/observability"
	"github.com/shafraz007/endpoint-agent/internal/report"
	"github.com/shafraz007/endpoint-agent/internal/secret"
	"github.com/shafraz007/endpoint-agent/internal/transport"
)

const (
	persistTimeout = 5 * time.Second
	pruneInterval  = time.Hour
)

func (o *Orchestrator) authenticate(ctx context.Context) (Trigger, bool) {
	log := o.logger.WithField("state", Authentication.String())
	o.ready = false

	cfg, err := o.deps.Config.Get(ctx)
	if err != nil {
		log.WithError(err).Error("reading configuration")
		return AuthError, true
	}

	secretKey, err := o.deps.Secrets.Get(ctx, secret.ClientSecret)
	if errors.Is(err, secret.ErrNotFound) {
		log.Warn("client secret is not provisioned")
		return AuthFailure, true
	}
	if err != nil {
		log.WithError(err).Error("reading client secret")
		return AuthError, true
	}

	var resp transport.AuthResponse
	err = o.deps.Channel.Post(ctx, cfg.Server()+transport.AuthPath, transport.AuthRequest{
		AgentName: cfg.AgentName,
		SecretKey: string(secretKey),
	}, &resp, transport.Metadata{
		AgentID:      cfg.AgentName,
		AgentVersion: cfg.Version,
		Tag:          cfg.Tag,
	})
	if ctx.Err() != nil {
		return 0, false
	}
	switch {
	case transport.IsAuthRejected(err):
		log.WithError(err).Warn("credentials rejected")
		return AuthFailure, true
	case err != nil:
		log.WithError(err).Error("authentication request failed")
		return AuthError, true
	}

	if strings.TrimSpace(resp.AuthToken) == "" || strings.TrimSpace(resp.RefreshToken) == "" {
		log.Error("server returned incomplete tokens")
		return AuthError, true
	}
	if err := o.deps.Secrets.Set(ctx, secret.AuthToken, []byte(resp.AuthToken)); err != nil {
		log.WithError(err).Error("storing auth token")
		return AuthError, true
	}
	if err := o.deps.Secrets.Set(ctx, secret.RefreshToken, []byte(resp.RefreshToken)); err != nil {
		log.WithError(err).Error("storing refresh token")
		return AuthError, true
	}

	if resp.Config != nil && !resp.Config.Empty() {
		if _, err := config.Apply(ctx, o.deps.Config, *resp.Config); err != nil {
			log.WithError(err).Warn("ignoring configuration from auth response")
		}
	}

	log.Info("authenticated")
	return AuthSuccess, true
}

func (o *Orchestrator) synchronize(ctx context.Context) (Trigger, bool) {
	log := o.logger.WithField("state", Synchronization.String())

	cfg, err := o.deps.Config.Get(ctx)
	if err != nil {
		log.WithError(err).Error("reading configuration")
		return SyncFailure, true
	}
	token, err := o.deps.Secrets.Get(ctx, secret.AuthToken)
	if err != nil {
		log.WithError(err).Error("reading auth token")
		return SyncFailure, true
	}
	hardware, err := o.deps.Hardware(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false
		}
		log.WithError(err).Error("collecting hardware info")
		return SyncFailure, true
	}

	var resp transport.SyncResponse
	err = o.deps.Channel.Post(ctx, cfg.Ingest()+transport.SyncPath, transport.SyncRequest{
		Hardware: hardware,
		Config:   cfg.Patch(),
	}, &resp, transport.Metadata{
		BearerToken:  string(token),
		AgentID:      cfg.AgentName,
		AgentVersion: cfg.Version,
		Tag:          cfg.Tag,
	})
	if ctx.Err() != nil {
		return 0, false
	}
	if err != nil {
		log.WithError(err).Error("synchronization request failed")
		return SyncFailure, true
	}
	if resp.Config == nil {
		log.Error("server returned no configuration")
		return SyncFailure, true
	}
	if _, err := config.Apply(ctx, o.deps.Config, *resp.Config); err != nil {
		log.WithError(err).Error("applying server configuration")
		return SyncFailure, true
	}

	o.ready = true
	log.Info("configuration synchronized")
	return SyncSuccess, true
}

func (o *Orchestrator) run(ctx context.Context) (Trigger, bool) {
	log := o.logger.WithField("state", Running.String())

	o.pruneMetrics(ctx)
	outcome, err := o.deps.Reporter.Run(ctx)
	o.recordQueueDepth(ctx)
	switch outcome {
	case report.Delivered:
		return RunSuccess, true
	case report.AuthRejected:
		log.WithError(err).Warn("report rejected, re-authenticating")
		o.ready = false
		return AuthFailure, true
	case report.Cancelled:
		return 0, false
	default:
		log.WithError(err).Error("report failed")
		return RunFailure, true
	}
}

func (o *Orchestrator) execute(ctx context.Context) (Trigger, bool) {
	log := o.logger.WithField("state", Execution.String())

	cfg, err := o.deps.Config.Get(ctx)
	if err != nil {
		log.WithError(err).Error("reading configuration")
		return ExecutionFailure, true
	}
	pending, err := o.deps.Queue.Instructions(ctx, cfg.InstructionsExecutionLimit)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false
		}
		log.WithError(err).Error("loading pending instructions")
		return ExecutionFailure, true
	}
	if len(pending) == 0 {
		return ExecutionSuccess, true
	}

	log.WithField("count", len(pending)).Info("executing instructions")
	results, err := o.deps.Engine.RunBatch(ctx, pending)
	if err != nil {
		// Keep what finished so it is neither lost nor run twice.
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if perr := o.persistResults(persistCtx, pending[:len(results)], results); perr != nil {
			log.WithError(perr).Error("persisting partial results")
		}
		return 0, false
	}

	if err := o.persistResults(ctx, pending, results); err != nil {
		if ctx.Err() != nil {
			return 0, false
		}
		log.WithError(err).Error("persisting results")
		return ExecutionFailure, true
	}
	o.recordQueueDepth(ctx)
	return ExecutionSuccess, true
}

// persistResults stores results before removing the instructions that
// produced them, so a crash in between re-runs rather than drops work.
func (o *Orchestrator) persistResults(ctx context.Context, done []instruction.Instruction, results []instruction.Result) error {
	if len(results) == 0 {
		return nil
	}
	if err := o.deps.Queue.SaveResults(ctx, results); err != nil {
		return err
	}
	return o.deps.Queue.RemoveInstructions(ctx, instruction.IDs(done))
}

// backoff waits IterationDelaySeconds, then re-authenticates if the agent
// never got ready since its last credential or sync failure.
func (o *Orchestrator) backoff(ctx context.Context) (Trigger, bool) {
	delay := config.Seconds(config.Default().IterationDelaySeconds)
	if cfg, err := o.deps.Config.Get(ctx); err == nil {
		delay = config.Seconds(cfg.IterationDelaySeconds)
	}
	o.logger.WithField("state", Error.String()).WithField("delay", delay).Info("backing off")
	if !sleep(ctx, delay) {
		return 0, false
	}
	if !o.ready {
		return Reauthenticate, true
	}
	return Retry, true
}

// pruneMetrics applies the retention window at most once per
// pruneInterval. It runs on the machine goroutine so the queue keeps a
// single writer.
func (o *Orchestrator) pruneMetrics(ctx context.Context) {
	retention := o.deps.MetricRetention
	if retention <= 0 {
		return
	}
	now := o.now()
	if !o.lastPrune.IsZero() && now.Sub(o.lastPrune) < pruneInterval {
		return
	}
	o.lastPrune = now

	removed, err := o.deps.Queue.PruneMetrics(ctx, now.Add(-retention))
	if err != nil {
		o.logger.WithError(err).Warn("pruning buffered metrics")
		return
	}
	if removed > 0 {
		o.logger.WithField("removed", removed).Info("pruned buffered metrics")
	}
}

func (o *Orchestrator) recordQueueDepth(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats, err := o.deps.Queue.Stats(ctx)
	if err != nil {
		return
	}
	observability.QueueDepth.WithLabelValues("instructions").Set(float64(stats.Instructions))
	observability.QueueDepth.WithLabelValues("instruction_results").Set(float64(stats.Results))
	observability.QueueDepth.WithLabelValues("metrics").Set(float64(stats.Metrics))
}
