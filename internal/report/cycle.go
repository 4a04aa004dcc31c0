// Package report runs one store-and-forward reporting cycle: buffered and
// fresh telemetry plus buffered instruction results go up, newly assigned
// instructions come back.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shafraz007/endpoint-agent/internal/auth"
	"github.com/shafraz007/endpoint-agent/internal/config"
	"github.com/shafraz007/endpoint-agent/internal/instruction"
	"github.com/shafraz007/endpoint-agent/internal/logging"
	"github.com/shafraz007/endpoint-agent/internal/observability"
	"github.com/shafraz007/endpoint-agent/internal/queue"
	"github.com/shafraz007/endpoint-agent/internal/secret"
	"github.com/shafraz007/endpoint-agent/internal/telemetry"
	"github.com/shafraz007/endpoint-agent/internal/transport"
)

// Outcome is how a cycle ended.
type Outcome int

const (
	Delivered Outcome = iota
	AuthRejected
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case AuthRejected:
		return "auth_rejected"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

const (
	tokenSkew       = 30 * time.Second
	rebufferTimeout = 5 * time.Second
)

// ErrNoToken is returned with AuthRejected when no auth token is cached.
var ErrNoToken = errors.New("no auth token cached")

// Collector samples fresh telemetry.
type Collector interface {
	Collect(ctx context.Context, allowed []string) ([]telemetry.Metric, error)
}

// Deps are the collaborators of a Cycle.
type Deps struct {
	Queue     queue.Store
	Config    config.Store
	Secrets   secret.Store
	Channel   transport.Channel
	Collector Collector
	Logger    logging.Logger
}

type Cycle struct {
	queue     queue.Store
	config    config.Store
	secrets   secret.Store
	channel   transport.Channel
	collector Collector
	logger    logging.Logger
	now       func() time.Time
}

func NewCycle(d Deps) *Cycle {
	logger := d.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Cycle{
		queue:     d.Queue,
		config:    d.Config,
		secrets:   d.Secrets,
		channel:   d.Channel,
		collector: d.Collector,
		logger:    logger,
		now:       time.Now,
	}
}

// Run performs one cycle. The error explains Failed and AuthRejected
// outcomes; Delivered and Cancelled carry no error unless cleanup failed.
func (c *Cycle) Run(ctx context.Context) (outcome Outcome, err error) {
	defer func() {
		observability.ReportCycles.WithLabelValues(outcome.String()).Inc()
	}()

	cfg, err := c.config.Get(ctx)
	if err != nil {
		return c.classify(ctx, fmt.Errorf("reading configuration: %w", err))
	}

	token, err := c.secrets.Get(ctx, secret.AuthToken)
	switch {
	case errors.Is(err, secret.ErrNotFound) || (err == nil && len(token) == 0):
		return AuthRejected, ErrNoToken
	case err != nil:
		return c.classify(ctx, fmt.Errorf("reading auth token: %w", err))
	}
	if auth.Expired(string(token), c.now(), tokenSkew) {
		return AuthRejected, errors.New("auth token expired")
	}

	results, err := c.queue.Results(ctx, cfg.InstructionResultsSendLimit)
	if err != nil {
		return c.classify(ctx, fmt.Errorf("loading buffered results: %w", err))
	}
	buffered, err := c.queue.Metrics(ctx, cfg.MetricsSendLimit)
	if err != nil {
		return c.classify(ctx, fmt.Errorf("loading buffered metrics: %w", err))
	}

	fresh, err := c.collector.Collect(ctx, cfg.AllowedCollectors)
	if err != nil {
		if ctx.Err() != nil {
			c.rebuffer(ctx, fresh)
			return Cancelled, nil
		}
		c.logger.WithError(err).Warn("metric collection incomplete")
	}

	metrics := make([]telemetry.Metric, 0, len(buffered)+len(fresh))
	metrics = append(metrics, buffered...)
	metrics = append(metrics, fresh...)
	if results == nil {
		results = []instruction.Result{}
	}

	md := transport.Metadata{
		BearerToken:  string(token),
		AgentID:      cfg.AgentName,
		AgentVersion: cfg.Version,
		Tag:          cfg.Tag,
	}
	var resp transport.ReportResponse
	err = c.channel.Post(ctx, cfg.Ingest()+transport.ReportPath, transport.ReportRequest{
		Metrics:            metrics,
		InstructionResults: results,
	}, &resp, md)
	if err != nil {
		c.rebuffer(ctx, fresh)
		if transport.IsAuthRejected(err) {
			return AuthRejected, err
		}
		return c.classify(ctx, fmt.Errorf("sending report: %w", err))
	}

	// Instructions are stored before anything is deleted so a failed write
	// leaves the sent records in place to be reported again.
	if err := c.queue.SaveInstructions(ctx, resp.Instructions); err != nil {
		return c.classify(ctx, fmt.Errorf("saving instructions: %w", err))
	}
	if err := c.queue.RemoveMetrics(ctx, telemetry.IDs(buffered)); err != nil {
		return c.classify(ctx, fmt.Errorf("removing sent metrics: %w", err))
	}
	if err := c.queue.RemoveResults(ctx, instruction.ResultIDs(results)); err != nil {
		return c.classify(ctx, fmt.Errorf("removing sent results: %w", err))
	}

	observability.ReportedItems.WithLabelValues("metrics").Add(float64(len(metrics)))
	observability.ReportedItems.WithLabelValues("results").Add(float64(len(results)))
	observability.ReportedItems.WithLabelValues("instructions").Add(float64(len(resp.Instructions)))

	c.logger.WithFields(logrus.Fields{
		"metrics":      len(metrics),
		"results":      len(results),
		"instructions": len(resp.Instructions),
	}).Info("report delivered")
	return Delivered, nil
}

// classify maps err to Cancelled when the caller stopped the cycle.
func (c *Cycle) classify(ctx context.Context, err error) (Outcome, error) {
	if ctx.Err() != nil {
		return Cancelled, nil
	}
	return Failed, err
}

// rebuffer stores fresh readings that did not reach the server. It runs
// on a detached context so cancellation does not lose them.
func (c *Cycle) rebuffer(ctx context.Context, fresh []telemetry.Metric) {
	if len(fresh) == 0 {
		return
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rebufferTimeout)
	defer cancel()
	if err := c.queue.StoreMetrics(storeCtx, fresh); err != nil {
		c.logger.WithError(err).WithField("metrics", len(fresh)).Error("failed to buffer unsent metrics")
		return
	}
	c.logger.WithField("metrics", len(fresh)).Debug("buffered unsent metrics")
}
