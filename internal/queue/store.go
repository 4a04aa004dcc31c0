// Package queue is the agent's durable store-and-forward buffer for
// pending instructions, unsent instruction results and unsent metrics.
//
// Every method is its own unit of work: it takes a connection, runs in a
// transaction where it writes, and releases the connection before
// returning. Batch writes are all-or-nothing.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/shafraz007/endpoint-agent/internal/instruction"
	"github.com/shafraz007/endpoint-agent/internal/telemetry"
)

var ErrClosed = errors.New("queue store is closed")

// Store is the Durable Queue Store. A limit <= 0 on a read means no limit.
type Store interface {
	// SaveInstructions upserts by instruction id; a re-delivered id
	// replaces the stored payload and keeps its queue position.
	SaveInstructions(ctx context.Context, instrs []instruction.Instruction) error
	// Instructions returns pending instructions in insertion order.
	Instructions(ctx context.Context, limit int) ([]instruction.Instruction, error)
	RemoveInstructions(ctx context.Context, ids []int64) error
	ClearInstructions(ctx context.Context) error

	// SaveResult and SaveResults upsert by instruction id.
	SaveResult(ctx context.Context, result instruction.Result) error
	SaveResults(ctx context.Context, results []instruction.Result) error
	Results(ctx context.Context, limit int) ([]instruction.Result, error)
	RemoveResults(ctx context.Context, instructionIDs []int64) error
	ClearResults(ctx context.Context) error

	// StoreMetrics appends readings; the returned rows carry no ids.
	StoreMetrics(ctx context.Context, metrics []telemetry.Metric) error
	// Metrics returns the oldest buffered readings with their row ids set.
	Metrics(ctx context.Context, limit int) ([]telemetry.Metric, error)
	RemoveMetrics(ctx context.Context, ids []int64) error
	// PruneMetrics deletes readings taken before the cutoff and returns
	// how many were removed.
	PruneMetrics(ctx context.Context, before time.Time) (int64, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats counts buffered rows per table.
type Stats struct {
	Instructions int64 `json:"instructions"`
	Results      int64 `json:"results"`
	Metrics      int64 `json:"metrics"`
}
