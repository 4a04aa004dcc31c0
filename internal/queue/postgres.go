package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shafraz007/endpoint-agent/internal/instruction"
	"github.com/shafraz007/endpoint-agent/internal/logging"
	"github.com/shafraz007/endpoint-agent/internal/migrations"
	"github.com/shafraz007/endpoint-agent/internal/telemetry"
)

// PostgresStore keeps the queue in PostgreSQL, for hosts where a local
// database server is already managed. One agent per database.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger logging.Logger
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects, verifies reachability and applies migrations.
func OpenPostgres(ctx context.Context, connString string, logger logging.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = logging.New("queue")
	}

	db, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("queue: unable to create connection pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: database not reachable: %w", err)
	}
	if err := migrations.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: %w", err)
	}

	logger.Info("queue store connected to PostgreSQL")
	return &PostgresStore{db: db, logger: logger}, nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func pgLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (s *PostgresStore) SaveInstructions(ctx context.Context, instrs []instruction.Instruction) error {
	if len(instrs) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, instr := range instrs {
			payload, err := instruction.EncodePayload(instr.Payload)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO queue_instructions (id, type, payload)
				VALUES ($1, $2, $3)
				ON CONFLICT (id) DO UPDATE SET type = EXCLUDED.type, payload = EXCLUDED.payload
			`, instr.ID, int(instr.Type), nullableJSON(payload))
			if err != nil {
				return fmt.Errorf("upserting instruction %d: %w", instr.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: saving instructions: %w", err)
	}
	return nil
}

func (s *PostgresStore) Instructions(ctx context.Context, limit int) ([]instruction.Instruction, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, type, payload::text FROM queue_instructions ORDER BY seq, id LIMIT $1", pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("queue: reading instructions: %w", err)
	}
	defer rows.Close()

	var out []instruction.Instruction
	for rows.Next() {
		var (
			instr   instruction.Instruction
			kind    int
			payload *string
		)
		if err := rows.Scan(&instr.ID, &kind, &payload); err != nil {
			return nil, fmt.Errorf("queue: scanning instruction: %w", err)
		}
		instr.Type = instruction.Type(kind)
		if payload != nil {
			instr.Payload = instruction.ParsePayload(instr.Type, json.RawMessage(*payload))
		}
		out = append(out, instr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: reading instructions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RemoveInstructions(ctx context.Context, ids []int64) error {
	return s.removeByID(ctx, "DELETE FROM queue_instructions WHERE id = ANY($1)", ids, "instructions")
}

func (s *PostgresStore) ClearInstructions(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, "DELETE FROM queue_instructions"); err != nil {
		return fmt.Errorf("queue: clearing instructions: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, result instruction.Result) error {
	return s.SaveResults(ctx, []instruction.Result{result})
}

func (s *PostgresStore) SaveResults(ctx context.Context, results []instruction.Result) error {
	if len(results) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, r := range results {
			_, err := tx.Exec(ctx, `
				INSERT INTO queue_instruction_results (instruction_id, success, output, error)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (instruction_id) DO UPDATE
				SET success = EXCLUDED.success, output = EXCLUDED.output, error = EXCLUDED.error
			`, r.InstructionID, r.Success, r.Output, r.Error)
			if err != nil {
				return fmt.Errorf("upserting result %d: %w", r.InstructionID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: saving results: %w", err)
	}
	return nil
}

func (s *PostgresStore) Results(ctx context.Context, limit int) ([]instruction.Result, error) {
	rows, err := s.db.Query(ctx, `
		SELECT instruction_id, success, COALESCE(output, ''), COALESCE(error, '')
		FROM queue_instruction_results ORDER BY seq, instruction_id LIMIT $1`, pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("queue: reading results: %w", err)
	}
	defer rows.Close()

	var out []instruction.Result
	for rows.Next() {
		var r instruction.Result
		if err := rows.Scan(&r.InstructionID, &r.Success, &r.Output, &r.Error); err != nil {
			return nil, fmt.Errorf("queue: scanning result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: reading results: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RemoveResults(ctx context.Context, instructionIDs []int64) error {
	return s.removeByID(ctx, "DELETE FROM queue_instruction_results WHERE instruction_id = ANY($1)", instructionIDs, "results")
}

func (s *PostgresStore) ClearResults(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, "DELETE FROM queue_instruction_results"); err != nil {
		return fmt.Errorf("queue: clearing results: %w", err)
	}
	return nil
}

func (s *PostgresStore) StoreMetrics(ctx context.Context, metrics []telemetry.Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, m := range metrics {
			var metadata any
			if len(m.Metadata) > 0 {
				encoded, err := json.Marshal(m.Metadata)
				if err != nil {
					return fmt.Errorf("encoding metadata for %s/%s: %w", m.Type, m.Name, err)
				}
				metadata = string(encoded)
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO queue_metrics (type, name, value, unit, timestamp_utc, metadata)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, m.Type, m.Name, m.Value, m.Unit, m.TimestampUTC.UTC(), metadata)
			if err != nil {
				return fmt.Errorf("inserting metric %s/%s: %w", m.Type, m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: storing metrics: %w", err)
	}
	return nil
}

func (s *PostgresStore) Metrics(ctx context.Context, limit int) ([]telemetry.Metric, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, type, name, value, unit, timestamp_utc, metadata::text
		FROM queue_metrics ORDER BY timestamp_utc, id LIMIT $1`, pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("queue: reading metrics: %w", err)
	}
	defer rows.Close()

	var out []telemetry.Metric
	for rows.Next() {
		var (
			m        telemetry.Metric
			metadata *string
		)
		if err := rows.Scan(&m.ID, &m.Type, &m.Name, &m.Value, &m.Unit, &m.TimestampUTC, &metadata); err != nil {
			return nil, fmt.Errorf("queue: scanning metric: %w", err)
		}
		m.TimestampUTC = m.TimestampUTC.UTC()
		if metadata != nil {
			if err := json.Unmarshal([]byte(*metadata), &m.Metadata); err != nil {
				return nil, fmt.Errorf("queue: decoding metadata of metric %d: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: reading metrics: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RemoveMetrics(ctx context.Context, ids []int64) error {
	return s.removeByID(ctx, "DELETE FROM queue_metrics WHERE id = ANY($1)", ids, "metrics")
}

func (s *PostgresStore) PruneMetrics(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, "DELETE FROM queue_metrics WHERE timestamp_utc < $1", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("queue: pruning metrics: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM queue_instructions),
			(SELECT COUNT(*) FROM queue_instruction_results),
			(SELECT COUNT(*) FROM queue_metrics)
	`).Scan(&stats.Instructions, &stats.Results, &stats.Metrics)
	if err != nil {
		return Stats{}, fmt.Errorf("queue: reading stats: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	s.logger.Info("queue database connection closed")
	return nil
}

func (s *PostgresStore) removeByID(ctx context.Context, query string, ids []int64, table string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("queue: removing %s: %w", table, err)
	}
	return nil
}
