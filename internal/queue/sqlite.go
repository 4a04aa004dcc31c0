package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shafraz007/endpoint-agent/internal/instruction"
	"github.com/shafraz007/endpoint-agent/internal/logging"
	"github.com/shafraz007/endpoint-agent/internal/telemetry"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS instructions (
	id         INTEGER PRIMARY KEY,
	type       INTEGER NOT NULL,
	payload    TEXT,
	seq        INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instructions_seq ON instructions(seq);

CREATE TABLE IF NOT EXISTS instruction_results (
	instruction_id INTEGER PRIMARY KEY,
	success        INTEGER NOT NULL,
	output         TEXT,
	error          TEXT,
	seq            INTEGER NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instruction_results_seq ON instruction_results(seq);

CREATE TABLE IF NOT EXISTS metrics (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	type          TEXT NOT NULL,
	name          TEXT NOT NULL,
	value         REAL NOT NULL,
	unit          TEXT NOT NULL,
	timestamp_utc INTEGER NOT NULL,
	metadata      TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics(timestamp_utc);
`

// SQLiteOptions configures OpenSQLite.
type SQLiteOptions struct {
	// Path to the database file; created if missing. The parent
	// directory must exist.
	Path string
	// PoolSize defaults to 2. The orchestrator is the only writer.
	PoolSize int
	Logger   logging.Logger
}

// SQLiteStore is the default Store, one SQLite file per agent.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	path   string
	logger logging.Logger
	now    func() time.Time
	closed atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLite(ctx context.Context, opts SQLiteOptions) (*SQLiteStore, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("queue: sqlite path is required")
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("queue")
	}

	pool, err := sqlitex.NewPool(opts.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: opening %s: %w", opts.Path, err)
	}

	s := &SQLiteStore{
		pool:   pool,
		path:   opts.Path,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
	}); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("queue: creating schema: %w", err)
	}

	logger.WithField("path", opts.Path).WithField("pool_size", poolSize).Info("queue store opened")
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) withConn(ctx context.Context, fn func(*sqlite.Conn) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("taking connection: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// withTx runs fn inside an IMMEDIATE transaction that commits only when
// fn returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sqlite.Conn) error) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer endTransaction(&err)
		return fn(conn)
	})
}

func sqliteLimit(limit int) int64 {
	if limit <= 0 {
		return -1
	}
	return int64(limit)
}

func (s *SQLiteStore) SaveInstructions(ctx context.Context, instrs []instruction.Instruction) error {
	if len(instrs) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		now := s.now().UnixNano()
		for _, instr := range instrs {
			payload, err := instruction.EncodePayload(instr.Payload)
			if err != nil {
				return err
			}
			err = sqlitex.Execute(conn, `
				INSERT INTO instructions (id, type, payload, seq, created_at)
				VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM instructions), ?)
				ON CONFLICT(id) DO UPDATE SET type = excluded.type, payload = excluded.payload`,
				&sqlitex.ExecOptions{Args: []any{instr.ID, int64(instr.Type), nullableJSON(payload), now}})
			if err != nil {
				return fmt.Errorf("upserting instruction %d: %w", instr.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: saving instructions: %w", err)
	}
	s.logger.WithField("count", len(instrs)).Debug("instructions saved")
	return nil
}

func (s *SQLiteStore) Instructions(ctx context.Context, limit int) ([]instruction.Instruction, error) {
	var out []instruction.Instruction
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT id, type, payload FROM instructions ORDER BY seq, id LIMIT ?",
			&sqlitex.ExecOptions{
				Args: []any{sqliteLimit(limit)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					instr := instruction.Instruction{
						ID:   stmt.ColumnInt64(0),
						Type: instruction.Type(stmt.ColumnInt(1)),
					}
					if !stmt.ColumnIsNull(2) {
						instr.Payload = instruction.ParsePayload(instr.Type, json.RawMessage(stmt.ColumnText(2)))
					}
					out = append(out, instr)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("queue: reading instructions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) RemoveInstructions(ctx context.Context, ids []int64) error {
	return s.removeByID(ctx, "DELETE FROM instructions WHERE id = ?", ids, "instructions")
}

func (s *SQLiteStore) ClearInstructions(ctx context.Context) error {
	return s.clear(ctx, "DELETE FROM instructions", "instructions")
}

func (s *SQLiteStore) SaveResult(ctx context.Context, result instruction.Result) error {
	return s.SaveResults(ctx, []instruction.Result{result})
}

func (s *SQLiteStore) SaveResults(ctx context.Context, results []instruction.Result) error {
	if len(results) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		now := s.now().UnixNano()
		for _, r := range results {
			err := sqlitex.Execute(conn, `
				INSERT INTO instruction_results (instruction_id, success, output, error, seq, created_at)
				VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM instruction_results), ?)
				ON CONFLICT(instruction_id) DO UPDATE SET
					success = excluded.success,
					output = excluded.output,
					error = excluded.error`,
				&sqlitex.ExecOptions{Args: []any{r.InstructionID, boolInt(r.Success), r.Output, r.Error, now}})
			if err != nil {
				return fmt.Errorf("upserting result %d: %w", r.InstructionID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: saving results: %w", err)
	}
	s.logger.WithField("count", len(results)).Debug("results saved")
	return nil
}

func (s *SQLiteStore) Results(ctx context.Context, limit int) ([]instruction.Result, error) {
	var out []instruction.Result
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT instruction_id, success, output, error FROM instruction_results ORDER BY seq, instruction_id LIMIT ?",
			&sqlitex.ExecOptions{
				Args: []any{sqliteLimit(limit)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, instruction.Result{
						InstructionID: stmt.ColumnInt64(0),
						Success:       stmt.ColumnInt(1) != 0,
						Output:        stmt.ColumnText(2),
						Error:         stmt.ColumnText(3),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("queue: reading results: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) RemoveResults(ctx context.Context, instructionIDs []int64) error {
	return s.removeByID(ctx, "DELETE FROM instruction_results WHERE instruction_id = ?", instructionIDs, "results")
}

func (s *SQLiteStore) ClearResults(ctx context.Context) error {
	return s.clear(ctx, "DELETE FROM instruction_results", "results")
}

func (s *SQLiteStore) StoreMetrics(ctx context.Context, metrics []telemetry.Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		for _, m := range metrics {
			var metadata any
			if len(m.Metadata) > 0 {
				encoded, err := json.Marshal(m.Metadata)
				if err != nil {
					return fmt.Errorf("encoding metadata for %s/%s: %w", m.Type, m.Name, err)
				}
				metadata = string(encoded)
			}
			err := sqlitex.Execute(conn,
				"INSERT INTO metrics (type, name, value, unit, timestamp_utc, metadata) VALUES (?, ?, ?, ?, ?, ?)",
				&sqlitex.ExecOptions{Args: []any{m.Type, m.Name, m.Value, m.Unit, m.TimestampUTC.UTC().UnixNano(), metadata}})
			if err != nil {
				return fmt.Errorf("inserting metric %s/%s: %w", m.Type, m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: storing metrics: %w", err)
	}
	s.logger.WithField("count", len(metrics)).Debug("metrics buffered")
	return nil
}

func (s *SQLiteStore) Metrics(ctx context.Context, limit int) ([]telemetry.Metric, error) {
	var out []telemetry.Metric
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT id, type, name, value, unit, timestamp_utc, metadata FROM metrics ORDER BY timestamp_utc, id LIMIT ?",
			&sqlitex.ExecOptions{
				Args: []any{sqliteLimit(limit)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					m := telemetry.Metric{
						ID:           stmt.ColumnInt64(0),
						Type:         stmt.ColumnText(1),
						Name:         stmt.ColumnText(2),
						Value:        stmt.ColumnFloat(3),
						Unit:         stmt.ColumnText(4),
						TimestampUTC: time.Unix(0, stmt.ColumnInt64(5)).UTC(),
					}
					if !stmt.ColumnIsNull(6) {
						if err := json.Unmarshal([]byte(stmt.ColumnText(6)), &m.Metadata); err != nil {
							return fmt.Errorf("decoding metadata of metric %d: %w", m.ID, err)
						}
					}
					out = append(out, m)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("queue: reading metrics: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) RemoveMetrics(ctx context.Context, ids []int64) error {
	return s.removeByID(ctx, "DELETE FROM metrics WHERE id = ?", ids, "metrics")
}

func (s *SQLiteStore) PruneMetrics(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "DELETE FROM metrics WHERE timestamp_utc < ?",
			&sqlitex.ExecOptions{Args: []any{before.UTC().UnixNano()}})
		removed = int64(conn.Changes())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("queue: pruning metrics: %w", err)
	}
	if removed > 0 {
		s.logger.WithField("count", removed).WithField("before", before.UTC()).Info("pruned old metrics")
	}
	return removed, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT
				(SELECT COUNT(*) FROM instructions),
				(SELECT COUNT(*) FROM instruction_results),
				(SELECT COUNT(*) FROM metrics)`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					stats.Instructions = stmt.ColumnInt64(0)
					stats.Results = stmt.ColumnInt64(1)
					stats.Metrics = stmt.ColumnInt64(2)
					return nil
				},
			})
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue: reading stats: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("queue: closing %s: %w", s.path, err)
	}
	s.logger.WithField("path", s.path).Info("queue store closed")
	return nil
}

func (s *SQLiteStore) removeByID(ctx context.Context, query string, ids []int64, table string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		for _, id := range ids {
			if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
				return fmt.Errorf("removing %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: removing %s: %w", table, err)
	}
	s.logger.WithField("count", len(ids)).Debugf("%s removed", table)
	return nil
}

func (s *SQLiteStore) clear(ctx context.Context, query, table string) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn, query, nil)
	})
	if err != nil {
		return fmt.Errorf("queue: clearing %s: %w", table, err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
