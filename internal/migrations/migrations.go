package migrations

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shafraz007/endpoint-agent/internal/logging"
)

type Migration struct {
	Name string
	Up   func(context.Context, *pgxpool.Pool) error
}

var migrations = []Migration{
	{
		Name: "001_create_queue_instructions_table",
		Up:   createQueueInstructionsTable,
	},
	{
		Name: "002_create_queue_results_table",
		Up:   createQueueResultsTable,
	},
	{
		Name: "003_create_queue_metrics_table",
		Up:   createQueueMetricsTable,
	},
}

// Names lists every known migration in the order they are applied.
func Names() []string {
	names := make([]string, len(migrations))
	for i, m := range migrations {
		names[i] = m.Name
	}
	return names
}

func RunMigrations(ctx context.Context, db *pgxpool.Pool) error {
	log := logging.New("migrations")

	if err := createMigrationsTable(ctx, db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, migration := range migrations {
		applied, err := isMigrationApplied(ctx, db, migration.Name)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if applied {
			log.WithField("migration", migration.Name).Debug("already applied")
			continue
		}

		log.WithField("migration", migration.Name).Info("running migration")
		if err := migration.Up(ctx, db); err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.Name, err)
		}

		if err := recordMigration(ctx, db, migration.Name); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		log.WithField("migration", migration.Name).Info("migration completed")
	}

	return nil
}

func createMigrationsTable(ctx context.Context, db *pgxpool.Pool) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255) UNIQUE NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)
	`

	_, err := db.Exec(ctx, query)
	return err
}

func isMigrationApplied(ctx context.Context, db *pgxpool.Pool, name string) (bool, error) {
	var count int
	err := db.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE name = $1", name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func recordMigration(ctx context.Context, db *pgxpool.Pool, name string) error {
	_, err := db.Exec(ctx, "INSERT INTO schema_migrations (name) VALUES ($1)", name)
	return err
}

func createQueueInstructionsTable(ctx context.Context, db *pgxpool.Pool) error {
	// seq preserves first-delivery order across upserts
	query := `
	CREATE TABLE IF NOT EXISTS queue_instructions (
		id BIGINT PRIMARY KEY,
		type INT NOT NULL,
		payload JSONB,
		seq BIGSERIAL NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_queue_instructions_seq ON queue_instructions(seq);
	`

	_, err := db.Exec(ctx, query)
	return err
}

func createQueueResultsTable(ctx context.Context, db *pgxpool.Pool) error {
	query := `
	CREATE TABLE IF NOT EXISTS queue_instruction_results (
		instruction_id BIGINT PRIMARY KEY,
		success BOOLEAN NOT NULL,
		output TEXT,
		error TEXT,
		seq BIGSERIAL NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_queue_results_seq ON queue_instruction_results(seq);
	`

	_, err := db.Exec(ctx, query)
	return err
}

func createQueueMetricsTable(ctx context.Context, db *pgxpool.Pool) error {
	query := `
	CREATE TABLE IF NOT EXISTS queue_metrics (
		id BIGSERIAL PRIMARY KEY,
		type VARCHAR(100) NOT NULL,
		name VARCHAR(255) NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		unit VARCHAR(50) NOT NULL,
		timestamp_utc TIMESTAMPTZ NOT NULL,
		metadata JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_queue_metrics_timestamp ON queue_metrics(timestamp_utc);
	`

	_, err := db.Exec(ctx, query)
	return err
}
