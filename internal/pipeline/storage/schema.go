package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const jobsTable = "job_records"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS job_records (
  id              TEXT PRIMARY KEY,
  origin          TEXT NOT NULL,
  external_id     TEXT NOT NULL DEFAULT '',
  job_type        TEXT NOT NULL,
  payload         JSONB NOT NULL,
  status          TEXT NOT NULL,
  run_retries     INTEGER NOT NULL DEFAULT 0,
  error           TEXT NOT NULL DEFAULT '',
  last_retried_at TIMESTAMPTZ,
  created_at      TIMESTAMPTZ NOT NULL,
  updated_at      TIMESTAMPTZ NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS job_records_dispatch_idx ON job_records(origin, status, job_type, run_retries);`,
	`CREATE INDEX IF NOT EXISTS job_records_external_id_idx ON job_records(origin, external_id);`,
	`CREATE INDEX IF NOT EXISTS job_records_created_at_idx ON job_records(origin, created_at DESC, id DESC);`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS job_records (
  id              TEXT PRIMARY KEY,
  origin          TEXT NOT NULL,
  external_id     TEXT NOT NULL DEFAULT '',
  job_type        TEXT NOT NULL,
  payload         TEXT NOT NULL,
  status          TEXT NOT NULL,
  run_retries     INTEGER NOT NULL DEFAULT 0,
  error           TEXT NOT NULL DEFAULT '',
  last_retried_at DATETIME,
  created_at      DATETIME NOT NULL,
  updated_at      DATETIME NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS job_records_dispatch_idx ON job_records(origin, status, job_type, run_retries);`,
	`CREATE INDEX IF NOT EXISTS job_records_external_id_idx ON job_records(origin, external_id);`,
	`CREATE INDEX IF NOT EXISTS job_records_created_at_idx ON job_records(origin, created_at, id);`,
}

// Migrate creates the job_records table and its indexes if missing.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	stmts := postgresSchema
	if db.DriverName() == "sqlite" {
		stmts = sqliteSchema
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", jobsTable, err)
		}
	}
	return nil
}
