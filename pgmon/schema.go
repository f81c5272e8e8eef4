package pgmon

import (
	"context"
	"fmt"

	"github.com/code19m/errx"
	"github.com/uptrace/bun"
)

// generateSchemaSQL generates the pipeline schema SQL with the given schema name.
func generateSchemaSQL(schema string) string {
	return fmt.Sprintf(`
-- Document pipeline monitoring schema

CREATE SCHEMA IF NOT EXISTS %[1]s;

-- Documents moving through the pipeline
CREATE TABLE IF NOT EXISTS %[1]s.documents (
    id VARCHAR(255) PRIMARY KEY,

    -- Routing
    queue_name VARCHAR(255) NOT NULL,

    -- Lifecycle
    status VARCHAR(32) NOT NULL DEFAULT 'pending',
    enqueued_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    skipped_at TIMESTAMPTZ,

    -- Processing
    retry_count INT NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',

    -- Content
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb
);

-- Metrics aggregation index (hot path)
CREATE INDEX IF NOT EXISTS idx_documents_queue_status
ON %[1]s.documents (queue_name, status);

-- Stuck drill-down index, partial on in-progress rows only
CREATE INDEX IF NOT EXISTS idx_documents_in_progress
ON %[1]s.documents (queue_name, started_at)
WHERE status = 'in_progress';

-- Throughput window index
CREATE INDEX IF NOT EXISTS idx_documents_completed_at
ON %[1]s.documents (queue_name, completed_at)
WHERE status = 'completed';

-- Per-queue dispatch control
CREATE TABLE IF NOT EXISTS %[1]s.queue_state (
    queue_name VARCHAR(255) PRIMARY KEY,
    paused BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Worker registry with liveness heartbeats
CREATE TABLE IF NOT EXISTS %[1]s.workers (
    id VARCHAR(255) PRIMARY KEY,
    queue_name VARCHAR(255) NOT NULL,
    last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_workers_queue
ON %[1]s.workers (queue_name, last_heartbeat);
`, schema)
}

// EnsureSchema creates the pipeline tables and indexes if they do not exist.
// Safe to run on every startup.
func EnsureSchema(ctx context.Context, db *bun.DB, schema string) error {
	if _, err := db.ExecContext(ctx, generateSchemaSQL(schema)); err != nil {
		return errx.Wrap(err, errx.WithDetails(pgErrorDetails(err)))
	}
	return nil
}
