package pgmon

import (
	"time"

	"github.com/uptrace/bun"
)

// Document statuses as stored in the documents table.
const (
	statusPending    = "pending"
	statusInProgress = "in_progress"
	statusCompleted  = "completed"
	statusFailed     = "failed"
	statusSkipped    = "skipped"
)

// Document is one unit of pipeline work.
type Document struct {
	bun.BaseModel `bun:"table:documents"`

	ID        string `bun:"id,pk"`
	QueueName string `bun:"queue_name"`
	Status    string `bun:"status"`

	EnqueuedAt  time.Time  `bun:"enqueued_at"`
	StartedAt   *time.Time `bun:"started_at"`
	CompletedAt *time.Time `bun:"completed_at"`
	SkippedAt   *time.Time `bun:"skipped_at"`

	RetryCount int               `bun:"retry_count"`
	LastError  string            `bun:"last_error"`
	Metadata   map[string]string `bun:"metadata,type:jsonb"`
}

// QueueState holds the per-queue pause flag. Absence of a row means active.
type QueueState struct {
	bun.BaseModel `bun:"table:queue_state"`

	QueueName string    `bun:"queue_name,pk"`
	Paused    bool      `bun:"paused"`
	UpdatedAt time.Time `bun:"updated_at"`
}

// Worker is one registered pipeline worker with a liveness heartbeat.
type Worker struct {
	bun.BaseModel `bun:"table:workers"`

	ID            string    `bun:"id,pk"`
	QueueName     string    `bun:"queue_name"`
	LastHeartbeat time.Time `bun:"last_heartbeat"`
}

// queueMetricsRow is the scan target for the batched metrics query.
type queueMetricsRow struct {
	QueueName        string  `bun:"queue_name"`
	Pending          int     `bun:"pending"`
	InProgress       int     `bun:"in_progress"`
	Completed        int     `bun:"completed"`
	Failed           int     `bun:"failed"`
	Stuck            int     `bun:"stuck"`
	CompletedWindow  int     `bun:"completed_window"`
	AvgProcessingSec float64 `bun:"avg_processing_sec"`
	OldestPendingSec float64 `bun:"oldest_pending_sec"`
	ActiveWorkers    int     `bun:"active_workers"`
	TotalWorkers     int     `bun:"total_workers"`
	Paused           bool    `bun:"paused"`
}
