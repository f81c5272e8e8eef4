package pgmon

import (
	"context"
	"fmt"
	"time"

	"github.com/code19m/errx"
	"github.com/uptrace/bun"

	"github.com/docpipe/qwatch/monitor"
)

// Store implements monitor.MetricsSource and monitor.QueueBackend on top of a
// document pipeline's PostgreSQL tables.
type Store struct {
	cfg Config
	db  *bun.DB
}

// NewStore creates a Store. The caller owns the db lifecycle.
func NewStore(cfg Config, db *bun.DB) *Store {
	return &Store{cfg: cfg, db: db}
}

// FetchMetrics returns one batched measurement for the named queues. All
// per-queue aggregates come from a single statement so every sample in the
// batch observes the same table state.
func (s *Store) FetchMetrics(ctx context.Context, queueNames []string) (monitor.QueueMetrics, error) {
	if len(queueNames) == 0 {
		return monitor.QueueMetrics{CapturedAt: time.Now(), Samples: map[string]monitor.MetricsSample{}}, nil
	}

	var rows []queueMetricsRow
	err := s.db.NewRaw(fmt.Sprintf(`
		SELECT
			d.queue_name,
			COUNT(*) FILTER (WHERE d.status = ?) AS pending,
			COUNT(*) FILTER (WHERE d.status = ?) AS in_progress,
			COUNT(*) FILTER (WHERE d.status = ?) AS completed,
			COUNT(*) FILTER (WHERE d.status = ?) AS failed,
			COUNT(*) FILTER (WHERE d.status = ?
							 AND d.started_at <= NOW() - ?::interval) AS stuck,
			COUNT(*) FILTER (WHERE d.status = ?
							 AND d.completed_at > NOW() - ?::interval) AS completed_window,
			COALESCE(EXTRACT(EPOCH FROM AVG(d.completed_at - d.started_at)
							 FILTER (WHERE d.status = ?
									 AND d.completed_at > NOW() - ?::interval)), 0) AS avg_processing_sec,
			COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(d.enqueued_at)
							 FILTER (WHERE d.status = ?)), 0) AS oldest_pending_sec,
			COALESCE(w.active_workers, 0) AS active_workers,
			COALESCE(w.total_workers, 0) AS total_workers,
			COALESCE(qs.paused, FALSE) AS paused
		FROM %s d
		LEFT JOIN (
			SELECT queue_name,
				   COUNT(*) FILTER (WHERE last_heartbeat > NOW() - ?::interval) AS active_workers,
				   COUNT(*) AS total_workers
			FROM %s
			GROUP BY queue_name
		) w ON w.queue_name = d.queue_name
		LEFT JOIN %s qs ON qs.queue_name = d.queue_name
		WHERE d.queue_name IN (?)
		GROUP BY d.queue_name, w.active_workers, w.total_workers, qs.paused
	`, s.table("documents"), s.table("workers"), s.table("queue_state")),
		statusPending,
		statusInProgress,
		statusCompleted,
		statusFailed,
		statusInProgress, pgInterval(s.cfg.StuckAfter),
		statusCompleted, pgInterval(s.cfg.RateWindow),
		statusCompleted, pgInterval(s.cfg.RateWindow),
		statusPending,
		pgInterval(s.cfg.WorkerTTL),
		bun.In(queueNames),
	).Scan(ctx, &rows)
	if err != nil {
		return monitor.QueueMetrics{}, errx.Wrap(err, errx.WithDetails(pgErrorDetails(err)))
	}

	capturedAt := time.Now()
	samples := make(map[string]monitor.MetricsSample, len(queueNames))
	for _, r := range rows {
		samples[r.QueueName] = monitor.MetricsSample{
			QueueName:         r.QueueName,
			Pending:           r.Pending,
			InProgress:        r.InProgress,
			Completed:         r.Completed,
			Failed:            r.Failed,
			Stuck:             r.Stuck,
			ProcessingRate:    ratePerMinute(r.CompletedWindow, s.cfg.RateWindow),
			AvgProcessingTime: time.Duration(r.AvgProcessingSec * float64(time.Second)),
			OldestPendingAge:  time.Duration(r.OldestPendingSec * float64(time.Second)),
			ActiveWorkers:     r.ActiveWorkers,
			TotalWorkers:      r.TotalWorkers,
			Paused:            r.Paused,
			CapturedAt:        capturedAt,
		}
	}

	// Queues with no documents at all produce no row; they are still valid
	// empty queues, not missing data.
	for _, name := range queueNames {
		if _, ok := samples[name]; ok {
			continue
		}
		sample := monitor.MetricsSample{QueueName: name, CapturedAt: capturedAt}
		if err := s.fillEmptyQueue(ctx, &sample); err != nil {
			return monitor.QueueMetrics{}, errx.Wrap(err)
		}
		samples[name] = sample
	}

	return monitor.QueueMetrics{CapturedAt: capturedAt, Samples: samples}, nil
}

// fillEmptyQueue resolves workers and pause state for a queue that has no
// document rows.
func (s *Store) fillEmptyQueue(ctx context.Context, sample *monitor.MetricsSample) error {
	var row struct {
		ActiveWorkers int  `bun:"active_workers"`
		TotalWorkers  int  `bun:"total_workers"`
		Paused        bool `bun:"paused"`
	}
	err := s.db.NewRaw(fmt.Sprintf(`
		SELECT
			COALESCE(w.active_workers, 0) AS active_workers,
			COALESCE(w.total_workers, 0) AS total_workers,
			COALESCE(qs.paused, FALSE) AS paused
		FROM (SELECT ?::varchar AS queue_name) q
		LEFT JOIN (
			SELECT queue_name,
				   COUNT(*) FILTER (WHERE last_heartbeat > NOW() - ?::interval) AS active_workers,
				   COUNT(*) AS total_workers
			FROM %s
			GROUP BY queue_name
		) w ON w.queue_name = q.queue_name
		LEFT JOIN %s qs ON qs.queue_name = q.queue_name
	`, s.table("workers"), s.table("queue_state")),
		sample.QueueName, pgInterval(s.cfg.WorkerTTL),
	).Scan(ctx, &row)
	if err != nil {
		return errx.Wrap(err, errx.WithDetails(pgErrorDetails(err)))
	}

	sample.ActiveWorkers = row.ActiveWorkers
	sample.TotalWorkers = row.TotalWorkers
	sample.Paused = row.Paused
	return nil
}

// FetchStuckDocuments returns the in-progress work items of one queue for
// stuck-document drill-down. The age cutoff is left to the caller; only the
// status filter is applied here.
func (s *Store) FetchStuckDocuments(ctx context.Context, queueName string) ([]monitor.WorkItem, error) {
	var docs []Document
	err := s.db.NewSelect().
		Model(&docs).
		ModelTableExpr(s.table("documents") + " AS document").
		Where("queue_name = ?", queueName).
		Where("status = ?", statusInProgress).
		OrderExpr("started_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, errx.Wrap(err, errx.WithDetails(pgErrorDetails(err)))
	}

	items := make([]monitor.WorkItem, 0, len(docs))
	for _, d := range docs {
		item := monitor.WorkItem{
			ID:         d.ID,
			QueueName:  d.QueueName,
			EnqueuedAt: d.EnqueuedAt,
			RetryCount: d.RetryCount,
			LastError:  d.LastError,
			Metadata:   d.Metadata,
		}
		if d.StartedAt != nil {
			item.StartedAt = *d.StartedAt
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Store) table(name string) string {
	return fmt.Sprintf("%s.%s", s.cfg.Schema, name)
}

func ratePerMinute(completed int, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return float64(completed) / window.Minutes()
}

func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}
