package pgmon

import (
	"context"
	"time"

	"github.com/code19m/errx"

	"github.com/docpipe/qwatch/monitor"
)

// PauseQueue stops dispatch for the named queue by upserting its pause flag.
// Workers check the flag before claiming work; the monitor only sets it.
func (s *Store) PauseQueue(ctx context.Context, queueName string) error {
	return s.setPaused(ctx, queueName, true)
}

// ResumeQueue restarts dispatch for the named queue.
func (s *Store) ResumeQueue(ctx context.Context, queueName string) error {
	return s.setPaused(ctx, queueName, false)
}

func (s *Store) setPaused(ctx context.Context, queueName string, paused bool) error {
	state := &QueueState{
		QueueName: queueName,
		Paused:    paused,
		UpdatedAt: time.Now(),
	}
	_, err := s.db.NewInsert().
		Model(state).
		ModelTableExpr(s.table("queue_state") + " AS queue_state").
		On("CONFLICT (queue_name) DO UPDATE").
		Set("paused = EXCLUDED.paused").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return errx.Wrap(err, errx.WithDetails(pgErrorDetails(err)))
	}
	return nil
}

// RetryDocuments re-enqueues the given in-progress documents. Each document is
// an independent operation: the map carries a per-id outcome and a partial
// failure never rolls back the rest. The returned error is reserved for
// whole-call failures.
func (s *Store) RetryDocuments(ctx context.Context, queueName string, docIDs []string) (map[string]error, error) {
	results := make(map[string]error, len(docIDs))
	for _, id := range docIDs {
		results[id] = s.retryOne(ctx, queueName, id)
	}
	return results, nil
}

func (s *Store) retryOne(ctx context.Context, queueName string, docID string) error {
	res, err := s.db.NewUpdate().
		Model((*Document)(nil)).
		ModelTableExpr(s.table("documents") + " AS document").
		Set("status = ?", statusPending).
		Set("started_at = NULL").
		Set("retry_count = retry_count + 1").
		Set("last_error = ''").
		Where("id = ?", docID).
		Where("queue_name = ?", queueName).
		Where("status = ?", statusInProgress).
		Exec(ctx)
	if err != nil {
		return errx.Wrap(err, errx.WithDetails(pgErrorDetails(err)))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errx.Wrap(err)
	}
	if affected == 0 {
		return errx.New("[pgmon]: document is not in progress",
			errx.WithCode(monitor.CodeDocumentNotFound),
			errx.WithType(errx.T_NotFound),
			errx.WithDetails(errx.D{"queue": queueName, "doc_id": docID}),
		)
	}
	return nil
}

// SkipDocument permanently excludes a document from active processing. The row
// is kept for audit; only its status changes.
func (s *Store) SkipDocument(ctx context.Context, queueName string, docID string) error {
	res, err := s.db.NewUpdate().
		Model((*Document)(nil)).
		ModelTableExpr(s.table("documents") + " AS document").
		Set("status = ?", statusSkipped).
		Set("skipped_at = NOW()").
		Where("id = ?", docID).
		Where("queue_name = ?", queueName).
		Where("status IN (?, ?, ?)", statusPending, statusInProgress, statusFailed).
		Exec(ctx)
	if err != nil {
		return errx.Wrap(err, errx.WithDetails(pgErrorDetails(err)))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errx.Wrap(err)
	}
	if affected == 0 {
		return errx.New("[pgmon]: document not found or already finished",
			errx.WithCode(monitor.CodeDocumentNotFound),
			errx.WithType(errx.T_NotFound),
			errx.WithDetails(errx.D{"queue": queueName, "doc_id": docID}),
		)
	}
	return nil
}

// Interface conformance.
var (
	_ monitor.MetricsSource = (*Store)(nil)
	_ monitor.QueueBackend  = (*Store)(nil)
)
