package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/code19m/errx"

	"github.com/docpipe/qwatch/logger"
)

// DetectStuck classifies the in-progress work items whose age has reached the
// threshold. The boundary is inclusive: an item whose age equals the threshold
// is stuck. Ages are computed fresh on every call, so an item leaves the stuck
// set only by completing or by the threshold changing.
//
// A threshold of 0 disables detection entirely.
func DetectStuck(inProgress []WorkItem, now time.Time, thresholdMinutes int) []StuckDocument {
	if thresholdMinutes <= 0 {
		return nil
	}

	threshold := time.Duration(thresholdMinutes) * time.Minute

	var stuck []StuckDocument
	for _, item := range inProgress {
		if item.StartedAt.IsZero() {
			continue
		}
		age := now.Sub(item.StartedAt)
		if age < threshold {
			continue
		}
		stuck = append(stuck, StuckDocument{
			DocumentID: item.ID,
			QueueName:  item.QueueName,
			EnqueuedAt: item.EnqueuedAt,
			StartedAt:  item.StartedAt,
			Age:        age,
			RetryCount: item.RetryCount,
			LastError:  item.LastError,
			Metadata:   item.Metadata,
		})
	}
	return stuck
}

// StuckTracker executes retry/skip transitions for stuck documents and watches
// for retried documents that the backend keeps reporting as stuck past the
// grace period (an eventual-consistency warning, not a user-facing error).
type StuckTracker struct {
	backend QueueBackend
	grace   time.Duration
	log     logger.Logger

	mu      sync.Mutex
	retried map[string]time.Time // doc id -> retry time, awaiting confirmation
}

// NewStuckTracker creates a StuckTracker bound to a queue backend.
func NewStuckTracker(backend QueueBackend, grace time.Duration, log logger.Logger) *StuckTracker {
	return &StuckTracker{
		backend: backend,
		grace:   grace,
		log:     log.Named("stuck"),
		retried: make(map[string]time.Time),
	}
}

// Retry re-enqueues the given documents. Retries are independent operations:
// the returned map carries a per-id outcome and a partial failure does not
// roll back the successes. The error is reserved for whole-call failures.
func (t *StuckTracker) Retry(ctx context.Context, queueName string, docIDs []string) (map[string]error, error) {
	if len(docIDs) == 0 {
		return map[string]error{}, nil
	}

	results, err := t.backend.RetryDocuments(ctx, queueName, docIDs)
	if err != nil {
		return nil, errx.Wrap(err, errx.WithDetails(errx.D{
			"queue":     queueName,
			"doc_count": len(docIDs),
		}))
	}

	now := time.Now()
	t.mu.Lock()
	for id, res := range results {
		if res == nil {
			t.retried[id] = now
		}
	}
	t.mu.Unlock()

	return results, nil
}

// Skip permanently excludes a document from active processing. The document is
// preserved in the backend for audit; only its participation in pending and
// in-progress counters ends.
func (t *StuckTracker) Skip(ctx context.Context, queueName string, docID string) error {
	if err := t.backend.SkipDocument(ctx, queueName, docID); err != nil {
		return errx.Wrap(err, errx.WithDetails(errx.D{
			"queue":  queueName,
			"doc_id": docID,
		}))
	}

	t.mu.Lock()
	delete(t.retried, docID)
	t.mu.Unlock()

	return nil
}

// Observe inspects a fresh stuck-document listing. Retried documents that are
// no longer stuck are confirmed and forgotten; documents still stuck after the
// grace period produce a consistency warning in the log.
func (t *StuckTracker) Observe(stuck []StuckDocument, now time.Time) {
	stillStuck := make(map[string]bool, len(stuck))
	for _, d := range stuck {
		stillStuck[d.DocumentID] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, retriedAt := range t.retried {
		if !stillStuck[id] {
			delete(t.retried, id)
			continue
		}
		if now.Sub(retriedAt) >= t.grace {
			t.log.With(
				"doc_id", id,
				"retried_at", retriedAt,
				"grace", t.grace.String(),
			).Warn("retried document still reported stuck after grace period")
			delete(t.retried, id)
		}
	}
}
