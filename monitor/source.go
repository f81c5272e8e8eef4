package monitor

import "context"

// MetricsSource produces queue metrics. Implementations may query a database,
// an HTTP endpoint, or any other system of record.
type MetricsSource interface {
	// FetchMetrics returns one batched measurement for the named queues.
	FetchMetrics(ctx context.Context, queueNames []string) (QueueMetrics, error)

	// FetchStuckDocuments returns the in-progress work items of one queue for
	// stuck-document drill-down.
	FetchStuckDocuments(ctx context.Context, queueName string) ([]WorkItem, error)
}

// Subscription is a live push stream of queue metrics.
type Subscription interface {
	// Snapshots delivers metrics in arrival order. The channel is closed when
	// the stream terminates; Err reports why.
	Snapshots() <-chan QueueMetrics

	// Err returns the terminal stream error, if any. Valid after Snapshots is
	// closed.
	Err() error

	// Close terminates the subscription. Safe to call more than once.
	Close() error
}

// Subscriber opens push subscriptions. When a subscription drops, the monitor
// falls back to polling and periodically attempts to resubscribe.
type Subscriber interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// QueueBackend executes interventions against the external queue system. The
// engine only signals it; the backend owns all authoritative state.
type QueueBackend interface {
	// PauseQueue stops dispatch for the named queue.
	PauseQueue(ctx context.Context, queueName string) error

	// ResumeQueue restarts dispatch for the named queue.
	ResumeQueue(ctx context.Context, queueName string) error

	// RetryDocuments re-enqueues the given documents. Retries are independent
	// operations, not an atomic batch: the map carries a per-id outcome (nil
	// on success). The returned error is reserved for whole-call failures
	// such as an unreachable backend.
	RetryDocuments(ctx context.Context, queueName string, docIDs []string) (map[string]error, error)

	// SkipDocument permanently excludes a document from active processing.
	// The document is not deleted; it stays addressable for audit.
	SkipDocument(ctx context.Context, queueName string, docID string) error
}

// MuteStore persists the operator mute set so mutes survive restarts. Store
// failures must never block alert reconciliation; the engine degrades to its
// in-memory mute set and logs a warning.
type MuteStore interface {
	// Mute records an alert id as muted.
	Mute(ctx context.Context, alertID string) error

	// Unmute removes an alert id from the mute set.
	Unmute(ctx context.Context, alertID string) error

	// Muted returns all muted alert ids.
	Muted(ctx context.Context) ([]string, error)
}
