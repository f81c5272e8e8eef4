// Package monitor implements a queue health monitoring and intervention engine
// for document-processing pipelines. It observes work queues through a
// MetricsSource, derives per-queue health and alerts from configurable
// thresholds, tracks stuck documents, and exposes safe operator interventions
// (pause, resume, retry, skip) against a QueueBackend.
//
// The engine never owns authoritative queue state: its view is a cache
// invalidated by the next refresh, and interventions mutate only the external
// ground truth.
package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// HealthStatus is the overall health classification of a queue.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
	StatusPaused   HealthStatus = "paused"
)

// Severity classifies how urgent an alert is.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertType is a closed enumeration of detectable queue conditions.
type AlertType string

const (
	AlertHighPending    AlertType = "high_pending"
	AlertStuckDocuments AlertType = "stuck_documents"
	AlertLowRate        AlertType = "low_rate"
	AlertQueueAge       AlertType = "queue_age"
	AlertWorkerDown     AlertType = "worker_down"
)

// QueueConfig describes a monitored work queue. Queues are defined by
// configuration and are not created or destroyed by the engine.
type QueueConfig struct {
	// Name is the queue identifier used by the backend (required).
	Name string `json:"name" yaml:"name" validate:"required"`

	// DisplayName is a human-friendly label. Defaults to Name.
	DisplayName string `json:"display_name" yaml:"display_name"`

	// Priority orders queues in status output (higher first).
	Priority int `json:"priority" yaml:"priority"`

	// ExpectedRate is the expected throughput in documents per minute.
	ExpectedRate float64 `json:"expected_rate" yaml:"expected_rate"`

	// MaxDepth is the depth the queue is provisioned for.
	MaxDepth int `json:"max_depth" yaml:"max_depth"`
}

// MetricsSample is a point-in-time measurement for one queue, produced by the
// external metrics source. Immutable once captured.
type MetricsSample struct {
	QueueName string `json:"queue_name"`

	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Stuck      int `json:"stuck"`

	// ProcessingRate is the current throughput in documents per minute.
	ProcessingRate float64 `json:"processing_rate"`

	// AvgProcessingTime is the mean in-progress duration over the window.
	AvgProcessingTime time.Duration `json:"avg_processing_time"`

	// OldestPendingAge is the age of the oldest pending document.
	OldestPendingAge time.Duration `json:"oldest_pending_age"`

	ActiveWorkers int `json:"active_workers"`
	TotalWorkers  int `json:"total_workers"`

	// Paused reflects the backend's pause flag for the queue.
	Paused bool `json:"paused"`

	CapturedAt time.Time `json:"captured_at"`
}

// sanitize clamps malformed telemetry instead of erroring: monitoring must
// degrade gracefully rather than crash on bad input.
func (s MetricsSample) sanitize() MetricsSample {
	clampInt := func(v int) int {
		if v < 0 {
			return 0
		}
		return v
	}
	s.Pending = clampInt(s.Pending)
	s.InProgress = clampInt(s.InProgress)
	s.Completed = clampInt(s.Completed)
	s.Failed = clampInt(s.Failed)
	s.Stuck = clampInt(s.Stuck)
	s.ActiveWorkers = clampInt(s.ActiveWorkers)
	s.TotalWorkers = clampInt(s.TotalWorkers)
	if s.ProcessingRate < 0 {
		s.ProcessingRate = 0
	}
	if s.AvgProcessingTime < 0 {
		s.AvgProcessingTime = 0
	}
	if s.OldestPendingAge < 0 {
		s.OldestPendingAge = 0
	}
	return s
}

// QueueMetrics is one batched measurement across all monitored queues.
type QueueMetrics struct {
	CapturedAt time.Time                `json:"captured_at"`
	Samples    map[string]MetricsSample `json:"samples"`
}

// WorkItem is an in-progress document as reported by the metrics source.
type WorkItem struct {
	ID         string            `json:"id"`
	QueueName  string            `json:"queue_name"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	StartedAt  time.Time         `json:"started_at"`
	RetryCount int               `json:"retry_count"`
	LastError  string            `json:"last_error"`
	Metadata   map[string]string `json:"metadata"`
}

// StuckDocument is a work item whose in-progress duration exceeds the stuck
// threshold. Age is computed fresh on every evaluation, never cached.
type StuckDocument struct {
	DocumentID string            `json:"document_id"`
	QueueName  string            `json:"queue_name"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	StartedAt  time.Time         `json:"started_at"`
	Age        time.Duration     `json:"age"`
	RetryCount int               `json:"retry_count"`
	LastError  string            `json:"last_error"`
	Metadata   map[string]string `json:"metadata"`
}

// Alert identifies a detected threshold breach on a specific queue.
type Alert struct {
	// ID is a deterministic hash of queue+type, so repeated detection of the
	// same condition never creates duplicates.
	ID string `json:"id"`

	QueueName string    `json:"queue_name"`
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`

	// Observed is the measured value that breached the threshold.
	Observed float64 `json:"observed"`
	// Threshold is the configured limit that was breached.
	Threshold float64 `json:"threshold"`

	FirstObserved time.Time `json:"first_observed"`
	LastObserved  time.Time `json:"last_observed"`

	// Recommended is a short operator hint for resolving the condition.
	Recommended string `json:"recommended"`

	// Muted indicates the alert is suppressed from notification. It remains
	// present in status queries: muting affects notification only, not truth.
	Muted bool `json:"muted"`
}

// QueueHealth is the derived status of one queue. It is recomputed on every
// sample and never persisted; only the paused flag is externally set.
type QueueHealth struct {
	Status HealthStatus `json:"status"`
	Alerts []Alert      `json:"alerts"`
}

// AlertID returns the deterministic id for a queue+condition pair.
func AlertID(queueName string, typ AlertType) string {
	sum := sha256.Sum256([]byte(queueName + "/" + string(typ)))
	return hex.EncodeToString(sum[:8])
}
