package monitor

// Error codes for monitor operations.
const (
	// CodeDataSourceUnavailable marks consecutive metrics fetch failures. It is
	// a source-level condition, never fabricated as a queue alert.
	CodeDataSourceUnavailable = "DATA_SOURCE_UNAVAILABLE"

	// CodeInterventionConflict is returned when an intervention targets a queue
	// that already has one in flight.
	CodeInterventionConflict = "INTERVENTION_CONFLICT"

	// CodeInterventionFailed is returned when the backend rejected an
	// intervention. Interventions are never retried automatically.
	CodeInterventionFailed = "INTERVENTION_FAILED"

	// CodeQueueNotFound is returned for operations on an unconfigured queue.
	CodeQueueNotFound = "QUEUE_NOT_FOUND"

	// CodeDocumentNotFound is returned when a retry/skip target does not exist.
	CodeDocumentNotFound = "DOCUMENT_NOT_FOUND"

	// CodeAlertNotFound is returned when muting an alert id that is not active.
	CodeAlertNotFound = "ALERT_NOT_FOUND"

	// CodeInvalidThresholds is returned for inconsistent or negative thresholds.
	CodeInvalidThresholds = "INVALID_THRESHOLDS"

	// CodeMonitorStopped is returned when operating on a stopped monitor.
	CodeMonitorStopped = "MONITOR_STOPPED"
)
