package monitor

import (
	"sort"
	"time"
)

// QueueStatus is the read-only view of one queue inside a StatusSnapshot.
type QueueStatus struct {
	Queue   QueueConfig     `json:"queue"`
	Health  QueueHealth     `json:"health"`
	Metrics MetricsSample   `json:"metrics"`
	Stuck   []StuckDocument `json:"stuck"`

	// HasData is false until the first sample for this queue arrives.
	HasData bool `json:"has_data"`
}

// StatusSnapshot is an immutable view of the whole monitored queue set,
// published to subscribers on every evaluation pass. Consumers always see the
// last good snapshot while a fetch is in flight; a transient source failure
// never blanks the view.
type StatusSnapshot struct {
	TakenAt time.Time `json:"taken_at"`

	// SourceUnavailable is set after the configured number of consecutive
	// fetch failures. It is a source-level condition, distinct from any
	// queue-level alert; the queue data below is the last known good state.
	SourceUnavailable   bool      `json:"source_unavailable"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`

	// Queues is ordered by priority (higher first), then by name.
	Queues []QueueStatus `json:"queues"`
}

// Queue returns the status of a single queue by name.
func (s StatusSnapshot) Queue(name string) (QueueStatus, bool) {
	for _, q := range s.Queues {
		if q.Queue.Name == name {
			return q, true
		}
	}
	return QueueStatus{}, false
}

func sortQueueStatuses(statuses []QueueStatus) {
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Queue.Priority != statuses[j].Queue.Priority {
			return statuses[i].Queue.Priority > statuses[j].Queue.Priority
		}
		return statuses[i].Queue.Name < statuses[j].Queue.Name
	})
}
