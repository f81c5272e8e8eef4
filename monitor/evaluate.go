package monitor

import (
	"fmt"
	"time"
)

// Evaluate maps one queue's metrics and the configured thresholds to a health
// status and a list of alerts. It is pure and total: no side effects, no I/O,
// and malformed telemetry is clamped rather than rejected.
//
// Rules are independent and cumulative; multiple alerts may co-exist for one
// queue and no alert suppresses another. The single exception is paused: an
// intentionally held queue produces no alerts at all, so operators are not
// flooded with noise about a queue they stopped themselves.
func Evaluate(queue QueueConfig, sample MetricsSample, thresholds AlertThresholds, paused bool) QueueHealth {
	if paused {
		return QueueHealth{Status: StatusPaused, Alerts: []Alert{}}
	}

	sample = sample.sanitize()

	var alerts []Alert
	appendIf := func(a *Alert) {
		if a != nil {
			alerts = append(alerts, *a)
		}
	}

	appendIf(evalHighPending(queue, sample, thresholds))
	appendIf(evalStuckDocuments(queue, sample, thresholds))
	appendIf(evalLowRate(queue, sample, thresholds))
	appendIf(evalQueueAge(queue, sample, thresholds))
	appendIf(evalWorkerDown(queue, sample))

	status := StatusHealthy
	for _, a := range alerts {
		if a.Severity == SeverityCritical {
			status = StatusCritical
			break
		}
		status = StatusWarning
	}

	if alerts == nil {
		alerts = []Alert{}
	}
	return QueueHealth{Status: status, Alerts: alerts}
}

func newAlert(queue QueueConfig, typ AlertType, sev Severity, observed, threshold float64, msg, recommended string, at time.Time) *Alert {
	return &Alert{
		ID:            AlertID(queue.Name, typ),
		QueueName:     queue.Name,
		Type:          typ,
		Severity:      sev,
		Message:       msg,
		Observed:      observed,
		Threshold:     threshold,
		FirstObserved: at,
		LastObserved:  at,
		Recommended:   recommended,
	}
}

func evalHighPending(queue QueueConfig, s MetricsSample, t AlertThresholds) *Alert {
	if t.PendingCritical > 0 && s.Pending >= t.PendingCritical {
		return newAlert(queue, AlertHighPending, SeverityCritical,
			float64(s.Pending), float64(t.PendingCritical),
			fmt.Sprintf("queue %q has %d pending documents (critical threshold %d)",
				queue.Name, s.Pending, t.PendingCritical),
			"scale up workers or pause upstream intake",
			s.CapturedAt)
	}
	if t.PendingWarning > 0 && s.Pending >= t.PendingWarning {
		return newAlert(queue, AlertHighPending, SeverityWarning,
			float64(s.Pending), float64(t.PendingWarning),
			fmt.Sprintf("queue %q has %d pending documents (warning threshold %d)",
				queue.Name, s.Pending, t.PendingWarning),
			"watch queue depth; consider adding workers",
			s.CapturedAt)
	}
	return nil
}

func evalStuckDocuments(queue QueueConfig, s MetricsSample, t AlertThresholds) *Alert {
	if t.StuckMinutes > 0 && s.Stuck > 0 {
		return newAlert(queue, AlertStuckDocuments, SeverityCritical,
			float64(s.Stuck), 0,
			fmt.Sprintf("queue %q has %d documents stuck in processing for over %d minutes",
				queue.Name, s.Stuck, t.StuckMinutes),
			"inspect the stuck documents and retry or skip them",
			s.CapturedAt)
	}
	return nil
}

func evalLowRate(queue QueueConfig, s MetricsSample, t AlertThresholds) *Alert {
	// A queue with no provisioned workers is not degraded, just not yet
	// provisioned; the worker-down rule covers absent-but-expected workers.
	if s.TotalWorkers == 0 {
		return nil
	}
	if t.RateCritical > 0 && s.ProcessingRate < t.RateCritical {
		return newAlert(queue, AlertLowRate, SeverityCritical,
			s.ProcessingRate, t.RateCritical,
			fmt.Sprintf("queue %q processing rate %.2f/min is below critical threshold %.2f/min",
				queue.Name, s.ProcessingRate, t.RateCritical),
			"check worker health and downstream dependencies",
			s.CapturedAt)
	}
	if t.RateWarning > 0 && s.ProcessingRate < t.RateWarning {
		return newAlert(queue, AlertLowRate, SeverityWarning,
			s.ProcessingRate, t.RateWarning,
			fmt.Sprintf("queue %q processing rate %.2f/min is below warning threshold %.2f/min",
				queue.Name, s.ProcessingRate, t.RateWarning),
			"check worker load; throughput is degrading",
			s.CapturedAt)
	}
	return nil
}

func evalQueueAge(queue QueueConfig, s MetricsSample, t AlertThresholds) *Alert {
	if t.QueueAgeMinutes > 0 && s.OldestPendingAge >= time.Duration(t.QueueAgeMinutes)*time.Minute {
		return newAlert(queue, AlertQueueAge, SeverityWarning,
			s.OldestPendingAge.Minutes(), float64(t.QueueAgeMinutes),
			fmt.Sprintf("oldest pending document in queue %q has waited %s (threshold %d minutes)",
				queue.Name, s.OldestPendingAge.Round(time.Second), t.QueueAgeMinutes),
			"check queue prioritization; old documents are not being picked up",
			s.CapturedAt)
	}
	return nil
}

func evalWorkerDown(queue QueueConfig, s MetricsSample) *Alert {
	if s.ActiveWorkers == 0 && s.TotalWorkers > 0 && s.Pending > 0 {
		return newAlert(queue, AlertWorkerDown, SeverityCritical,
			0, float64(s.TotalWorkers),
			fmt.Sprintf("queue %q has %d pending documents but none of its %d workers are active",
				queue.Name, s.Pending, s.TotalWorkers),
			"restart the worker pool for this queue",
			s.CapturedAt)
	}
	return nil
}
