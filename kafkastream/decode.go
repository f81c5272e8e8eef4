package kafkastream

import (
	"encoding/json"
	"time"

	"github.com/code19m/errx"
	"github.com/spf13/cast"

	"github.com/docpipe/qwatch/monitor"
)

// DecodeSnapshot parses one metrics message.
//
// The wire format is a JSON envelope:
//
//	{
//	  "captured_at": "2026-08-29T10:00:00Z",
//	  "queues": {
//	    "ocr": {"pending": 12, "processing_rate": "3.5", ...}
//	  }
//	}
//
// Producers vary in how strictly they type numeric fields (some emit numbers
// as strings), so individual fields are coerced with cast instead of strict
// unmarshalling. Unknown fields are ignored.
func DecodeSnapshot(payload []byte) (monitor.QueueMetrics, error) {
	var envelope struct {
		CapturedAt any                       `json:"captured_at"`
		Queues     map[string]map[string]any `json:"queues"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return monitor.QueueMetrics{}, errx.Wrap(err)
	}

	capturedAt, err := cast.ToTimeE(envelope.CapturedAt)
	if err != nil || capturedAt.IsZero() {
		return monitor.QueueMetrics{}, errx.New("[kafkastream] missing or invalid captured_at",
			errx.WithDetails(errx.D{"captured_at": envelope.CapturedAt}))
	}

	qm := monitor.QueueMetrics{
		CapturedAt: capturedAt,
		Samples:    make(map[string]monitor.MetricsSample, len(envelope.Queues)),
	}
	for name, fields := range envelope.Queues {
		qm.Samples[name] = decodeSample(name, fields, capturedAt)
	}
	return qm, nil
}

func decodeSample(name string, fields map[string]any, capturedAt time.Time) monitor.MetricsSample {
	return monitor.MetricsSample{
		QueueName:         name,
		Pending:           cast.ToInt(fields["pending"]),
		InProgress:        cast.ToInt(fields["in_progress"]),
		Completed:         cast.ToInt(fields["completed"]),
		Failed:            cast.ToInt(fields["failed"]),
		Stuck:             cast.ToInt(fields["stuck"]),
		ProcessingRate:    cast.ToFloat64(fields["processing_rate"]),
		AvgProcessingTime: secondsToDuration(fields["avg_processing_sec"]),
		OldestPendingAge:  secondsToDuration(fields["oldest_pending_sec"]),
		ActiveWorkers:     cast.ToInt(fields["active_workers"]),
		TotalWorkers:      cast.ToInt(fields["total_workers"]),
		Paused:            cast.ToBool(fields["paused"]),
		CapturedAt:        capturedAt,
	}
}

func secondsToDuration(v any) time.Duration {
	return time.Duration(cast.ToFloat64(v) * float64(time.Second))
}
