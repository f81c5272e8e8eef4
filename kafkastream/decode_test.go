// Package kafkastream_test contains tests for the kafkastream package.
package kafkastream_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/qwatch/kafkastream"
)

func TestDecodeSnapshot(t *testing.T) {
	payload := []byte(`{
		"captured_at": "2026-08-29T10:00:00Z",
		"queues": {
			"ocr": {
				"pending": 12,
				"in_progress": 3,
				"completed": 100,
				"failed": 1,
				"stuck": 2,
				"processing_rate": 4.5,
				"avg_processing_sec": 1.5,
				"oldest_pending_sec": 90,
				"active_workers": 2,
				"total_workers": 3,
				"paused": false
			}
		}
	}`)

	qm, err := kafkastream.DecodeSnapshot(payload)

	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC), qm.CapturedAt)
	require.Contains(t, qm.Samples, "ocr")

	s := qm.Samples["ocr"]
	assert.Equal(t, 12, s.Pending)
	assert.Equal(t, 3, s.InProgress)
	assert.Equal(t, 2, s.Stuck)
	assert.InDelta(t, 4.5, s.ProcessingRate, 0.001)
	assert.Equal(t, 1500*time.Millisecond, s.AvgProcessingTime)
	assert.Equal(t, 90*time.Second, s.OldestPendingAge)
	assert.Equal(t, 2, s.ActiveWorkers)
	assert.False(t, s.Paused)
	assert.Equal(t, qm.CapturedAt, s.CapturedAt)
}

func TestDecodeSnapshotCoercesLooselyTypedFields(t *testing.T) {
	// Some producers emit numbers as strings; decoding must tolerate that.
	payload := []byte(`{
		"captured_at": "2026-08-29T10:00:00Z",
		"queues": {
			"ocr": {
				"pending": "42",
				"processing_rate": "3.5",
				"paused": "true",
				"total_workers": "2"
			}
		}
	}`)

	qm, err := kafkastream.DecodeSnapshot(payload)

	require.NoError(t, err)
	s := qm.Samples["ocr"]
	assert.Equal(t, 42, s.Pending)
	assert.InDelta(t, 3.5, s.ProcessingRate, 0.001)
	assert.True(t, s.Paused)
	assert.Equal(t, 2, s.TotalWorkers)
}

func TestDecodeSnapshotRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `not json at all`},
		{name: "missing captured_at", payload: `{"queues": {"ocr": {"pending": 1}}}`},
		{name: "invalid captured_at", payload: `{"captured_at": "yesterday", "queues": {}}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := kafkastream.DecodeSnapshot([]byte(tc.payload))
			assert.Error(t, err)
		})
	}
}

func TestDecodeSnapshotEmptyQueues(t *testing.T) {
	qm, err := kafkastream.DecodeSnapshot([]byte(`{"captured_at": "2026-08-29T10:00:00Z", "queues": {}}`))

	require.NoError(t, err)
	assert.Empty(t, qm.Samples)
}
