package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/code19m/errx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/qwatch/monitor"
)

func activeMonitor(t *testing.T, source *fakeSource, backend *fakeBackend) *monitor.Monitor {
	t.Helper()
	m := startMonitor(t, testMonitorConfig(), source, backend)
	require.Eventually(t, func() bool {
		qs, ok := m.Snapshot().Queue("ocr")
		return ok && qs.HasData
	}, 2*time.Second, 10*time.Millisecond)
	return m
}

func TestPauseAppliesOptimistically(t *testing.T) {
	source := &fakeSource{}
	source.set(metricsAt(time.Now(),
		monitor.MetricsSample{QueueName: "ocr", Pending: 1, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)
	backend := &fakeBackend{}
	m := activeMonitor(t, source, backend)

	require.NoError(t, m.Interventions().Pause(context.Background(), "ocr"))
	assert.Equal(t, 1, backend.calls("pause"))

	// The transition is visible immediately, before any refresh confirms it.
	qs, ok := m.Snapshot().Queue("ocr")
	require.True(t, ok)
	assert.Equal(t, monitor.StatusPaused, qs.Health.Status)

	iv, ok := m.Interventions().Last("ocr")
	require.True(t, ok)
	assert.Equal(t, monitor.ActionPause, iv.Kind)
	assert.Equal(t, monitor.StateApplied, iv.State)
	assert.NotEmpty(t, iv.ID)
}

func TestPauseAlreadyPausedIsNoOp(t *testing.T) {
	source := &fakeSource{}
	source.set(metricsAt(time.Now(),
		monitor.MetricsSample{QueueName: "ocr", Pending: 1, Paused: true, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)
	backend := &fakeBackend{}
	m := activeMonitor(t, source, backend)

	require.NoError(t, m.Interventions().Pause(context.Background(), "ocr"))
	assert.Zero(t, backend.calls("pause"), "pausing a paused queue must not hit the backend")
}

func TestPauseRollsBackOnBackendFailure(t *testing.T) {
	source := &fakeSource{}
	source.set(metricsAt(time.Now(),
		monitor.MetricsSample{QueueName: "ocr", Pending: 1, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)
	backend := &fakeBackend{pauseErr: errx.New("backend rejected pause")}
	m := activeMonitor(t, source, backend)

	err := m.Interventions().Pause(context.Background(), "ocr")

	require.Error(t, err)
	assert.True(t, errx.IsCodeIn(err, monitor.CodeInterventionFailed))

	qs, ok := m.Snapshot().Queue("ocr")
	require.True(t, ok)
	assert.NotEqual(t, monitor.StatusPaused, qs.Health.Status, "optimistic pause must be rolled back")

	iv, ok := m.Interventions().Last("ocr")
	require.True(t, ok)
	assert.Equal(t, monitor.StateFailed, iv.State)
	assert.NotEmpty(t, iv.Error)
}

func TestResumeRollsBackToPausedOnFailure(t *testing.T) {
	source := &fakeSource{}
	source.set(metricsAt(time.Now(),
		monitor.MetricsSample{QueueName: "ocr", Pending: 1, Paused: true, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)
	backend := &fakeBackend{resumeErr: errx.New("backend rejected resume")}
	m := activeMonitor(t, source, backend)

	err := m.Interventions().Resume(context.Background(), "ocr")

	require.Error(t, err)
	assert.True(t, errx.IsCodeIn(err, monitor.CodeInterventionFailed))

	qs, ok := m.Snapshot().Queue("ocr")
	require.True(t, ok)
	assert.Equal(t, monitor.StatusPaused, qs.Health.Status, "failed resume must leave the queue paused")
}

func TestResumeActiveQueueIsNoOp(t *testing.T) {
	source := &fakeSource{}
	source.set(metricsAt(time.Now(),
		monitor.MetricsSample{QueueName: "ocr", Pending: 1, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)
	backend := &fakeBackend{}
	m := activeMonitor(t, source, backend)

	require.NoError(t, m.Interventions().Resume(context.Background(), "ocr"))
	assert.Zero(t, backend.calls("resume"))
}

func TestConcurrentInterventionsConflict(t *testing.T) {
	source := &fakeSource{}
	source.set(metricsAt(time.Now(),
		monitor.MetricsSample{QueueName: "ocr", Pending: 1, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)
	gate := make(chan struct{})
	backend := &fakeBackend{pauseGate: gate}
	m := activeMonitor(t, source, backend)

	pauseDone := make(chan error, 1)
	go func() {
		pauseDone <- m.Interventions().Pause(context.Background(), "ocr")
	}()

	// Wait until the pause is actually in flight before racing it.
	require.Eventually(t, func() bool {
		return backend.calls("pause") == 1
	}, 2*time.Second, 10*time.Millisecond)

	err := m.Interventions().Resume(context.Background(), "ocr")
	require.Error(t, err)
	assert.True(t, errx.IsCodeIn(err, monitor.CodeInterventionConflict))

	close(gate)
	require.NoError(t, <-pauseDone)

	// With the first intervention finished, the queue accepts new ones.
	require.NoError(t, m.Interventions().Resume(context.Background(), "ocr"))
}

func TestInterventionUnknownQueue(t *testing.T) {
	source := &fakeSource{}
	source.set(metricsAt(time.Now(),
		monitor.MetricsSample{QueueName: "ocr", Pending: 1, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)
	m := activeMonitor(t, source, &fakeBackend{})

	err := m.Interventions().Pause(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errx.IsCodeIn(err, monitor.CodeQueueNotFound))

	_, err = m.Interventions().RetryStuck(context.Background(), "nope", []string{"doc-1"})
	require.Error(t, err)
	assert.True(t, errx.IsCodeIn(err, monitor.CodeQueueNotFound))
}

func TestRetryStuckThroughController(t *testing.T) {
	source := &fakeSource{}
	source.set(metricsAt(time.Now(),
		monitor.MetricsSample{QueueName: "ocr", Pending: 1, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)
	backend := &fakeBackend{retryRes: map[string]error{
		"doc-1": nil,
		"doc-2": errx.New("document not found", errx.WithCode(monitor.CodeDocumentNotFound)),
	}}
	m := activeMonitor(t, source, backend)

	results, err := m.Interventions().RetryStuck(context.Background(), "ocr", []string{"doc-1", "doc-2"})

	require.NoError(t, err)
	assert.NoError(t, results["doc-1"])
	assert.Error(t, results["doc-2"])

	iv, ok := m.Interventions().Last("ocr")
	require.True(t, ok)
	assert.Equal(t, monitor.ActionRetry, iv.Kind)
	assert.Equal(t, monitor.StateApplied, iv.State)
	assert.Equal(t, []string{"doc-1", "doc-2"}, iv.DocIDs)
}

func TestSkipDocumentThroughController(t *testing.T) {
	source := &fakeSource{}
	source.set(metricsAt(time.Now(),
		monitor.MetricsSample{QueueName: "ocr", Pending: 1, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)
	backend := &fakeBackend{}
	m := activeMonitor(t, source, backend)

	require.NoError(t, m.Interventions().SkipDocument(context.Background(), "ocr", "doc-1"))
	assert.Equal(t, 1, backend.calls("skip"))

	backend.skipErr = errx.New("backend unreachable")
	err := m.Interventions().SkipDocument(context.Background(), "ocr", "doc-2")
	require.Error(t, err)
	assert.True(t, errx.IsCodeIn(err, monitor.CodeInterventionFailed))
}
