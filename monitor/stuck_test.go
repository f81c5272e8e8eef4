package monitor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/code19m/errx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/qwatch/logger"
	"github.com/docpipe/qwatch/monitor"
)

func TestDetectStuck(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		items     []monitor.WorkItem
		threshold int
		wantIDs   []string
	}{
		{
			name:      "empty input",
			items:     nil,
			threshold: 30,
			wantIDs:   nil,
		},
		{
			name: "threshold zero disables detection",
			items: []monitor.WorkItem{
				{ID: "doc-1", QueueName: "ocr", StartedAt: now.Add(-24 * time.Hour)},
			},
			threshold: 0,
			wantIDs:   nil,
		},
		{
			name: "age exactly at threshold is stuck",
			items: []monitor.WorkItem{
				{ID: "doc-1", QueueName: "ocr", StartedAt: now.Add(-30 * time.Minute)},
			},
			threshold: 30,
			wantIDs:   []string{"doc-1"},
		},
		{
			name: "age just under threshold is not stuck",
			items: []monitor.WorkItem{
				{ID: "doc-1", QueueName: "ocr", StartedAt: now.Add(-30*time.Minute + time.Second)},
			},
			threshold: 30,
			wantIDs:   nil,
		},
		{
			name: "missing start time is skipped",
			items: []monitor.WorkItem{
				{ID: "doc-1", QueueName: "ocr"},
				{ID: "doc-2", QueueName: "ocr", StartedAt: now.Add(-time.Hour)},
			},
			threshold: 30,
			wantIDs:   []string{"doc-2"},
		},
		{
			name: "mixed ages",
			items: []monitor.WorkItem{
				{ID: "fresh", QueueName: "ocr", StartedAt: now.Add(-time.Minute)},
				{ID: "old", QueueName: "ocr", StartedAt: now.Add(-45 * time.Minute)},
				{ID: "older", QueueName: "ocr", StartedAt: now.Add(-2 * time.Hour)},
			},
			threshold: 30,
			wantIDs:   []string{"old", "older"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := monitor.DetectStuck(tc.items, now, tc.threshold)

			ids := make([]string, 0, len(got))
			for _, d := range got {
				ids = append(ids, d.DocumentID)
			}
			if tc.wantIDs == nil {
				assert.Empty(t, ids)
			} else {
				assert.Equal(t, tc.wantIDs, ids)
			}
		})
	}
}

func TestDetectStuckComputesAgeFresh(t *testing.T) {
	started := time.Now().Add(-time.Hour)
	items := []monitor.WorkItem{{ID: "doc-1", QueueName: "ocr", StartedAt: started}}

	earlier := monitor.DetectStuck(items, started.Add(45*time.Minute), 30)
	later := monitor.DetectStuck(items, started.Add(90*time.Minute), 30)

	require.Len(t, earlier, 1)
	require.Len(t, later, 1)
	assert.Equal(t, 45*time.Minute, earlier[0].Age)
	assert.Equal(t, 90*time.Minute, later[0].Age)
}

// fakeBackend implements monitor.QueueBackend with scriptable outcomes.
type fakeBackend struct {
	mu        sync.Mutex
	pauseErr  error
	resumeErr error
	retryRes  map[string]error
	retryErr  error
	skipErr   error

	// pauseGate, when set, blocks PauseQueue until the channel is closed.
	pauseGate chan struct{}

	pauseCalls  int
	resumeCalls int
	retryCalls  int
	skipCalls   int
}

func (b *fakeBackend) PauseQueue(_ context.Context, _ string) error {
	b.mu.Lock()
	b.pauseCalls++
	gate := b.pauseGate
	err := b.pauseErr
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (b *fakeBackend) ResumeQueue(_ context.Context, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resumeCalls++
	return b.resumeErr
}

func (b *fakeBackend) RetryDocuments(_ context.Context, _ string, docIDs []string) (map[string]error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retryCalls++
	if b.retryErr != nil {
		return nil, b.retryErr
	}
	if b.retryRes != nil {
		return b.retryRes, nil
	}
	res := make(map[string]error, len(docIDs))
	for _, id := range docIDs {
		res[id] = nil
	}
	return res, nil
}

func (b *fakeBackend) SkipDocument(_ context.Context, _ string, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.skipCalls++
	return b.skipErr
}

func (b *fakeBackend) calls(kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch kind {
	case "pause":
		return b.pauseCalls
	case "resume":
		return b.resumeCalls
	case "retry":
		return b.retryCalls
	default:
		return b.skipCalls
	}
}

func TestRetryReturnsPerDocumentOutcome(t *testing.T) {
	docErr := errx.New("document not found", errx.WithCode(monitor.CodeDocumentNotFound))
	backend := &fakeBackend{retryRes: map[string]error{
		"doc-1": nil,
		"doc-2": docErr,
	}}
	tracker := monitor.NewStuckTracker(backend, time.Minute, logger.Named("test"))

	got, err := tracker.Retry(context.Background(), "ocr", []string{"doc-1", "doc-2"})

	require.NoError(t, err, "partial failure is not a call failure")
	assert.NoError(t, got["doc-1"])
	assert.Error(t, got["doc-2"])
}

func TestRetryWholeCallFailure(t *testing.T) {
	backend := &fakeBackend{retryErr: errx.New("backend unreachable")}
	tracker := monitor.NewStuckTracker(backend, time.Minute, logger.Named("test"))

	got, err := tracker.Retry(context.Background(), "ocr", []string{"doc-1"})

	require.Error(t, err)
	assert.Nil(t, got)
}

func TestRetryEmptyInputSkipsBackend(t *testing.T) {
	backend := &fakeBackend{}
	tracker := monitor.NewStuckTracker(backend, time.Minute, logger.Named("test"))

	got, err := tracker.Retry(context.Background(), "ocr", nil)

	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, backend.retryCalls)
}

func TestSkipDelegatesToBackend(t *testing.T) {
	backend := &fakeBackend{}
	tracker := monitor.NewStuckTracker(backend, time.Minute, logger.Named("test"))

	require.NoError(t, tracker.Skip(context.Background(), "ocr", "doc-1"))
	assert.Equal(t, 1, backend.skipCalls)

	backend.skipErr = errx.New("backend unreachable")
	assert.Error(t, tracker.Skip(context.Background(), "ocr", "doc-1"))
}
