package monitor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/code19m/errx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/qwatch/monitor"
)

// fakeSource is a scriptable MetricsSource.
type fakeSource struct {
	mu       sync.Mutex
	metrics  monitor.QueueMetrics
	err      error
	stuck    map[string][]monitor.WorkItem
	stuckErr error
	fetches  int
}

func (s *fakeSource) FetchMetrics(_ context.Context, _ []string) (monitor.QueueMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return monitor.QueueMetrics{}, s.err
	}
	return s.metrics, nil
}

func (s *fakeSource) FetchStuckDocuments(_ context.Context, queueName string) ([]monitor.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stuckErr != nil {
		return nil, s.stuckErr
	}
	return s.stuck[queueName], nil
}

func (s *fakeSource) set(qm monitor.QueueMetrics, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = qm
	s.err = err
}

func (s *fakeSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func metricsAt(at time.Time, samples ...monitor.MetricsSample) monitor.QueueMetrics {
	qm := monitor.QueueMetrics{CapturedAt: at, Samples: make(map[string]monitor.MetricsSample)}
	for _, s := range samples {
		qm.Samples[s.QueueName] = s
	}
	return qm
}

func testMonitorConfig() monitor.Config {
	return monitor.Config{
		Queues: []monitor.QueueConfig{
			{Name: "ocr", Priority: 2},
			{Name: "index", Priority: 1},
		},
		Thresholds: testThresholds,
		// Polling disabled: tests drive the loop through RefreshNow so timing
		// stays deterministic.
		RefreshInterval:  -1,
		FetchTimeout:     time.Second,
		UnavailableAfter: 3,
		HistorySize:      3,
	}
}

// startMonitor builds a monitor, runs its loop and registers cleanup.
func startMonitor(t *testing.T, cfg monitor.Config, source *fakeSource, backend *fakeBackend, opts ...monitor.Option) *monitor.Monitor {
	t.Helper()

	m, err := monitor.New(cfg, source, backend, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Start(ctx)
	}()
	t.Cleanup(func() {
		m.Stop()
		cancel()
		<-done
	})
	return m
}

// refreshUntil keeps requesting refreshes until cond holds.
func refreshUntil(t *testing.T, m *monitor.Monitor, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		m.RefreshNow()
		return cond()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorAppliesInitialFetch(t *testing.T) {
	source := &fakeSource{}
	source.set(metricsAt(time.Now(),
		monitor.MetricsSample{QueueName: "ocr", Pending: 10, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
		monitor.MetricsSample{QueueName: "index", Pending: 3, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)

	m := startMonitor(t, testMonitorConfig(), source, &fakeBackend{})

	require.Eventually(t, func() bool {
		qs, ok := m.Snapshot().Queue("ocr")
		return ok && qs.HasData
	}, 2*time.Second, 10*time.Millisecond)

	snap := m.Snapshot()
	qs, ok := snap.Queue("ocr")
	require.True(t, ok)
	assert.Equal(t, 10, qs.Metrics.Pending)
	assert.Equal(t, monitor.StatusHealthy, qs.Health.Status)
	assert.False(t, snap.SourceUnavailable)

	// Priority ordering: ocr (2) before index (1).
	require.Len(t, snap.Queues, 2)
	assert.Equal(t, "ocr", snap.Queues[0].Queue.Name)
	assert.Equal(t, "index", snap.Queues[1].Queue.Name)
}

func TestMonitorDiscardsStaleSnapshot(t *testing.T) {
	source := &fakeSource{}
	base := time.Now()
	source.set(metricsAt(base,
		monitor.MetricsSample{QueueName: "ocr", Pending: 10, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)

	m := startMonitor(t, testMonitorConfig(), source, &fakeBackend{})
	require.Eventually(t, func() bool {
		qs, ok := m.Snapshot().Queue("ocr")
		return ok && qs.HasData
	}, 2*time.Second, 10*time.Millisecond)

	// An older capture must never overwrite a newer one, regardless of
	// arrival order.
	source.set(metricsAt(base.Add(-time.Minute),
		monitor.MetricsSample{QueueName: "ocr", Pending: 999, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)
	before := source.fetchCount()
	refreshUntil(t, m, func() bool { return source.fetchCount() > before })

	qs, ok := m.Snapshot().Queue("ocr")
	require.True(t, ok)
	assert.Equal(t, 10, qs.Metrics.Pending, "stale data must be discarded")
}

func TestMonitorRetainsLastKnownGoodOnFailure(t *testing.T) {
	source := &fakeSource{}
	source.set(metricsAt(time.Now(),
		monitor.MetricsSample{QueueName: "ocr", Pending: 42, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)

	m := startMonitor(t, testMonitorConfig(), source, &fakeBackend{})
	require.Eventually(t, func() bool {
		qs, ok := m.Snapshot().Queue("ocr")
		return ok && qs.HasData
	}, 2*time.Second, 10*time.Millisecond)

	source.set(monitor.QueueMetrics{}, errx.New("connection refused"))

	refreshUntil(t, m, func() bool {
		return m.Snapshot().SourceUnavailable
	})

	snap := m.Snapshot()
	assert.GreaterOrEqual(t, snap.ConsecutiveFailures, 3)
	qs, ok := snap.Queue("ocr")
	require.True(t, ok)
	assert.Equal(t, 42, qs.Metrics.Pending, "failure must not blank the last good data")

	// Recovery clears the condition on the first good fetch.
	source.set(metricsAt(time.Now().Add(time.Minute),
		monitor.MetricsSample{QueueName: "ocr", Pending: 7, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)
	refreshUntil(t, m, func() bool {
		snap := m.Snapshot()
		qs, _ := snap.Queue("ocr")
		return !snap.SourceUnavailable && qs.Metrics.Pending == 7
	})
	assert.Zero(t, m.Snapshot().ConsecutiveFailures)
}

func TestMonitorTrend(t *testing.T) {
	source := &fakeSource{}
	base := time.Now()
	source.set(metricsAt(base,
		monitor.MetricsSample{QueueName: "ocr", Pending: 1, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)

	m := startMonitor(t, testMonitorConfig(), source, &fakeBackend{})

	// Feed five samples through a history sized for three.
	for i := 1; i <= 5; i++ {
		source.set(metricsAt(base.Add(time.Duration(i)*time.Second),
			monitor.MetricsSample{QueueName: "ocr", Pending: i, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
		), nil)
		refreshUntil(t, m, func() bool {
			qs, ok := m.Snapshot().Queue("ocr")
			return ok && qs.Metrics.Pending == i
		})
	}

	trend, err := m.Trend("ocr", 10)
	require.NoError(t, err)
	require.Len(t, trend, 3, "history is bounded")
	assert.Equal(t, 5, trend[0].Pending, "newest first")
	assert.Equal(t, 4, trend[1].Pending)
	assert.Equal(t, 3, trend[2].Pending)

	_, err = m.Trend("unknown", 10)
	require.Error(t, err)
	assert.True(t, errx.IsCodeIn(err, monitor.CodeQueueNotFound))
}

func TestMonitorSurfacedAlertsDelivered(t *testing.T) {
	source := &fakeSource{}
	source.set(metricsAt(time.Now(),
		monitor.MetricsSample{QueueName: "ocr", Pending: 600, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)

	cfg := testMonitorConfig()
	m, err := monitor.New(cfg, source, &fakeBackend{})
	require.NoError(t, err)

	alerts, unsub := m.SubscribeAlerts(8)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Start(ctx)
	}()
	t.Cleanup(func() {
		m.Stop()
		cancel()
		<-done
	})

	select {
	case a := <-alerts:
		assert.Equal(t, monitor.AlertHighPending, a.Type)
		assert.Equal(t, monitor.SeverityCritical, a.Severity)
		assert.Equal(t, "ocr", a.QueueName)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a surfaced alert")
	}

	// The ongoing condition must not produce a second notification.
	before := source.fetchCount()
	refreshUntil(t, m, func() bool { return source.fetchCount() > before+1 })
	select {
	case a := <-alerts:
		t.Fatalf("unexpected re-notification: %s", a.ID)
	default:
	}
}

func TestMonitorSnapshotSubscription(t *testing.T) {
	source := &fakeSource{}
	source.set(metricsAt(time.Now(),
		monitor.MetricsSample{QueueName: "ocr", Pending: 1, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)

	cfg := testMonitorConfig()
	m, err := monitor.New(cfg, source, &fakeBackend{})
	require.NoError(t, err)

	snaps, unsub := m.SubscribeSnapshots(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Start(ctx)
	}()
	t.Cleanup(func() {
		m.Stop()
		cancel()
		<-done
	})

	select {
	case snap := <-snaps:
		_, ok := snap.Queue("ocr")
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a snapshot")
	}

	unsub()
	unsub() // double unsubscribe is safe
}

func TestMonitorSetThresholds(t *testing.T) {
	source := &fakeSource{}
	source.set(metricsAt(time.Now(),
		monitor.MetricsSample{QueueName: "ocr", Pending: 150, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)

	m := startMonitor(t, testMonitorConfig(), source, &fakeBackend{})
	refreshUntil(t, m, func() bool {
		qs, ok := m.Snapshot().Queue("ocr")
		return ok && qs.Health.Status == monitor.StatusWarning
	})

	// Inconsistent thresholds are rejected outright.
	bad := testThresholds
	bad.PendingCritical = 50
	err := m.SetThresholds(bad)
	require.Error(t, err)
	assert.True(t, errx.IsCodeIn(err, monitor.CodeInvalidThresholds))

	// Raising the warning threshold takes effect on the next pass.
	relaxed := testThresholds
	relaxed.PendingWarning = 200
	relaxed.PendingCritical = 500
	require.NoError(t, m.SetThresholds(relaxed))

	source.set(metricsAt(time.Now().Add(time.Second),
		monitor.MetricsSample{QueueName: "ocr", Pending: 150, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)
	refreshUntil(t, m, func() bool {
		qs, ok := m.Snapshot().Queue("ocr")
		return ok && qs.Health.Status == monitor.StatusHealthy
	})
}

func TestMonitorStuckDrillDown(t *testing.T) {
	source := &fakeSource{}
	now := time.Now()
	source.stuck = map[string][]monitor.WorkItem{
		"ocr": {
			{ID: "doc-1", QueueName: "ocr", StartedAt: now.Add(-time.Hour)},
			{ID: "doc-2", QueueName: "ocr", StartedAt: now.Add(-time.Minute)},
		},
	}
	source.set(metricsAt(now,
		monitor.MetricsSample{QueueName: "ocr", Pending: 1, Stuck: 1, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)

	m := startMonitor(t, testMonitorConfig(), source, &fakeBackend{})

	require.Eventually(t, func() bool {
		qs, ok := m.Snapshot().Queue("ocr")
		return ok && len(qs.Stuck) > 0
	}, 2*time.Second, 10*time.Millisecond)

	qs, _ := m.Snapshot().Queue("ocr")
	require.Len(t, qs.Stuck, 1, "only documents past the threshold are listed")
	assert.Equal(t, "doc-1", qs.Stuck[0].DocumentID)
	assert.Equal(t, monitor.StatusCritical, qs.Health.Status)
}

func TestNewValidatesConfig(t *testing.T) {
	source := &fakeSource{}

	_, err := monitor.New(monitor.Config{}, source, &fakeBackend{})
	assert.Error(t, err, "no queues configured")

	cfg := testMonitorConfig()
	cfg.Queues = append(cfg.Queues, monitor.QueueConfig{Name: "ocr"})
	_, err = monitor.New(cfg, source, &fakeBackend{})
	assert.Error(t, err, "duplicate queue names")

	_, err = monitor.New(testMonitorConfig(), nil, &fakeBackend{})
	assert.Error(t, err, "source is required")

	_, err = monitor.New(testMonitorConfig(), source, nil)
	assert.Error(t, err, "backend is required")
}

// fakeSubscription streams scripted metrics.
type fakeSubscription struct {
	ch     chan monitor.QueueMetrics
	closed sync.Once
	err    error
}

func (s *fakeSubscription) Snapshots() <-chan monitor.QueueMetrics { return s.ch }
func (s *fakeSubscription) Err() error                             { return s.err }
func (s *fakeSubscription) Close() error {
	s.closed.Do(func() { close(s.ch) })
	return nil
}

type fakeSubscriber struct {
	sub *fakeSubscription
}

func (f *fakeSubscriber) Subscribe(_ context.Context) (monitor.Subscription, error) {
	return f.sub, nil
}

func TestMonitorAppliesPushedSnapshots(t *testing.T) {
	source := &fakeSource{}
	base := time.Now()
	source.set(metricsAt(base,
		monitor.MetricsSample{QueueName: "ocr", Pending: 1, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	), nil)

	sub := &fakeSubscription{ch: make(chan monitor.QueueMetrics, 1)}
	m := startMonitor(t, testMonitorConfig(), source, &fakeBackend{},
		monitor.WithSubscriber(&fakeSubscriber{sub: sub}))

	require.Eventually(t, func() bool {
		qs, ok := m.Snapshot().Queue("ocr")
		return ok && qs.HasData
	}, 2*time.Second, 10*time.Millisecond)

	// A pushed snapshot goes through the same apply path as a polled one.
	sub.ch <- metricsAt(base.Add(time.Second),
		monitor.MetricsSample{QueueName: "ocr", Pending: 88, ProcessingRate: 5, ActiveWorkers: 1, TotalWorkers: 1},
	)

	require.Eventually(t, func() bool {
		qs, ok := m.Snapshot().Queue("ocr")
		return ok && qs.Metrics.Pending == 88
	}, 2*time.Second, 10*time.Millisecond)
}
