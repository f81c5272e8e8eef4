package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/code19m/errx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/docpipe/qwatch/logger"
)

const stopTimeout = 10 * time.Second

// Monitor is the engine root: it owns the refresh loop, the metrics history,
// the alert manager and the stuck tracker, and publishes status snapshots and
// surfaced alerts to subscribers.
//
// Create with New, then run Start in its own goroutine and call Stop on
// shutdown.
type Monitor struct {
	cfg    Config
	queues map[string]QueueConfig
	names  []string

	source     MetricsSource
	backend    QueueBackend
	subscriber Subscriber
	muteStore  MuteStore

	log    logger.Logger
	tracer trace.Tracer

	hist    *history
	alerts  *AlertManager
	tracker *StuckTracker
	ctl     *Controller

	mu          sync.RWMutex
	thresholds  AlertThresholds
	lastApplied time.Time
	failures    int
	lastSuccess time.Time
	snapshot    StatusSnapshot

	// pauseOverride holds optimistic pause state set by interventions. It
	// shadows the backend's flag until the next applied sample reconciles it.
	pauseOverride map[string]*bool

	// stuckDocs is the latest stuck drill-down per queue.
	stuckDocs map[string][]StuckDocument

	refreshCh chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once

	subMu     sync.Mutex
	nextSubID int
	snapSubs  map[int]chan StatusSnapshot
	alertSubs map[int]chan Alert
}

// Option configures optional Monitor collaborators.
type Option func(*Monitor)

// WithLogger sets the logger. Defaults to the global logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Monitor) { m.log = log }
}

// WithSubscriber enables push delivery of metrics snapshots alongside polling.
func WithSubscriber(sub Subscriber) Option {
	return func(m *Monitor) { m.subscriber = sub }
}

// WithMuteStore persists alert mutes across restarts.
func WithMuteStore(store MuteStore) Option {
	return func(m *Monitor) { m.muteStore = store }
}

func New(cfg Config, source MetricsSource, backend QueueBackend, opts ...Option) (*Monitor, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errx.Wrap(err)
	}
	if source == nil {
		return nil, errx.New("[monitor]: metrics source is required")
	}
	if backend == nil {
		return nil, errx.New("[monitor]: queue backend is required")
	}

	m := &Monitor{
		cfg:           cfg,
		queues:        make(map[string]QueueConfig, len(cfg.Queues)),
		names:         make([]string, 0, len(cfg.Queues)),
		source:        source,
		backend:       backend,
		thresholds:    cfg.Thresholds,
		hist:          newHistory(cfg.HistorySize),
		pauseOverride: make(map[string]*bool),
		stuckDocs:     make(map[string][]StuckDocument),
		refreshCh:     make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
		snapSubs:      make(map[int]chan StatusSnapshot),
		alertSubs:     make(map[int]chan Alert),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Named("monitor")
	}
	m.tracer = otel.Tracer("qwatch/monitor")

	for _, q := range cfg.Queues {
		m.queues[q.Name] = q
		m.names = append(m.names, q.Name)
	}

	m.alerts = NewAlertManager(m.muteStore, m.log)
	m.tracker = NewStuckTracker(backend, cfg.ConsistencyGrace, m.log)
	m.ctl = newController(m, backend, cfg.InterventionTimeout, m.log)

	m.snapshot = m.emptySnapshot()
	return m, nil
}

// Interventions returns the intervention controller bound to this monitor.
func (m *Monitor) Interventions() *Controller { return m.ctl }

// Start runs the refresh loop until ctx is cancelled or Stop is called.
// It performs an initial fetch immediately, then polls on RefreshInterval,
// backing off exponentially while the source is failing. When a Subscriber is
// configured, pushed snapshots are applied as they arrive and reset the poll
// timer; polling continues as a fallback if the subscription drops.
func (m *Monitor) Start(ctx context.Context) error {
	defer close(m.stoppedCh)

	m.alerts.Load(ctx)
	m.log.With(
		"queues", len(m.names),
		"refresh_interval", m.cfg.RefreshInterval.String(),
		"push", m.subscriber != nil,
	).Info("monitor started")

	var (
		sub      Subscription
		subCh    <-chan QueueMetrics
		resubC   <-chan time.Time
		resubIn  = m.cfg.BackoffBase
		resubTmr *time.Timer
	)
	if m.subscriber != nil {
		sub, subCh = m.subscribe(ctx)
		if sub == nil {
			resubTmr = time.NewTimer(resubIn)
			resubC = resubTmr.C
		}
	}
	defer func() {
		if sub != nil {
			sub.Close()
		}
		if resubTmr != nil {
			resubTmr.Stop()
		}
	}()

	m.refresh(ctx)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	if m.cfg.RefreshInterval > 0 {
		timer = time.NewTimer(m.nextDelay())
		timerC = timer.C
		defer timer.Stop()
	}
	resetTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.nextDelay())
	}

	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped: context cancelled")
			return nil

		case <-m.stopCh:
			m.log.Info("monitor stopped")
			return nil

		case <-timerC:
			m.refresh(ctx)
			timer.Reset(m.nextDelay())

		case <-m.refreshCh:
			m.refresh(ctx)
			resetTimer()

		case qm, ok := <-subCh:
			if !ok {
				if err := sub.Err(); err != nil {
					m.log.With("error", err.Error()).Warn("push subscription dropped, falling back to polling")
				} else {
					m.log.Warn("push subscription closed, falling back to polling")
				}
				sub.Close()
				sub, subCh = nil, nil
				resubIn = m.cfg.BackoffBase
				resubTmr = time.NewTimer(resubIn)
				resubC = resubTmr.C
				continue
			}
			if m.apply(ctx, qm) {
				resetTimer()
			}

		case <-resubC:
			resubC = nil
			sub, subCh = m.subscribe(ctx)
			if sub == nil {
				resubIn = min(resubIn*2, m.cfg.BackoffCap)
				resubTmr = time.NewTimer(resubIn)
				resubC = resubTmr.C
			} else {
				resubIn = m.cfg.BackoffBase
			}
		}
	}
}

// Stop signals the loop to exit and waits for it to drain.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	select {
	case <-m.stoppedCh:
	case <-time.After(stopTimeout):
		m.log.Error("monitor stop timed out")
	}
}

// RefreshNow requests an immediate refresh. Non-blocking: if a refresh is
// already queued the request is coalesced.
func (m *Monitor) RefreshNow() {
	select {
	case m.refreshCh <- struct{}{}:
	default:
	}
}

// Snapshot returns the latest published status snapshot.
func (m *Monitor) Snapshot() StatusSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// knownQueue validates that a queue is part of the monitored set.
func (m *Monitor) knownQueue(name string) error {
	if _, ok := m.queues[name]; !ok {
		return errx.New("[monitor]: unknown queue",
			errx.WithCode(CodeQueueNotFound), errx.WithType(errx.T_NotFound),
			errx.WithDetails(errx.D{"queue": name}))
	}
	return nil
}

// Trend returns up to n recent samples for a queue, newest first.
func (m *Monitor) Trend(queueName string, n int) ([]MetricsSample, error) {
	if err := m.knownQueue(queueName); err != nil {
		return nil, err
	}
	return m.hist.trend(queueName, n), nil
}

// SetThresholds replaces the evaluation thresholds. Takes effect on the next
// evaluation pass; no evaluation happens mid-flight with mixed thresholds.
func (m *Monitor) SetThresholds(t AlertThresholds) error {
	if err := t.Validate(); err != nil {
		return errx.Wrap(err)
	}
	m.mu.Lock()
	m.thresholds = t
	m.mu.Unlock()
	m.log.Info("alert thresholds updated")
	return nil
}

// Thresholds returns the currently active thresholds.
func (m *Monitor) Thresholds() AlertThresholds {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholds
}

// MuteAlert suppresses notifications for an active alert.
func (m *Monitor) MuteAlert(ctx context.Context, alertID string) error {
	return m.alerts.Mute(ctx, alertID)
}

// UnmuteAlert re-enables notifications for an alert.
func (m *Monitor) UnmuteAlert(ctx context.Context, alertID string) error {
	return m.alerts.Unmute(ctx, alertID)
}

// ActiveAlerts returns all active alerts, critical first.
func (m *Monitor) ActiveAlerts() []Alert { return m.alerts.Active() }

// ClearedAlertsSince returns recently cleared alerts for audit views.
func (m *Monitor) ClearedAlertsSince(t time.Time) []Alert { return m.alerts.ClearedSince(t) }

// SubscribeSnapshots returns a channel receiving every published snapshot and
// an unsubscribe func. Slow consumers miss snapshots rather than blocking the
// engine; the next snapshot supersedes anything missed.
func (m *Monitor) SubscribeSnapshots(buf int) (<-chan StatusSnapshot, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	ch := make(chan StatusSnapshot, max(buf, 1))
	m.snapSubs[id] = ch
	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.snapSubs[id]; ok {
			delete(m.snapSubs, id)
			close(ch)
		}
	}
}

// SubscribeAlerts returns a channel receiving each newly surfaced alert and an
// unsubscribe func. Muted and ongoing alerts are not delivered.
func (m *Monitor) SubscribeAlerts(buf int) (<-chan Alert, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	ch := make(chan Alert, max(buf, 1))
	m.alertSubs[id] = ch
	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.alertSubs[id]; ok {
			delete(m.alertSubs, id)
			close(ch)
		}
	}
}

// ---- refresh pipeline ----

func (m *Monitor) subscribe(ctx context.Context) (Subscription, <-chan QueueMetrics) {
	sub, err := m.subscriber.Subscribe(ctx)
	if err != nil {
		m.log.With("error", err.Error()).Warn("push subscribe failed")
		return nil, nil
	}
	m.log.Info("push subscription established")
	return sub, sub.Snapshots()
}

// refresh performs one polled fetch-and-apply cycle.
func (m *Monitor) refresh(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	fctx, span := m.tracer.Start(fctx, "monitor.refresh")
	defer span.End()

	qm, err := m.source.FetchMetrics(fctx, m.names)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		m.recordFailure(err)
		return
	}
	span.SetAttributes(attribute.Int("samples", len(qm.Samples)))
	m.apply(ctx, qm)
}

// recordFailure counts a fetch failure and, past the configured streak,
// republishes the last good snapshot flagged source-unavailable.
func (m *Monitor) recordFailure(err error) {
	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.mu.Unlock()

	wrapped := errx.Wrap(err, errx.WithCode(CodeDataSourceUnavailable))
	if failures >= m.cfg.UnavailableAfter {
		m.log.With("consecutive_failures", failures).Errorx(wrapped)
	} else {
		m.log.With("consecutive_failures", failures).Warnx(wrapped)
	}

	m.mu.Lock()
	m.snapshot.SourceUnavailable = failures >= m.cfg.UnavailableAfter
	m.snapshot.ConsecutiveFailures = failures
	snap := m.snapshot
	m.mu.Unlock()
	m.publish(snap, nil)
}

// apply ingests one metrics snapshot: stale-check, sanitize, record history,
// reconcile pause state, drill into stuck documents, then recompute health and
// alerts atomically across all queues. Returns false if the snapshot was
// discarded as stale.
func (m *Monitor) apply(ctx context.Context, qm QueueMetrics) bool {
	m.mu.Lock()
	if !qm.CapturedAt.After(m.lastApplied) {
		m.mu.Unlock()
		m.log.With("captured_at", qm.CapturedAt).Debug("discarding stale metrics snapshot")
		return false
	}
	m.lastApplied = qm.CapturedAt
	m.failures = 0
	m.lastSuccess = time.Now()
	thresholds := m.thresholds
	m.mu.Unlock()

	allStuck := make([]StuckDocument, 0)
	for _, name := range m.names {
		sample, ok := qm.Samples[name]
		if !ok {
			continue
		}
		sample.QueueName = name
		sample.CapturedAt = qm.CapturedAt
		sample = sample.sanitize()
		if !m.hist.add(sample) {
			continue
		}

		// The backend's pause flag is ground truth; any optimistic override
		// from an intervention is superseded by fresh data.
		m.mu.Lock()
		delete(m.pauseOverride, name)
		m.mu.Unlock()

		stuck := m.fetchStuck(ctx, name, sample, thresholds, qm.CapturedAt)
		m.mu.Lock()
		if stuck == nil {
			delete(m.stuckDocs, name)
		} else {
			m.stuckDocs[name] = stuck
		}
		m.mu.Unlock()
		allStuck = append(allStuck, stuck...)
	}
	m.tracker.Observe(allStuck, qm.CapturedAt)

	m.recompute(ctx, qm.CapturedAt)
	return true
}

// fetchStuck drills into per-document detail for a queue reporting stuck work.
// A drill-down failure keeps the previous detail rather than erasing it.
func (m *Monitor) fetchStuck(ctx context.Context, name string, sample MetricsSample, t AlertThresholds, at time.Time) []StuckDocument {
	if sample.Stuck == 0 || t.StuckMinutes <= 0 {
		return nil
	}
	fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()
	items, err := m.source.FetchStuckDocuments(fctx, name)
	if err != nil {
		m.log.With("queue", name, "error", err.Error()).
			Warn("stuck document drill-down failed, keeping previous detail")
		m.mu.RLock()
		prev := m.stuckDocs[name]
		m.mu.RUnlock()
		return prev
	}
	return DetectStuck(items, at, t.StuckMinutes)
}

// recompute re-evaluates health for every queue from the latest samples,
// reconciles the alert set in one atomic pass, and publishes a fresh snapshot.
func (m *Monitor) recompute(ctx context.Context, at time.Time) {
	m.mu.RLock()
	thresholds := m.thresholds
	m.mu.RUnlock()

	type evalResult struct {
		queue  QueueConfig
		sample MetricsSample
		health QueueHealth
		stuck  []StuckDocument
		has    bool
	}

	results := make([]evalResult, 0, len(m.cfg.Queues))
	computed := make([]Alert, 0)
	for _, q := range m.cfg.Queues {
		r := evalResult{queue: q}
		sample, ok := m.hist.latest(q.Name)
		if ok {
			r.has = true
			r.sample = sample
			r.health = Evaluate(q, sample, thresholds, m.pausedView(q.Name, sample))
			computed = append(computed, r.health.Alerts...)
			m.mu.RLock()
			r.stuck = copyStuck(m.stuckDocs[q.Name])
			m.mu.RUnlock()
		} else {
			r.health = QueueHealth{Status: StatusHealthy, Alerts: nil}
		}
		results = append(results, r)
	}

	active, surfaced := m.alerts.Reconcile(ctx, computed, at)

	statuses := make([]QueueStatus, 0, len(results))
	for _, r := range results {
		qs := QueueStatus{
			Queue:   r.queue,
			Metrics: r.sample,
			Stuck:   r.stuck,
			HasData: r.has,
		}
		qs.Health.Status = r.health.Status
		for _, a := range r.health.Alerts {
			if view, ok := active[a.ID]; ok {
				qs.Health.Alerts = append(qs.Health.Alerts, view)
			}
		}
		sortAlerts(qs.Health.Alerts)
		statuses = append(statuses, qs)
	}
	sortQueueStatuses(statuses)

	m.mu.Lock()
	snap := StatusSnapshot{
		TakenAt:             at,
		SourceUnavailable:   false,
		ConsecutiveFailures: 0,
		LastSuccess:         m.lastSuccess,
		Queues:              statuses,
	}
	m.snapshot = snap
	m.mu.Unlock()

	m.publish(snap, surfaced)
}

// pausedView resolves the effective paused flag: an optimistic intervention
// override wins over the (possibly older) sample flag.
func (m *Monitor) pausedView(name string, sample MetricsSample) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ov, ok := m.pauseOverride[name]; ok && ov != nil {
		return *ov
	}
	return sample.Paused
}

// setPauseOverride installs or clears an optimistic pause flag and recomputes
// the published view immediately so operators see the transition without
// waiting for the next poll.
func (m *Monitor) setPauseOverride(ctx context.Context, name string, v *bool) {
	m.mu.Lock()
	if v == nil {
		delete(m.pauseOverride, name)
	} else {
		m.pauseOverride[name] = v
	}
	at := m.lastApplied
	m.mu.Unlock()
	if at.IsZero() {
		at = time.Now()
	}
	m.recompute(ctx, at)
}

func (m *Monitor) publish(snap StatusSnapshot, surfaced []Alert) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.snapSubs {
		select {
		case ch <- snap:
		default:
		}
	}
	for _, a := range surfaced {
		for _, ch := range m.alertSubs {
			select {
			case ch <- a:
			default:
			}
		}
	}
}

// nextDelay returns the poll delay: the regular interval while healthy, an
// exponential backoff capped at BackoffCap while the source is failing.
func (m *Monitor) nextDelay() time.Duration {
	m.mu.RLock()
	failures := m.failures
	m.mu.RUnlock()
	if failures == 0 {
		if m.cfg.RefreshInterval > 0 {
			return m.cfg.RefreshInterval
		}
		return m.cfg.BackoffCap
	}
	d := m.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= m.cfg.BackoffCap {
			return m.cfg.BackoffCap
		}
	}
	return min(d, m.cfg.BackoffCap)
}

func (m *Monitor) emptySnapshot() StatusSnapshot {
	statuses := make([]QueueStatus, 0, len(m.cfg.Queues))
	for _, q := range m.cfg.Queues {
		statuses = append(statuses, QueueStatus{
			Queue:  q,
			Health: QueueHealth{Status: StatusHealthy},
		})
	}
	sortQueueStatuses(statuses)
	return StatusSnapshot{Queues: statuses}
}

func copyStuck(in []StuckDocument) []StuckDocument {
	if in == nil {
		return nil
	}
	out := make([]StuckDocument, len(in))
	copy(out, in)
	return out
}
