package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/code19m/errx"
	"github.com/samber/lo"

	"github.com/docpipe/qwatch/logger"
)

// clearedRetention is how long resolved alerts stay queryable after clearing.
const clearedRetention = time.Hour

type clearedAlert struct {
	Alert
	ClearedAt time.Time
}

// AlertManager owns the active alert set across all queues. It de-duplicates
// repeated detections, decides which alerts are newly surfaced (candidates for
// notification), and tracks operator mutes.
//
// Active, muted and surfaced are deliberately separate: an ongoing condition is
// never re-notified and a muted alert is never notified, but both stay visible
// in every status query. Notification is filtered; truth is not.
type AlertManager struct {
	mu      sync.Mutex
	active  map[string]Alert
	cleared map[string]clearedAlert
	muted   map[string]bool

	store MuteStore // optional persistence, best-effort
	log   logger.Logger
}

// NewAlertManager creates an AlertManager. store may be nil, in which case
// mutes live only in memory.
func NewAlertManager(store MuteStore, log logger.Logger) *AlertManager {
	return &AlertManager{
		active:  make(map[string]Alert),
		cleared: make(map[string]clearedAlert),
		muted:   make(map[string]bool),
		store:   store,
		log:     log.Named("alerts"),
	}
}

// Load restores the persisted mute set. Store failures are logged and leave
// the in-memory set empty; they never prevent the engine from starting.
func (m *AlertManager) Load(ctx context.Context) {
	if m.store == nil {
		return
	}

	ids, err := m.store.Muted(ctx)
	if err != nil {
		m.log.With("error", err.Error()).Warn("failed to load persisted mutes, starting with an empty mute set")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.muted[id] = true
	}
}

// Reconcile merges one snapshot's freshly computed alerts with the previous
// active set. It is applied atomically relative to a single snapshot: the
// computed slice must span all queues of that snapshot.
//
// Returned surfaced alerts are the notification candidates: alerts that were
// not active before and are not muted. Alerts present in both sets have their
// observation refreshed but are not re-surfaced. Alerts that disappeared are
// cleared silently (observable via ClearedSince, never notified) and their
// mutes are dropped, so a later re-breach surfaces fresh and unmuted.
func (m *AlertManager) Reconcile(ctx context.Context, computed []Alert, now time.Time) (map[string]Alert, []Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]Alert, len(computed))
	var surfaced []Alert

	for _, a := range computed {
		if prev, ok := m.active[a.ID]; ok {
			a.FirstObserved = prev.FirstObserved
			next[a.ID] = a
			continue
		}
		next[a.ID] = a
		if !m.muted[a.ID] {
			surfaced = append(surfaced, a)
		}
	}

	for id, prev := range m.active {
		if _, ok := next[id]; ok {
			continue
		}
		m.cleared[id] = clearedAlert{Alert: prev, ClearedAt: now}
		if m.muted[id] {
			delete(m.muted, id)
			m.storeUnmute(ctx, id)
		}
	}

	for id, c := range m.cleared {
		if now.Sub(c.ClearedAt) > clearedRetention {
			delete(m.cleared, id)
		}
	}

	m.active = next
	return m.activeViewLocked(), surfaced
}

// Mute suppresses an active alert from notification. The alert remains in the
// active set and in every status query.
func (m *AlertManager) Mute(ctx context.Context, alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[alertID]; !ok {
		return errx.New("[monitor]: alert is not active", errx.WithCode(CodeAlertNotFound),
			errx.WithType(errx.T_NotFound), errx.WithDetails(errx.D{"alert_id": alertID}))
	}

	m.muted[alertID] = true
	if m.store != nil {
		if err := m.store.Mute(ctx, alertID); err != nil {
			m.log.With("alert_id", alertID, "error", err.Error()).
				Warn("failed to persist mute, keeping it in memory only")
		}
	}
	return nil
}

// Unmute removes an alert from the mute set. Unmuting an alert that is not
// muted is a no-op.
func (m *AlertManager) Unmute(ctx context.Context, alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.muted, alertID)
	m.storeUnmute(ctx, alertID)
	return nil
}

// IsMuted reports whether an alert id is currently muted.
func (m *AlertManager) IsMuted(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted[alertID]
}

// Active returns the active alerts with mute flags set, critical first.
func (m *AlertManager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts := lo.Values(m.activeViewLocked())
	sortAlerts(alerts)
	return alerts
}

// ActiveFor returns the active alerts of one queue with mute flags set.
func (m *AlertManager) ActiveFor(queueName string) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts := lo.FilterMap(lo.Values(m.activeViewLocked()), func(a Alert, _ int) (Alert, bool) {
		return a, a.QueueName == queueName
	})
	sortAlerts(alerts)
	return alerts
}

// ClearedSince returns alerts that resolved at or after t. Clearing is
// observable here but never produces a notification.
func (m *AlertManager) ClearedSince(t time.Time) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Alert
	for _, c := range m.cleared {
		if !c.ClearedAt.Before(t) {
			out = append(out, c.Alert)
		}
	}
	sortAlerts(out)
	return out
}

func (m *AlertManager) activeViewLocked() map[string]Alert {
	view := make(map[string]Alert, len(m.active))
	for id, a := range m.active {
		a.Muted = m.muted[id]
		view[id] = a
	}
	return view
}

func (m *AlertManager) storeUnmute(ctx context.Context, alertID string) {
	if m.store == nil {
		return
	}
	if err := m.store.Unmute(ctx, alertID); err != nil {
		m.log.With("alert_id", alertID, "error", err.Error()).
			Warn("failed to remove persisted mute")
	}
}

func sortAlerts(alerts []Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Severity != alerts[j].Severity {
			return alerts[i].Severity == SeverityCritical
		}
		if alerts[i].QueueName != alerts[j].QueueName {
			return alerts[i].QueueName < alerts[j].QueueName
		}
		return alerts[i].Type < alerts[j].Type
	})
}
