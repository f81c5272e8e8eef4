package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/code19m/errx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/docpipe/qwatch/logger"
)

// ActionKind names an operator intervention.
type ActionKind string

const (
	ActionPause  ActionKind = "pause"
	ActionResume ActionKind = "resume"
	ActionRetry  ActionKind = "retry"
	ActionSkip   ActionKind = "skip"
)

// ActionState is the lifecycle of one intervention.
type ActionState string

const (
	StateInFlight ActionState = "in_flight"
	StateApplied  ActionState = "applied"
	StateFailed   ActionState = "failed"
)

// Intervention records one operator action against a queue.
type Intervention struct {
	ID         string      `json:"id"`
	QueueName  string      `json:"queue_name"`
	Kind       ActionKind  `json:"kind"`
	State      ActionState `json:"state"`
	DocIDs     []string    `json:"doc_ids,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at,omitzero"`
	Error      string      `json:"error,omitempty"`
}

// Controller executes operator interventions against the queue backend.
//
// Interventions are serialized per queue: a second action against a queue with
// one in flight is rejected with CodeInterventionConflict rather than queued.
// Pause and resume apply an optimistic local state change that is rolled back
// if the backend call fails; the next refresh reconciles against ground truth
// either way.
type Controller struct {
	m       *Monitor
	backend QueueBackend
	timeout time.Duration
	log     logger.Logger
	tracer  trace.Tracer

	mu   sync.Mutex
	last map[string]Intervention
}

func newController(m *Monitor, backend QueueBackend, timeout time.Duration, log logger.Logger) *Controller {
	return &Controller{
		m:       m,
		backend: backend,
		timeout: timeout,
		log:     log.Named("intervene"),
		tracer:  otel.Tracer("qwatch/intervene"),
		last:    make(map[string]Intervention),
	}
}

// Pause pauses processing on a queue. Pausing an already-paused queue is a
// no-op success.
func (c *Controller) Pause(ctx context.Context, queueName string) error {
	if err := c.m.knownQueue(queueName); err != nil {
		return err
	}
	if c.pausedNow(queueName) {
		return nil
	}
	iv, err := c.begin(queueName, ActionPause, nil)
	if err != nil {
		return err
	}

	t := true
	c.m.setPauseOverride(ctx, queueName, &t)
	callErr := c.call(ctx, iv, func(cctx context.Context) error {
		return c.backend.PauseQueue(cctx, queueName)
	})
	if callErr != nil {
		c.m.setPauseOverride(ctx, queueName, nil)
		return callErr
	}
	c.m.RefreshNow()
	return nil
}

// Resume resumes processing on a queue. Resuming an active queue is a no-op
// success. On backend failure the optimistic transition is rolled back and the
// queue shows paused again.
func (c *Controller) Resume(ctx context.Context, queueName string) error {
	if err := c.m.knownQueue(queueName); err != nil {
		return err
	}
	if !c.pausedNow(queueName) {
		return nil
	}
	iv, err := c.begin(queueName, ActionResume, nil)
	if err != nil {
		return err
	}

	f := false
	c.m.setPauseOverride(ctx, queueName, &f)
	callErr := c.call(ctx, iv, func(cctx context.Context) error {
		return c.backend.ResumeQueue(cctx, queueName)
	})
	if callErr != nil {
		t := true
		c.m.setPauseOverride(ctx, queueName, &t)
		return callErr
	}
	c.m.RefreshNow()
	return nil
}

// RetryStuck re-enqueues stuck documents on a queue. The returned map carries
// a per-document outcome (nil on success); the error return is reserved for
// failures of the whole call.
func (c *Controller) RetryStuck(ctx context.Context, queueName string, docIDs []string) (map[string]error, error) {
	if err := c.m.knownQueue(queueName); err != nil {
		return nil, err
	}
	if len(docIDs) == 0 {
		return map[string]error{}, nil
	}
	iv, err := c.begin(queueName, ActionRetry, docIDs)
	if err != nil {
		return nil, err
	}

	var results map[string]error
	callErr := c.call(ctx, iv, func(cctx context.Context) error {
		var inner error
		results, inner = c.m.tracker.Retry(cctx, queueName, docIDs)
		return inner
	})
	if callErr != nil {
		return nil, callErr
	}
	c.m.RefreshNow()
	return results, nil
}

// SkipDocument marks one document as skipped so processing can move on.
func (c *Controller) SkipDocument(ctx context.Context, queueName string, docID string) error {
	if err := c.m.knownQueue(queueName); err != nil {
		return err
	}
	iv, err := c.begin(queueName, ActionSkip, []string{docID})
	if err != nil {
		return err
	}

	callErr := c.call(ctx, iv, func(cctx context.Context) error {
		return c.m.tracker.Skip(cctx, queueName, docID)
	})
	if callErr != nil {
		return callErr
	}
	c.m.RefreshNow()
	return nil
}

// Last returns the most recent intervention recorded for a queue.
func (c *Controller) Last(queueName string) (Intervention, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	iv, ok := c.last[queueName]
	return iv, ok
}

// begin registers an in-flight intervention, rejecting concurrent actions on
// the same queue.
func (c *Controller) begin(queueName string, kind ActionKind, docIDs []string) (Intervention, error) {
	select {
	case <-c.m.stopCh:
		return Intervention{}, errx.New("[intervene]: monitor is stopped",
			errx.WithCode(CodeMonitorStopped), errx.WithType(errx.T_Conflict))
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.last[queueName]; ok && prev.State == StateInFlight {
		return Intervention{}, errx.New("[intervene]: another intervention is in flight for this queue",
			errx.WithCode(CodeInterventionConflict),
			errx.WithType(errx.T_Conflict),
			errx.WithDetails(errx.D{
				"queue":     queueName,
				"in_flight": string(prev.Kind),
				"requested": string(kind),
			}),
		)
	}
	iv := Intervention{
		ID:        uuid.NewString(),
		QueueName: queueName,
		Kind:      kind,
		State:     StateInFlight,
		DocIDs:    docIDs,
		StartedAt: time.Now(),
	}
	c.last[queueName] = iv
	return iv, nil
}

// call executes the backend operation under the intervention timeout, records
// the terminal state, and normalizes errors to CodeInterventionFailed.
func (c *Controller) call(ctx context.Context, iv Intervention, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cctx, span := c.tracer.Start(cctx, "intervene."+string(iv.Kind), trace.WithAttributes(
		attribute.String("queue", iv.QueueName),
		attribute.String("intervention_id", iv.ID),
	))
	defer span.End()

	err := fn(cctx)

	c.mu.Lock()
	iv.FinishedAt = time.Now()
	if err != nil {
		iv.State = StateFailed
		iv.Error = err.Error()
	} else {
		iv.State = StateApplied
	}
	c.last[iv.QueueName] = iv
	c.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "intervention failed")
		wrapped := errx.Wrap(err,
			errx.WithCode(CodeInterventionFailed),
			errx.WithDetails(errx.D{
				"queue": iv.QueueName,
				"kind":  string(iv.Kind),
			}),
		)
		c.log.With("queue", iv.QueueName, "kind", string(iv.Kind)).Errorx(wrapped)
		return wrapped
	}
	c.log.With("queue", iv.QueueName, "kind", string(iv.Kind), "intervention_id", iv.ID).
		Info("intervention applied")
	return nil
}

// pausedNow reports the queue's effective paused state from the engine's view.
func (c *Controller) pausedNow(queueName string) bool {
	sample, ok := c.m.hist.latest(queueName)
	if !ok {
		sample = MetricsSample{}
	}
	return c.m.pausedView(queueName, sample)
}
