// Package notifier forwards surfaced alerts to operator channels (Telegram,
// Discord, Slack and anything else the notify library speaks). It consumes the
// monitor's surfaced-alert stream, so mute and de-duplication decisions are
// already made by the time a message reaches this package.
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/code19m/errx"
	nfy "github.com/nikoksr/notify"

	"github.com/docpipe/qwatch/logger"
	"github.com/docpipe/qwatch/monitor"
)

// Config holds configuration for the alert forwarder.
type Config struct {
	// SubjectPrefix is prepended to every notification subject.
	SubjectPrefix string `yaml:"subject_prefix" default:"[qwatch]"`

	// RetryCount is how many delivery attempts are made per alert.
	RetryCount int `yaml:"retry_count" default:"3"`

	// RetryDelay is the base delay between delivery attempts.
	RetryDelay time.Duration `yaml:"retry_delay" default:"2s"`

	// SendTimeout bounds one delivery attempt.
	SendTimeout time.Duration `yaml:"send_timeout" default:"10s"`
}

// Forwarder delivers surfaced alerts to the configured notification services.
type Forwarder struct {
	cfg      Config
	notifier *nfy.Notify
	log      logger.Logger
}

// NewForwarder creates a Forwarder sending through the given services.
// Services implement the notify library's Notifier contract; the caller
// constructs and authenticates them.
func NewForwarder(cfg Config, services ...nfy.Notifier) *Forwarder {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "[qwatch]"
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	n := nfy.New()
	n.UseServices(services...)

	return &Forwarder{
		cfg:      cfg,
		notifier: n,
		log:      logger.Named("notifier"),
	}
}

// Run consumes surfaced alerts until the channel closes or ctx is cancelled.
// Delivery failures are logged, never propagated: a dead notification channel
// must not affect monitoring.
func (f *Forwarder) Run(ctx context.Context, alerts <-chan monitor.Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-alerts:
			if !ok {
				return
			}
			if err := f.Send(ctx, a); err != nil {
				f.log.With(
					"alert_id", a.ID,
					"queue", a.QueueName,
					"error", err.Error(),
				).Warn("failed to deliver alert notification")
			}
		}
	}
}

// Send delivers one alert with retries.
func (f *Forwarder) Send(ctx context.Context, a monitor.Alert) error {
	subject, body := FormatAlert(f.cfg.SubjectPrefix, a)

	err := retry.Do(
		func() error {
			sctx, cancel := context.WithTimeout(ctx, f.cfg.SendTimeout)
			defer cancel()
			return f.notifier.Send(sctx, subject, body)
		},
		retry.Attempts(uint(f.cfg.RetryCount)),
		retry.Delay(f.cfg.RetryDelay),
		retry.MaxJitter(10),
		retry.LastErrorOnly(true), // only return the last error
		retry.OnRetry(func(n uint, err error) {
			f.log.With(
				"alert_id", a.ID,
				"attempt", n+1,
				"error", err.Error(),
			).Warn("alert notification attempt failed, retrying")
		}),
		retry.Context(ctx), // respond to context cancellation
	)
	if err != nil {
		return errx.Wrap(err, errx.WithDetails(errx.D{"alert_id": a.ID}))
	}
	return nil
}

// FormatAlert renders one alert as a subject/body pair for chat-style
// channels.
func FormatAlert(prefix string, a monitor.Alert) (string, string) {
	subject := fmt.Sprintf("%s %s: %s on %q", prefix, a.Severity, a.Type, a.QueueName)

	body := fmt.Sprintf(
		"%s\n\nobserved: %g (threshold %g)\nfirst observed: %s\nrecommended: %s\nalert id: %s",
		a.Message,
		a.Observed,
		a.Threshold,
		a.FirstObserved.Format(time.RFC3339),
		a.Recommended,
		a.ID,
	)
	return subject, body
}
