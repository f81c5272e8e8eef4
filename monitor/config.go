package monitor

import (
	"time"

	"github.com/code19m/errx"
)

// AlertThresholds configures the health evaluation rules.
//
// A threshold of 0 disables its rule entirely: operators opt out of a check by
// zeroing it. Negative values are a configuration error.
type AlertThresholds struct {
	// PendingWarning raises a warning when pending count reaches this value.
	// Default: 100.
	PendingWarning int `json:"pending_warning" yaml:"pending_warning" validate:"min=0" default:"100"`

	// PendingCritical raises a critical alert when pending count reaches this
	// value. Default: 500.
	PendingCritical int `json:"pending_critical" yaml:"pending_critical" validate:"min=0" default:"500"`

	// StuckMinutes is the in-progress age (minutes) after which a document is
	// considered stuck. Default: 30.
	StuckMinutes int `json:"stuck_minutes" yaml:"stuck_minutes" validate:"min=0" default:"30"`

	// RateWarning raises a warning when processing rate (documents/minute)
	// drops below this value. Default: 1.
	RateWarning float64 `json:"rate_warning" yaml:"rate_warning" validate:"min=0" default:"1"`

	// RateCritical raises a critical alert when processing rate drops below
	// this value. Default: 0.2.
	RateCritical float64 `json:"rate_critical" yaml:"rate_critical" validate:"min=0" default:"0.2"`

	// QueueAgeMinutes raises a warning when the oldest pending document has
	// waited at least this long. Default: 60.
	QueueAgeMinutes int `json:"queue_age_minutes" yaml:"queue_age_minutes" validate:"min=0" default:"60"`
}

// Validate checks internal consistency of the thresholds.
func (t AlertThresholds) Validate() error {
	if t.PendingWarning < 0 || t.PendingCritical < 0 || t.StuckMinutes < 0 ||
		t.RateWarning < 0 || t.RateCritical < 0 || t.QueueAgeMinutes < 0 {
		return errx.New("[monitor]: thresholds must not be negative",
			errx.WithCode(CodeInvalidThresholds), errx.WithType(errx.T_Validation))
	}
	if t.PendingWarning > 0 && t.PendingCritical > 0 && t.PendingCritical < t.PendingWarning {
		return errx.New("[monitor]: pending_critical must be >= pending_warning",
			errx.WithCode(CodeInvalidThresholds), errx.WithType(errx.T_Validation),
			errx.WithDetails(errx.D{
				"pending_warning":  t.PendingWarning,
				"pending_critical": t.PendingCritical,
			}))
	}
	if t.RateWarning > 0 && t.RateCritical > 0 && t.RateCritical > t.RateWarning {
		return errx.New("[monitor]: rate_critical must be <= rate_warning",
			errx.WithCode(CodeInvalidThresholds), errx.WithType(errx.T_Validation),
			errx.WithDetails(errx.D{
				"rate_warning":  t.RateWarning,
				"rate_critical": t.RateCritical,
			}))
	}
	return nil
}

// Config configures a Monitor instance.
type Config struct {
	// Queues is the set of monitored queues (required, immutable once loaded).
	Queues []QueueConfig `yaml:"queues" validate:"required,dive"`

	// Thresholds configure the health evaluation rules. Thresholds may be
	// replaced at runtime via SetThresholds and take effect on the next
	// evaluation pass.
	Thresholds AlertThresholds `yaml:"thresholds"`

	// RefreshInterval is the polling cadence. 0 disables the poll timer
	// entirely; push delivery and manual refresh still work.
	// Default: 15s.
	RefreshInterval time.Duration `yaml:"refresh_interval" default:"15s"`

	// FetchTimeout bounds a single metrics fetch. A fetch exceeding it counts
	// as a failure for backoff purposes. Default: RefreshInterval, or 10s when
	// polling is disabled.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// InterventionTimeout bounds a single intervention call. Interventions are
	// rarer than polls and may legitimately take longer. Default: 30s.
	InterventionTimeout time.Duration `yaml:"intervention_timeout" default:"30s"`

	// BackoffBase is the first retry delay after a fetch failure. Default: 1s.
	BackoffBase time.Duration `yaml:"backoff_base" default:"1s"`

	// BackoffCap is the maximum retry delay. Default: 2m.
	BackoffCap time.Duration `yaml:"backoff_cap" default:"2m"`

	// UnavailableAfter is the number of consecutive fetch failures before the
	// engine surfaces a "data source unavailable" condition. Default: 3.
	UnavailableAfter int `yaml:"unavailable_after" default:"3"`

	// HistorySize is how many samples are retained per queue for trend
	// queries. Default: 60.
	HistorySize int `yaml:"history_size" default:"60"`

	// ConsistencyGrace is how long after a successful retry a document may
	// still appear stuck before a consistency warning is logged. Default: 1m.
	ConsistencyGrace time.Duration `yaml:"consistency_grace" default:"1m"`
}

func (c *Config) setDefaults() {
	for i := range c.Queues {
		if c.Queues[i].DisplayName == "" {
			c.Queues[i].DisplayName = c.Queues[i].Name
		}
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Second
	}
	if c.RefreshInterval < 0 {
		// Explicitly disabled.
		c.RefreshInterval = 0
	}
	if c.FetchTimeout == 0 {
		if c.RefreshInterval > 0 {
			c.FetchTimeout = c.RefreshInterval
		} else {
			c.FetchTimeout = 10 * time.Second
		}
	}
	if c.InterventionTimeout == 0 {
		c.InterventionTimeout = 30 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 2 * time.Minute
	}
	if c.UnavailableAfter == 0 {
		c.UnavailableAfter = 3
	}
	if c.HistorySize == 0 {
		c.HistorySize = 60
	}
	if c.ConsistencyGrace == 0 {
		c.ConsistencyGrace = time.Minute
	}
}

func (c *Config) validate() error {
	if len(c.Queues) == 0 {
		return errx.New("[monitor]: at least one queue is required")
	}
	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name == "" {
			return errx.New("[monitor]: queue name is required")
		}
		if seen[q.Name] {
			return errx.New("[monitor]: duplicate queue name", errx.WithDetails(errx.D{
				"queue": q.Name,
			}))
		}
		seen[q.Name] = true
	}
	if err := c.Thresholds.Validate(); err != nil {
		return errx.Wrap(err)
	}
	if c.FetchTimeout <= 0 {
		return errx.New("[monitor]: FetchTimeout must be positive")
	}
	if c.InterventionTimeout <= 0 {
		return errx.New("[monitor]: InterventionTimeout must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return errx.New("[monitor]: BackoffCap must be >= BackoffBase")
	}
	if c.UnavailableAfter < 1 {
		return errx.New("[monitor]: UnavailableAfter must be at least 1")
	}
	if c.HistorySize < 1 {
		return errx.New("[monitor]: HistorySize must be at least 1")
	}
	return nil
}
