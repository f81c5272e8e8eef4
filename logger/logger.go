// Package logger provides a structured logging interface for the qwatch engine.
package logger

import (
	"context"
	"errors"

	"github.com/code19m/errx"
	"github.com/docpipe/qwatch/meta"
	"go.uber.org/zap"
)

// Logger defines the standard logging interface used across the module.
type Logger interface {
	// Debug logs a message at debug level.
	Debug(msg any)
	// Info logs a message at info level.
	Info(msg any)
	// Warn logs a message at warn level.
	Warn(msg any)
	// Error logs a message at error level.
	Error(msg any)
	// Fatal logs a message at fatal level and then calls os.Exit(1).
	Fatal(msg any)

	// Debugf logs a formatted message at debug level.
	Debugf(format string, args ...any)
	// Infof logs a formatted message at info level.
	Infof(format string, args ...any)
	// Warnf logs a formatted message at warn level.
	Warnf(format string, args ...any)
	// Errorf logs a formatted message at error level.
	Errorf(format string, args ...any)

	// Warnx logs an errx.ErrorX instance at warn level with its structured fields.
	Warnx(err error)
	// Errorx logs an errx.ErrorX instance at error level with its structured fields.
	Errorx(err error)
	// Fatalx logs an errx.ErrorX instance at fatal level and then calls os.Exit(1).
	Fatalx(err error)

	// With creates a new logger that includes the given key-value pairs
	// in all subsequent log entries.
	With(keysAndValues ...any) Logger
	// WithContext creates a logger enriched with metadata from the context.
	WithContext(ctx context.Context) Logger

	// Named adds a sub-scope to the logger's name.
	Named(name string) Logger

	// Sync flushes any buffered log entries. Intended for use on shutdown.
	Sync() error
}

// logger implements the Logger interface using zap's SugaredLogger.
type logger struct {
	*zap.SugaredLogger
}

// New creates a new Logger instance with the provided configuration.
func New(cfg Config) (Logger, error) {
	return newLogger(cfg)
}

func newLogger(cfg Config) (Logger, error) {
	if cfg.Disable {
		return &logger{zap.NewNop().Sugar()}, nil
	}

	zapConfig, err := cfg.getZapConfig()
	if err != nil {
		return nil, errx.Wrap(err)
	}

	if cfg.Encoding == encDev {
		return &logger{newDevLogger(zapConfig).Sugar()}, nil
	}

	jsonLogger, err := zapConfig.Build()
	if err != nil {
		return nil, errx.Wrap(err)
	}

	return &logger{jsonLogger.Sugar()}, nil
}

func (l *logger) Debug(msg any) { l.SugaredLogger.Debug(msg) }
func (l *logger) Info(msg any)  { l.SugaredLogger.Info(msg) }
func (l *logger) Warn(msg any)  { l.SugaredLogger.Warn(msg) }
func (l *logger) Error(msg any) { l.SugaredLogger.Error(msg) }
func (l *logger) Fatal(msg any) { l.SugaredLogger.Fatal(msg) }

func (l *logger) Warnx(err error) {
	l.withErrFields(err).Warn(err.Error())
}

func (l *logger) Errorx(err error) {
	l.withErrFields(err).Error(err.Error())
}

func (l *logger) Fatalx(err error) {
	l.withErrFields(err).Fatal(err.Error())
}

func (l *logger) withErrFields(err error) Logger {
	var e errx.ErrorX
	if errors.As(err, &e) {
		return l.With(
			"error_code", e.Code(),
			"error_type", e.Type().String(),
			"error_trace", e.Trace(),
			"error_details", e.Details(),
		)
	}
	return l
}

func (l *logger) With(keysAndValues ...any) Logger {
	return &logger{SugaredLogger: l.SugaredLogger.With(keysAndValues...)}
}

func (l *logger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}

	var withFields []any
	for k, v := range meta.ExtractMetaFromContext(ctx) {
		if v != "" {
			withFields = append(withFields, string(k), v)
		}
	}

	if len(withFields) > 0 {
		return l.With(withFields...)
	}

	return l
}

func (l *logger) Named(name string) Logger {
	return &logger{SugaredLogger: l.SugaredLogger.Named(name)}
}
