package pgmon

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/docpipe/qwatch/logger"
)

var _ bun.QueryHook = (*debugHook)(nil)

// debugHook logs database queries with slow query detection. Disabled hooks
// log nothing at all.
type debugHook struct {
	enabled            bool
	slowQueryThreshold time.Duration
}

func newDebugHook(enabled bool) *debugHook {
	return &debugHook{
		enabled:            enabled,
		slowQueryThreshold: 100 * time.Millisecond,
	}
}

// BeforeQuery implements bun.QueryHook.
func (h *debugHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery implements bun.QueryHook. It logs the query with an appropriate
// level: errors at error level, no-rows and slow queries at warn level,
// everything else at debug level.
func (h *debugHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	if !h.enabled {
		return
	}

	duration := time.Since(event.StartTime)

	isNoRowsError := errors.Is(event.Err, sql.ErrNoRows)
	isTxDoneError := errors.Is(event.Err, sql.ErrTxDone)
	hasError := event.Err != nil && !isNoRowsError && !isTxDoneError
	isSlow := h.slowQueryThreshold > 0 && duration >= h.slowQueryThreshold

	logEntry := logger.Named("pgmon.query").
		WithContext(ctx).
		With("query", formatQuery(event.Query)).
		With("duration", duration.Round(time.Microsecond))

	if len(event.QueryArgs) > 0 {
		logEntry = logEntry.With("args", event.QueryArgs)
	}

	switch {
	case hasError:
		logEntry.With("error", event.Err).Error("[pgmon] - " + event.Operation())
	case isNoRowsError, isSlow:
		logEntry.Warn("[pgmon] - " + event.Operation())
	default:
		logEntry.Debug("[pgmon] - " + event.Operation())
	}
}

// formatQuery cleans \" symbols from the query string.
func formatQuery(query string) string {
	return strings.ReplaceAll(query, "\"", "")
}
