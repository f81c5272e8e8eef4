package httpapi

import (
	"context"
	"runtime"
	"time"

	"github.com/code19m/errx"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/docpipe/qwatch/logger"
	"github.com/docpipe/qwatch/meta"
)

// newRecoveryMW recovers from panics in the request handling chain and
// converts them to structured errors.
func newRecoveryMW(log logger.Logger) Middleware {
	return Middleware{
		Priority: 1000,
		Handler: func(c *fiber.Ctx) (err error) {
			rlog := log.Named("middleware.recovery").WithContext(c.UserContext())

			defer func() {
				if r := recover(); r != nil {
					traceSize := 4096 // 4KB
					stackTrace := make([]byte, traceSize)
					stackTrace = stackTrace[:runtime.Stack(stackTrace, false)]

					rlog.
						With("stack_trace", string(stackTrace)).
						With("panic_message", r).
						Error("recovered from panic")

					err = errx.New("panic recovered", errx.WithDetails(errx.D{
						"stack_trace":   string(stackTrace),
						"panic_message": r,
					}))
				}
			}()

			return c.Next()
		},
	}
}

// newMetaInjectMW collects request information (trace id, caller address,
// user agent, operator id header) and injects it into the request context.
func newMetaInjectMW() Middleware {
	return Middleware{
		Priority: 700,
		Handler: func(c *fiber.Ctx) error {
			traceID := getTraceID(c.UserContext())

			metaData := map[meta.ContextKey]string{
				meta.TraceID:        traceID,
				meta.IPAddress:      c.IP(),
				meta.UserAgent:      c.Get(fiber.HeaderUserAgent),
				meta.OperatorID:     c.Get(string(meta.OperatorID)),
				meta.ServiceName:    meta.GetServiceName(),
				meta.ServiceVersion: meta.GetServiceVersion(),
			}

			ctx := meta.InjectMetaToContext(c.UserContext(), metaData)
			c.SetUserContext(ctx)

			return c.Next()
		},
	}
}

// getTraceID takes the trace id from the active span, falling back to a fresh
// uuid when tracing is not configured.
func getTraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}
	return uuid.NewString()
}

// newTimeoutMW applies a timeout to the request context so downstream
// operations that respect cancellation abort after the configured duration.
func newTimeoutMW(duration time.Duration) Middleware {
	return Middleware{
		Priority: 800,
		Handler: func(c *fiber.Ctx) error {
			ctx, cancel := context.WithTimeout(c.UserContext(), duration)
			defer cancel()

			c.SetUserContext(ctx)

			return c.Next()
		},
	}
}

// newLoggerMW logs every request with method, path, status and duration. The
// level follows the status code: info for 2xx/3xx, warn for 4xx, error
// for 5xx.
func newLoggerMW(log logger.Logger) Middleware {
	return Middleware{
		Priority: 500,
		Handler: func(c *fiber.Ctx) error {
			rlog := log.Named("middleware.logger").WithContext(c.UserContext())

			start := time.Now()
			err := c.Next()
			statusCode := c.Response().StatusCode()

			rlog = rlog.
				With("http_status_code", statusCode).
				With("http_method", c.Method()).
				With("http_path", c.Path()).
				With("http_route", c.Route().Path).
				With("duration", time.Since(start).String())

			if err != nil {
				e := errx.AsErrorX(err)
				rlog = rlog.With("error", map[string]any{
					"code":    e.Code(),
					"message": e.Error(),
					"type":    e.Type().String(),
					"trace":   e.Trace(),
					"details": e.Details(),
				})
			}

			switch {
			case statusCode >= 500:
				rlog.Error("request failed")
			case statusCode >= 400:
				rlog.Warn("request rejected")
			default:
				rlog.Info("request processed")
			}

			return err
		},
	}
}

// newErrorHandlerMW converts errors from the handler chain to standardized
// JSON responses.
func newErrorHandlerMW(hideDetails bool) Middleware {
	return Middleware{
		Priority: 400,
		Handler: func(c *fiber.Ctx) error {
			err := c.Next()
			if err == nil {
				return nil
			}

			// if error already handled, skip processing.
			if c.Response() != nil && c.Response().StatusCode() >= 400 {
				return err
			}

			return writeErrorResponse(c, err, hideDetails)
		},
	}
}
