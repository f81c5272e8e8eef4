package httpapi

import (
	"time"

	"github.com/code19m/errx"
	"github.com/gofiber/fiber/v2"

	"github.com/docpipe/qwatch/monitor"
)

// handler binds the route handlers to one monitor instance.
type handler struct {
	m *monitor.Monitor
}

func newHandler(m *monitor.Monitor) *handler {
	return &handler{m: m}
}

func registerRoutes(r fiber.Router, h *handler) {
	v1 := r.Group("/v1")

	v1.Get("/status", h.status)
	v1.Post("/refresh", h.refresh)

	v1.Get("/queues/:name", h.queueStatus)
	v1.Get("/queues/:name/trend", h.queueTrend)
	v1.Post("/queues/:name/pause", h.pauseQueue)
	v1.Post("/queues/:name/resume", h.resumeQueue)
	v1.Post("/queues/:name/retry", h.retryDocuments)
	v1.Post("/queues/:name/documents/:id/skip", h.skipDocument)

	v1.Get("/alerts", h.alerts)
	v1.Get("/alerts/cleared", h.clearedAlerts)
	v1.Post("/alerts/:id/mute", h.muteAlert)
	v1.Post("/alerts/:id/unmute", h.unmuteAlert)

	v1.Get("/thresholds", h.thresholds)
	v1.Put("/thresholds", h.setThresholds)
}

func (h *handler) status(c *fiber.Ctx) error {
	return c.JSON(h.m.Snapshot())
}

// refresh requests an immediate metrics refresh. The refresh itself is
// asynchronous; the updated snapshot arrives via GET /status.
func (h *handler) refresh(c *fiber.Ctx) error {
	h.m.RefreshNow()
	return c.SendStatus(fiber.StatusAccepted)
}

func (h *handler) queueStatus(c *fiber.Ctx) error {
	name := c.Params("name")
	qs, ok := h.m.Snapshot().Queue(name)
	if !ok {
		return errx.New("[httpapi]: unknown queue",
			errx.WithCode(monitor.CodeQueueNotFound),
			errx.WithType(errx.T_NotFound),
			errx.WithDetails(errx.D{"queue": name}),
		)
	}
	return c.JSON(qs)
}

func (h *handler) queueTrend(c *fiber.Ctx) error {
	n := c.QueryInt("n", 20)
	samples, err := h.m.Trend(c.Params("name"), n)
	if err != nil {
		return errx.Wrap(err)
	}
	return c.JSON(fiber.Map{"samples": samples})
}

func (h *handler) pauseQueue(c *fiber.Ctx) error {
	if err := h.m.Interventions().Pause(c.UserContext(), c.Params("name")); err != nil {
		return errx.Wrap(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handler) resumeQueue(c *fiber.Ctx) error {
	if err := h.m.Interventions().Resume(c.UserContext(), c.Params("name")); err != nil {
		return errx.Wrap(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type retryRequest struct {
	DocIDs []string `json:"doc_ids"`
}

// retryDocuments re-enqueues stuck documents. The response reports a per-id
// outcome so a partial failure is visible to the operator.
func (h *handler) retryDocuments(c *fiber.Ctx) error {
	var req retryRequest
	if err := c.BodyParser(&req); err != nil {
		return errx.Wrap(err, errx.WithType(errx.T_Validation))
	}
	if len(req.DocIDs) == 0 {
		return errx.New("[httpapi]: doc_ids is required", errx.WithType(errx.T_Validation))
	}

	results, err := h.m.Interventions().RetryStuck(c.UserContext(), c.Params("name"), req.DocIDs)
	if err != nil {
		return errx.Wrap(err)
	}

	outcome := make(map[string]string, len(results))
	for id, res := range results {
		if res == nil {
			outcome[id] = "ok"
		} else {
			outcome[id] = res.Error()
		}
	}
	return c.JSON(fiber.Map{"results": outcome})
}

func (h *handler) skipDocument(c *fiber.Ctx) error {
	err := h.m.Interventions().SkipDocument(c.UserContext(), c.Params("name"), c.Params("id"))
	if err != nil {
		return errx.Wrap(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handler) alerts(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"alerts": h.m.ActiveAlerts()})
}

// clearedAlerts lists recently resolved alerts. The "since" query parameter is
// RFC3339; it defaults to one hour ago.
func (h *handler) clearedAlerts(c *fiber.Ctx) error {
	since := time.Now().Add(-time.Hour)
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return errx.New("[httpapi]: invalid since parameter",
				errx.WithType(errx.T_Validation),
				errx.WithDetails(errx.D{"since": raw}),
			)
		}
		since = parsed
	}
	return c.JSON(fiber.Map{"alerts": h.m.ClearedAlertsSince(since)})
}

func (h *handler) muteAlert(c *fiber.Ctx) error {
	if err := h.m.MuteAlert(c.UserContext(), c.Params("id")); err != nil {
		return errx.Wrap(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handler) unmuteAlert(c *fiber.Ctx) error {
	if err := h.m.UnmuteAlert(c.UserContext(), c.Params("id")); err != nil {
		return errx.Wrap(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handler) thresholds(c *fiber.Ctx) error {
	return c.JSON(h.m.Thresholds())
}

func (h *handler) setThresholds(c *fiber.Ctx) error {
	var t monitor.AlertThresholds
	if err := c.BodyParser(&t); err != nil {
		return errx.Wrap(err, errx.WithType(errx.T_Validation))
	}
	if err := h.m.SetThresholds(t); err != nil {
		return errx.Wrap(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
