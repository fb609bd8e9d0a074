// handlers/achievement_routes.go
package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"achievement-sync-service/middleware"
	"achievement-sync-service/models"
	"achievement-sync-service/services"

	"github.com/gofiber/fiber/v2"
)

// SSEKeepAlive is how often an idle stream writes a comment line.
var SSEKeepAlive = 15 * time.Second

type AchievementHandler struct {
	Facade   *services.SyncFacade
	Exporter *services.SnapshotExporter
	Locale   string
}

func NewAchievementHandler(facade *services.SyncFacade, exporter *services.SnapshotExporter, locale string) *AchievementHandler {
	return &AchievementHandler{Facade: facade, Exporter: exporter, Locale: locale}
}

func SetupAchievementRoutes(app *fiber.App, h *AchievementHandler, authClient middleware.TokenValidator) {
	// SSE is opened by the client directly; it authenticates with query params
	if authClient != nil {
		app.Get("/user/achievements/stream", middleware.SSEAuthMiddleware(authClient), h.Stream)
	}

	// 🔐 Secured routes: require user context from the Gateway
	secured := app.Group("/user/achievements", middleware.UserContextMiddleware())
	secured.Get("/", h.View)
	secured.Post("/refresh", h.Refresh)
	secured.Post("/reinit", h.Reinit)
	secured.Post("/increment", h.Increment)
	secured.Post("/app-time", h.AppTime)
	secured.Get("/progress", h.Progress)
	secured.Get("/list", h.List)
	secured.Get("/summary", h.Summary)
	secured.Get("/notifications", h.Notifications)
	secured.Post("/:achievementId/notification-shown", h.NotificationShown)

	// Admin endpoints
	admin := app.Group("/s/admin/achievements", middleware.UserContextMiddleware(), middleware.RequireRole("admin"))
	admin.Post("/recalculate", h.AdminRecalculate)
	admin.Post("/correct", h.AdminCorrect)
	admin.Post("/export", h.AdminExport)
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}

// fail maps service errors to status codes with the usual error/cause body.
func fail(c *fiber.Ctx, msg string, err error) error {
	status := fiber.StatusInternalServerError
	body := fiber.Map{"error": msg, "cause": err.Error()}
	switch {
	case errors.Is(err, services.ErrUnknownCounter), errors.Is(err, services.ErrNonPositiveDelta):
		status = fiber.StatusBadRequest
	case errors.Is(err, services.ErrProgressNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, services.ErrReevaluateFailed):
		// the increment is stored; retrying would count it twice
		status = fiber.StatusServiceUnavailable
		body["applied"] = true
	case errors.Is(err, services.ErrRetryable):
		status = fiber.StatusServiceUnavailable
		body["retryable"] = true
	case errors.Is(err, services.ErrExportDisabled):
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(body)
}

func (h *AchievementHandler) View(c *fiber.Ctx) error {
	snap, err := h.Facade.SyncOnView(c.UserContext(), userID(c))
	if err != nil {
		return fail(c, "failed to load achievements", err)
	}
	return c.JSON(snap)
}

func (h *AchievementHandler) Refresh(c *fiber.Ctx) error {
	snap, err := h.Facade.Refresh(c.UserContext(), userID(c))
	if err != nil {
		return fail(c, "failed to refresh achievements", err)
	}
	return c.JSON(snap)
}

func (h *AchievementHandler) Reinit(c *fiber.Ctx) error {
	snap, err := h.Facade.ForceReinit(c.UserContext(), userID(c))
	if err != nil {
		return fail(c, "failed to reinitialize achievements", err)
	}
	return c.JSON(snap)
}

func (h *AchievementHandler) Increment(c *fiber.Ctx) error {
	type Req struct {
		Counter string `json:"counter"`
		Delta   int64  `json:"delta"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid JSON",
			"cause": err.Error(),
		})
	}
	key, err := models.ParseCounterKey(req.Counter)
	if err != nil {
		return fail(c, "invalid counter", fmt.Errorf("%w: %v", services.ErrUnknownCounter, err))
	}
	snap, err := h.Facade.IncrementAndReevaluate(c.UserContext(), userID(c), key, req.Delta)
	if err != nil {
		return fail(c, "increment failed", err)
	}
	return c.JSON(snap)
}

func (h *AchievementHandler) AppTime(c *fiber.Ctx) error {
	type Req struct {
		Minutes float64 `json:"minutes"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid JSON",
			"cause": err.Error(),
		})
	}
	if req.Minutes <= 0 {
		return fail(c, "invalid minutes", services.ErrNonPositiveDelta)
	}
	flushed, snap, err := h.Facade.RecordAppTime(c.UserContext(), userID(c), req.Minutes)
	if err != nil {
		return fail(c, "failed to record app time", err)
	}
	resp := fiber.Map{"flushed": flushed}
	if snap != nil {
		resp["snapshot"] = snap
	}
	return c.JSON(resp)
}

func (h *AchievementHandler) Progress(c *fiber.Ctx) error {
	counters, err := h.Facade.Progress(c.UserContext(), userID(c))
	if err != nil {
		return fail(c, "failed to load progress", err)
	}
	return c.JSON(counters)
}

func (h *AchievementHandler) List(c *fiber.Ctx) error {
	records, err := h.Facade.Achievements(c.UserContext(), userID(c))
	if err != nil {
		return fail(c, "failed to load achievements", err)
	}
	return c.JSON(records)
}

func (h *AchievementHandler) Summary(c *fiber.Ctx) error {
	sum, err := h.Facade.Summary(c.UserContext(), userID(c))
	if err != nil {
		return fail(c, "failed to load summary", err)
	}
	if sum == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "summary not computed yet"})
	}
	return c.JSON(sum)
}

func (h *AchievementHandler) Notifications(c *fiber.Ctx) error {
	locale := c.Get("Accept-Language", h.Locale)
	list, err := h.Facade.PendingNotifications(c.UserContext(), userID(c), locale)
	if err != nil {
		return fail(c, "failed to load notifications", err)
	}
	return c.JSON(list)
}

func (h *AchievementHandler) NotificationShown(c *fiber.Ctx) error {
	achievementID := c.Params("achievementId")
	if err := h.Facade.MarkNotificationShown(c.UserContext(), userID(c), achievementID); err != nil {
		return fail(c, "failed to mark notification", err)
	}
	return c.JSON(fiber.Map{"achievement_id": achievementID, "notification_shown": true})
}

// Stream pushes a snapshot whenever the user's pipeline runs.
func (h *AchievementHandler) Stream(c *fiber.Ctx) error {
	uid := userID(c)

	// SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	updates := make(chan *services.Snapshot, 8)
	cancel := h.Facade.Subscribe(uid, func(s *services.Snapshot) {
		select {
		case updates <- s:
		default:
			// Slow client; it catches up on the next snapshot
		}
	})
	done := c.Context().Done()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		ticker := time.NewTicker(SSEKeepAlive)
		defer ticker.Stop()

		// Initial state; the request context is gone once streaming starts
		if snap, err := h.Facade.SyncOnView(context.Background(), uid); err == nil {
			if !writeEvent(w, snap) {
				return
			}
		} else {
			log.Printf("[SSE] initial sync failed for %s: %v", uid, err)
			w.WriteString(":\n\n")
			if err := w.Flush(); err != nil {
				return
			}
		}

		for {
			select {
			case snap := <-updates:
				if !writeEvent(w, snap) {
					return
				}
			case <-ticker.C:
				w.WriteString(":\n\n")
				if err := w.Flush(); err != nil {
					// Client disconnected
					return
				}
			case <-done:
				return
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, snap *services.Snapshot) bool {
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[SSE] marshal failed: %v", err)
		return true
	}
	fmt.Fprintf(w, "event: achievements\ndata: %s\n\n", payload)
	return w.Flush() == nil
}

type adminUserReq struct {
	UserID string `json:"user_id"`
}

func (h *AchievementHandler) AdminRecalculate(c *fiber.Ctx) error {
	var req adminUserReq
	if err := c.BodyParser(&req); err != nil || req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id is required"})
	}
	snap, err := h.Facade.Recalculate(c.UserContext(), req.UserID)
	if err != nil {
		return fail(c, "recalculation failed", err)
	}
	log.Printf("[ADMIN] 🔁 %s recalculated counters for %s", userID(c), req.UserID)
	return c.JSON(snap)
}

func (h *AchievementHandler) AdminCorrect(c *fiber.Ctx) error {
	type Req struct {
		UserID        string `json:"user_id"`
		AchievementID string `json:"achievement_id"`
		Value         int64  `json:"value"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid JSON",
			"cause": err.Error(),
		})
	}
	if req.UserID == "" || req.AchievementID == "" || req.Value < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id, achievement_id and a non-negative value are required",
		})
	}
	snap, err := h.Facade.CorrectProgress(c.UserContext(), req.UserID, req.AchievementID, req.Value)
	if err != nil {
		return fail(c, "correction failed", err)
	}
	return c.JSON(snap)
}

func (h *AchievementHandler) AdminExport(c *fiber.Ctx) error {
	var req adminUserReq
	if err := c.BodyParser(&req); err != nil || req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id is required"})
	}
	url, err := h.Exporter.Export(c.UserContext(), req.UserID)
	if err != nil {
		return fail(c, "export failed", err)
	}
	return c.JSON(fiber.Map{"user_id": req.UserID, "url": url})
}
