package handlers

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/manualpay/manualpay-backend/engine"
	"github.com/manualpay/manualpay-backend/models"
)

// Notify ingests a provider notification. Authenticated by a shared verify
// key in the X-Verify-Key header or the verify_key body field; the key is
// never stored with the transaction metadata.
func (h *PaymentHandler) Notify(c *fiber.Ctx) error {
	if !h.verifyRequest(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or missing verify key"})
	}

	var req engine.IngestRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload: " + err.Error()})
	}

	// Keep the raw webhook fields as opaque metadata when the caller did
	// not supply its own; secrets are stripped by the engine.
	if req.Meta == nil {
		var raw map[string]interface{}
		if err := json.Unmarshal(c.Body(), &raw); err == nil {
			req.Meta = raw
		}
	}

	actor := actorFromRequest(c, "system:webhook", "REST API", "API")
	result, err := h.Engine.Ingest(c.Context(), req, h.Settings.Options, actor)
	if err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": verr.Message,
				"field": verr.Field,
			})
		}
		log.Printf("notify: ingest failed provider=%s external_id=%s err=%v", req.Provider, req.ExternalID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to process notification"})
	}

	if result.Duplicate {
		return c.Status(fiber.StatusOK).JSON(result)
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *PaymentHandler) verifyRequest(c *fiber.Ctx) bool {
	if h.Settings.VerifyKey == "" {
		// No key configured; refuse everything rather than run open.
		return false
	}

	provided := c.Get("X-Verify-Key")
	if provided == "" {
		var body struct {
			VerifyKey string `json:"verify_key"`
		}
		if err := json.Unmarshal(c.Body(), &body); err == nil {
			provided = body.VerifyKey
		}
	}

	if provided != h.Settings.VerifyKey {
		actor := actorFromRequest(c, "system:webhook", "REST API", "API")
		h.logAudit(c, actor, actor.Action("AUTH_FAILED"), models.ObjectWebhook, nil, map[string]interface{}{
			"ip": c.IP(),
		})
		return false
	}
	return true
}
