package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/manualpay/manualpay-backend/models"
)

// PayOrder is the checkout-time path: the customer supplies the provider and
// transaction id they claim to have paid with. The claim is recorded on the
// order, then the engine verifies it immediately. A failed match is not an
// error; the order stays pending and the reason is shown to the payer.
func (h *PaymentHandler) PayOrder(c *fiber.Ctx) error {
	n, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id must be numeric"})
	}
	orderID := uint(n)

	var req struct {
		Provider   string `json:"provider"`
		ExternalID string `json:"external_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload: " + err.Error()})
	}
	req.Provider = strings.TrimSpace(req.Provider)
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	if req.Provider == "" || req.ExternalID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "provider and external_id are required"})
	}

	order, err := h.Orders.GetOrder(c.Context(), orderID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if order == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Order not found"})
	}
	if order.Status == models.OrderStatusPaid {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "order is already paid"})
	}

	if err := h.Orders.SetReference(c.Context(), orderID, req.Provider, req.ExternalID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	order.PaymentProvider = req.Provider
	order.PaymentRef = req.ExternalID

	actor := actorFromRequest(c, "customer:checkout", "Checkout", "CHECKOUT")
	result, err := h.Engine.ReconcileOrder(c.Context(), order, h.Settings.Options, actor)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to reconcile order"})
	}

	return c.JSON(result)
}
