package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/manualpay/manualpay-backend/engine"
	"github.com/manualpay/manualpay-backend/models"
	"github.com/manualpay/manualpay-backend/store"
)

// Administrative operations map 1:1 onto the store's guarded state
// transitions. Every call requires an operator identity in X-Actor; every
// attempt writes exactly one audit entry.

func adminActor(c *fiber.Ctx) (engine.ActorContext, bool) {
	identity := strings.TrimSpace(c.Get("X-Actor"))
	if identity == "" {
		return engine.ActorContext{}, false
	}
	return actorFromRequest(c, identity, "Admin", "ADMIN"), true
}

func (h *PaymentHandler) transactionIDParam(c *fiber.Ctx) (uint, bool) {
	n, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(n), true
}

// LinkTransaction associates a transaction with an order without consuming
// it (target MATCHED) or consuming it outright (target USED).
func (h *PaymentHandler) LinkTransaction(c *fiber.Ctx) error {
	actor, ok := adminActor(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "X-Actor header is required"})
	}
	id, ok := h.transactionIDParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id must be numeric"})
	}

	var req struct {
		OrderID      uint   `json:"order_id"`
		TargetStatus string `json:"target_status"`
	}
	if err := c.BodyParser(&req); err != nil || req.OrderID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "order_id is required"})
	}

	target := models.StatusMatched
	if req.TargetStatus != "" {
		parsed, err := models.ParseTransactionStatus(req.TargetStatus)
		if err != nil || (parsed != models.StatusMatched && parsed != models.StatusUsed) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "target_status must be MATCHED or USED"})
		}
		target = parsed
	}

	linked, err := h.Store.Link(c.Context(), id, req.OrderID, target)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if !linked {
		h.logAudit(c, actor, actor.Action("LINK_FAILED"), models.ObjectTransaction, &id, map[string]interface{}{
			"order_id": req.OrderID,
		})
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "transaction is already used or does not exist"})
	}

	h.logAudit(c, actor, actor.Action("TRANSACTION_LINKED"), models.ObjectTransaction, &id, map[string]interface{}{
		"order_id":      req.OrderID,
		"target_status": string(target),
	})
	return c.JSON(fiber.Map{"linked": true, "target_status": target})
}

// MarkUsed claims a transaction for an order, the same atomic operation the
// engine uses during auto-complete.
func (h *PaymentHandler) MarkUsed(c *fiber.Ctx) error {
	actor, ok := adminActor(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "X-Actor header is required"})
	}
	id, ok := h.transactionIDParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id must be numeric"})
	}

	var req struct {
		OrderID uint `json:"order_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.OrderID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "order_id is required"})
	}

	claimed, err := h.Store.Claim(c.Context(), id, req.OrderID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if !claimed {
		h.logAudit(c, actor, actor.Action("MARK_USED_FAILED"), models.ObjectTransaction, &id, map[string]interface{}{
			"order_id": req.OrderID,
		})
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "transaction is already used or does not exist"})
	}

	h.logAudit(c, actor, actor.Action("TRANSACTION_USED"), models.ObjectTransaction, &id, map[string]interface{}{
		"order_id": req.OrderID,
	})
	return c.JSON(fiber.Map{"used": true})
}

// RejectTransaction marks a transaction as administratively rejected. Used
// transactions must be unlinked first.
func (h *PaymentHandler) RejectTransaction(c *fiber.Ctx) error {
	actor, ok := adminActor(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "X-Actor header is required"})
	}
	id, ok := h.transactionIDParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id must be numeric"})
	}

	rejected := models.StatusRejected
	updated, err := h.Store.Update(c.Context(), id, store.TransactionPatch{Status: &rejected})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if !updated {
		h.logAudit(c, actor, actor.Action("REJECT_FAILED"), models.ObjectTransaction, &id, nil)
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "used transactions must be unlinked before they can be rejected"})
	}

	h.logAudit(c, actor, actor.Action("TRANSACTION_REJECTED"), models.ObjectTransaction, &id, nil)
	return c.JSON(fiber.Map{"rejected": true})
}

// UnlinkTransaction releases a transaction from its order. This is the only
// way out of USED; a reason is mandatory and recorded with the prior state.
func (h *PaymentHandler) UnlinkTransaction(c *fiber.Ctx) error {
	actor, ok := adminActor(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "X-Actor header is required"})
	}
	id, ok := h.transactionIDParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id must be numeric"})
	}

	var req struct {
		TargetStatus string `json:"target_status"`
		Reason       string `json:"reason"`
	}
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.Reason) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "a reason is required to unlink a transaction"})
	}

	target := models.StatusNew
	if req.TargetStatus != "" {
		parsed, err := models.ParseTransactionStatus(req.TargetStatus)
		if err != nil || (parsed != models.StatusNew && parsed != models.StatusMatched) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "target_status must be NEW or MATCHED"})
		}
		target = parsed
	}

	// Snapshot prior state for the audit trail before releasing.
	prior, err := h.Store.GetByID(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if prior == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Transaction not found"})
	}

	unlinked, err := h.Store.Unlink(c.Context(), id, target)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if !unlinked {
		h.logAudit(c, actor, actor.Action("UNLINK_FAILED"), models.ObjectTransaction, &id, map[string]interface{}{
			"reason": req.Reason,
		})
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "transaction is not linked to an order"})
	}

	data := map[string]interface{}{
		"reason":          req.Reason,
		"target_status":   string(target),
		"previous_status": string(prior.Status),
	}
	if prior.MatchedOrderID != nil {
		data["previous_order_id"] = *prior.MatchedOrderID
	}
	h.logAudit(c, actor, actor.Action("TRANSACTION_UNLINKED"), models.ObjectTransaction, &id, data)
	return c.JSON(fiber.Map{"unlinked": true, "target_status": target})
}
