package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/manualpay/manualpay-backend/store"
)

func (h *PaymentHandler) ListTransactions(c *fiber.Ctx) error {
	f := store.TxFilters{
		Status:   c.Query("status"),
		Provider: c.Query("provider"),
	}
	if orderID, err := strconv.ParseUint(c.Query("order_id"), 10, 64); err == nil {
		f.OrderID = uint(orderID)
	}
	f.Limit, f.Offset = parseLimitOffset(c.Query("limit"), c.Query("offset"))

	transactions, total, err := h.Store.List(c.Context(), f)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to retrieve transactions: " + err.Error()})
	}

	return c.JSON(fiber.Map{
		"transactions": transactions,
		"pagination": fiber.Map{
			"total":  total,
			"limit":  f.Limit,
			"offset": f.Offset,
		},
	})
}

// GetTransaction resolves a numeric id as the internal PK; with a provider
// query parameter the path segment is treated as the provider's external id
// instead.
func (h *PaymentHandler) GetTransaction(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id is required"})
	}

	if provider := c.Query("provider"); provider != "" {
		tx, err := h.Store.GetByNaturalKey(c.Context(), provider, id)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to retrieve transaction: " + err.Error()})
		}
		if tx == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Transaction not found"})
		}
		return c.JSON(tx)
	}

	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id must be numeric, or pass ?provider= to look up by external id"})
	}

	tx, err := h.Store.GetByID(c.Context(), uint(n))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to retrieve transaction: " + err.Error()})
	}
	if tx == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Transaction not found"})
	}
	return c.JSON(tx)
}

func (h *PaymentHandler) ListAudit(c *fiber.Ctx) error {
	f := store.AuditFilters{
		ObjectType: c.Query("object_type"),
		Action:     c.Query("action"),
		Actor:      c.Query("actor"),
	}
	if objectID, err := strconv.ParseUint(c.Query("object_id"), 10, 64); err == nil {
		f.ObjectID = uint(objectID)
	}
	f.Limit, f.Offset = parseLimitOffset(c.Query("limit"), c.Query("offset"))

	entries, err := h.Audit.List(c.Context(), f)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to retrieve audit log: " + err.Error()})
	}
	return c.JSON(fiber.Map{"entries": entries})
}

func parseLimitOffset(limitStr, offsetStr string) (int, int) {
	limit, offset := 50, 0
	if limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}
