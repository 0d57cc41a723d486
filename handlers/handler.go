package handlers

import (
	"context"
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/datatypes"

	"github.com/manualpay/manualpay-backend/engine"
	"github.com/manualpay/manualpay-backend/models"
	"github.com/manualpay/manualpay-backend/store"
)

// TransactionStore is what the HTTP layer needs from the store. Satisfied by
// store.TransactionStore and store.MemoryTransactionStore.
type TransactionStore interface {
	GetByID(ctx context.Context, id uint) (*models.Transaction, error)
	GetByNaturalKey(ctx context.Context, provider, externalID string) (*models.Transaction, error)
	Claim(ctx context.Context, id, orderID uint) (bool, error)
	Link(ctx context.Context, id, orderID uint, target models.TransactionStatus) (bool, error)
	Unlink(ctx context.Context, id uint, target models.TransactionStatus) (bool, error)
	Update(ctx context.Context, id uint, patch store.TransactionPatch) (bool, error)
	List(ctx context.Context, f store.TxFilters) ([]models.Transaction, int64, error)
}

// AuditStore appends and lists audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *models.AuditLog) error
	List(ctx context.Context, f store.AuditFilters) ([]models.AuditLog, error)
}

// OrderDirectory is the order-side surface the checkout adapter needs.
type OrderDirectory interface {
	GetOrder(ctx context.Context, orderID uint) (*models.Order, error)
	SetReference(ctx context.Context, orderID uint, provider, externalID string) error
}

// Settings carries the webhook shared secret and the matching options parsed
// once at startup. The core receives the options explicitly per call.
type Settings struct {
	VerifyKey string
	Options   engine.Options
}

type PaymentHandler struct {
	Engine   *engine.Engine
	Store    TransactionStore
	Audit    AuditStore
	Orders   OrderDirectory
	Settings Settings
}

func NewPaymentHandler(eng *engine.Engine, txStore TransactionStore, audit AuditStore, orders OrderDirectory, settings Settings) *PaymentHandler {
	return &PaymentHandler{
		Engine:   eng,
		Store:    txStore,
		Audit:    audit,
		Orders:   orders,
		Settings: settings,
	}
}

func (h *PaymentHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// actorFromRequest builds the audit identity for a request.
func actorFromRequest(c *fiber.Ctx, actor, label, prefix string) engine.ActorContext {
	return engine.ActorContext{
		Actor:        actor,
		ActorLabel:   label,
		ActionPrefix: prefix,
		IPAddress:    c.IP(),
		UserAgent:    c.Get("User-Agent"),
	}
}

// logAudit appends an entry for handler-level mutations (admin operations,
// auth failures). Engine-driven mutations audit themselves.
func (h *PaymentHandler) logAudit(c *fiber.Ctx, actor engine.ActorContext, action, objectType string, objectID *uint, data map[string]interface{}) {
	entry := &models.AuditLog{
		Actor:      actor.Actor,
		Action:     action,
		ObjectType: objectType,
		ObjectID:   objectID,
		IPAddress:  c.IP(),
		UserAgent:  c.Get("User-Agent"),
	}
	if data != nil {
		entry.Data = datatypes.JSONMap(data)
	}
	if err := h.Audit.Append(c.Context(), entry); err != nil {
		log.Printf("audit: append %s failed: %v", action, err)
	}
}
