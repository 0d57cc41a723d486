// Package engine orchestrates idempotent transaction ingestion and the
// matching of transactions to pending orders. All collaborators are injected;
// the engine holds no global state and reads no ambient configuration.
package engine

import (
	"context"
	"log"
	"reflect"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"gorm.io/datatypes"

	"github.com/manualpay/manualpay-backend/matching"
	"github.com/manualpay/manualpay-backend/models"
)

// TransactionStore is the subset of store operations the engine needs.
// Satisfied by store.TransactionStore and store.MemoryTransactionStore.
type TransactionStore interface {
	Insert(ctx context.Context, tx *models.Transaction) error
	GetByNaturalKey(ctx context.Context, provider, externalID string) (*models.Transaction, error)
	GetByID(ctx context.Context, id uint) (*models.Transaction, error)
	Claim(ctx context.Context, id, orderID uint) (bool, error)
	Link(ctx context.Context, id, orderID uint, target models.TransactionStatus) (bool, error)
}

// AuditStore receives one entry per state-changing attempt.
type AuditStore interface {
	Append(ctx context.Context, entry *models.AuditLog) error
}

// OrderGateway is the external collaborator owning orders. The engine never
// mutates an order except through it.
type OrderGateway interface {
	FindPendingOrdersByProviderRef(ctx context.Context, provider, externalID string) ([]models.Order, error)
	MarkPaid(ctx context.Context, orderID uint, externalID string) error
	SetOnHold(ctx context.Context, orderID uint, note string) error
	RecordNote(ctx context.Context, orderID uint, note string) error
}

// Options are the matching knobs, passed explicitly on every call.
type Options struct {
	Mode            matching.Mode
	TimeWindowHours uint
	AutoComplete    bool
	MaskPayer       bool
}

// ActorContext identifies who triggered an operation, for audit entries and
// order notes. ActionPrefix namespaces audit actions per entry point (API,
// CHECKOUT, ADMIN).
type ActorContext struct {
	Actor        string
	ActorLabel   string
	ActionPrefix string
	IPAddress    string
	UserAgent    string
}

func (a ActorContext) normalized() ActorContext {
	if a.Actor == "" {
		a.Actor = "system:webhook"
	}
	if a.ActorLabel == "" {
		a.ActorLabel = "REST API"
	}
	if a.ActionPrefix == "" {
		a.ActionPrefix = "API"
	}
	a.ActionPrefix = strings.ToUpper(a.ActionPrefix)
	return a
}

// Action builds the namespaced audit action for a verb, e.g.
// Action("PAYMENT_MATCHED") -> "API_PAYMENT_MATCHED".
func (a ActorContext) Action(verb string) string {
	return a.normalized().ActionPrefix + "_" + verb
}

// MatchResult reports the outcome of one reconciliation attempt. Matched
// without AutoCompleted means the transaction was linked and the order parked
// on hold for manual completion.
type MatchResult struct {
	Matched       bool   `json:"matched"`
	AutoCompleted bool   `json:"auto_completed"`
	OrderID       *uint  `json:"order_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// IngestResult is returned to webhook and checkout adapters.
type IngestResult struct {
	TransactionID uint                     `json:"transaction_id"`
	Duplicate     bool                     `json:"duplicate"`
	Status        models.TransactionStatus `json:"status"`
	MatchResult   *MatchResult             `json:"match_result,omitempty"`
}

// Engine wires the store, audit log and order gateway together.
type Engine struct {
	store    TransactionStore
	audit    AuditStore
	orders   OrderGateway
	validate *validatorv10.Validate
	now      func() time.Time
}

func New(store TransactionStore, audit AuditStore, orders OrderGateway) *Engine {
	v := validatorv10.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Engine{
		store:    store,
		audit:    audit,
		orders:   orders,
		validate: v,
		now:      time.Now,
	}
}

// logAudit appends one entry; a failing audit write is logged but never fails
// the surrounding operation.
func (e *Engine) logAudit(ctx context.Context, actor ActorContext, action, objectType string, objectID *uint, data map[string]interface{}) {
	entry := &models.AuditLog{
		Actor:      actor.Actor,
		Action:     action,
		ObjectType: objectType,
		ObjectID:   objectID,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
	}
	if data != nil {
		entry.Data = datatypes.JSONMap(data)
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		log.Printf("audit: append %s failed: %v", action, err)
	}
}
