package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses the reconciliation flow cares about. Orders awaiting payment
// are "pending" or "on-hold".
const (
	OrderStatusPending = "pending"
	OrderStatusOnHold  = "on-hold"
	OrderStatusPaid    = "paid"
)

// Order is the purchase an incoming transaction may settle. PaymentProvider
// and PaymentRef hold what the customer claimed to have paid with at checkout;
// the reconciliation engine only mutates orders through the order gateway.
type Order struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Total           decimal.Decimal `gorm:"type:numeric(20,6)" json:"total"`
	Currency        string          `gorm:"size:10" json:"currency"`
	Status          string          `gorm:"size:20;index" json:"status"`
	PaymentProvider string          `gorm:"size:32;index:idx_orders_payment_ref" json:"payment_provider,omitempty"`
	PaymentRef      string          `gorm:"size:128;index:idx_orders_payment_ref" json:"payment_ref,omitempty"`
	Note            string          `gorm:"size:500" json:"note,omitempty"`
}
