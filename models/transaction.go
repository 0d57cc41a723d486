package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TransactionStatus is the closed set of lifecycle states for a reported
// payment. Values outside this set are rejected at the boundary.
type TransactionStatus string

const (
	StatusNew      TransactionStatus = "NEW"
	StatusMatched  TransactionStatus = "MATCHED"
	StatusUsed     TransactionStatus = "USED"
	StatusInvalid  TransactionStatus = "INVALID"
	StatusRejected TransactionStatus = "REJECTED"
)

// ParseTransactionStatus validates a raw status string (case-insensitive).
func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch status := TransactionStatus(strings.ToUpper(strings.TrimSpace(s))); status {
	case StatusNew, StatusMatched, StatusUsed, StatusInvalid, StatusRejected:
		return status, nil
	default:
		return "", fmt.Errorf("unknown transaction status %q", s)
	}
}

// Transaction is a payment event reported by an external provider.
// (provider, external_id) is the natural key; the idempotency key is a second
// uniqueness guard derived from the same pair.
type Transaction struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Provider       string            `gorm:"size:32;not null;uniqueIndex:idx_transactions_natural_key" json:"provider"`
	ExternalID     string            `gorm:"size:128;not null;uniqueIndex:idx_transactions_natural_key" json:"external_id"`
	IdempotencyKey uuid.UUID         `gorm:"type:uuid;uniqueIndex" json:"idempotency_key"`
	Amount         decimal.Decimal   `gorm:"type:numeric(20,6)" json:"amount"`
	Currency       string            `gorm:"size:10" json:"currency"`
	Payer          string            `gorm:"size:128" json:"payer,omitempty"`
	OccurredAt     time.Time         `gorm:"index" json:"occurred_at"`
	Status         TransactionStatus `gorm:"size:20;index;default:NEW" json:"status"`
	MatchedOrderID *uint             `gorm:"index" json:"matched_order_id,omitempty"`
	Meta           datatypes.JSONMap `gorm:"type:jsonb" json:"meta,omitempty"`
}

// Fixed namespace so derived keys stay stable across deployments and schema
// changes.
var idempotencyNamespace = uuid.MustParse("9f2c7d6e-3b1a-4e8f-9c05-2d7a41c9b8e3")

// IdempotencyKeyFor deterministically derives the idempotency key for a
// (provider, external_id) pair as a UUIDv5.
func IdempotencyKeyFor(provider, externalID string) uuid.UUID {
	return uuid.NewSHA1(idempotencyNamespace, []byte(provider+":"+externalID))
}

// MaskPayer hides all but the last four characters of a payer identifier.
// Identifiers of four characters or fewer are masked entirely. Masking is
// one-way; the store never sees the raw value.
func MaskPayer(payer string) string {
	r := []rune(payer)
	if len(r) == 0 {
		return payer
	}
	const keep = 4
	if len(r) <= keep {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-keep) + string(r[len(r)-keep:])
}
