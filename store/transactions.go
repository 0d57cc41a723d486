package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/manualpay/manualpay-backend/models"
)

// ErrDuplicate is returned by Insert when the natural key or idempotency key
// already exists. Callers treat it as a defined idempotent outcome, not a
// failure.
var ErrDuplicate = errors.New("transaction already exists")

// TransactionStore persists transactions in Postgres. Uniqueness and the
// claim/link guards are enforced by the database, never check-then-write, so
// the guarantees hold across concurrent request handlers.
type TransactionStore struct {
	db *gorm.DB
}

func NewTransactionStore(db *gorm.DB) *TransactionStore {
	return &TransactionStore{db: db}
}

// Insert creates a transaction row. The composite unique index on
// (provider, external_id) and the unique idempotency key close the race
// between concurrent identical notifications; whichever insert wins, the
// loser sees ErrDuplicate. Requires gorm.Config{TranslateError: true}.
func (s *TransactionStore) Insert(ctx context.Context, tx *models.Transaction) error {
	if err := s.db.WithContext(ctx).Create(tx).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByNaturalKey returns the transaction for (provider, external_id), or
// (nil, nil) when absent.
func (s *TransactionStore) GetByNaturalKey(ctx context.Context, provider, externalID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.WithContext(ctx).
		Where("provider = ? AND external_id = ?", provider, externalID).
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction by natural key: %w", err)
	}
	return &tx, nil
}

// GetByID returns the transaction with the given id, or (nil, nil) when
// absent.
func (s *TransactionStore) GetByID(ctx context.Context, id uint) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.WithContext(ctx).First(&tx, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %d: %w", id, err)
	}
	return &tx, nil
}

// Claim atomically moves the transaction to USED and binds it to orderID.
// The status guard and the write are one conditional UPDATE: of any number of
// racing claimers exactly one affects a row, every other caller gets false
// with no error.
func (s *TransactionStore) Claim(ctx context.Context, id, orderID uint) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status <> ?", id, models.StatusUsed).
		Updates(map[string]interface{}{
			"status":           models.StatusUsed,
			"matched_order_id": orderID,
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim transaction %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Link binds the transaction to orderID with target status MATCHED or USED,
// under the same not-already-USED guard as Claim.
func (s *TransactionStore) Link(ctx context.Context, id, orderID uint, target models.TransactionStatus) (bool, error) {
	if target != models.StatusMatched && target != models.StatusUsed {
		return false, fmt.Errorf("link transaction %d: invalid target status %q", id, target)
	}
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status <> ?", id, models.StatusUsed).
		Updates(map[string]interface{}{
			"status":           target,
			"matched_order_id": orderID,
		})
	if res.Error != nil {
		return false, fmt.Errorf("link transaction %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Unlink clears the order association and sets the target status (MATCHED or
// NEW). This is the only sanctioned way out of USED. Returns false if the
// transaction is not currently linked.
func (s *TransactionStore) Unlink(ctx context.Context, id uint, target models.TransactionStatus) (bool, error) {
	if target != models.StatusMatched && target != models.StatusNew {
		return false, fmt.Errorf("unlink transaction %d: invalid target status %q", id, target)
	}
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND matched_order_id IS NOT NULL", id).
		Updates(map[string]interface{}{
			"status":           target,
			"matched_order_id": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("unlink transaction %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// TransactionPatch is the restricted field set administrators may correct.
type TransactionPatch struct {
	Status *models.TransactionStatus
	Payer  *string
	Meta   datatypes.JSONMap
}

// Update applies an administrative correction. Guarded by status <> USED;
// used transactions must be unlinked first.
func (s *TransactionStore) Update(ctx context.Context, id uint, patch TransactionPatch) (bool, error) {
	fields := map[string]interface{}{}
	if patch.Status != nil {
		fields["status"] = *patch.Status
	}
	if patch.Payer != nil {
		fields["payer"] = *patch.Payer
	}
	if patch.Meta != nil {
		fields["meta"] = patch.Meta
	}
	if len(fields) == 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status <> ?", id, models.StatusUsed).
		Updates(fields)
	if res.Error != nil {
		return false, fmt.Errorf("update transaction %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// TxFilters narrows List results.
type TxFilters struct {
	Status   string
	Provider string
	OrderID  uint
	Limit    int
	Offset   int
}

func applyTxFilters(f TxFilters) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.Status != "" {
			db = db.Where("status = ?", strings.ToUpper(f.Status))
		}
		if f.Provider != "" {
			db = db.Where("provider = ?", f.Provider)
		}
		if f.OrderID != 0 {
			db = db.Where("matched_order_id = ?", f.OrderID)
		}
		return db
	}
}

// List returns transactions newest first, with the total count for the
// filter set.
func (s *TransactionStore) List(ctx context.Context, f TxFilters) ([]models.Transaction, int64, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Scopes(applyTxFilters(f)).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	var transactions []models.Transaction
	if err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Scopes(applyTxFilters(f)).
		Order("created_at DESC").
		Limit(f.Limit).Offset(f.Offset).
		Find(&transactions).Error; err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	return transactions, total, nil
}
