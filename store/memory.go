package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/manualpay/manualpay-backend/models"
)

// MemoryTransactionStore is an in-memory TransactionStore with the same
// uniqueness and state-guard semantics as the Postgres store. It backs tests
// and lets the engine run without a database.
type MemoryTransactionStore struct {
	mu   sync.Mutex
	seq  uint
	byID map[uint]*models.Transaction
}

func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{byID: make(map[uint]*models.Transaction)}
}

func (s *MemoryTransactionStore) Insert(_ context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byID {
		if existing.Provider == tx.Provider && existing.ExternalID == tx.ExternalID {
			return ErrDuplicate
		}
		if existing.IdempotencyKey == tx.IdempotencyKey {
			return ErrDuplicate
		}
	}

	s.seq++
	tx.ID = s.seq
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	cp := *tx
	s.byID[tx.ID] = &cp
	return nil
}

func (s *MemoryTransactionStore) GetByNaturalKey(_ context.Context, provider, externalID string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.byID {
		if tx.Provider == provider && tx.ExternalID == externalID {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryTransactionStore) GetByID(_ context.Context, id uint) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryTransactionStore) Claim(_ context.Context, id, orderID uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok || tx.Status == models.StatusUsed {
		return false, nil
	}
	tx.Status = models.StatusUsed
	tx.MatchedOrderID = &orderID
	tx.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryTransactionStore) Link(_ context.Context, id, orderID uint, target models.TransactionStatus) (bool, error) {
	if target != models.StatusMatched && target != models.StatusUsed {
		return false, fmt.Errorf("link transaction %d: invalid target status %q", id, target)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok || tx.Status == models.StatusUsed {
		return false, nil
	}
	tx.Status = target
	tx.MatchedOrderID = &orderID
	tx.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryTransactionStore) Unlink(_ context.Context, id uint, target models.TransactionStatus) (bool, error) {
	if target != models.StatusMatched && target != models.StatusNew {
		return false, fmt.Errorf("unlink transaction %d: invalid target status %q", id, target)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok || tx.MatchedOrderID == nil {
		return false, nil
	}
	tx.Status = target
	tx.MatchedOrderID = nil
	tx.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryTransactionStore) Update(_ context.Context, id uint, patch TransactionPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok || tx.Status == models.StatusUsed {
		return false, nil
	}
	changed := false
	if patch.Status != nil {
		tx.Status = *patch.Status
		changed = true
	}
	if patch.Payer != nil {
		tx.Payer = *patch.Payer
		changed = true
	}
	if patch.Meta != nil {
		tx.Meta = patch.Meta
		changed = true
	}
	if changed {
		tx.UpdatedAt = time.Now().UTC()
	}
	return changed, nil
}

func (s *MemoryTransactionStore) List(_ context.Context, f TxFilters) ([]models.Transaction, int64, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var all []models.Transaction
	for _, tx := range s.byID {
		if f.Status != "" && tx.Status != models.TransactionStatus(strings.ToUpper(f.Status)) {
			continue
		}
		if f.Provider != "" && tx.Provider != f.Provider {
			continue
		}
		if f.OrderID != 0 && (tx.MatchedOrderID == nil || *tx.MatchedOrderID != f.OrderID) {
			continue
		}
		all = append(all, *tx)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[f.Offset:end], total, nil
}

// MemoryAuditStore collects audit entries in memory for tests.
type MemoryAuditStore struct {
	mu      sync.Mutex
	seq     uint
	entries []models.AuditLog
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Append(_ context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	entry.ID = s.seq
	entry.CreatedAt = time.Now().UTC()
	s.entries = append(s.entries, *entry)
	return nil
}

// List returns entries newest first, mirroring the Postgres store.
func (s *MemoryAuditStore) List(_ context.Context, f AuditFilters) ([]models.AuditLog, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var all []models.AuditLog
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if f.ObjectType != "" && e.ObjectType != f.ObjectType {
			continue
		}
		if f.ObjectID != 0 && (e.ObjectID == nil || *e.ObjectID != f.ObjectID) {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		all = append(all, e)
	}

	if f.Offset >= len(all) {
		return nil, nil
	}
	end := f.Offset + f.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[f.Offset:end], nil
}

// Entries returns a snapshot in append order.
func (s *MemoryAuditStore) Entries() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditLog, len(s.entries))
	copy(out, s.entries)
	return out
}
