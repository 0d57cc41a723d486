package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/manualpay/manualpay-backend/models"
)

// AuditStore appends and reads the audit log. Entries are immutable; there is
// deliberately no update or delete.
type AuditStore struct {
	db *gorm.DB
}

func NewAuditStore(db *gorm.DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Append(ctx context.Context, entry *models.AuditLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// AuditFilters narrows List results.
type AuditFilters struct {
	ObjectType string
	ObjectID   uint
	Action     string
	Actor      string
	Limit      int
	Offset     int
}

// List returns audit entries newest first.
func (s *AuditStore) List(ctx context.Context, f AuditFilters) ([]models.AuditLog, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := s.db.WithContext(ctx).Model(&models.AuditLog{})
	if f.ObjectType != "" {
		q = q.Where("object_type = ?", f.ObjectType)
	}
	if f.ObjectID != 0 {
		q = q.Where("object_id = ?", f.ObjectID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Actor != "" {
		q = q.Where("actor = ?", f.Actor)
	}

	var entries []models.AuditLog
	if err := q.Order("created_at DESC, id DESC").
		Limit(f.Limit).Offset(f.Offset).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}
