package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/manualpay/manualpay-backend/models"
)

// OrderGateway is the GORM-backed order collaborator. The engine only sees
// the narrow interface it declares; deployments that keep orders in another
// system substitute their own implementation.
type OrderGateway struct {
	db *gorm.DB
}

func NewOrderGateway(db *gorm.DB) *OrderGateway {
	return &OrderGateway{db: db}
}

// FindPendingOrdersByProviderRef returns orders awaiting payment whose
// checkout-recorded provider/reference match, oldest first.
func (g *OrderGateway) FindPendingOrdersByProviderRef(ctx context.Context, provider, externalID string) ([]models.Order, error) {
	var orders []models.Order
	err := g.db.WithContext(ctx).
		Where("status IN ?", []string{models.OrderStatusPending, models.OrderStatusOnHold}).
		Where("payment_provider = ? AND payment_ref = ?", provider, externalID).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("find pending orders: %w", err)
	}
	return orders, nil
}

// MarkPaid completes the order and records the settling reference id.
func (g *OrderGateway) MarkPaid(ctx context.Context, orderID uint, externalID string) error {
	res := g.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"status":      models.OrderStatusPaid,
			"payment_ref": externalID,
		})
	if res.Error != nil {
		return fmt.Errorf("mark order %d paid: %w", orderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark order %d paid: order not found", orderID)
	}
	return nil
}

// SetOnHold parks the order pending manual completion.
func (g *OrderGateway) SetOnHold(ctx context.Context, orderID uint, note string) error {
	res := g.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"status": models.OrderStatusOnHold,
			"note":   note,
		})
	if res.Error != nil {
		return fmt.Errorf("set order %d on hold: %w", orderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set order %d on hold: order not found", orderID)
	}
	return nil
}

// RecordNote attaches an operator-visible note without changing status.
func (g *OrderGateway) RecordNote(ctx context.Context, orderID uint, note string) error {
	res := g.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", orderID).
		Update("note", note)
	if res.Error != nil {
		return fmt.Errorf("record note on order %d: %w", orderID, res.Error)
	}
	return nil
}

// SetReference stores the provider and transaction reference the customer
// claimed at checkout.
func (g *OrderGateway) SetReference(ctx context.Context, orderID uint, provider, externalID string) error {
	res := g.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"payment_provider": provider,
			"payment_ref":      externalID,
		})
	if res.Error != nil {
		return fmt.Errorf("set reference on order %d: %w", orderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set reference on order %d: order not found", orderID)
	}
	return nil
}

// GetOrder fetches an order by id, (nil, nil) when absent.
func (g *OrderGateway) GetOrder(ctx context.Context, orderID uint) (*models.Order, error) {
	var order models.Order
	err := g.db.WithContext(ctx).First(&order, orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", orderID, err)
	}
	return &order, nil
}
