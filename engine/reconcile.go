package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/manualpay/manualpay-backend/matching"
	"github.com/manualpay/manualpay-backend/models"
)

// ReconcilePending attempts to match a transaction against orders awaiting
// payment with the same recorded (provider, external_id). Candidates are
// evaluated in gateway order and the first one that validates wins. A claim
// lost to a concurrent consumer is not fatal: it is audited and the next
// candidate is tried. No candidate validating leaves the transaction as-is
// for later manual or retried matching.
func (e *Engine) ReconcilePending(ctx context.Context, txID uint, opts Options, actor ActorContext) (MatchResult, error) {
	actor = actor.normalized()
	var result MatchResult

	if opts.Mode == matching.ModeOff {
		// No automatic action, but the transaction is flagged for
		// operator follow-up.
		e.logAudit(ctx, actor, actor.Action("PENDING_REVIEW"), models.ObjectTransaction, &txID, nil)
		return result, nil
	}

	tx, err := e.store.GetByID(ctx, txID)
	if err != nil {
		return result, err
	}
	if tx == nil {
		return result, nil
	}
	if tx.Status != models.StatusNew && tx.Status != models.StatusMatched {
		return result, nil
	}

	orders, err := e.orders.FindPendingOrdersByProviderRef(ctx, tx.Provider, tx.ExternalID)
	if err != nil {
		return result, fmt.Errorf("find pending orders: %w", err)
	}

	for i := range orders {
		order := &orders[i]

		if err := matching.Evaluate(tx, order, opts.Mode, opts.TimeWindowHours, e.now()); err != nil {
			continue
		}

		if opts.AutoComplete {
			claimed, err := e.store.Claim(ctx, tx.ID, order.ID)
			if err != nil {
				return result, err
			}
			if !claimed {
				e.logAudit(ctx, actor, actor.Action("MARK_USED_FAILED"), models.ObjectOrder, &order.ID, map[string]interface{}{
					"transaction_id": tx.ID,
				})
				continue
			}

			if err := e.orders.MarkPaid(ctx, order.ID, tx.ExternalID); err != nil {
				return result, fmt.Errorf("mark order %d paid: %w", order.ID, err)
			}
			e.logAudit(ctx, actor, actor.Action("PAYMENT_MATCHED"), models.ObjectOrder, &order.ID, map[string]interface{}{
				"transaction_id": tx.ID,
				"auto_completed": true,
			})

			orderID := order.ID
			return MatchResult{Matched: true, AutoCompleted: true, OrderID: &orderID}, nil
		}

		linked, err := e.store.Link(ctx, tx.ID, order.ID, models.StatusMatched)
		if err != nil {
			return result, err
		}
		if !linked {
			e.logAudit(ctx, actor, actor.Action("LINK_FAILED"), models.ObjectOrder, &order.ID, map[string]interface{}{
				"transaction_id": tx.ID,
			})
			continue
		}

		note := fmt.Sprintf("Transaction %s matched via %s (provider: %s) and awaits manual completion.",
			tx.ExternalID, actor.ActorLabel, tx.Provider)
		if err := e.orders.SetOnHold(ctx, order.ID, note); err != nil {
			return result, fmt.Errorf("set order %d on hold: %w", order.ID, err)
		}
		e.logAudit(ctx, actor, actor.Action("TRANSACTION_MATCHED"), models.ObjectOrder, &order.ID, map[string]interface{}{
			"transaction_id": tx.ID,
			"auto_completed": false,
		})

		orderID := order.ID
		return MatchResult{Matched: true, AutoCompleted: false, OrderID: &orderID}, nil
	}

	return result, nil
}

// ReconcileOrder is the checkout-time path: the customer just claimed to have
// paid with (order.PaymentProvider, order.PaymentRef) and asks for immediate
// verification. A missing transaction or a failed policy check leaves the
// order pending with a readable reason; both are audited.
func (e *Engine) ReconcileOrder(ctx context.Context, order *models.Order, opts Options, actor ActorContext) (MatchResult, error) {
	actor = actor.normalized()
	var result MatchResult

	if opts.Mode == matching.ModeOff {
		e.logAudit(ctx, actor, actor.Action("PAYMENT_PENDING"), models.ObjectOrder, &order.ID, map[string]interface{}{
			"provider":    order.PaymentProvider,
			"external_id": order.PaymentRef,
		})
		if err := e.orders.RecordNote(ctx, order.ID, "Awaiting manual payment verification."); err != nil {
			return result, err
		}
		return result, nil
	}

	tx, err := e.store.GetByNaturalKey(ctx, order.PaymentProvider, order.PaymentRef)
	if err != nil {
		return result, err
	}
	if tx == nil {
		e.logAudit(ctx, actor, actor.Action("PAYMENT_PENDING"), models.ObjectOrder, &order.ID, map[string]interface{}{
			"provider":    order.PaymentProvider,
			"external_id": order.PaymentRef,
		})
		if err := e.orders.RecordNote(ctx, order.ID, "Awaiting manual payment verification."); err != nil {
			return result, err
		}
		return result, nil
	}

	if err := matching.Evaluate(tx, order, opts.Mode, opts.TimeWindowHours, e.now()); err != nil {
		var inel *matching.IneligibleError
		if errors.As(err, &inel) {
			result.Reason = inel.Reason
			e.logAudit(ctx, actor, actor.Action("PAYMENT_VALIDATION_FAILED"), models.ObjectOrder, &order.ID, map[string]interface{}{
				"transaction_id": tx.ID,
				"reason":         inel.Reason,
			})
			return result, nil
		}
		return result, err
	}

	claimed, err := e.store.Claim(ctx, tx.ID, order.ID)
	if err != nil {
		return result, err
	}
	if !claimed {
		result.Reason = "unable to reserve the transaction; it may already be used"
		e.logAudit(ctx, actor, actor.Action("TRANSACTION_LOCK_FAILED"), models.ObjectOrder, &order.ID, map[string]interface{}{
			"transaction_id": tx.ID,
		})
		return result, nil
	}

	if err := e.orders.MarkPaid(ctx, order.ID, tx.ExternalID); err != nil {
		return result, fmt.Errorf("mark order %d paid: %w", order.ID, err)
	}
	e.logAudit(ctx, actor, actor.Action("PAYMENT_COMPLETED"), models.ObjectOrder, &order.ID, map[string]interface{}{
		"transaction_id": tx.ID,
	})

	orderID := order.ID
	return MatchResult{Matched: true, AutoCompleted: true, OrderID: &orderID}, nil
}
