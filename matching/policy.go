// Package matching holds the pure eligibility rules for pairing a reported
// transaction with an order. No I/O, no side effects; callers may evaluate
// redundantly and concurrently.
package matching

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/manualpay/manualpay-backend/models"
)

// Mode selects how strictly amount rules are enforced. ModeOff means no
// automatic matching at all and is short-circuited by the caller; it is never
// passed to Evaluate.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeLenient Mode = "lenient"
	ModeStrict  Mode = "strict"
)

// ParseMode validates a raw mode string (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(s))); mode {
	case ModeOff, ModeLenient, ModeStrict:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown verification mode %q", s)
	}
}

var (
	strictTolerance  = decimal.NewFromFloat(0.01)
	lenientTolerance = decimal.NewFromFloat(5.00)
)

// Tolerance is the maximum allowed absolute difference between transaction
// amount and order total for this mode.
func (m Mode) Tolerance() decimal.Decimal {
	switch m {
	case ModeLenient:
		return lenientTolerance
	default:
		return strictTolerance
	}
}

// IneligibleError reports exactly which rule failed and the offending values.
// The message is surfaced verbatim to operators and audit logs.
type IneligibleError struct {
	Reason string
}

func (e *IneligibleError) Error() string { return e.Reason }

// Evaluate applies the matching rules in order: status guards, amount within
// mode tolerance, currency equality (case-insensitive), then the time window
// (skipped entirely when timeWindowHours is 0). First failure wins. A nil
// return means the transaction may satisfy the order.
func Evaluate(tx *models.Transaction, order *models.Order, mode Mode, timeWindowHours uint, now time.Time) error {
	if tx.Status == models.StatusUsed {
		return &IneligibleError{Reason: "transaction already used for another order"}
	}
	if tx.Status == models.StatusInvalid || tx.Status == models.StatusRejected {
		return &IneligibleError{Reason: "transaction is not eligible for use"}
	}

	diff := tx.Amount.Sub(order.Total).Abs()
	if diff.GreaterThan(mode.Tolerance()) {
		return &IneligibleError{Reason: fmt.Sprintf(
			"transaction amount (%s %s) does not match order total (%s %s): difference %s exceeds tolerance %s",
			tx.Amount, tx.Currency, order.Total, order.Currency, diff, mode.Tolerance(),
		)}
	}

	if !strings.EqualFold(tx.Currency, order.Currency) {
		return &IneligibleError{Reason: fmt.Sprintf(
			"transaction currency (%s) does not match order currency (%s)",
			tx.Currency, order.Currency,
		)}
	}

	if timeWindowHours > 0 {
		window := time.Duration(timeWindowHours) * time.Hour
		if now.Sub(tx.OccurredAt) > window {
			return &IneligibleError{Reason: fmt.Sprintf(
				"transaction is older than %d hours (occurred at %s)",
				timeWindowHours, tx.OccurredAt.Format(time.RFC3339),
			)}
		}
	}

	return nil
}
