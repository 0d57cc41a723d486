package matching

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/manualpay/manualpay-backend/models"
)

func amount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func eligibleTransaction(amt string) *models.Transaction {
	return &models.Transaction{
		Provider:   "bkash",
		ExternalID: "BKH001",
		Amount:     amount(amt),
		Currency:   "BDT",
		OccurredAt: time.Now().UTC().Add(-time.Hour),
		Status:     models.StatusNew,
	}
}

func pendingOrder(total string) *models.Order {
	return &models.Order{
		ID:       1,
		Total:    amount(total),
		Currency: "BDT",
		Status:   models.OrderStatusPending,
	}
}

func TestEvaluateAmountTolerance(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		name     string
		mode     Mode
		txAmount string
		total    string
		wantOK   bool
	}{
		{"strict within tolerance", ModeStrict, "500.01", "500.00", true},
		{"strict over tolerance", ModeStrict, "500.02", "500.00", false},
		{"strict exact", ModeStrict, "500.00", "500.00", true},
		{"lenient within tolerance", ModeLenient, "504.99", "500.00", true},
		{"lenient at tolerance", ModeLenient, "505.00", "500.00", true},
		{"lenient over tolerance", ModeLenient, "505.01", "500.00", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := eligibleTransaction(tc.txAmount)
			order := pendingOrder(tc.total)

			err := Evaluate(tx, order, tc.mode, 72, now)
			if tc.wantOK && err != nil {
				t.Fatalf("expected eligible, got %v", err)
			}
			if !tc.wantOK {
				if err == nil {
					t.Fatal("expected ineligible, got nil")
				}
				if !strings.Contains(err.Error(), "does not match order total") {
					t.Fatalf("reason should name the amount check, got %q", err.Error())
				}
			}
		})
	}
}

func TestEvaluateTimeWindow(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		name        string
		windowHours uint
		age         time.Duration
		wantOK      bool
	}{
		{"inside window", 72, 71 * time.Hour, true},
		{"outside window", 72, 73 * time.Hour, false},
		{"window disabled", 0, 1000 * time.Hour, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := eligibleTransaction("500.00")
			tx.OccurredAt = now.Add(-tc.age)
			order := pendingOrder("500.00")

			err := Evaluate(tx, order, ModeStrict, tc.windowHours, now)
			if tc.wantOK && err != nil {
				t.Fatalf("expected eligible, got %v", err)
			}
			if !tc.wantOK {
				if err == nil {
					t.Fatal("expected ineligible, got nil")
				}
				if !strings.Contains(err.Error(), "older than") {
					t.Fatalf("reason should name the time window, got %q", err.Error())
				}
			}
		})
	}
}

func TestEvaluateStatusGuards(t *testing.T) {
	now := time.Now().UTC()
	order := pendingOrder("500.00")

	used := eligibleTransaction("500.00")
	used.Status = models.StatusUsed
	err := Evaluate(used, order, ModeStrict, 72, now)
	if err == nil || !strings.Contains(err.Error(), "already used") {
		t.Fatalf("USED transaction should be ineligible as already used, got %v", err)
	}

	for _, status := range []models.TransactionStatus{models.StatusInvalid, models.StatusRejected} {
		tx := eligibleTransaction("500.00")
		tx.Status = status
		err := Evaluate(tx, order, ModeStrict, 72, now)
		if err == nil || !strings.Contains(err.Error(), "not eligible") {
			t.Fatalf("%s transaction should be ineligible, got %v", status, err)
		}
	}
}

func TestEvaluateStatusGuardWinsOverAmount(t *testing.T) {
	// First failure wins: a used transaction with a wrong amount reports
	// "already used", not the amount mismatch.
	tx := eligibleTransaction("999.00")
	tx.Status = models.StatusUsed

	err := Evaluate(tx, pendingOrder("500.00"), ModeStrict, 72, time.Now().UTC())
	if err == nil || !strings.Contains(err.Error(), "already used") {
		t.Fatalf("expected already-used reason, got %v", err)
	}
}

func TestEvaluateCurrency(t *testing.T) {
	now := time.Now().UTC()

	tx := eligibleTransaction("500.00")
	tx.Currency = "bdt"
	if err := Evaluate(tx, pendingOrder("500.00"), ModeStrict, 72, now); err != nil {
		t.Fatalf("currency comparison must be case-insensitive, got %v", err)
	}

	tx.Currency = "USD"
	err := Evaluate(tx, pendingOrder("500.00"), ModeStrict, 72, now)
	if err == nil || !strings.Contains(err.Error(), "currency") {
		t.Fatalf("expected currency mismatch, got %v", err)
	}

	var inel *IneligibleError
	if !errors.As(err, &inel) {
		t.Fatalf("expected *IneligibleError, got %T", err)
	}
}

func TestParseMode(t *testing.T) {
	for raw, want := range map[string]Mode{
		"off":     ModeOff,
		"lenient": ModeLenient,
		"strict":  ModeStrict,
		"STRICT":  ModeStrict,
		" off ":   ModeOff,
	} {
		got, err := ParseMode(raw)
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseMode(%q) = %q, want %q", raw, got, want)
		}
	}

	if _, err := ParseMode("paranoid"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
