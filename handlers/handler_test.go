package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/manualpay/manualpay-backend/engine"
	"github.com/manualpay/manualpay-backend/matching"
	"github.com/manualpay/manualpay-backend/models"
	"github.com/manualpay/manualpay-backend/store"
)

// fakeOrders backs both the engine's gateway and the handler's order
// directory, so checkout and reconciliation see the same orders.
type fakeOrders struct {
	mu     sync.Mutex
	orders map[uint]*models.Order
}

func newFakeOrders(orders ...models.Order) *fakeOrders {
	f := &fakeOrders{orders: make(map[uint]*models.Order)}
	for i := range orders {
		o := orders[i]
		f.orders[o.ID] = &o
	}
	return f
}

func (f *fakeOrders) GetOrder(_ context.Context, orderID uint) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrders) SetReference(_ context.Context, orderID uint, provider, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d not found", orderID)
	}
	o.PaymentProvider = provider
	o.PaymentRef = externalID
	return nil
}

func (f *fakeOrders) FindPendingOrdersByProviderRef(_ context.Context, provider, externalID string) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.orders {
		if o.Status != models.OrderStatusPending && o.Status != models.OrderStatusOnHold {
			continue
		}
		if o.PaymentProvider == provider && o.PaymentRef == externalID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrders) MarkPaid(_ context.Context, orderID uint, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d not found", orderID)
	}
	o.Status = models.OrderStatusPaid
	o.PaymentRef = externalID
	return nil
}

func (f *fakeOrders) SetOnHold(_ context.Context, orderID uint, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d not found", orderID)
	}
	o.Status = models.OrderStatusOnHold
	o.Note = note
	return nil
}

func (f *fakeOrders) RecordNote(_ context.Context, orderID uint, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.Note = note
	}
	return nil
}

type testEnv struct {
	app     *fiber.App
	txStore *store.MemoryTransactionStore
	audit   *store.MemoryAuditStore
	orders  *fakeOrders
}

func newTestEnv(t *testing.T, orders ...models.Order) *testEnv {
	t.Helper()

	txStore := store.NewMemoryTransactionStore()
	audit := store.NewMemoryAuditStore()
	fakes := newFakeOrders(orders...)

	eng := engine.New(txStore, audit, fakes)
	handler := NewPaymentHandler(eng, txStore, audit, fakes, Settings{
		VerifyKey: "test-key",
		Options: engine.Options{
			Mode:            matching.ModeStrict,
			TimeWindowHours: 72,
			AutoComplete:    true,
		},
	})

	app := fiber.New()
	app.Post("/api/v1/notify", handler.Notify)
	app.Get("/api/v1/transactions", handler.ListTransactions)
	app.Get("/api/v1/transactions/:id", handler.GetTransaction)
	app.Post("/api/v1/orders/:id/pay", handler.PayOrder)
	app.Post("/admin/transactions/:id/mark-used", handler.MarkUsed)
	app.Post("/admin/transactions/:id/unlink", handler.UnlinkTransaction)

	return &testEnv{app: app, txStore: txStore, audit: audit, orders: fakes}
}

func jsonRequest(method, target string, body interface{}, headers map[string]string) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			panic(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func notifyBody(externalID string) map[string]interface{} {
	return map[string]interface{}{
		"provider":    "bkash",
		"external_id": externalID,
		"amount":      "500.00",
		"currency":    "BDT",
	}
}

func TestNotifyRejectsMissingKey(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/notify", notifyBody("BKH001"), nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	entries := env.audit.Entries()
	if len(entries) != 1 || entries[0].Action != "API_AUTH_FAILED" {
		t.Fatalf("auth failure must be audited, got %+v", entries)
	}
}

func TestNotifyCreatesAndDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"X-Verify-Key": "test-key"}

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/notify", notifyBody("BKH001"), headers))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var first engine.IngestResult
	decodeBody(t, resp, &first)
	if first.Duplicate || first.TransactionID == 0 {
		t.Fatalf("unexpected first result: %+v", first)
	}

	resp, err = env.app.Test(jsonRequest("POST", "/api/v1/notify", notifyBody("BKH001"), headers))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for a repeat delivery, got %d", resp.StatusCode)
	}
	var second engine.IngestResult
	decodeBody(t, resp, &second)
	if !second.Duplicate || second.TransactionID != first.TransactionID {
		t.Fatalf("unexpected duplicate result: %+v", second)
	}
}

func TestNotifyValidationError(t *testing.T) {
	env := newTestEnv(t)
	body := notifyBody("BKH001")
	delete(body, "provider")

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/notify", body, map[string]string{"X-Verify-Key": "test-key"}))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	var payload struct {
		Field string `json:"field"`
	}
	decodeBody(t, resp, &payload)
	if payload.Field != "provider" {
		t.Fatalf("expected the offending field, got %q", payload.Field)
	}
}

func TestNotifyStripsVerifyKeyFromMeta(t *testing.T) {
	env := newTestEnv(t)
	body := notifyBody("BKH001")
	body["verify_key"] = "test-key"

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/notify", body, nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with a body verify key, got %d", resp.StatusCode)
	}
	var result engine.IngestResult
	decodeBody(t, resp, &result)

	tx, _ := env.txStore.GetByID(context.Background(), result.TransactionID)
	if _, present := tx.Meta["verify_key"]; present {
		t.Fatal("the verify key must never be stored with the transaction")
	}
}

func TestMarkUsedConflictsOnSecondClaim(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"X-Verify-Key": "test-key"}
	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/notify", notifyBody("BKH001"), headers))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	var seeded engine.IngestResult
	decodeBody(t, resp, &seeded)

	admin := map[string]string{"X-Actor": "admin:1"}
	target := fmt.Sprintf("/admin/transactions/%d/mark-used", seeded.TransactionID)

	resp, err = env.app.Test(jsonRequest("POST", target, map[string]interface{}{"order_id": 7}, admin))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = env.app.Test(jsonRequest("POST", target, map[string]interface{}{"order_id": 8}, admin))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("a used transaction must not be claimable again, got %d", resp.StatusCode)
	}

	resp, err = env.app.Test(jsonRequest("POST", target, map[string]interface{}{"order_id": 9}, nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("admin calls without X-Actor must be rejected, got %d", resp.StatusCode)
	}
}

func TestUnlinkRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"X-Verify-Key": "test-key"}
	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/notify", notifyBody("BKH001"), headers))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	var seeded engine.IngestResult
	decodeBody(t, resp, &seeded)

	ctx := context.Background()
	if ok, _ := env.txStore.Claim(ctx, seeded.TransactionID, 7); !ok {
		t.Fatal("seed claim failed")
	}

	admin := map[string]string{"X-Actor": "admin:1"}
	target := fmt.Sprintf("/admin/transactions/%d/unlink", seeded.TransactionID)

	resp, err = env.app.Test(jsonRequest("POST", target, map[string]interface{}{}, admin))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unlink without a reason must be rejected, got %d", resp.StatusCode)
	}

	resp, err = env.app.Test(jsonRequest("POST", target, map[string]interface{}{"reason": "refunded by provider"}, admin))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	tx, _ := env.txStore.GetByID(ctx, seeded.TransactionID)
	if tx.Status != models.StatusNew || tx.MatchedOrderID != nil {
		t.Fatalf("transaction not released: status=%s order=%v", tx.Status, tx.MatchedOrderID)
	}

	var sawUnlink bool
	for _, e := range env.audit.Entries() {
		if e.Action == "ADMIN_TRANSACTION_UNLINKED" {
			sawUnlink = true
			if e.Data["previous_status"] != string(models.StatusUsed) {
				t.Fatalf("prior state must be recorded, got %v", e.Data["previous_status"])
			}
		}
	}
	if !sawUnlink {
		t.Fatal("unlink must be audited")
	}
}

func TestPayOrderCompletesPayment(t *testing.T) {
	total, _ := decimal.NewFromString("500.00")
	env := newTestEnv(t, models.Order{
		ID:       10,
		Total:    total,
		Currency: "BDT",
		Status:   models.OrderStatusPending,
	})

	headers := map[string]string{"X-Verify-Key": "test-key"}
	if _, err := env.app.Test(jsonRequest("POST", "/api/v1/notify", notifyBody("BKH001"), headers)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, err := env.app.Test(jsonRequest("POST", "/api/v1/orders/10/pay", map[string]interface{}{
		"provider":    "bkash",
		"external_id": "BKH001",
	}, nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var result engine.MatchResult
	decodeBody(t, resp, &result)
	if !result.Matched || !result.AutoCompleted {
		t.Fatalf("expected a completed payment, got %+v", result)
	}

	order, _ := env.orders.GetOrder(context.Background(), 10)
	if order.Status != models.OrderStatusPaid {
		t.Fatalf("order must be paid, got %s", order.Status)
	}

	resp, err = env.app.Test(jsonRequest("POST", "/api/v1/orders/10/pay", map[string]interface{}{
		"provider":    "bkash",
		"external_id": "BKH001",
	}, nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("paying a paid order must conflict, got %d", resp.StatusCode)
	}
}

func TestGetTransactionByNaturalKey(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"X-Verify-Key": "test-key"}
	if _, err := env.app.Test(jsonRequest("POST", "/api/v1/notify", notifyBody("BKH001"), headers)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, err := env.app.Test(httptest.NewRequest("GET", "/api/v1/transactions/BKH001?provider=bkash", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var tx models.Transaction
	decodeBody(t, resp, &tx)
	if tx.Provider != "bkash" || tx.ExternalID != "BKH001" {
		t.Fatalf("wrong transaction: %+v", tx)
	}

	resp, err = env.app.Test(httptest.NewRequest("GET", "/api/v1/transactions/BKH001", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-numeric id without provider must be rejected, got %d", resp.StatusCode)
	}
}

func TestListTransactionsPagination(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"X-Verify-Key": "test-key"}
	for _, id := range []string{"BKH001", "BKH002", "BKH003"} {
		if _, err := env.app.Test(jsonRequest("POST", "/api/v1/notify", notifyBody(id), headers)); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	resp, err := env.app.Test(httptest.NewRequest("GET", "/api/v1/transactions?limit=2", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var payload struct {
		Transactions []models.Transaction `json:"transactions"`
		Pagination   struct {
			Total  int64 `json:"total"`
			Limit  int   `json:"limit"`
			Offset int   `json:"offset"`
		} `json:"pagination"`
	}
	decodeBody(t, resp, &payload)
	if len(payload.Transactions) != 2 || payload.Pagination.Total != 3 {
		t.Fatalf("unexpected page: %d rows, total %d", len(payload.Transactions), payload.Pagination.Total)
	}
}
