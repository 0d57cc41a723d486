package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/manualpay/manualpay-backend/models"
	"github.com/manualpay/manualpay-backend/store"
)

// IngestRequest is the notification payload from a webhook or checkout
// adapter. Meta is stored opaque and never interpreted; secrets must be
// stripped by the adapter (verify_key is additionally stripped here).
type IngestRequest struct {
	Provider   string                 `json:"provider" validate:"required,max=32"`
	ExternalID string                 `json:"external_id" validate:"required,max=128"`
	Amount     decimal.Decimal        `json:"amount" validate:"-"`
	Currency   string                 `json:"currency" validate:"required,max=10"`
	OccurredAt string                 `json:"occurred_at" validate:"omitempty"`
	Status     string                 `json:"status" validate:"omitempty"`
	Payer      string                 `json:"payer" validate:"omitempty,max=128"`
	Meta       map[string]interface{} `json:"meta" validate:"-"`
}

// ValidationError names the malformed or missing field. Nothing is persisted
// when one is returned; the caller may resubmit corrected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validationMessage(fe validatorv10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fe.Field() + " is invalid"
	}
}

// Timestamp formats accepted for occurred_at; stored normalized to UTC.
var occurredAtFormats = []string{time.RFC3339, "2006-01-02 15:04:05"}

func parseOccurredAt(s string) (time.Time, error) {
	for _, layout := range occurredAtFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable occurred_at %q", s)
}

// Ingest records a reported transaction and immediately attempts to reconcile
// it against pending orders. Resubmitting the same (provider, external_id) is
// a defined outcome: the existing record is returned with Duplicate=true and
// no new match attempt is made, but the repeat delivery is still audited.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest, opts Options, actor ActorContext) (*IngestResult, error) {
	actor = actor.normalized()

	if err := e.validate.Struct(req); err != nil {
		var verrs validatorv10.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, &ValidationError{Field: fe.Field(), Message: validationMessage(fe)}
		}
		return nil, fmt.Errorf("validate ingest request: %w", err)
	}
	if !req.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "amount must be greater than zero"}
	}

	status := models.StatusNew
	switch strings.ToUpper(strings.TrimSpace(req.Status)) {
	case "", string(models.StatusNew):
	case string(models.StatusInvalid):
		status = models.StatusInvalid
	default:
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("status %q is not accepted at ingestion", req.Status)}
	}

	occurredAt := e.now().UTC()
	if req.OccurredAt != "" {
		t, err := parseOccurredAt(req.OccurredAt)
		if err != nil {
			return nil, &ValidationError{Field: "occurred_at", Message: "invalid occurred_at format; use RFC 3339 or YYYY-MM-DD HH:MM:SS"}
		}
		occurredAt = t
	}

	provider := strings.TrimSpace(req.Provider)
	externalID := strings.TrimSpace(req.ExternalID)

	existing, err := e.store.GetByNaturalKey(ctx, provider, externalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return e.duplicateResult(ctx, existing, actor), nil
	}

	payer := req.Payer
	if opts.MaskPayer {
		payer = models.MaskPayer(payer)
	}

	var meta datatypes.JSONMap
	if req.Meta != nil {
		meta = datatypes.JSONMap(req.Meta)
		delete(meta, "verify_key")
	}

	tx := &models.Transaction{
		Provider:       provider,
		ExternalID:     externalID,
		IdempotencyKey: models.IdempotencyKeyFor(provider, externalID),
		Amount:         req.Amount.Round(6),
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		Payer:          payer,
		OccurredAt:     occurredAt,
		Status:         status,
		Meta:           meta,
	}

	if err := e.store.Insert(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost the insert race to a concurrent identical notification.
			existing, gerr := e.store.GetByNaturalKey(ctx, provider, externalID)
			if gerr != nil {
				return nil, gerr
			}
			if existing != nil {
				return e.duplicateResult(ctx, existing, actor), nil
			}
			return nil, err
		}
		e.logAudit(ctx, actor, actor.Action("INSERT_FAILED"), models.ObjectTransaction, nil, map[string]interface{}{
			"provider":    provider,
			"external_id": externalID,
		})
		return nil, err
	}

	e.logAudit(ctx, actor, actor.Action("TRANSACTION_CREATED"), models.ObjectTransaction, &tx.ID, map[string]interface{}{
		"provider":    provider,
		"external_id": externalID,
		"amount":      tx.Amount.String(),
		"currency":    tx.Currency,
	})

	match, err := e.ReconcilePending(ctx, tx.ID, opts, actor)
	if err != nil {
		return nil, err
	}

	result := &IngestResult{
		TransactionID: tx.ID,
		Status:        tx.Status,
		MatchResult:   &match,
	}
	if current, err := e.store.GetByID(ctx, tx.ID); err == nil && current != nil {
		result.Status = current.Status
	}
	return result, nil
}

func (e *Engine) duplicateResult(ctx context.Context, existing *models.Transaction, actor ActorContext) *IngestResult {
	e.logAudit(ctx, actor, actor.Action("DUPLICATE_TRANSACTION"), models.ObjectTransaction, &existing.ID, map[string]interface{}{
		"provider":    existing.Provider,
		"external_id": existing.ExternalID,
	})
	return &IngestResult{
		TransactionID: existing.ID,
		Duplicate:     true,
		Status:        existing.Status,
	}
}
