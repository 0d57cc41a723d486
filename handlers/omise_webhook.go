package handlers

import (
	"context"
	"encoding/json"
	"log"

	"github.com/gofiber/fiber/v2"
	omise "github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"github.com/shopspring/decimal"

	"github.com/manualpay/manualpay-backend/engine"
)

// Ingester is the slice of the engine the Omise adapter needs.
type Ingester interface {
	Ingest(ctx context.Context, req engine.IngestRequest, opts engine.Options, actor engine.ActorContext) (*engine.IngestResult, error)
}

// OmiseWebhookHandler translates Omise charge events into transaction
// notifications. The event is verified by retrieving it back from Omise with
// the secret key; the payload itself is never trusted.
type OmiseWebhookHandler struct {
	client   *omise.Client
	ingester Ingester
	opts     engine.Options
}

func NewOmiseWebhookHandler(client *omise.Client, ingester Ingester, opts engine.Options) *OmiseWebhookHandler {
	return &OmiseWebhookHandler{client: client, ingester: ingester, opts: opts}
}

// HandleWebhook accepts either an Event payload (object:"event") or a Charge
// payload (object:"charge"). Return 5xx on transient failure so Omise
// retries; 200 when processed or intentionally ignored. Duplicate deliveries
// resolve idempotently inside the engine.
func (h *OmiseWebhookHandler) HandleWebhook(c *fiber.Ctx) error {
	var envelope struct {
		Object string `json:"object"`
		ID     string `json:"id"`
	}
	if err := json.Unmarshal(c.Body(), &envelope); err != nil || envelope.ID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload: missing object or id"})
	}

	var chargeID string

	switch envelope.Object {
	case "event":
		ev := &omise.Event{}
		if err := h.client.Do(ev, &operations.RetrieveEvent{EventID: envelope.ID}); err != nil {
			log.Printf("omise webhook: verify event failed id=%s err=%v", envelope.ID, err)
			return c.SendStatus(fiber.StatusInternalServerError)
		}

		var embedded struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		}
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			log.Printf("omise webhook: marshal ev.Data failed id=%s err=%v", envelope.ID, err)
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		if err := json.Unmarshal(raw, &embedded); err != nil || embedded.Object != "charge" || embedded.ID == "" {
			// Not a charge-related event.
			return c.SendStatus(fiber.StatusOK)
		}
		chargeID = embedded.ID

	case "charge":
		chargeID = envelope.ID

	default:
		return c.SendStatus(fiber.StatusOK)
	}

	ch := &omise.Charge{}
	if err := h.client.Do(ch, &operations.RetrieveCharge{ChargeID: chargeID}); err != nil {
		log.Printf("omise webhook: retrieve charge failed charge=%s err=%v", chargeID, err)
		return c.SendStatus(fiber.StatusInternalServerError)
	}

	req := chargeToIngestRequest(ch)
	actor := engine.ActorContext{
		Actor:        "system:omise",
		ActorLabel:   "Omise webhook",
		ActionPrefix: "API",
		IPAddress:    c.IP(),
		UserAgent:    c.Get("User-Agent"),
	}
	result, err := h.ingester.Ingest(c.Context(), req, h.opts, actor)
	if err != nil {
		log.Printf("omise webhook: ingest failed charge=%s err=%v", ch.ID, err)
		return c.SendStatus(fiber.StatusInternalServerError)
	}

	log.Printf("omise webhook: processed charge=%s status=%s duplicate=%t", ch.ID, ch.Status, result.Duplicate)
	return c.SendStatus(fiber.StatusOK)
}

func chargeToIngestRequest(ch *omise.Charge) engine.IngestRequest {
	channel := "card"
	if ch.Source != nil && ch.Source.Type != "" {
		channel = ch.Source.Type
	}

	meta := map[string]interface{}{
		"charge_status": string(ch.Status),
		"channel":       channel,
	}
	for k, v := range ch.Metadata {
		meta[k] = v
	}

	req := engine.IngestRequest{
		Provider:   "omise",
		ExternalID: ch.ID,
		// Omise reports subunits (satang); two decimal places.
		Amount:   decimal.New(ch.Amount, -2),
		Currency: ch.Currency,
		Meta:     meta,
	}
	if ch.Status != "successful" {
		req.Status = "INVALID"
	}
	return req
}
