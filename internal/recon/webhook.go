package recon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/courier-sync/internal/common"
	"github.com/noah-isme/courier-sync/internal/courier"
	"github.com/noah-isme/courier-sync/internal/deadletter"
	"github.com/noah-isme/courier-sync/internal/obs"
	"github.com/noah-isme/courier-sync/internal/store"
)

type replayStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

type deadLetterSink interface {
	Insert(ctx context.Context, entry deadletter.Entry) (uuid.UUID, error)
}

// WebhookPayload is the provider's push notification body.
type WebhookPayload struct {
	Event           string          `json:"event"`
	MerchantOrderID string          `json:"merchant_order_id"`
	ConsignmentID   string          `json:"consignment_id"`
	Timestamp       string          `json:"timestamp"`
	StoreID         string          `json:"store_id"`
	DeliveryFee     json.RawMessage `json:"delivery_fee"`
}

// Webhook is the push entry point for provider status notifications. It
// acknowledges 200 for every parseable payload — the provider retries
// anything else indefinitely — and diverts what it cannot reconcile into the
// dead-letter sink instead of failing.
type Webhook struct {
	Svc         *Service
	Replay      replayStore
	ReplayTTL   time.Duration
	DeadLetters deadLetterSink
	Logger      zerolog.Logger
}

// Handle processes one inbound courier webhook call.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil || h.Svc.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "reconciler not configured", nil)
		return
	}
	ctx, span := otel.Tracer("recon.Webhook").Start(r.Context(), "CourierWebhook.Handle")
	defer span.End()

	outcome := "error"
	defer func() {
		if obs.CourierWebhookTotal != nil {
			obs.CourierWebhookTotal.WithLabelValues(outcome).Inc()
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		span.RecordError(err)
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unable to read payload", nil)
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		span.RecordError(err)
		outcome = "malformed"
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON payload", nil)
		return
	}
	span.SetAttributes(
		attribute.String("courier.webhook.event", payload.Event),
		attribute.String("courier.webhook.consignment_id", payload.ConsignmentID),
	)

	if h.Replay != nil {
		key := "crwh:" + common.Sha256Hex(string(body))
		fresh, err := h.Replay.SetNX(ctx, key, "1", h.replayTTL()).Result()
		if err != nil {
			// Replay protection degraded: the ledger dedup below still
			// absorbs exact duplicates, so keep processing.
			span.RecordError(err)
			h.Logger.Error().Err(err).Msg("webhook replay guard unavailable")
		} else if !fresh {
			span.AddEvent("duplicate webhook delivery absorbed")
			outcome = "replay"
			acknowledge(w)
			return
		}
	}

	order, err := h.Svc.ResolveOrder(ctx, payload.MerchantOrderID, payload.ConsignmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			outcome = "unresolved"
			h.divert(ctx, body, "order not found", payload)
			acknowledge(w)
			return
		}
		span.RecordError(err)
		outcome = "error"
		h.divert(ctx, body, "order lookup failed: "+err.Error(), payload)
		acknowledge(w)
		return
	}

	observation := Observation{
		TrackingID: payload.ConsignmentID,
		Status:     courier.TranslateEvent(payload.Event),
		RawEvent:   payload.Event,
		Details:    payload.Event,
		ObservedAt: parseEventTime(payload.Timestamp),
	}
	if _, err := h.Svc.Record(ctx, order.ID, observation); err != nil {
		span.RecordError(err)
		outcome = "error"
		h.divert(ctx, body, "apply failed: "+err.Error(), payload)
		acknowledge(w)
		return
	}

	outcome = "success"
	acknowledge(w)
}

// divert records an event the pipeline could not land so an operator can
// reconcile it manually. Insert failures are logged with the full payload —
// the event must remain reviewable somewhere.
func (h Webhook) divert(ctx context.Context, body []byte, reason string, payload WebhookPayload) {
	logEvent := h.Logger.Warn().
		Str("reason", reason).
		Str("event", payload.Event).
		Str("merchant_order_id", payload.MerchantOrderID).
		Str("consignment_id", payload.ConsignmentID).
		RawJSON("payload", body)
	if h.DeadLetters == nil {
		logEvent.Msg("unreconciled webhook dropped: dead-letter sink not configured")
		return
	}
	id, err := h.DeadLetters.Insert(ctx, deadletter.Entry{
		Source:  "webhook",
		Reason:  reason,
		Payload: body,
	})
	if err != nil {
		logEvent.AnErr("dead_letter_error", err).Msg("unreconciled webhook could not be stored")
		return
	}
	logEvent.Str("dead_letter_id", id.String()).Msg("webhook diverted to dead letter")
}

func (h Webhook) replayTTL() time.Duration {
	if h.ReplayTTL <= 0 {
		return 24 * time.Hour
	}
	return h.ReplayTTL
}

func acknowledge(w http.ResponseWriter) {
	common.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseEventTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed
		}
	}
	return time.Time{}
}
