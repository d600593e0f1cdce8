package services

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sentepay/backend/internal/audit"
	"github.com/spf13/viper"
)

// WebhookPayload is the provider push notification body.
// @Description Collections webhook payload
type WebhookPayload struct {
	TransactionUID string `json:"transaction_uid" validate:"required" example:"9f3b0c1a-7a36-4a1e-9f0e-2e3c8d14c5b2"`
	Status         string `json:"status" validate:"required" example:"SUCCESSFUL"`
	AmountUGX      int64  `json:"amount_ugx,omitempty" example:"25000"`
	Msisdn         string `json:"msisdn,omitempty" example:"+256772123456"`
	ProviderRef    string `json:"provider_ref,omitempty"`
}

// WebhookService ingests asynchronous provider notifications. Every raw
// event is stored before it is applied; an event stays processed = false
// until its status has been applied, so the reconciliation cycle can
// replay deliveries interrupted by storage errors.
type WebhookService struct {
	db        *sql.DB
	tokens    *TokenService
	audit     *audit.AuditLogger
	validator *ValidationHelper
}

func NewWebhookService(db *sql.DB, tokens *TokenService) *WebhookService {
	return &WebhookService{
		db:        db,
		tokens:    tokens,
		audit:     audit.NewAuditLogger(),
		validator: NewValidationHelper(),
	}
}

// ProcessWebhook stores one raw delivery and applies the status it
// carries. Duplicate deliveries are harmless: the apply step funnels
// through the idempotent transition in TokenService.
func (ws *WebhookService) ProcessWebhook(ctx context.Context, raw []byte) error {
	var payload WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ErrMalformedPayload
	}
	if err := ws.validator.ValidateStruct(&payload); err != nil {
		return ErrMalformedPayload
	}

	var eventID int
	err := ws.db.QueryRowContext(ctx, `
        INSERT INTO payment_webhook_events (transaction_uid, external_status, payload, processed, created_at)
        VALUES ($1, $2, $3, false, NOW())
        RETURNING id
    `, payload.TransactionUID, payload.Status, string(raw)).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to store webhook event: %w", err)
	}

	if err := ws.applyStatus(ctx, payload.TransactionUID, payload.Status); err != nil {
		// Leave the event unprocessed; the reconciliation cycle retries it.
		log.Printf("[WEBHOOK] Apply failed for event %d (%s), left unprocessed: %v", eventID, payload.TransactionUID, err)
		return err
	}

	if err := ws.markProcessed(ctx, eventID); err != nil {
		return err
	}

	return nil
}

// ReplayUnprocessed re-applies stored events whose first delivery failed
// before being marked processed. Returns the number of events replayed.
func (ws *WebhookService) ReplayUnprocessed(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := ws.db.QueryContext(ctx, `
        SELECT id, transaction_uid, external_status
        FROM payment_webhook_events
        WHERE processed = false AND created_at < NOW() - $1::interval
        ORDER BY id
        LIMIT 100
    `, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to load unprocessed events: %w", err)
	}
	defer rows.Close()

	type event struct {
		id             int
		transactionUID string
		externalStatus string
	}
	var events []event
	for rows.Next() {
		var e event
		if err := rows.Scan(&e.id, &e.transactionUID, &e.externalStatus); err != nil {
			return 0, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	replayed := 0
	for _, e := range events {
		if err := ws.applyStatus(ctx, e.transactionUID, e.externalStatus); err != nil {
			log.Printf("[WEBHOOK] Replay of event %d failed, will retry next cycle: %v", e.id, err)
			continue
		}
		if err := ws.markProcessed(ctx, e.id); err != nil {
			log.Printf("[WEBHOOK] Failed to mark event %d processed: %v", e.id, err)
			continue
		}
		replayed++
	}

	if replayed > 0 {
		log.Printf("[WEBHOOK] Replayed %d unprocessed events", replayed)
	}
	return replayed, nil
}

// applyStatus maps the provider status onto a transition. Non-terminal
// statuses carry no decision and apply cleanly as a no-op. An unknown
// transaction UID is also treated as applied: storing the event is all we
// can do with it.
func (ws *WebhookService) applyStatus(ctx context.Context, transactionUID, externalStatus string) error {
	switch {
	case isSuccessStatus(externalStatus):
		credited, err := ws.tokens.CompletePurchase(ctx, transactionUID)
		if err == ErrNotFound {
			ws.audit.LogWebhook(transactionUID, externalStatus, "UNKNOWN_TRANSACTION")
			return nil
		}
		if err != nil {
			return err
		}
		if credited {
			ws.audit.LogWebhook(transactionUID, externalStatus, "CREDITED")
		} else {
			ws.audit.LogWebhook(transactionUID, externalStatus, "ALREADY_RESOLVED")
		}
	case isFailureStatus(externalStatus):
		_, err := ws.tokens.FailPurchase(ctx, transactionUID, "provider reported "+externalStatus)
		if err == ErrNotFound {
			ws.audit.LogWebhook(transactionUID, externalStatus, "UNKNOWN_TRANSACTION")
			return nil
		}
		if err != nil {
			return err
		}
		ws.audit.LogWebhook(transactionUID, externalStatus, "FAILED")
	default:
		log.Printf("[WEBHOOK] Non-terminal status %q for %s, nothing to apply", externalStatus, transactionUID)
	}
	return nil
}

func (ws *WebhookService) markProcessed(ctx context.Context, eventID int) error {
	_, err := ws.db.ExecContext(ctx, `
        UPDATE payment_webhook_events SET processed = true WHERE id = $1
    `, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// HandleWebhook ingests a Collections provider notification
// @Summary Receive a payment webhook
// @Description Ingest an asynchronous payment status notification; deliveries are at-least-once and may duplicate
// @Tags webhooks
// @Accept json
// @Produce json
// @Param payload body WebhookPayload true "Provider payload"
// @Success 200 {object} object{received=bool}
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /webhooks/collections [post]
func (ws *WebhookService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	secret := viper.GetString("collections.webhook_secret")
	if secret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			log.Printf("[WEBHOOK] Rejected delivery with bad secret from %s", r.RemoteAddr)
			SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
			return
		}
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := ws.ProcessWebhook(r.Context(), raw); err != nil {
		if err == ErrMalformedPayload {
			log.Printf("[WEBHOOK] Malformed payload from %s", r.RemoteAddr)
			SendErrorResponse(w, "Malformed payload", http.StatusBadRequest, nil)
			return
		}
		// Signal the provider to redeliver; the stored event also remains
		// eligible for replay by the reconciliation cycle.
		log.Printf("[WEBHOOK] Processing failed: %v", err)
		SendErrorResponse(w, "Failed to process webhook", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"received": true})
}
