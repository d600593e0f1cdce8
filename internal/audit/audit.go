package audit

import (
	"encoding/json"
	"log"
	"time"
)

// AuditEvent is one structured record of a money- or token-moving action.
type AuditEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	EventType      string    `json:"event_type"`
	TransactionUID string    `json:"transaction_uid"`
	UserID         int       `json:"user_id,omitempty"`
	Tokens         int       `json:"tokens,omitempty"`
	AmountUGX      int64     `json:"amount_ugx,omitempty"`
	Status         string    `json:"status"`
	Details        any       `json:"details,omitempty"`
}

type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

// LogCredit records a successful balance credit.
func (a *AuditLogger) LogCredit(transactionUID string, userID, tokens int, amountUGX int64) {
	a.log(AuditEvent{
		Timestamp:      time.Now(),
		EventType:      "CREDIT",
		TransactionUID: transactionUID,
		UserID:         userID,
		Tokens:         tokens,
		AmountUGX:      amountUGX,
		Status:         "SUCCESS",
	})
}

// LogTransition records a status transition other than a credit.
func (a *AuditLogger) LogTransition(transactionUID, fromStatus, toStatus, reason string) {
	a.log(AuditEvent{
		Timestamp:      time.Now(),
		EventType:      "TRANSITION",
		TransactionUID: transactionUID,
		Status:         toStatus,
		Details: map[string]string{
			"from":   fromStatus,
			"reason": reason,
		},
	})
}

// LogError records a failed purchase operation.
func (a *AuditLogger) LogError(transactionUID string, err error) {
	a.log(AuditEvent{
		Timestamp:      time.Now(),
		EventType:      "ERROR",
		TransactionUID: transactionUID,
		Status:         "FAILED",
		Details:        map[string]string{"error": err.Error()},
	})
}

// LogWebhook records the outcome of one webhook delivery.
func (a *AuditLogger) LogWebhook(transactionUID, externalStatus, outcome string) {
	a.log(AuditEvent{
		Timestamp:      time.Now(),
		EventType:      "WEBHOOK",
		TransactionUID: transactionUID,
		Status:         outcome,
		Details:        map[string]string{"external_status": externalStatus},
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[AUDIT] Failed to marshal audit event: %v", err)
		return
	}
	log.Printf("[AUDIT] %s", string(data))
}
