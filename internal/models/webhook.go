package models

import (
	"time"
)

// PaymentWebhookEvent stores a raw provider notification for audit and
// replay. Events are inserted with processed = false and flipped to true
// only after the status it carries has been applied; a failed apply leaves
// the row unprocessed so the reconciliation cycle can retry it.
type PaymentWebhookEvent struct {
	ID             int       `json:"id" db:"id"`
	TransactionUID string    `json:"transaction_uid" db:"transaction_uid"`
	ExternalStatus string    `json:"external_status" db:"external_status"`
	Payload        string    `json:"payload" db:"payload"`
	Processed      bool      `json:"processed" db:"processed"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
