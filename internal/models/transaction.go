package models

import (
	"time"
)

// Transaction statuses. A purchase starts PENDING and moves to exactly one
// terminal status; terminal rows are never updated again.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// Transaction represents one token purchase attempt. Rows are append-only:
// only status, failure_reason and updated_at change after insert.
type Transaction struct {
	ID              int       `json:"id" db:"id"`
	TransactionUID  string    `json:"transaction_uid" db:"transaction_uid"`
	UserID          int       `json:"user_id" db:"user_id"`
	TokensPurchased int       `json:"tokens_purchased" db:"tokens_purchased"`
	AmountUGX       int64     `json:"amount_ugx" db:"amount_ugx"`
	Msisdn          string    `json:"msisdn,omitempty" db:"msisdn"`
	Status          string    `json:"status" db:"status"`
	FailureReason   string    `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the transaction can no longer change state.
func (t *Transaction) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusCancelled
}

// TokenBalance is the per-user spendable token count. It is only mutated
// inside the same database transaction that completes a purchase, or by a
// token debit.
type TokenBalance struct {
	UserID    int       `json:"user_id" db:"user_id"`
	Balance   int       `json:"balance" db:"balance"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
