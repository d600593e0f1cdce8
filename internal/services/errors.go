package services

import "errors"

// Purchase operation errors. Storage failures are wrapped with %w so
// callers can retry; these sentinels cover everything rejected before or
// without a state change.
var (
	ErrInvalidAmount    = errors.New("tokens and amount must be positive")
	ErrNotFound         = errors.New("transaction not found")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)
