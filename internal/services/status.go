package services

import "strings"

// External Collections statuses that mean the money arrived.
var successStatuses = map[string]bool{
	"SUCCESS":    true,
	"SUCCESSFUL": true,
	"COMPLETED":  true,
}

// External statuses that are terminal without the money arriving.
var failureStatuses = map[string]bool{
	"FAILED":    true,
	"CANCELLED": true,
	"EXPIRED":   true,
}

func isSuccessStatus(s string) bool {
	return successStatuses[strings.ToUpper(strings.TrimSpace(s))]
}

func isFailureStatus(s string) bool {
	return failureStatuses[strings.ToUpper(strings.TrimSpace(s))]
}
