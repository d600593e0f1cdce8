package models

// ReconciliationReport summarises one reconciliation cycle. Errors holds
// per-transaction failures; they never abort the cycle that collected them.
type ReconciliationReport struct {
	Checked      int      `json:"checked"`
	Credited     int      `json:"credited"`
	StillPending int      `json:"still_pending"`
	Failed       int      `json:"failed"`
	Replayed     int      `json:"replayed"`
	Errors       []string `json:"errors,omitempty"`
}
