package registry

import "time"

// Status is the last known processing outcome for an item.
type Status string

// Recognized record statuses.
const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Skip/process decision reasons returned by NeedsProcessing.
const (
	ReasonForced           = "forced"
	ReasonNewItem          = "new_item"
	ReasonInputsChanged    = "inputs_changed"
	ReasonRetryFailed      = "retry_failed"
	ReasonAlreadyProcessed = "already_processed"
)

// maxStoredErrorLen bounds the error text kept in a record.
const maxStoredErrorLen = 500

// Record is the persisted processing history for one item identity.
// LastInputHash always reflects the inputs of the most recent attempt,
// success or failure.
type Record struct {
	// LastInputHash is the canonical hash of the most recent attempt's inputs.
	LastInputHash string `json:"last_input_hash"`

	// Status is the outcome of the most recent attempt.
	Status Status `json:"status"`

	// LastSuccessAt is the time of the most recent successful attempt.
	// A later failure does not clear it.
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`

	// LastFailureAt is the time of the most recent failed attempt.
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`

	// LastRunID identifies the run that produced this record state.
	LastRunID string `json:"last_run_id"`

	// LastError is the truncated error text of the most recent failure.
	LastError string `json:"last_error,omitempty"`

	// Outputs holds output references from the most recent success.
	Outputs map[string]string `json:"outputs,omitempty"`
}

// Stats summarizes registry contents.
type Stats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// truncateError bounds err text to the stored limit.
func truncateError(msg string) string {
	if len(msg) > maxStoredErrorLen {
		return msg[:maxStoredErrorLen]
	}
	return msg
}
