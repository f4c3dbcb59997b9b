package reconciler

import (
	"time"

	apperrors "multisource-reconciliation-engine/pkg/errors"
)

// RecordError captures a per-record failure. One bad record never aborts the
// rest of the batch; its error is reported here instead.
type RecordError struct {
	RecordID string             `json:"record_id"`
	Category apperrors.Category `json:"category"`
	Message  string             `json:"message"`
}

// Report summarizes one tenant's reconciliation batch.
//
// Ambiguity and oracle declines are normal outcomes, counted separately from
// errors so operators can tell systemic failures (oracle down all run) from
// isolated data issues.
type Report struct {
	Tenant    string        `json:"tenant"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`

	Accepted      int `json:"accepted"`
	PendingReview int `json:"pending_review"`
	Unmatched     int `json:"unmatched"`
	Declined      int `json:"declined"`

	Cancelled bool `json:"cancelled"`

	RecordErrors []RecordError              `json:"record_errors,omitempty"`
	ErrorCounts  map[apperrors.Category]int `json:"error_counts,omitempty"`
}

func newReport(tenant string) *Report {
	return &Report{
		Tenant:      tenant,
		StartedAt:   time.Now().UTC(),
		ErrorCounts: make(map[apperrors.Category]int),
	}
}

func (r *Report) recordError(recordID string, err error) {
	category := apperrors.CategoryOf(err)
	r.RecordErrors = append(r.RecordErrors, RecordError{
		RecordID: recordID,
		Category: category,
		Message:  err.Error(),
	})
	r.ErrorCounts[category]++
}

// HasErrors reports whether any record failed.
func (r *Report) HasErrors() bool {
	return len(r.RecordErrors) > 0
}
