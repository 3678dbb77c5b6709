// SPDX-License-Identifier: MIT

package model

// Quota holds the effective per-user limits after merging overrides onto the
// global defaults. Zero means unlimited only where noted.
type Quota struct {
	MaxUploadBytes          int64 `json:"max_upload_bytes"`
	MaxStorageBytes         int64 `json:"max_storage_bytes"`
	JobsPerDay              int   `json:"jobs_per_day"`
	MaxConcurrentJobs       int   `json:"max_concurrent_jobs"`
	MaxQueuedJobs           int   `json:"max_queued_jobs"`
	MaxProcessingMinutesDay int   `json:"max_processing_minutes_per_day"` // 0 disables
}

// QuotaOverride is the stored per-user row. Nil fields fall back to the
// global default.
type QuotaOverride struct {
	UserID                  string `json:"user_id"`
	MaxUploadBytes          *int64 `json:"max_upload_bytes,omitempty"`
	MaxStorageBytes         *int64 `json:"max_storage_bytes,omitempty"`
	JobsPerDay              *int   `json:"jobs_per_day,omitempty"`
	MaxConcurrentJobs       *int   `json:"max_concurrent_jobs,omitempty"`
	MaxQueuedJobs           *int   `json:"max_queued_jobs,omitempty"`
	MaxProcessingMinutesDay *int   `json:"max_processing_minutes_per_day,omitempty"`
}

// Apply merges the override onto defaults and returns the effective quota.
func (o *QuotaOverride) Apply(defaults Quota) Quota {
	q := defaults
	if o == nil {
		return q
	}
	if o.MaxUploadBytes != nil {
		q.MaxUploadBytes = *o.MaxUploadBytes
	}
	if o.MaxStorageBytes != nil {
		q.MaxStorageBytes = *o.MaxStorageBytes
	}
	if o.JobsPerDay != nil {
		q.JobsPerDay = *o.JobsPerDay
	}
	if o.MaxConcurrentJobs != nil {
		q.MaxConcurrentJobs = *o.MaxConcurrentJobs
	}
	if o.MaxQueuedJobs != nil {
		q.MaxQueuedJobs = *o.MaxQueuedJobs
	}
	if o.MaxProcessingMinutesDay != nil {
		q.MaxProcessingMinutesDay = *o.MaxProcessingMinutesDay
	}
	return q
}
