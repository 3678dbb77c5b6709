// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
)

// handleAdminQueue exposes the live queue for inspection.
func (s *Server) handleAdminQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.backend.Snapshot(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	global, err := s.backend.GlobalCounters(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":      entries,
		"queued":       global.Queued,
		"running":      global.Running,
		"high_running": global.HighRunning,
	})
}

type quotaOverrideRequest struct {
	MaxUploadBytes          *int64 `json:"max_upload_bytes,omitempty"`
	MaxStorageBytes         *int64 `json:"max_storage_bytes,omitempty"`
	JobsPerDay              *int   `json:"jobs_per_day,omitempty"`
	MaxConcurrentJobs       *int   `json:"max_concurrent_jobs,omitempty"`
	MaxQueuedJobs           *int   `json:"max_queued_jobs,omitempty"`
	MaxProcessingMinutesDay *int   `json:"max_processing_minutes_per_day,omitempty"`
}

// handleAdminQuotas sets per-user quota overrides. Omitted fields keep the
// role defaults; the override takes effect on the next policy evaluation.
func (s *Server) handleAdminQuotas(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if _, err := s.users.GetUser(r.Context(), userID); err != nil {
		writeErr(w, r, errdef.NotFound("user not found"))
		return
	}

	var req quotaOverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	for _, v := range []*int64{req.MaxUploadBytes, req.MaxStorageBytes} {
		if v != nil && *v < 0 {
			writeErr(w, r, errdef.Validation("bad_quota", "quota values must be non-negative"))
			return
		}
	}
	for _, v := range []*int{req.JobsPerDay, req.MaxConcurrentJobs, req.MaxQueuedJobs, req.MaxProcessingMinutesDay} {
		if v != nil && *v < 0 {
			writeErr(w, r, errdef.Validation("bad_quota", "quota values must be non-negative"))
			return
		}
	}

	override := &model.QuotaOverride{
		UserID:                  userID,
		MaxUploadBytes:          req.MaxUploadBytes,
		MaxStorageBytes:         req.MaxStorageBytes,
		JobsPerDay:              req.JobsPerDay,
		MaxConcurrentJobs:       req.MaxConcurrentJobs,
		MaxQueuedJobs:           req.MaxQueuedJobs,
		MaxProcessingMinutesDay: req.MaxProcessingMinutesDay,
	}
	if err := s.store.PutQuotaOverride(r.Context(), override); err != nil {
		writeErr(w, r, err)
		return
	}
	if s.audit != nil {
		s.audit.QuotaOverride(identityFrom(r.Context()).User.ID, userID)
	}

	eff, err := s.quota.Effective(r.Context(), userID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "effective": eff})
}

// handleLibraryRepair rebuilds the manifest registry from the output tree.
func (s *Server) handleLibraryRepair(w http.ResponseWriter, r *http.Request) {
	n, err := s.manifests.Rebuild()
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "rebuilt", "manifests": n})
}
