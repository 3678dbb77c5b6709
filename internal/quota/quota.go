// SPDX-License-Identifier: MIT

// Package quota enforces per-user limits at admission, upload progress and
// dispatch time. Every rejection carries a closed-set reason and is audited.
package quota

import (
	"context"
	"time"

	"github.com/tommy2202/dubd/internal/audit"
	"github.com/tommy2202/dubd/internal/config"
	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
	"github.com/tommy2202/dubd/internal/store"
)

// Enforcer applies effective quotas (global defaults merged with per-user
// overrides) against store-backed usage.
type Enforcer struct {
	Store    *store.Store
	Audit    *audit.Logger
	Defaults model.Quota
}

// DefaultsFromConfig builds the global default quota from configuration.
func DefaultsFromConfig(cfg *config.Config) model.Quota {
	return model.Quota{
		MaxUploadBytes:          cfg.MaxUploadBytes,
		MaxStorageBytes:         cfg.MaxStorageBytesPerUser,
		JobsPerDay:              cfg.JobsPerDayPerUser,
		MaxConcurrentJobs:       cfg.MaxConcurrentJobsPerUser,
		MaxQueuedJobs:           cfg.MaxQueuedJobsPerUser,
		MaxProcessingMinutesDay: cfg.MaxProcessingMinutesPerDay,
	}
}

// New constructs an enforcer.
func New(s *store.Store, auditLog *audit.Logger, defaults model.Quota) *Enforcer {
	return &Enforcer{Store: s, Audit: auditLog, Defaults: defaults}
}

// Effective returns the merged quota for a user.
func (e *Enforcer) Effective(ctx context.Context, userID string) (model.Quota, error) {
	override, err := e.Store.GetQuotaOverride(ctx, userID)
	if err != nil {
		return model.Quota{}, err
	}
	return override.Apply(e.Defaults), nil
}

// RequireUploadBytes admits a new upload of totalBytes or rejects with
// file_too_large (413-class) or storage_quota (429-class).
func (e *Enforcer) RequireUploadBytes(ctx context.Context, userID string, totalBytes int64, action string) error {
	q, err := e.Effective(ctx, userID)
	if err != nil {
		return err
	}
	if totalBytes > q.MaxUploadBytes {
		e.reject(userID, action, errdef.ReasonFileTooLarge)
		return errdef.Validation(errdef.ReasonFileTooLarge, "file exceeds the upload size limit")
	}
	used, err := e.Store.UserStorageBytes(ctx, userID)
	if err != nil {
		return err
	}
	if used+totalBytes > q.MaxStorageBytes {
		e.reject(userID, action, errdef.ReasonStorageQuota)
		return errdef.Quota(errdef.ReasonStorageQuota, "storage quota exceeded", time.Hour)
	}
	return nil
}

// RequireUploadProgress re-checks per chunk that the written total still
// fits the storage cap. A failing session is marked dead by the caller.
func (e *Enforcer) RequireUploadProgress(ctx context.Context, userID string, writtenBytes int64, action string) error {
	q, err := e.Effective(ctx, userID)
	if err != nil {
		return err
	}
	used, err := e.Store.UserStorageBytes(ctx, userID)
	if err != nil {
		return err
	}
	if used+writtenBytes > q.MaxStorageBytes {
		e.reject(userID, action, errdef.ReasonStorageQuota)
		return errdef.Quota(errdef.ReasonStorageQuota, "storage quota exceeded mid-upload", time.Hour)
	}
	return nil
}

// RequireConcurrentJobs is the cheap pre-check before dispatch. Admins are
// exempt.
func (e *Enforcer) RequireConcurrentJobs(ctx context.Context, userID string, role model.Role, running int, action string) error {
	if role == model.RoleAdmin {
		return nil
	}
	q, err := e.Effective(ctx, userID)
	if err != nil {
		return err
	}
	if q.MaxConcurrentJobs > 0 && running >= q.MaxConcurrentJobs {
		e.reject(userID, action, errdef.ReasonUserRunningCap)
		return errdef.Quota(errdef.ReasonUserRunningCap, "concurrent job limit reached", 5*time.Second)
	}
	return nil
}

// RequireProcessingMinutes enforces the optional per-day CPU-minute cap.
func (e *Enforcer) RequireProcessingMinutes(ctx context.Context, userID string, role model.Role, durationS float64, action string) error {
	if role == model.RoleAdmin {
		return nil
	}
	q, err := e.Effective(ctx, userID)
	if err != nil {
		return err
	}
	if q.MaxProcessingMinutesDay <= 0 {
		return nil
	}
	usedSeconds, err := e.Store.ProcessingSecondsToday(ctx, userID)
	if err != nil {
		return err
	}
	if usedSeconds+int64(durationS) > int64(q.MaxProcessingMinutesDay)*60 {
		e.reject(userID, action, errdef.ReasonProcessingMinutesCap)
		return errdef.Quota(errdef.ReasonProcessingMinutesCap, "daily processing minutes exhausted", 6*time.Hour)
	}
	return nil
}

func (e *Enforcer) reject(userID, action, reason string) {
	if e.Audit != nil {
		e.Audit.QuotaReject(userID, action, reason, nil)
	}
}
