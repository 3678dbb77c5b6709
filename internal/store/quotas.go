// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
)

// PutQuotaOverride stores per-user quota overrides. Nil fields keep the
// global default.
func (s *Store) PutQuotaOverride(ctx context.Context, o *model.QuotaOverride) error {
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO quota_overrides (
		user_id, max_upload_bytes, max_storage_bytes, jobs_per_day,
		max_concurrent_jobs, max_queued_jobs, max_processing_minutes_day
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		max_upload_bytes = excluded.max_upload_bytes,
		max_storage_bytes = excluded.max_storage_bytes,
		jobs_per_day = excluded.jobs_per_day,
		max_concurrent_jobs = excluded.max_concurrent_jobs,
		max_queued_jobs = excluded.max_queued_jobs,
		max_processing_minutes_day = excluded.max_processing_minutes_day`,
		o.UserID,
		nullI64(o.MaxUploadBytes), nullI64(o.MaxStorageBytes), nullInt(o.JobsPerDay),
		nullInt(o.MaxConcurrentJobs), nullInt(o.MaxQueuedJobs), nullInt(o.MaxProcessingMinutesDay),
	)
	if err != nil {
		return errdef.PersistFailed(err)
	}
	return nil
}

// GetQuotaOverride returns the stored override for a user, or nil when the
// user has none.
func (s *Store) GetQuotaOverride(ctx context.Context, userID string) (*model.QuotaOverride, error) {
	var o model.QuotaOverride
	var up, st sql.NullInt64
	var jd, cc, qd, pm sql.NullInt64

	err := s.DB.QueryRowContext(ctx, `
		SELECT user_id, max_upload_bytes, max_storage_bytes, jobs_per_day,
			max_concurrent_jobs, max_queued_jobs, max_processing_minutes_day
		FROM quota_overrides WHERE user_id = ?`, userID).
		Scan(&o.UserID, &up, &st, &jd, &cc, &qd, &pm)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, errdef.PersistFailed(err)
	}

	if up.Valid {
		o.MaxUploadBytes = &up.Int64
	}
	if st.Valid {
		o.MaxStorageBytes = &st.Int64
	}
	if jd.Valid {
		v := int(jd.Int64)
		o.JobsPerDay = &v
	}
	if cc.Valid {
		v := int(cc.Int64)
		o.MaxConcurrentJobs = &v
	}
	if qd.Valid {
		v := int(qd.Int64)
		o.MaxQueuedJobs = &v
	}
	if pm.Valid {
		v := int(pm.Int64)
		o.MaxProcessingMinutesDay = &v
	}
	return &o, nil
}

func nullI64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
