// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
)

const jobColumns = `job_id, owner_id, video_path, duration_s, mode, device, src_lang, tgt_lang,
	series_title, series_slug, season_number, episode_number, visibility,
	state, progress, message, error, priority, archived,
	output_mkv, output_srt, work_dir, log_path, runtime_json,
	created_at_ms, updated_at_ms`

// PutJob inserts or overwrites a job by id.
func (s *Store) PutJob(ctx context.Context, job *model.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	runtimeJSON, err := job.RuntimeJSON()
	if err != nil {
		return errdef.PersistFailed(err)
	}

	query := `
	INSERT INTO jobs (` + jobColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(job_id) DO UPDATE SET
		owner_id = excluded.owner_id,
		video_path = excluded.video_path,
		duration_s = excluded.duration_s,
		mode = excluded.mode,
		device = excluded.device,
		src_lang = excluded.src_lang,
		tgt_lang = excluded.tgt_lang,
		series_title = excluded.series_title,
		series_slug = excluded.series_slug,
		season_number = excluded.season_number,
		episode_number = excluded.episode_number,
		visibility = excluded.visibility,
		state = excluded.state,
		progress = excluded.progress,
		message = excluded.message,
		error = excluded.error,
		priority = excluded.priority,
		archived = excluded.archived,
		output_mkv = excluded.output_mkv,
		output_srt = excluded.output_srt,
		work_dir = excluded.work_dir,
		log_path = excluded.log_path,
		runtime_json = excluded.runtime_json,
		updated_at_ms = excluded.updated_at_ms
	`

	_, err = s.DB.ExecContext(ctx, query,
		job.ID, job.OwnerID, job.VideoPath, job.DurationS, job.Mode, job.Device, job.SrcLang, job.TgtLang,
		job.SeriesTitle, job.SeriesSlug, job.SeasonNumber, job.EpisodeNumber, job.Visibility,
		job.State, job.Progress, job.Message, job.Error, job.Priority, boolInt(job.Archived),
		job.OutputMKV, job.OutputSRT, job.WorkDir, job.LogPath, runtimeJSON,
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return errdef.PersistFailed(err)
	}
	return nil
}

// GetJob returns the job with the given id, or NOT_FOUND.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE job_id = ?", id)
	job, err := scanJob(row)
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	if job == nil {
		return nil, errdef.NotFound("job not found")
	}
	return job, nil
}

// UpdateJob applies an atomic partial update inside a transaction. State
// transitions are validated against the closed transition set; updated_at
// advances strictly. Returns the new job state.
func (s *Store) UpdateJob(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := scanJob(tx.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE job_id = ?", id))
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	if job == nil {
		return nil, errdef.NotFound("job not found")
	}

	prev := job.State
	if patch.State != nil && *patch.State != job.State {
		if !model.CanTransition(job.State, *patch.State) {
			return nil, errdef.IllegalTransition(string(job.State), string(*patch.State))
		}
		if model.AdminOnlyTransition(job.State, *patch.State) && !patch.Privileged {
			return nil, errdef.Forbidden("re-queue requires the admin role")
		}
		// Re-queues reset progress and clear the error.
		if *patch.State == model.StateQueued {
			zero := 0.0
			empty := ""
			patch.Progress = &zero
			patch.Error = &empty
		}
		job.State = *patch.State
	}
	if patch.Progress != nil {
		p := *patch.Progress
		// Progress never moves backwards within one RUNNING span.
		if prev == model.StateRunning && job.State == model.StateRunning && p < job.Progress {
			p = job.Progress
		}
		job.Progress = p
	}
	if patch.Message != nil {
		job.Message = *patch.Message
	}
	if patch.Error != nil {
		job.Error = *patch.Error
	}
	if patch.Priority != nil {
		job.Priority = *patch.Priority
	}
	if patch.Mode != nil {
		job.Mode = *patch.Mode
	}
	if patch.Device != nil {
		job.Device = *patch.Device
	}
	if patch.Visibility != nil {
		job.Visibility = *patch.Visibility
	}
	if patch.Archived != nil {
		job.Archived = *patch.Archived
	}
	if patch.DurationS != nil {
		job.DurationS = *patch.DurationS
	}
	if patch.OutputMKV != nil {
		job.OutputMKV = *patch.OutputMKV
	}
	if patch.OutputSRT != nil {
		job.OutputSRT = *patch.OutputSRT
	}
	if patch.WorkDir != nil {
		job.WorkDir = *patch.WorkDir
	}
	if patch.LogPath != nil {
		job.LogPath = *patch.LogPath
	}
	if len(patch.Runtime) > 0 {
		if job.Runtime == nil {
			job.Runtime = map[string]any{}
		}
		for k, v := range patch.Runtime {
			job.Runtime[k] = v
		}
	}

	job.UpdatedAt = s.nextUpdatedAt(job.UpdatedAt)

	runtimeJSON, err := job.RuntimeJSON()
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET
			duration_s = ?, mode = ?, device = ?, visibility = ?,
			state = ?, progress = ?, message = ?, error = ?, priority = ?, archived = ?,
			output_mkv = ?, output_srt = ?, work_dir = ?, log_path = ?, runtime_json = ?,
			updated_at_ms = ?
		WHERE job_id = ?`,
		job.DurationS, job.Mode, job.Device, job.Visibility,
		job.State, job.Progress, job.Message, job.Error, job.Priority, boolInt(job.Archived),
		job.OutputMKV, job.OutputSRT, job.WorkDir, job.LogPath, runtimeJSON,
		job.UpdatedAt.UnixMilli(), job.ID,
	)
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errdef.PersistFailed(err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, ordered and paginated.
func (s *Store) ListJobs(ctx context.Context, filter model.JobFilter, limit, offset int, order model.JobOrder) ([]*model.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE 1=1"
	args := []interface{}{}

	if filter.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, filter.OwnerID)
	}
	if len(filter.States) > 0 {
		query += " AND state IN (" + placeholders(len(filter.States)) + ")"
		for _, st := range filter.States {
			args = append(args, st)
		}
	}
	if filter.SeriesSlug != "" {
		query += " AND series_slug = ?"
		args = append(args, filter.SeriesSlug)
	}
	if filter.Visibility != "" {
		query += " AND visibility = ?"
		args = append(args, filter.Visibility)
	}
	if filter.Archived != nil {
		query += " AND archived = ?"
		args = append(args, boolInt(*filter.Archived))
	}
	if filter.Tag != "" {
		// Tags live in the runtime map; match the JSON text form.
		query += ` AND runtime_json LIKE ?`
		args = append(args, `%"`+filter.Tag+`"%`)
	}

	switch order {
	case model.OrderCreatedAsc:
		query += " ORDER BY created_at_ms ASC, job_id ASC"
	default:
		query += " ORDER BY updated_at_ms DESC, job_id ASC"
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	defer func() { _ = rows.Close() }()

	var results []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errdef.PersistFailed(err)
		}
		results = append(results, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errdef.PersistFailed(err)
	}
	return results, nil
}

// DeleteJob removes a terminal job and releases its accounted storage bytes.
// Refuses for QUEUED or RUNNING jobs.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return errdef.PersistFailed(err)
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	err = tx.QueryRowContext(ctx, "SELECT state FROM jobs WHERE job_id = ?", id).Scan(&state)
	if err != nil {
		if isNoRows(err) {
			return errdef.NotFound("job not found")
		}
		return errdef.PersistFailed(err)
	}
	if !model.State(state).Terminal() {
		return errdef.Conflict("job is " + state + ", delete requires a terminal state")
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM job_storage WHERE job_id = ?", id); err != nil {
		return errdef.PersistFailed(err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE job_id = ?", id); err != nil {
		return errdef.PersistFailed(err)
	}
	if err := tx.Commit(); err != nil {
		return errdef.PersistFailed(err)
	}
	return nil
}

// UserCounters reports running and queued job counts plus jobs created today
// for one user. The local queue backend treats these as authoritative.
func (s *Store) UserCounters(ctx context.Context, userID string) (running, queued, today int, err error) {
	dayStart := s.dayStart().UnixMilli()
	err = s.DB.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN state = 'RUNNING' THEN 1 END),
			COUNT(CASE WHEN state = 'QUEUED' THEN 1 END),
			COUNT(CASE WHEN created_at_ms >= ? THEN 1 END)
		FROM jobs WHERE owner_id = ?`, dayStart, userID).
		Scan(&running, &queued, &today)
	if err != nil {
		return 0, 0, 0, errdef.PersistFailed(err)
	}
	return running, queued, today, nil
}

// GlobalCounters reports cross-user counters used for dispatch decisions.
func (s *Store) GlobalCounters(ctx context.Context) (highRunning, running, queued int, err error) {
	err = s.DB.QueryRow(`
		SELECT
			COUNT(CASE WHEN state = 'RUNNING' AND mode = 'high' THEN 1 END),
			COUNT(CASE WHEN state = 'RUNNING' THEN 1 END),
			COUNT(CASE WHEN state = 'QUEUED' THEN 1 END)
		FROM jobs`).
		Scan(&highRunning, &running, &queued)
	if err != nil {
		return 0, 0, 0, errdef.PersistFailed(err)
	}
	return highRunning, running, queued, nil
}

// ResetInterrupted re-queues jobs left RUNNING by a crashed process. Returns
// the ids that were reset.
func (s *Store) ResetInterrupted(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT job_id FROM jobs WHERE state = 'RUNNING'")
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, errdef.PersistFailed(err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()

	queued := model.StateQueued
	msg := "re-queued after restart"
	for _, id := range ids {
		if _, err := s.UpdateJob(ctx, id, model.JobPatch{Privileged: true, State: &queued, Message: &msg}); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// SetJobStorageBytes records the accounted storage for a job. The per-user
// total is derived from these rows so the two can never disagree.
func (s *Store) SetJobStorageBytes(ctx context.Context, jobID, userID string, bytes int64) error {
	_, err := s.DB.ExecContext(ctx,
		"INSERT OR REPLACE INTO job_storage (job_id, user_id, bytes) VALUES (?, ?, ?)",
		jobID, userID, bytes)
	if err != nil {
		return errdef.PersistFailed(err)
	}
	return nil
}

// UserStorageBytes returns the total accounted storage for a user.
func (s *Store) UserStorageBytes(ctx context.Context, userID string) (int64, error) {
	var total sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		"SELECT SUM(bytes) FROM job_storage WHERE user_id = ?", userID).Scan(&total)
	if err != nil {
		return 0, errdef.PersistFailed(err)
	}
	return total.Int64, nil
}

// AddProcessingSeconds accumulates CPU-time usage for the per-day cap.
func (s *Store) AddProcessingSeconds(ctx context.Context, userID string, seconds int64) error {
	day := s.now().UTC().Format("2006-01-02")
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO processing_usage (user_id, day, seconds) VALUES (?, ?, ?)
		ON CONFLICT(user_id, day) DO UPDATE SET seconds = seconds + excluded.seconds`,
		userID, day, seconds)
	if err != nil {
		return errdef.PersistFailed(err)
	}
	return nil
}

// ProcessingSecondsToday returns today's accumulated processing time.
func (s *Store) ProcessingSecondsToday(ctx context.Context, userID string) (int64, error) {
	day := s.now().UTC().Format("2006-01-02")
	var seconds sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		"SELECT seconds FROM processing_usage WHERE user_id = ? AND day = ?", userID, day).Scan(&seconds)
	if err != nil && !isNoRows(err) {
		return 0, errdef.PersistFailed(err)
	}
	return seconds.Int64, nil
}

func (s *Store) dayStart() time.Time {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func scanJob(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Job, error) {
	var job model.Job
	var runtimeJSON string
	var archived int
	var createdAt, updatedAt int64

	err := scanner.Scan(
		&job.ID, &job.OwnerID, &job.VideoPath, &job.DurationS, &job.Mode, &job.Device, &job.SrcLang, &job.TgtLang,
		&job.SeriesTitle, &job.SeriesSlug, &job.SeasonNumber, &job.EpisodeNumber, &job.Visibility,
		&job.State, &job.Progress, &job.Message, &job.Error, &job.Priority, &archived,
		&job.OutputMKV, &job.OutputSRT, &job.WorkDir, &job.LogPath, &runtimeJSON,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}

	job.Archived = archived != 0
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	_ = json.Unmarshal([]byte(runtimeJSON), &job.Runtime)
	return &job, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
