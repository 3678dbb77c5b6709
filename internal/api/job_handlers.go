// SPDX-License-Identifier: MIT

package api

import (
	"bufio"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/tommy2202/dubd/internal/audit"
	"github.com/tommy2202/dubd/internal/checkpoint"
	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
	"github.com/tommy2202/dubd/internal/policy"
	"github.com/tommy2202/dubd/internal/queue"
)

// backpressureRng feeds the jittered defer delay. Guarded because handlers
// run concurrently.
var (
	bpMu  sync.Mutex
	bpRng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

type jobSubmitRequest struct {
	PresetID      string  `json:"preset_id,omitempty"`
	UploadID      string  `json:"upload_id,omitempty"`
	VideoPath     string  `json:"video_path,omitempty"`
	DurationS     float64 `json:"duration_s,omitempty"`
	Mode          string  `json:"mode,omitempty"`
	Device        string  `json:"device,omitempty"`
	SrcLang       string  `json:"src_lang,omitempty"`
	TgtLang       string  `json:"tgt_lang"`
	SeriesTitle   string  `json:"series_title"`
	SeasonNumber  int     `json:"season_number"`
	EpisodeNumber int     `json:"episode_number"`
	Visibility    string  `json:"visibility,omitempty"`
	Priority      int     `json:"priority,omitempty"`
}

// handleJobSubmit admits one dubbing job: validation, policy evaluation,
// quota reservation, backpressure, then persist-and-enqueue. The daily-cap
// reservation is released on any failure after it is taken.
func (s *Server) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	ctx := r.Context()

	var req jobSubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.PresetID != "" {
		if err := s.applyPreset(r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
	}

	mode := model.Mode(strings.ToLower(req.Mode))
	if req.Mode == "" {
		mode = model.ModeMedium
	}
	if !mode.Valid() {
		writeErr(w, r, errdef.Validation("bad_mode", "mode must be low, medium or high"))
		return
	}
	device := model.Device(strings.ToLower(req.Device))
	if req.Device == "" {
		device = model.DeviceAuto
	}
	if !device.Valid() {
		writeErr(w, r, errdef.Validation("bad_device", "device must be auto, cuda or cpu"))
		return
	}
	visibility := model.Visibility(strings.ToLower(req.Visibility))
	if req.Visibility == "" {
		visibility = model.VisibilityPrivate
	}
	if !visibility.Valid() {
		writeErr(w, r, errdef.Validation("bad_visibility", "visibility must be private, public or shared"))
		return
	}
	if req.TgtLang == "" {
		writeErr(w, r, errdef.Validation("missing_tgt_lang", "tgt_lang is required"))
		return
	}
	if req.SeriesTitle == "" {
		writeErr(w, r, errdef.Validation("missing_series_title", "series_title is required"))
		return
	}

	videoPath, err := s.resolveVideoPath(r, &req)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	priority := 0
	if id.IsAdmin() {
		priority = req.Priority
	}

	eff, err := s.quota.Effective(ctx, id.User.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	counters, err := s.backend.Counters(ctx, id.User.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	jobID := ulid.Make().String()
	res, err := s.policy.EvaluateSubmission(id.User.Role, mode, device,
		policy.Counts{Running: counters.Running, Queued: counters.Queued, Today: counters.Today},
		eff, id.User.ID, jobID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.quota.RequireProcessingMinutes(ctx, id.User.ID, id.User.Role, req.DurationS, "job_submit"); err != nil {
		writeErr(w, r, err)
		return
	}

	reservation, err := s.backend.ReserveSubmit(ctx, id.User.ID, 1)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	job := &model.Job{
		ID:            jobID,
		OwnerID:       id.User.ID,
		VideoPath:     videoPath,
		DurationS:     req.DurationS,
		Mode:          res.Mode,
		Device:        res.Device,
		SrcLang:       req.SrcLang,
		TgtLang:       req.TgtLang,
		SeriesTitle:   req.SeriesTitle,
		SeriesSlug:    model.Slugify(req.SeriesTitle),
		SeasonNumber:  req.SeasonNumber,
		EpisodeNumber: req.EpisodeNumber,
		Visibility:    visibility,
		State:         model.StateQueued,
		Priority:      priority,
	}
	for _, reason := range res.Reasons {
		job.AppendPolicyReason(reason)
	}

	// Backpressure: degrade high/medium, defer low with a jittered delay.
	qlen, err := s.backend.Len(ctx)
	if err != nil {
		_ = reservation.Release(ctx)
		writeErr(w, r, err)
		return
	}
	bpMu.Lock()
	bp := queue.ApplyBackpressure(job.Mode, qlen, s.cfg.BackpressureQMax, bpRng)
	bpMu.Unlock()
	if bp.Degraded {
		if s.audit != nil {
			s.audit.BackpressureDegrade(job.ID, string(job.Mode), string(bp.Mode), bp.QLen)
		}
		job.AppendPolicyReason("backpressure_mode_degrade")
		job.Mode = bp.Mode
	}
	availableAt := time.Now()
	if bp.Delay > 0 {
		if s.audit != nil {
			s.audit.BackpressureDelay(job.ID, bp.Delay, bp.QLen)
		}
		job.AppendPolicyReason("backpressure_delay")
		availableAt = availableAt.Add(bp.Delay)
	}

	if err := s.store.PutJob(ctx, job); err != nil {
		_ = reservation.Release(ctx)
		writeErr(w, r, err)
		return
	}
	entry := &queue.Entry{
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		Mode:        job.Mode,
		Priority:    job.Priority,
		CreatedAt:   job.CreatedAt,
		AvailableAt: availableAt,
	}
	if err := s.backend.Submit(ctx, entry); err != nil {
		_ = reservation.Release(ctx)
		writeErr(w, r, err)
		return
	}
	if err := reservation.Commit(ctx); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("reservation commit failed")
	}

	resp := map[string]any{"job": job}
	if bp.Delay > 0 {
		resp["deferred_s"] = bp.Delay.Seconds()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// resolveVideoPath accepts either a finalized upload session or a path
// confined to the input directory.
func (s *Server) resolveVideoPath(r *http.Request, req *jobSubmitRequest) (string, error) {
	id := identityFrom(r.Context())
	switch {
	case req.UploadID != "":
		sess, err := s.uploads.Get(r.Context(), id, req.UploadID)
		if err != nil {
			return "", err
		}
		if !sess.Finalized {
			return "", errdef.Validation("upload_incomplete", "upload session is not finalized")
		}
		return sess.VideoPath, nil
	case req.VideoPath != "":
		info, err := os.Stat(req.VideoPath)
		if err != nil || info.IsDir() {
			return "", errdef.Validation("bad_video_path", "video file not found")
		}
		return req.VideoPath, nil
	default:
		return "", errdef.Validation("missing_video", "upload_id or video_path is required")
	}
}

// handleJobList returns the caller's visible jobs, newest first.
func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	q := r.URL.Query()

	filter := model.JobFilter{SeriesSlug: q.Get("series"), Tag: q.Get("tag")}
	for _, raw := range strings.Split(q.Get("state"), ",") {
		if st := model.State(strings.ToUpper(strings.TrimSpace(raw))); st != "" && st.Valid() {
			filter.States = append(filter.States, st)
		}
	}
	if v := q.Get("archived"); v != "" {
		archived := v == "true" || v == "1"
		filter.Archived = &archived
	}

	jobs, err := s.store.ListJobs(r.Context(), filter, 0, 0, model.OrderUpdatedDesc)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	visible := jobs[:0]
	for _, j := range jobs {
		if s.jobVisible(id, j) {
			visible = append(visible, j)
		}
	}
	limit := queryInt(q.Get("limit"), 100)
	offset := queryInt(q.Get("offset"), 0)
	if offset > len(visible) {
		offset = len(visible)
	}
	end := offset + limit
	if limit <= 0 || end > len(visible) {
		end = len(visible)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": visible[offset:end], "total": len(visible)})
}

// handleJobGet returns one job, hidden as 404 when not visible.
func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.visibleJob(r, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobCancel requests cancellation; owner or admin only.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	job, err := s.visibleJob(r, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if job.OwnerID != id.User.ID && !id.IsAdmin() {
		writeErr(w, r, errdef.Forbidden("only the owner or an admin may cancel"))
		return
	}
	if err := s.jobs.Cancel(r.Context(), job.ID, id.User.ID); err != nil {
		writeErr(w, r, err)
		return
	}
	fresh, err := s.store.GetJob(r.Context(), job.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

// handleJobPriority reorders a queued job. Admin only.
func (s *Server) handleJobPriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	jobID := chi.URLParam(r, "id")
	if err := s.backend.SetPriority(r.Context(), jobID, req.Priority); err != nil {
		writeErr(w, r, err)
		return
	}
	job, err := s.store.UpdateJob(r.Context(), jobID, model.JobPatch{Priority: &req.Priority})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if s.audit != nil {
		id := identityFrom(r.Context())
		s.audit.JobAction(audit.EventJobReprioritz, id.User.ID, jobID, "success",
			map[string]string{"priority": strconv.Itoa(req.Priority)})
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobKill force-stops a running job. Admin only.
func (s *Server) handleJobKill(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	jobID := chi.URLParam(r, "id")
	if err := s.jobs.Kill(r.Context(), jobID, id.User.ID); err != nil {
		writeErr(w, r, err)
		return
	}
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobRequeue puts a terminal job back in the queue. Admin only; the
// rerun resumes from the job's checkpoint where artifacts still verify.
func (s *Server) handleJobRequeue(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	jobID := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if !job.State.Terminal() {
		writeErr(w, r, errdef.Conflict("job is "+string(job.State)+", re-queue requires a terminal state"))
		return
	}

	queued := model.StateQueued
	msg := "re-queued by admin"
	job, err = s.store.UpdateJob(r.Context(), jobID, model.JobPatch{Privileged: true, State: &queued, Message: &msg})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.backend.Submit(r.Context(), &queue.Entry{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Mode:      job.Mode,
		Priority:  job.Priority,
		CreatedAt: job.CreatedAt,
	}); err != nil {
		writeErr(w, r, err)
		return
	}
	if s.audit != nil {
		s.audit.JobAction(audit.EventJobRequeue, id.User.ID, jobID, "success", nil)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

// handleJobTimeline renders the checkpoint ledger as per-stage spans.
func (s *Server) handleJobTimeline(w http.ResponseWriter, r *http.Request) {
	job, err := s.visibleJob(r, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if job.WorkDir == "" {
		writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "stages": map[string]any{}})
		return
	}
	f, err := checkpoint.NewManager(job.WorkDir, job.ID).Timeline()
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type jobFile struct {
	Path  string    `json:"path"` // relative to the job work dir
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
}

// handleJobFiles enumerates artifacts under the job's work dir with safe
// relative paths.
func (s *Server) handleJobFiles(w http.ResponseWriter, r *http.Request) {
	job, err := s.visibleJob(r, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	files := []jobFile{}
	if job.WorkDir != "" {
		root := job.WorkDir
		_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil //nolint:nilerr
			}
			rel, err := filepath.Rel(root, path)
			if err != nil || strings.HasPrefix(rel, "..") {
				return nil
			}
			files = append(files, jobFile{Path: filepath.ToSlash(rel), Size: info.Size(), MTime: info.ModTime().UTC()})
			return nil
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "files": files})
}

// handleLogTail returns the last n lines of the job log.
func (s *Server) handleLogTail(w http.ResponseWriter, r *http.Request) {
	job, err := s.visibleJob(r, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	n := queryInt(r.URL.Query().Get("n"), 100)
	if n > 1000 {
		n = 1000
	}
	lines, err := tailLines(s.jobLogPath(job), n)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "lines": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "lines": lines})
}

func (s *Server) jobLogPath(job *model.Job) string {
	if job.LogPath != "" {
		return job.LogPath
	}
	return filepath.Join(job.WorkDir, "logs", "job.log")
}

// visibleJob loads a job and hides it as 404 when the caller may not see it.
func (s *Server) visibleJob(r *http.Request, jobID string) (*model.Job, error) {
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		return nil, err
	}
	if !s.jobVisible(identityFrom(r.Context()), job) {
		return nil, errdef.NotFound("job not found")
	}
	return job, nil
}

func (s *Server) jobVisible(id *model.Identity, job *model.Job) bool {
	if id == nil {
		return false
	}
	if id.IsAdmin() || job.OwnerID == id.User.ID {
		return true
	}
	return job.Visibility == model.VisibilityPublic || job.Visibility == model.VisibilityShared
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// tailLines reads the last n lines of a file. Small files are the norm here;
// a full scan keeps it simple.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, sc.Err()
}
