// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testJob(id, owner string) *model.Job {
	return &model.Job{
		ID:            id,
		OwnerID:       owner,
		VideoPath:     "/input/" + id + ".mp4",
		Mode:          model.ModeMedium,
		Device:        model.DeviceCPU,
		SrcLang:       "ja",
		TgtLang:       "en",
		SeriesTitle:   "My Show",
		SeriesSlug:    "my-show",
		SeasonNumber:  1,
		EpisodeNumber: 1,
		Visibility:    model.VisibilityPrivate,
		State:         model.StateQueued,
	}
}

func TestPutGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := testJob("j1", "u1")
	job.Runtime = map[string]any{"tags": []string{"anime"}}
	require.NoError(t, s.PutJob(ctx, job))

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, model.StateQueued, got.State)
	assert.False(t, got.CreatedAt.IsZero())
	assert.NotNil(t, got.Runtime["tags"])

	_, err = s.GetJob(ctx, "missing")
	assert.Equal(t, errdef.KindNotFound, errdef.KindOf(err))
}

func TestUpdateJobTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutJob(ctx, testJob("j1", "u1")))

	running := model.StateRunning
	job, err := s.UpdateJob(ctx, "j1", model.JobPatch{State: &running})
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, job.State)

	// QUEUED -> DONE is not in the transition set.
	done := model.StateDone
	require.NoError(t, s.PutJob(ctx, testJob("j2", "u1")))
	_, err = s.UpdateJob(ctx, "j2", model.JobPatch{State: &done})
	assert.Equal(t, errdef.KindIllegalTransition, errdef.KindOf(err))

	_, err = s.UpdateJob(ctx, "j1", model.JobPatch{State: &done})
	require.NoError(t, err)
}

func TestUpdateJobRequeueResetsProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutJob(ctx, testJob("j1", "u1")))

	running := model.StateRunning
	p := 0.6
	errMsg := "boom"
	_, err := s.UpdateJob(ctx, "j1", model.JobPatch{State: &running, Progress: &p})
	require.NoError(t, err)
	failed := model.StateFailed
	_, err = s.UpdateJob(ctx, "j1", model.JobPatch{State: &failed, Error: &errMsg})
	require.NoError(t, err)

	// The path back to QUEUED is reserved for privileged callers.
	queued := model.StateQueued
	_, err = s.UpdateJob(ctx, "j1", model.JobPatch{State: &queued})
	assert.Equal(t, errdef.KindForbidden, errdef.KindOf(err))

	job, err := s.UpdateJob(ctx, "j1", model.JobPatch{Privileged: true, State: &queued})
	require.NoError(t, err)
	assert.Equal(t, model.StateQueued, job.State)
	assert.Zero(t, job.Progress)
	assert.Empty(t, job.Error)
}

func TestUpdateJobProgressMonotonicWhileRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutJob(ctx, testJob("j1", "u1")))

	running := model.StateRunning
	p := 0.5
	_, err := s.UpdateJob(ctx, "j1", model.JobPatch{State: &running, Progress: &p})
	require.NoError(t, err)

	// A late out-of-order write cannot move progress backwards.
	stale := 0.3
	job, err := s.UpdateJob(ctx, "j1", model.JobPatch{State: &running, Progress: &stale})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, job.Progress, 1e-9)

	ahead := 0.7
	job, err = s.UpdateJob(ctx, "j1", model.JobPatch{State: &running, Progress: &ahead})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, job.Progress, 1e-9)

	// A privileged re-queue starts a fresh span at zero.
	queued := model.StateQueued
	job, err = s.UpdateJob(ctx, "j1", model.JobPatch{Privileged: true, State: &queued})
	require.NoError(t, err)
	assert.Zero(t, job.Progress)
}

func TestUpdatedAtStrictlyIncreases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	require.NoError(t, s.PutJob(ctx, testJob("j1", "u1")))
	msg := "a"
	j1, err := s.UpdateJob(ctx, "j1", model.JobPatch{Message: &msg})
	require.NoError(t, err)
	j2, err := s.UpdateJob(ctx, "j1", model.JobPatch{Message: &msg})
	require.NoError(t, err)
	assert.True(t, j2.UpdatedAt.After(j1.UpdatedAt))
}

func TestListJobsFilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		j := testJob(id, "u1")
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		j.UpdatedAt = j.CreatedAt
		require.NoError(t, s.PutJob(ctx, j))
	}
	other := testJob("d", "u2")
	other.State = model.StateRunning
	require.NoError(t, s.PutJob(ctx, other))

	jobs, err := s.ListJobs(ctx, model.JobFilter{OwnerID: "u1"}, 0, 0, model.OrderCreatedAsc)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, "c", jobs[2].ID)

	jobs, err = s.ListJobs(ctx, model.JobFilter{States: []model.State{model.StateRunning}}, 0, 0, model.OrderUpdatedDesc)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "d", jobs[0].ID)

	jobs, err = s.ListJobs(ctx, model.JobFilter{OwnerID: "u1"}, 2, 1, model.OrderCreatedAsc)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[0].ID)
}

func TestDeleteJobStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutJob(ctx, testJob("j1", "u1")))
	err := s.DeleteJob(ctx, "j1")
	assert.Equal(t, errdef.KindConflict, errdef.KindOf(err))

	canceled := model.StateCanceled
	_, err = s.UpdateJob(ctx, "j1", model.JobPatch{State: &canceled})
	require.NoError(t, err)
	require.NoError(t, s.SetJobStorageBytes(ctx, "j1", "u1", 1000))

	require.NoError(t, s.DeleteJob(ctx, "j1"))

	total, err := s.UserStorageBytes(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, total)

	assert.Equal(t, errdef.KindNotFound, errdef.KindOf(s.DeleteJob(ctx, "j1")))
}

func TestStorageAccounting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetJobStorageBytes(ctx, "j1", "u1", 100))
	require.NoError(t, s.SetJobStorageBytes(ctx, "j2", "u1", 250))
	require.NoError(t, s.SetJobStorageBytes(ctx, "j3", "u2", 999))
	// Overwrite replaces, never double counts.
	require.NoError(t, s.SetJobStorageBytes(ctx, "j1", "u1", 150))

	total, err := s.UserStorageBytes(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), total)
}

func TestUserCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	q := testJob("q1", "u1")
	require.NoError(t, s.PutJob(ctx, q))
	r := testJob("r1", "u1")
	r.State = model.StateRunning
	require.NoError(t, s.PutJob(ctx, r))
	old := testJob("old", "u1")
	old.State = model.StateDone
	old.CreatedAt = s.now().Add(-48 * time.Hour)
	require.NoError(t, s.PutJob(ctx, old))

	running, queued, today, err := s.UserCounters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, running)
	assert.Equal(t, 1, queued)
	assert.Equal(t, 2, today)
}

func TestResetInterrupted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := testJob("r1", "u1")
	r.State = model.StateRunning
	r.Progress = 0.4
	require.NoError(t, s.PutJob(ctx, r))

	ids, err := s.ResetInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids)

	got, err := s.GetJob(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StateQueued, got.State)
	assert.Zero(t, got.Progress)
}

func TestLibraryWindowQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(id string, episode int, updated time.Time) {
		j := testJob(id, "u1")
		j.EpisodeNumber = episode
		j.CreatedAt = updated
		j.UpdatedAt = updated
		require.NoError(t, s.PutJob(ctx, j))
	}
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mk("ep1", 1, t0.Add(1*time.Second))
	mk("ep2a", 2, t0.Add(2*time.Second))
	mk("ep2b", 2, t0.Add(20*time.Second))
	mk("ep10", 10, t0.Add(10*time.Second))

	rows, err := s.ListLibraryEpisodes(ctx, "my-show", 1, 0, false)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{rows[0].EpisodeNumber, rows[1].EpisodeNumber, rows[2].EpisodeNumber})
	assert.Equal(t, "ep2b", rows[1].JobID)

	versions, err := s.ListLibraryEpisodes(ctx, "my-show", 1, 2, true)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "ep2b", versions[0].JobID)
	assert.Equal(t, "ep2a", versions[1].JobID)
}

func TestUploadSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &model.UploadSession{
		UploadID:   "up1",
		OwnerID:    "u1",
		Filename:   "movie.mp4",
		TotalBytes: 800000,
		ChunkBytes: 262144,
	}
	require.NoError(t, s.PutUploadSession(ctx, sess))

	updated, err := s.UpdateUploadSession(ctx, "up1", func(u *model.UploadSession) error {
		u.ReceivedBytes = 262144
		u.ChunksReceived = append(u.ChunksReceived, 0)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(262144), updated.ReceivedBytes)
	assert.True(t, updated.HasChunk(0))
	assert.False(t, updated.HasChunk(1))

	_, err = s.GetUploadSession(ctx, "nope")
	assert.Equal(t, errdef.KindNotFound, errdef.KindOf(err))
}

func TestExpiredUploadSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &model.UploadSession{UploadID: "old", OwnerID: "u1", Filename: "f", TotalBytes: 1, ChunkBytes: 1}
	old.CreatedAt = s.now().Add(-48 * time.Hour)
	old.UpdatedAt = old.CreatedAt
	require.NoError(t, s.PutUploadSession(ctx, old))

	fresh := &model.UploadSession{UploadID: "fresh", OwnerID: "u1", Filename: "f", TotalBytes: 1, ChunkBytes: 1}
	require.NoError(t, s.PutUploadSession(ctx, fresh))

	expired, err := s.ExpiredUploadSessions(ctx, s.now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].UploadID)
}

func TestQuotaOverrideRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetQuotaOverride(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	up := int64(1 << 20)
	qd := 3
	require.NoError(t, s.PutQuotaOverride(ctx, &model.QuotaOverride{
		UserID:         "u1",
		MaxUploadBytes: &up,
		MaxQueuedJobs:  &qd,
	}))

	got, err = s.GetQuotaOverride(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, up, *got.MaxUploadBytes)
	assert.Equal(t, qd, *got.MaxQueuedJobs)
	assert.Nil(t, got.JobsPerDay)
}

func TestLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.TryAcquireLease(ctx, "dispatch", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryAcquireLease(ctx, "dispatch", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Holder may renew.
	ok, err = s.RenewLease(ctx, "dispatch", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "dispatch", "a"))
	ok, err = s.TryAcquireLease(ctx, "dispatch", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProcessingUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddProcessingSeconds(ctx, "u1", 120))
	require.NoError(t, s.AddProcessingSeconds(ctx, "u1", 60))

	secs, err := s.ProcessingSecondsToday(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(180), secs)

	secs, err = s.ProcessingSecondsToday(ctx, "u2")
	require.NoError(t, err)
	assert.Zero(t, secs)
}

func TestPresetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &model.Preset{
		ID:          "p1",
		OwnerID:     "u1",
		Name:        "weekly anime",
		Mode:        model.ModeHigh,
		TgtLang:     "en",
		SeriesTitle: "My Show",
	}
	require.NoError(t, s.PutPreset(ctx, p))

	got, err := s.GetPreset(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "weekly anime", got.Name)
	assert.Equal(t, model.ModeHigh, got.Mode)
	assert.False(t, got.CreatedAt.IsZero())

	// Same (owner, name) updates in place.
	p2 := &model.Preset{ID: "p2", OwnerID: "u1", Name: "weekly anime", TgtLang: "de"}
	require.NoError(t, s.PutPreset(ctx, p2))
	got, err = s.GetPreset(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "de", got.TgtLang)

	list, err := s.ListPresets(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeletePreset(ctx, "p1"))
	err = s.DeletePreset(ctx, "p1")
	assert.Equal(t, errdef.KindNotFound, errdef.KindOf(err))

	_, err = s.GetPreset(ctx, "p1")
	assert.Equal(t, errdef.KindNotFound, errdef.KindOf(err))
}
