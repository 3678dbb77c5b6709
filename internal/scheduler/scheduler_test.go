// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
	"github.com/tommy2202/dubd/internal/policy"
	"github.com/tommy2202/dubd/internal/queue"
	"github.com/tommy2202/dubd/internal/quota"
	"github.com/tommy2202/dubd/internal/runner"
	"github.com/tommy2202/dubd/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func (f *fakeUsers) GetUser(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, errdef.NotFound("user not found")
	}
	return u, nil
}

type fakeRunner struct {
	fn func(ctx context.Context, jc *runner.JobContext) error
}

func (f *fakeRunner) Run(ctx context.Context, jc *runner.JobContext) error {
	if f.fn == nil {
		jc.Progress(1.0, "completed")
		return nil
	}
	return f.fn(ctx, jc)
}

type fixture struct {
	store   *store.Store
	backend *queue.LocalBackend
	sched   *Scheduler
	users   *fakeUsers
}

func newFixture(t *testing.T, run runner.Runner, mutate func(*Config)) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	backend := queue.NewLocal(s)
	users := &fakeUsers{users: map[string]*model.User{
		"u1": {ID: "u1", Username: "alice", Role: model.RoleOperator},
	}}
	q := quota.New(s, nil, model.Quota{
		MaxUploadBytes:    1 << 30,
		MaxStorageBytes:   1 << 30,
		JobsPerDay:        100,
		MaxConcurrentJobs: 4,
		MaxQueuedJobs:     100,
	})
	pol := &policy.Engine{GPUAvailable: false, MaxHighRunning: 1}

	cfg := Config{
		Owner:            "test-sched",
		GlobalSlots:      2,
		DispatchLockTTL:  time.Second,
		TeardownDeadline: 5 * time.Second,
		WorkRoot:         t.TempDir(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sched := New(s, users, backend, pol, q, run, nil, cfg)
	return &fixture{store: s, backend: backend, sched: sched, users: users}
}

func (fx *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fx.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
}

func (fx *fixture) submitJob(t *testing.T, id string, mode model.Mode) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:         id,
		OwnerID:    "u1",
		VideoPath:  "/input/" + id + ".mp4",
		Mode:       mode,
		Device:     model.DeviceCPU,
		SrcLang:    "ja",
		TgtLang:    "en",
		Visibility: model.VisibilityPrivate,
		State:      model.StateQueued,
	}
	require.NoError(t, fx.store.PutJob(context.Background(), job))
	require.NoError(t, fx.backend.Submit(context.Background(), &queue.Entry{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Mode:      job.Mode,
		CreatedAt: job.CreatedAt,
	}))
	return job
}

func (fx *fixture) waitState(t *testing.T, jobID string, want model.State) *model.Job {
	t.Helper()
	var got *model.Job
	require.Eventually(t, func() bool {
		j, err := fx.store.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = j
		return j.State == want
	}, 10*time.Second, 10*time.Millisecond, "job %s never reached %s (last: %+v)", jobID, want, got)
	return got
}

func TestJobRunsToDone(t *testing.T) {
	fx := newFixture(t, &fakeRunner{}, nil)
	fx.start(t)

	fx.submitJob(t, "j1", model.ModeMedium)
	job := fx.waitState(t, "j1", model.StateDone)
	assert.InDelta(t, 1.0, job.Progress, 1e-9)
	assert.Equal(t, "completed", job.Message)
	assert.NotEmpty(t, job.WorkDir)
}

func TestRunnerErrorMarksFailed(t *testing.T) {
	fx := newFixture(t, &fakeRunner{fn: func(context.Context, *runner.JobContext) error {
		return errors.New("stage transcribe: model load failed")
	}}, nil)
	fx.start(t)

	fx.submitJob(t, "j1", model.ModeLow)
	job := fx.waitState(t, "j1", model.StateFailed)
	assert.Contains(t, job.Error, "model load failed")
}

func TestCancelRunningIsCanceledNotFailed(t *testing.T) {
	started := make(chan struct{})
	fx := newFixture(t, &fakeRunner{fn: func(ctx context.Context, _ *runner.JobContext) error {
		close(started)
		<-ctx.Done()
		return errdef.Canceled("stopped on request")
	}}, nil)
	fx.start(t)

	fx.submitJob(t, "j1", model.ModeMedium)
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("job never started")
	}

	require.NoError(t, fx.sched.Cancel(context.Background(), "j1", "u1"))
	fx.waitState(t, "j1", model.StateCanceled)
}

func TestCancelQueuedJob(t *testing.T) {
	// No dispatch loop; the job stays queued.
	fx := newFixture(t, &fakeRunner{}, nil)

	fx.submitJob(t, "j1", model.ModeMedium)
	require.NoError(t, fx.sched.Cancel(context.Background(), "j1", "u1"))

	job, err := fx.store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StateCanceled, job.State)

	n, err := fx.backend.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	fx := newFixture(t, &fakeRunner{}, nil)
	fx.start(t)

	fx.submitJob(t, "j1", model.ModeMedium)
	fx.waitState(t, "j1", model.StateDone)

	err := fx.sched.Cancel(context.Background(), "j1", "u1")
	assert.Equal(t, errdef.KindConflict, errdef.KindOf(err))
}

func TestTeardownDeadlineForcesAbandon(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fx := newFixture(t, &fakeRunner{fn: func(ctx context.Context, _ *runner.JobContext) error {
		close(started)
		<-release // ignores cancellation
		return errdef.Canceled("late")
	}}, func(c *Config) {
		c.TeardownDeadline = 100 * time.Millisecond
	})
	fx.start(t)
	t.Cleanup(func() { close(release) })

	fx.submitJob(t, "j1", model.ModeMedium)
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("job never started")
	}

	require.NoError(t, fx.sched.Cancel(context.Background(), "j1", "u1"))
	job, err := fx.store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StateCanceled, job.State)
	assert.Equal(t, "force-stopped", job.Message)
}

func TestKillStopsImmediately(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fx := newFixture(t, &fakeRunner{fn: func(ctx context.Context, _ *runner.JobContext) error {
		close(started)
		<-release
		return errdef.Canceled("late")
	}}, nil)
	fx.start(t)
	t.Cleanup(func() { close(release) })

	fx.submitJob(t, "j1", model.ModeMedium)
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("job never started")
	}

	require.NoError(t, fx.sched.Kill(context.Background(), "j1", "admin"))
	job, err := fx.store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StateCanceled, job.State)
}

func TestUserRunningCapDefersDispatch(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	running := 0
	maxSeen := 0
	fx := newFixture(t, &fakeRunner{fn: func(ctx context.Context, _ *runner.JobContext) error {
		mu.Lock()
		running++
		if running > maxSeen {
			maxSeen = running
		}
		mu.Unlock()
		<-gate
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}}, nil)

	// Cap the user to one running job via a quota override.
	one := 1
	require.NoError(t, fx.store.PutQuotaOverride(context.Background(), &model.QuotaOverride{
		UserID:            "u1",
		MaxConcurrentJobs: &one,
	}))
	fx.start(t)

	fx.submitJob(t, "j1", model.ModeMedium)
	fx.submitJob(t, "j2", model.ModeMedium)

	// Give the dispatcher time to (wrongly) start both.
	time.Sleep(300 * time.Millisecond)
	close(gate)

	fx.waitState(t, "j1", model.StateDone)
	fx.waitState(t, "j2", model.StateDone)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen, "second job must wait for the first")
}

func TestStartupRecoveryRequeuesInterrupted(t *testing.T) {
	fx := newFixture(t, &fakeRunner{}, nil)

	// Simulate a crash: a RUNNING job in the store, nothing in the queue.
	job := &model.Job{
		ID: "j1", OwnerID: "u1", VideoPath: "/input/j1.mp4",
		Mode: model.ModeMedium, Device: model.DeviceCPU,
		Visibility: model.VisibilityPrivate, State: model.StateRunning,
	}
	require.NoError(t, fx.store.PutJob(context.Background(), job))

	fx.start(t)
	got := fx.waitState(t, "j1", model.StateDone)
	assert.Equal(t, model.StateDone, got.State)
}

func TestOwnerVanishedFailsJob(t *testing.T) {
	fx := newFixture(t, &fakeRunner{}, nil)
	fx.users.mu.Lock()
	delete(fx.users.users, "u1")
	fx.users.mu.Unlock()
	fx.start(t)

	fx.submitJob(t, "j1", model.ModeMedium)
	job := fx.waitState(t, "j1", model.StateFailed)
	assert.Contains(t, job.Error, "owner")
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	assert.Equal(t, 5*time.Second, backoff(5*time.Second, 0))
	assert.Equal(t, 10*time.Second, backoff(5*time.Second, 1))
	assert.Equal(t, 40*time.Second, backoff(5*time.Second, 3))
	assert.Equal(t, time.Minute, backoff(5*time.Second, 6))
	assert.Equal(t, time.Minute, backoff(5*time.Second, 60))
	// A zero hint still backs off from one second.
	assert.Equal(t, 4*time.Second, backoff(0, 2))
}

func TestDoneJobAccountsArtifactStorage(t *testing.T) {
	artifact := []byte("dubbed audio bytes")
	fx := newFixture(t, &fakeRunner{fn: func(_ context.Context, jc *runner.JobContext) error {
		if err := os.WriteFile(filepath.Join(jc.WorkDir, "dubbed_audio.wav"), artifact, 0o644); err != nil {
			return err
		}
		jc.Progress(1.0, "completed")
		return nil
	}}, nil)
	fx.start(t)

	fx.submitJob(t, "j1", model.ModeMedium)
	fx.waitState(t, "j1", model.StateDone)

	require.Eventually(t, func() bool {
		used, err := fx.store.UserStorageBytes(context.Background(), "u1")
		return err == nil && used == int64(len(artifact))
	}, 5*time.Second, 10*time.Millisecond, "artifact bytes never accounted")
}
