// SPDX-License-Identifier: MIT

// Package scheduler owns job dispatch: it pops ready queue entries, applies
// the dispatch-time policy safety net, accounts slots, and drives each job
// through the runner to a terminal state. It is intentionally side-effecting
// and runs out-of-band from HTTP request paths.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tommy2202/dubd/internal/audit"
	"github.com/tommy2202/dubd/internal/checkpoint"
	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/log"
	"github.com/tommy2202/dubd/internal/model"
	"github.com/tommy2202/dubd/internal/policy"
	"github.com/tommy2202/dubd/internal/queue"
	"github.com/tommy2202/dubd/internal/quota"
	"github.com/tommy2202/dubd/internal/runner"
	"github.com/tommy2202/dubd/internal/store"
)

// UserDirectory resolves job owners to their role at dispatch time.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// Config carries the scheduler's tunables.
type Config struct {
	Owner            string // stable instance identity for locks
	GlobalSlots      int
	PhaseSlots       map[string]int
	DispatchLockTTL  time.Duration
	TeardownDeadline time.Duration
	WorkRoot         string // per-job work directories live under here

	// OnDone, when set, runs after a job reaches DONE with the refreshed
	// record (manifest writing, library indexing).
	OnDone func(job *model.Job)
}

// Scheduler is the dispatch loop plus the registry of jobs running on this
// instance.
type Scheduler struct {
	store   *store.Store
	users   UserDirectory
	backend queue.Backend
	policy  *policy.Engine
	quota   *quota.Enforcer
	runner  runner.Runner
	audit   *audit.Logger
	cfg     Config
	logger  zerolog.Logger

	globalSem *semaphore.Weighted
	phaseSems map[string]*semaphore.Weighted

	mu     sync.Mutex
	active map[string]*activeJob
	wg     sync.WaitGroup
}

// activeJob tracks one running job. settle releases its accounting exactly
// once, whether finalization comes from the runner or a forced abandon.
type activeJob struct {
	job    *model.Job
	cancel context.CancelFunc
	done   chan struct{}
	settle func()
}

// New builds a scheduler. Zero slot counts mean one.
func New(s *store.Store, users UserDirectory, backend queue.Backend, pol *policy.Engine, q *quota.Enforcer, run runner.Runner, auditLog *audit.Logger, cfg Config) *Scheduler {
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		cfg.Owner = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString())
	}
	if cfg.GlobalSlots <= 0 {
		cfg.GlobalSlots = 1
	}
	if cfg.DispatchLockTTL <= 0 {
		cfg.DispatchLockTTL = 10 * time.Second
	}
	if cfg.TeardownDeadline <= 0 {
		cfg.TeardownDeadline = 20 * time.Second
	}

	sc := &Scheduler{
		store:     s,
		users:     users,
		backend:   backend,
		policy:    pol,
		quota:     q,
		runner:    run,
		audit:     auditLog,
		cfg:       cfg,
		logger:    log.WithComponent("scheduler"),
		globalSem: semaphore.NewWeighted(int64(cfg.GlobalSlots)),
		phaseSems: make(map[string]*semaphore.Weighted, len(cfg.PhaseSlots)),
		active:    make(map[string]*activeJob),
	}
	for phase, n := range cfg.PhaseSlots {
		if n <= 0 {
			n = 1
		}
		sc.phaseSems[phase] = semaphore.NewWeighted(int64(n))
	}
	return sc
}

// Run recovers interrupted jobs, then dispatches until ctx is canceled. On
// return, running jobs have been canceled and drained up to the teardown
// deadline.
func (sc *Scheduler) Run(ctx context.Context) error {
	if err := sc.recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	defer sc.drain()
	defer func() { _ = sc.backend.ReleaseDispatchLock(context.Background(), sc.cfg.Owner) }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		held, err := sc.backend.TryAcquireDispatchLock(ctx, sc.cfg.Owner, sc.cfg.DispatchLockTTL)
		if err != nil {
			sc.logger.Error().Err(err).Msg("dispatch lock acquire failed")
		}
		if !held {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sc.cfg.DispatchLockTTL / 2):
			}
			continue
		}
		if err := sc.dispatchWhileHeld(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sc.logger.Warn().Err(err).Msg("dispatch loop interrupted, re-acquiring lock")
		}
	}
}

// dispatchWhileHeld runs the dispatch loop while renewing the lock in the
// background. It returns when the lock is lost or ctx ends.
func (sc *Scheduler) dispatchWhileHeld(ctx context.Context) error {
	lockCtx, lockLost := context.WithCancel(ctx)
	defer lockLost()

	go func() {
		t := time.NewTicker(sc.cfg.DispatchLockTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-lockCtx.Done():
				return
			case <-t.C:
				ok, err := sc.backend.RenewDispatchLock(lockCtx, sc.cfg.Owner, sc.cfg.DispatchLockTTL)
				if err == nil && ok {
					continue
				}
				if lockCtx.Err() == nil {
					dispatchLockLostTotal.Inc()
					sc.logger.Warn().Err(err).Msg("dispatch lock lost")
				}
				lockLost()
				return
			}
		}
	}()

	for {
		wait, err := sc.dispatchOnce(lockCtx)
		if err != nil {
			return err
		}
		if wait == 0 {
			continue // more work may be ready
		}
		// Cap the sleep so cross-instance submissions are noticed.
		if wait < 0 || wait > time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-lockCtx.Done():
			timer.Stop()
			return lockCtx.Err()
		case <-sc.backend.Notify():
		case <-timer.C:
		}
		timer.Stop()
	}
}

// dispatchOnce pops and dispatches at most one entry. The returned wait is 0
// when another entry may be ready immediately, -1 when the queue is empty,
// or the time until the head entry becomes available.
func (sc *Scheduler) dispatchOnce(ctx context.Context) (time.Duration, error) {
	entry, nextAt, err := sc.backend.PopReady(ctx)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		if nextAt.IsZero() {
			return -1, nil
		}
		return time.Until(nextAt), nil
	}

	lg := sc.logger.With().Str("job_id", entry.JobID).Logger()

	job, err := sc.store.GetJob(ctx, entry.JobID)
	if err != nil {
		if errdef.KindOf(err) == errdef.KindNotFound {
			lg.Warn().Msg("queued entry without job record, dropping")
			return 0, nil
		}
		return 0, err
	}
	if job.State != model.StateQueued {
		// Canceled or re-submitted while queued.
		lg.Info().Str("state", string(job.State)).Msg("entry no longer queued, dropping")
		return 0, nil
	}

	user, err := sc.users.GetUser(ctx, job.OwnerID)
	if err != nil {
		lg.Error().Err(err).Msg("job owner unresolvable, failing job")
		sc.transition(ctx, job.ID, model.StateFailed, 0, "", "job owner no longer exists")
		recordTransition(string(model.StateQueued), string(model.StateFailed))
		jobsTotal.WithLabelValues("failed", string(job.Mode)).Inc()
		return 0, nil
	}

	counters, err := sc.backend.Counters(ctx, job.OwnerID)
	if err != nil {
		return 0, err
	}
	global, err := sc.backend.GlobalCounters(ctx)
	if err != nil {
		return 0, err
	}
	eff, err := sc.quota.Effective(ctx, job.OwnerID)
	if err != nil {
		return 0, err
	}

	decision := sc.policy.EvaluateDispatch(user.Role, job.Mode,
		policy.Counts{Running: counters.Running, Queued: counters.Queued, Today: counters.Today},
		global.HighRunning, eff, sc.cfg.Owner, job.ID)
	if !decision.Dispatch {
		for _, r := range decision.Reasons {
			dispatchDeferredTotal.WithLabelValues(r).Inc()
		}
		return 0, sc.backend.Requeue(ctx, entry, backoff(decision.RetryAfter, entry.Attempts))
	}

	if !sc.globalSem.TryAcquire(1) {
		dispatchDeferredTotal.WithLabelValues("global_slots").Inc()
		return 0, sc.backend.Requeue(ctx, entry, 2*time.Second)
	}

	accepted, err := sc.backend.BeforeJobRun(ctx, job.ID, job.OwnerID, job.Mode)
	if err != nil || !accepted {
		sc.globalSem.Release(1)
		if err != nil {
			lg.Error().Err(err).Msg("before-run accounting failed")
		}
		dispatchDeferredTotal.WithLabelValues("backend_guard").Inc()
		return 0, sc.backend.Requeue(ctx, entry, 5*time.Second)
	}

	running := model.StateRunning
	msg := "dispatched"
	job, err = sc.store.UpdateJob(ctx, job.ID, model.JobPatch{State: &running, Message: &msg})
	if err != nil {
		// Lost a race with cancellation; undo accounting.
		_ = sc.backend.OnJobDone(ctx, entry.JobID, entry.OwnerID, job.Mode)
		sc.globalSem.Release(1)
		lg.Info().Err(err).Msg("job not dispatchable, dropping")
		return 0, nil
	}
	recordTransition(string(model.StateQueued), string(model.StateRunning))

	sc.wg.Add(1)
	go sc.runJob(job)
	return 0, nil
}

// runJob executes one job to a terminal state. Runs on its own goroutine.
func (sc *Scheduler) runJob(job *model.Job) {
	defer sc.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	a := &activeJob{job: job, cancel: cancel, done: make(chan struct{})}

	var settleOnce sync.Once
	a.settle = func() {
		settleOnce.Do(func() {
			_ = sc.backend.OnJobDone(context.Background(), job.ID, job.OwnerID, job.Mode)
			sc.globalSem.Release(1)
			runningJobs.Dec()
			sc.mu.Lock()
			delete(sc.active, job.ID)
			sc.mu.Unlock()
		})
	}

	sc.mu.Lock()
	sc.active[job.ID] = a
	sc.mu.Unlock()
	runningJobs.Inc()

	defer close(a.done)
	defer a.settle()
	defer cancel()

	lg := sc.logger.With().Str("job_id", job.ID).Str("mode", string(job.Mode)).Logger()

	workDir := job.WorkDir
	if workDir == "" {
		workDir = filepath.Join(sc.cfg.WorkRoot, "jobs", job.ID)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		sc.finalize(job, time.Now(), errdef.PersistFailed(err))
		return
	}
	if job.WorkDir == "" {
		_, _ = sc.store.UpdateJob(ctx, job.ID, model.JobPatch{WorkDir: &workDir})
		job.WorkDir = workDir
	}

	// Chatty stages report progress far faster than anyone reads it; cap
	// the persistence rate and let the final write come from finalize.
	progressLimit := rate.NewLimiter(rate.Every(200*time.Millisecond), 1)

	jc := &runner.JobContext{
		Job:        job,
		Checkpoint: checkpoint.NewManager(workDir, job.ID),
		WorkDir:    workDir,
		Progress: func(p float64, message string) {
			if !progressLimit.Allow() && p < 1 {
				return
			}
			st := model.StateRunning
			_, err := sc.store.UpdateJob(ctx, job.ID, model.JobPatch{State: &st, Progress: &p, Message: &message})
			if err != nil && ctx.Err() == nil {
				lg.Debug().Err(err).Msg("progress update dropped")
			}
		},
		EnterPhase: sc.enterPhase,
	}

	start := time.Now()
	lg.Info().Str("work_dir", workDir).Msg("job started")
	err := sc.runner.Run(ctx, jc)
	sc.finalize(job, start, err)
}

// finalize maps the runner outcome to a terminal transition and records
// accounting. Cancellation is never recorded as failure.
func (sc *Scheduler) finalize(job *model.Job, start time.Time, runErr error) {
	elapsed := time.Since(start)
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	var result string
	switch errdef.KindOf(runErr) {
	case errdef.Kind(""):
		result = "done"
		sc.transition(ctx, job.ID, model.StateDone, 1.0, "completed", "")
		if err := sc.store.AddProcessingSeconds(ctx, job.OwnerID, int64(elapsed.Seconds())); err != nil {
			sc.logger.Error().Err(err).Str("job_id", job.ID).Msg("processing usage not recorded")
		}
		// Output artifacts count against the owner's storage quota.
		if bytes := dirSize(job.WorkDir); bytes > 0 {
			if err := sc.store.SetJobStorageBytes(ctx, job.ID, job.OwnerID, bytes); err != nil {
				sc.logger.Error().Err(err).Str("job_id", job.ID).Msg("storage accounting not recorded")
			}
		}
		if sc.cfg.OnDone != nil {
			if fresh, err := sc.store.GetJob(ctx, job.ID); err == nil {
				sc.cfg.OnDone(fresh)
			}
		}
	case errdef.KindCanceled:
		result = "canceled"
		sc.transition(ctx, job.ID, model.StateCanceled, -1, "canceled", "")
	default:
		result = "failed"
		sc.transition(ctx, job.ID, model.StateFailed, -1, "", shortError(runErr))
	}

	recordTransition(string(model.StateRunning), terminalState(result))
	jobsTotal.WithLabelValues(result, string(job.Mode)).Inc()
	jobDuration.WithLabelValues(result, string(job.Mode)).Observe(elapsed.Seconds())
	sc.logger.Info().
		Str("job_id", job.ID).
		Str("result", result).
		Int64("elapsed_ms", elapsed.Milliseconds()).
		Msg("job finished")
}

// transition applies a terminal or recovery transition, tolerating races
// where another actor already moved the job.
func (sc *Scheduler) transition(ctx context.Context, jobID string, to model.State, progress float64, message, errMsg string) {
	patch := model.JobPatch{State: &to}
	if progress >= 0 {
		patch.Progress = &progress
	}
	if message != "" {
		patch.Message = &message
	}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	if _, err := sc.store.UpdateJob(ctx, jobID, patch); err != nil {
		if errdef.KindOf(err) == errdef.KindIllegalTransition {
			sc.logger.Debug().Err(err).Str("job_id", jobID).Msg("transition already settled")
			return
		}
		sc.logger.Error().Err(err).Str("job_id", jobID).Str("to", string(to)).Msg("terminal transition not persisted")
	}
}

// Cancel requests cooperative cancellation. Queued jobs transition directly;
// running jobs get their context canceled and, past the teardown deadline,
// are forcibly abandoned.
func (sc *Scheduler) Cancel(ctx context.Context, jobID, actor string) error {
	job, err := sc.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.State {
	case model.StateQueued:
		if _, err := sc.backend.CancelQueued(ctx, jobID); err != nil {
			return err
		}
		canceled := model.StateCanceled
		msg := "canceled before dispatch"
		if _, err := sc.store.UpdateJob(ctx, jobID, model.JobPatch{State: &canceled, Message: &msg}); err != nil {
			return err
		}
		recordTransition(string(model.StateQueued), string(model.StateCanceled))
		if sc.audit != nil {
			sc.audit.JobAction(audit.EventJobCancel, actor, jobID, "success", nil)
		}
		return nil

	case model.StateRunning:
		sc.mu.Lock()
		a := sc.active[jobID]
		sc.mu.Unlock()
		if a == nil {
			return errdef.Conflict("job is running on another instance")
		}
		a.cancel()
		if sc.audit != nil {
			sc.audit.JobAction(audit.EventJobCancel, actor, jobID, "success", nil)
		}
		select {
		case <-a.done:
			return nil
		case <-time.After(sc.cfg.TeardownDeadline):
			sc.logger.Warn().Str("job_id", jobID).Msg("teardown deadline exceeded, abandoning job")
			sc.abandon(jobID, a)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	default:
		return errdef.Conflict("job is already " + string(job.State))
	}
}

// Kill is the admin force-stop: cancel without waiting for cooperative
// teardown.
func (sc *Scheduler) Kill(ctx context.Context, jobID, actor string) error {
	job, err := sc.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State == model.StateQueued {
		return sc.Cancel(ctx, jobID, actor)
	}
	if job.State != model.StateRunning {
		return errdef.Conflict("job is already " + string(job.State))
	}

	sc.mu.Lock()
	a := sc.active[jobID]
	sc.mu.Unlock()
	if a == nil {
		return errdef.Conflict("job is running on another instance")
	}
	a.cancel()
	sc.abandon(jobID, a)
	if sc.audit != nil {
		sc.audit.JobAction(audit.EventJobKill, actor, jobID, "success", nil)
	}
	return nil
}

// abandon settles a job whose runner did not stop in time. Residual work is
// an orphan the runner mops up on next startup.
func (sc *Scheduler) abandon(jobID string, a *activeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sc.transition(ctx, jobID, model.StateCanceled, -1, "force-stopped", "")
	recordTransition(string(model.StateRunning), string(model.StateCanceled))
	a.settle()
}

// recover resets RUNNING jobs from a previous process to QUEUED and
// re-admits every queued job in creation order.
func (sc *Scheduler) recover(ctx context.Context) error {
	reset, err := sc.store.ResetInterrupted(ctx)
	if err != nil {
		return err
	}
	if len(reset) > 0 {
		recoveryRequeuedTotal.Add(float64(len(reset)))
		sc.logger.Info().Int("jobs", len(reset)).Msg("interrupted jobs reset to queued")
	}

	queued, err := sc.store.ListJobs(ctx, model.JobFilter{States: []model.State{model.StateQueued}}, 0, 0, model.OrderCreatedAsc)
	if err != nil {
		return err
	}
	for _, job := range queued {
		e := &queue.Entry{
			JobID:       job.ID,
			OwnerID:     job.OwnerID,
			Mode:        job.Mode,
			Priority:    job.Priority,
			CreatedAt:   job.CreatedAt,
			AvailableAt: time.Now(),
		}
		if err := sc.backend.Submit(ctx, e); err != nil {
			return fmt.Errorf("re-admit job %s: %w", job.ID, err)
		}
	}
	if len(queued) > 0 {
		sc.logger.Info().Int("jobs", len(queued)).Msg("queued jobs re-admitted")
	}
	return nil
}

// drain cancels active jobs and waits up to the teardown deadline.
func (sc *Scheduler) drain() {
	sc.mu.Lock()
	for _, a := range sc.active {
		a.cancel()
	}
	sc.mu.Unlock()

	done := make(chan struct{})
	go func() {
		sc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(sc.cfg.TeardownDeadline):
		sc.logger.Warn().Msg("drain deadline exceeded, abandoning remaining jobs")
	}
}

// enterPhase acquires the per-phase semaphore; unknown phases are unbounded.
func (sc *Scheduler) enterPhase(ctx context.Context, phase string) (func(), error) {
	sem, ok := sc.phaseSems[phase]
	if !ok {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, errdef.Canceled("canceled while waiting for phase " + phase)
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

// ActiveJobs lists the job IDs currently running on this instance.
func (sc *Scheduler) ActiveJobs() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	ids := make([]string, 0, len(sc.active))
	for id := range sc.active {
		ids = append(ids, id)
	}
	return ids
}

// backoff scales the policy's retry hint by the number of times the entry
// has already been put back, doubling per attempt up to one minute. A fresh
// entry is retried at the hint itself.
func backoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempts > 6 {
		attempts = 6
	}
	d := base << attempts
	if d > time.Minute {
		return time.Minute
	}
	return d
}

// dirSize sums the regular files under root. A missing or empty root counts
// as zero.
func dirSize(root string) int64 {
	if root == "" {
		return 0
	}
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

func terminalState(result string) string {
	switch result {
	case "done":
		return string(model.StateDone)
	case "canceled":
		return string(model.StateCanceled)
	default:
		return string(model.StateFailed)
	}
}

// shortError trims an error to a client-safe one-liner.
func shortError(err error) string {
	s := err.Error()
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
