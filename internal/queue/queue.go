// SPDX-License-Identifier: MIT

// Package queue provides the dispatch queue behind the scheduler. Two
// backends share one interface: a single-process local backend over an
// in-memory heap, and a Redis-backed backend that adds cross-instance
// counters, locks and reservations.
package queue

import (
	"context"
	"math/rand"
	"time"

	"github.com/tommy2202/dubd/internal/model"
)

// Entry is one queued job awaiting dispatch.
type Entry struct {
	JobID       string
	OwnerID     string
	Mode        model.Mode
	Priority    int
	CreatedAt   time.Time
	Seq         uint64
	AvailableAt time.Time
	Attempts    int
}

// Counters are the per-user counts used by policy checks.
type Counters struct {
	Running int
	Queued  int
	Today   int
}

// GlobalCounters are cross-instance counts used at dispatch time.
type GlobalCounters struct {
	HighRunning int
	Running     int
	Queued      int
}

// Reservation is an atomic hold on the daily-jobs counter. Commit keeps the
// increment (the job was persisted); Release undoes it.
type Reservation interface {
	Commit(ctx context.Context) error
	Release(ctx context.Context) error
}

// Backend is the queue contract the scheduler and HTTP surface consume.
type Backend interface {
	// Submit enqueues a job for dispatch. The entry's mode and available
	// time may have been rewritten by backpressure before the call.
	Submit(ctx context.Context, e *Entry) error

	// PopReady removes and returns the head entry if its available time has
	// passed. When nothing is ready it returns nil and the instant the next
	// entry becomes ready (zero when the queue is empty).
	PopReady(ctx context.Context) (*Entry, time.Time, error)

	// Requeue puts an entry back with a delay (dispatch deferred or
	// before-run check failed).
	Requeue(ctx context.Context, e *Entry, delay time.Duration) error

	// Counters returns the per-user counts; Today includes uncommitted
	// reservations.
	Counters(ctx context.Context, userID string) (Counters, error)

	// GlobalCounters returns cross-instance counts.
	GlobalCounters(ctx context.Context) (GlobalCounters, error)

	// Len is the current ready-queue length used for backpressure.
	Len(ctx context.Context) (int, error)

	// SetPriority reorders a queued entry.
	SetPriority(ctx context.Context, jobID string, priority int) error

	// CancelQueued removes a queued entry. Returns false when the job is
	// not in the queue (already dispatched or unknown).
	CancelQueued(ctx context.Context, jobID string) (bool, error)

	// ReserveSubmit atomically reserves daily-job slots for a user.
	ReserveSubmit(ctx context.Context, userID string, count int) (Reservation, error)

	// BeforeJobRun is the dispatch-time safety net. True means the backend
	// accounted the job as running; false means the caller must requeue
	// with backoff.
	BeforeJobRun(ctx context.Context, jobID, ownerID string, mode model.Mode) (bool, error)

	// OnJobDone releases the running accounting taken by BeforeJobRun.
	OnJobDone(ctx context.Context, jobID, ownerID string, mode model.Mode) error

	// TryAcquireDispatchLock takes the cross-instance advisory dispatch
	// lock. The local backend always succeeds.
	TryAcquireDispatchLock(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	RenewDispatchLock(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleaseDispatchLock(ctx context.Context, owner string) error

	// Snapshot lists queued entries in dispatch order, for /admin/queue.
	Snapshot(ctx context.Context) ([]*Entry, error)

	// Notify signals the scheduler that the queue changed.
	Notify() <-chan struct{}

	Close() error
}

// BackpressureDecision is the outcome of applying the backpressure policy to
// one submission.
type BackpressureDecision struct {
	Mode     model.Mode
	Delay    time.Duration
	Degraded bool
	QLen     int
}

// ApplyBackpressure implements the degrade-then-delay policy: above the
// threshold, high degrades to medium, medium to low, and low submissions are
// deferred by a jittered delay capped at 30s.
func ApplyBackpressure(mode model.Mode, qlen, qmax int, rng *rand.Rand) BackpressureDecision {
	d := BackpressureDecision{Mode: mode, QLen: qlen}
	if qlen <= qmax {
		return d
	}
	switch mode {
	case model.ModeHigh, model.ModeMedium:
		d.Mode = mode.Degrade()
		d.Degraded = true
	default:
		jitter := rng.Float64() * 0.75
		seconds := 0.5 + float64(qlen-qmax)*0.75 + jitter
		if seconds > 30 {
			seconds = 30
		}
		d.Delay = time.Duration(seconds * float64(time.Second))
	}
	return d
}
