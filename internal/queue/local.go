// SPDX-License-Identifier: MIT

package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
	"github.com/tommy2202/dubd/internal/store"
)

// LocalBackend is the single-process queue: a mutex-guarded in-memory heap
// with counters derived from the job store. The dispatch lock is an advisory
// SQLite lease, so a second daemon on the same jobs.db stays passive.
type LocalBackend struct {
	mu      sync.Mutex
	heap    entryHeap
	seq     uint64
	pending map[string]int // userID -> uncommitted daily reservations
	running map[string]struct{}

	store  *store.Store
	notify chan struct{}
	now    func() time.Time
}

// NewLocal builds a local backend over the job store.
func NewLocal(s *store.Store) *LocalBackend {
	return &LocalBackend{
		pending: map[string]int{},
		running: map[string]struct{}{},
		store:   s,
		notify:  make(chan struct{}, 1),
		now:     time.Now,
	}
}

func (b *LocalBackend) Submit(ctx context.Context, e *Entry) error {
	b.mu.Lock()
	b.seq++
	e.Seq = b.seq
	if e.AvailableAt.IsZero() {
		e.AvailableAt = b.now()
	}
	heap.Push(&b.heap, e)
	b.mu.Unlock()
	b.signal()
	return nil
}

func (b *LocalBackend) PopReady(ctx context.Context) (*Entry, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.heap.Len() == 0 {
		return nil, time.Time{}, nil
	}
	head := b.heap[0]
	if head.AvailableAt.After(b.now()) {
		return nil, head.AvailableAt, nil
	}
	return heap.Pop(&b.heap).(*Entry), time.Time{}, nil
}

func (b *LocalBackend) Requeue(ctx context.Context, e *Entry, delay time.Duration) error {
	b.mu.Lock()
	e.AvailableAt = b.now().Add(delay)
	e.Attempts++
	heap.Push(&b.heap, e)
	b.mu.Unlock()
	b.signal()
	return nil
}

func (b *LocalBackend) Counters(ctx context.Context, userID string) (Counters, error) {
	running, queued, today, err := b.store.UserCounters(ctx, userID)
	if err != nil {
		return Counters{}, err
	}
	b.mu.Lock()
	today += b.pending[userID]
	b.mu.Unlock()
	return Counters{Running: running, Queued: queued, Today: today}, nil
}

func (b *LocalBackend) GlobalCounters(ctx context.Context) (GlobalCounters, error) {
	high, running, queued, err := b.store.GlobalCounters(ctx)
	if err != nil {
		return GlobalCounters{}, err
	}
	return GlobalCounters{HighRunning: high, Running: running, Queued: queued}, nil
}

func (b *LocalBackend) Len(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heap.Len(), nil
}

func (b *LocalBackend) SetPriority(ctx context.Context, jobID string, priority int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.heap.remove(jobID)
	if e == nil {
		return errdef.NotFound("job is not queued")
	}
	e.Priority = priority
	heap.Push(&b.heap, e)
	b.signalLocked()
	return nil
}

func (b *LocalBackend) CancelQueued(ctx context.Context, jobID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heap.remove(jobID) != nil, nil
}

// localReservation backs ReserveSubmit with an in-process pending counter so
// concurrent submissions cannot slip past the daily cap between check and
// persist.
type localReservation struct {
	backend *LocalBackend
	userID  string
	count   int
	settled bool
}

func (r *localReservation) Commit(ctx context.Context) error {
	// The job row now exists; the store's today count covers it.
	return r.settle()
}

func (r *localReservation) Release(ctx context.Context) error {
	return r.settle()
}

func (r *localReservation) settle() error {
	r.backend.mu.Lock()
	defer r.backend.mu.Unlock()
	if r.settled {
		return nil
	}
	r.settled = true
	r.backend.pending[r.userID] -= r.count
	if r.backend.pending[r.userID] <= 0 {
		delete(r.backend.pending, r.userID)
	}
	return nil
}

func (b *LocalBackend) ReserveSubmit(ctx context.Context, userID string, count int) (Reservation, error) {
	b.mu.Lock()
	b.pending[userID] += count
	b.mu.Unlock()
	return &localReservation{backend: b, userID: userID, count: count}, nil
}

func (b *LocalBackend) BeforeJobRun(ctx context.Context, jobID, ownerID string, mode model.Mode) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running[jobID] = struct{}{}
	return true, nil
}

func (b *LocalBackend) OnJobDone(ctx context.Context, jobID, ownerID string, mode model.Mode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.running, jobID)
	return nil
}

// dispatchLeaseKey names the advisory dispatch lease in the job store.
const dispatchLeaseKey = "dispatch"

// Dispatch locks ride on the store's SQLite lease so two daemons pointed at
// the same jobs.db cannot both dispatch.
func (b *LocalBackend) TryAcquireDispatchLock(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	return b.store.TryAcquireLease(ctx, dispatchLeaseKey, owner, ttl)
}

func (b *LocalBackend) RenewDispatchLock(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	return b.store.RenewLease(ctx, dispatchLeaseKey, owner, ttl)
}

func (b *LocalBackend) ReleaseDispatchLock(ctx context.Context, owner string) error {
	return b.store.ReleaseLease(ctx, dispatchLeaseKey, owner)
}

func (b *LocalBackend) Snapshot(ctx context.Context) ([]*Entry, error) {
	b.mu.Lock()
	entries := make([]*Entry, len(b.heap))
	copy(entries, b.heap)
	b.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		h := entryHeap{entries[i], entries[j]}
		return h.Less(0, 1)
	})
	return entries, nil
}

func (b *LocalBackend) Notify() <-chan struct{} { return b.notify }

func (b *LocalBackend) Close() error { return nil }

func (b *LocalBackend) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// signalLocked is identical to signal; the channel send never blocks so it
// is safe under the mutex.
func (b *LocalBackend) signalLocked() { b.signal() }
