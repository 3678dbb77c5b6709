// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
	"github.com/tommy2202/dubd/internal/store"
)

// Key layout under the dubd: prefix. Counters are atomic INCR/DECR; the
// ready set is a ZSET scored by availability time; the dispatch lock is a
// SET NX PX value holding the owner id.
const (
	keyReady        = "dubd:queue:ready"
	keyDispatchLock = "dubd:queue:dispatch_lock"
	keyHighRunning  = "dubd:counters:high_running"
	keyRunningTotal = "dubd:counters:running_total"
)

func keyUserRunning(userID string) string { return "dubd:counters:running:" + userID }
func keyUserToday(userID string, day string) string {
	return "dubd:counters:today:" + day + ":" + userID
}

// renewLockScript extends the lock TTL only while we still own it.
var renewLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseLockScript deletes the lock only while we still own it.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBackend layers cross-instance coordination over the in-memory heap:
// authoritative counters, the global ready-set length and the dispatch lock
// live in Redis while dispatch ordering for this instance stays local.
type RedisBackend struct {
	local          *LocalBackend
	rdb            *redis.Client
	store          *store.Store
	maxHighRunning int
	now            func() time.Time
}

// NewRedis builds a distributed backend. maxHighRunning caps concurrently
// running high-mode jobs across all instances; zero disables the cap.
func NewRedis(s *store.Store, rdb *redis.Client, maxHighRunning int) *RedisBackend {
	return &RedisBackend{
		local:          NewLocal(s),
		rdb:            rdb,
		store:          s,
		maxHighRunning: maxHighRunning,
		now:            time.Now,
	}
}

func (b *RedisBackend) Submit(ctx context.Context, e *Entry) error {
	if err := b.local.Submit(ctx, e); err != nil {
		return err
	}
	score := float64(e.AvailableAt.UnixMilli())
	if err := b.rdb.ZAdd(ctx, keyReady, redis.Z{Score: score, Member: e.JobID}).Err(); err != nil {
		return errdef.Wrap(errdef.KindUnavailable, "redis submit", err)
	}
	return nil
}

func (b *RedisBackend) PopReady(ctx context.Context) (*Entry, time.Time, error) {
	e, next, err := b.local.PopReady(ctx)
	if err != nil || e == nil {
		return e, next, err
	}
	if err := b.rdb.ZRem(ctx, keyReady, e.JobID).Err(); err != nil {
		// The entry is already off the local heap; dispatch proceeds and
		// the ready set self-heals on the next submit.
		return e, time.Time{}, nil
	}
	return e, time.Time{}, nil
}

func (b *RedisBackend) Requeue(ctx context.Context, e *Entry, delay time.Duration) error {
	if err := b.local.Requeue(ctx, e, delay); err != nil {
		return err
	}
	score := float64(e.AvailableAt.UnixMilli())
	return b.rdb.ZAdd(ctx, keyReady, redis.Z{Score: score, Member: e.JobID}).Err()
}

func (b *RedisBackend) Counters(ctx context.Context, userID string) (Counters, error) {
	_, queued, _, err := b.store.UserCounters(ctx, userID)
	if err != nil {
		return Counters{}, err
	}
	running, err := b.rdb.Get(ctx, keyUserRunning(userID)).Int()
	if err != nil && err != redis.Nil {
		return Counters{}, errdef.Wrap(errdef.KindUnavailable, "redis counters", err)
	}
	today, err := b.rdb.Get(ctx, keyUserToday(userID, b.day())).Int()
	if err != nil && err != redis.Nil {
		return Counters{}, errdef.Wrap(errdef.KindUnavailable, "redis counters", err)
	}
	return Counters{Running: running, Queued: queued, Today: today}, nil
}

func (b *RedisBackend) GlobalCounters(ctx context.Context) (GlobalCounters, error) {
	high, err := b.rdb.Get(ctx, keyHighRunning).Int()
	if err != nil && err != redis.Nil {
		return GlobalCounters{}, errdef.Wrap(errdef.KindUnavailable, "redis counters", err)
	}
	running, err := b.rdb.Get(ctx, keyRunningTotal).Int()
	if err != nil && err != redis.Nil {
		return GlobalCounters{}, errdef.Wrap(errdef.KindUnavailable, "redis counters", err)
	}
	queued, err := b.rdb.ZCard(ctx, keyReady).Result()
	if err != nil {
		return GlobalCounters{}, errdef.Wrap(errdef.KindUnavailable, "redis counters", err)
	}
	return GlobalCounters{HighRunning: high, Running: running, Queued: int(queued)}, nil
}

// Len is the cross-instance ready-set length so backpressure reacts to the
// whole deployment, not one process.
func (b *RedisBackend) Len(ctx context.Context) (int, error) {
	n, err := b.rdb.ZCard(ctx, keyReady).Result()
	if err != nil {
		return 0, errdef.Wrap(errdef.KindUnavailable, "redis len", err)
	}
	return int(n), nil
}

func (b *RedisBackend) SetPriority(ctx context.Context, jobID string, priority int) error {
	return b.local.SetPriority(ctx, jobID, priority)
}

func (b *RedisBackend) CancelQueued(ctx context.Context, jobID string) (bool, error) {
	localRemoved, _ := b.local.CancelQueued(ctx, jobID)
	n, err := b.rdb.ZRem(ctx, keyReady, jobID).Result()
	if err != nil {
		return localRemoved, errdef.Wrap(errdef.KindUnavailable, "redis cancel", err)
	}
	return localRemoved || n > 0, nil
}

type redisReservation struct {
	backend *RedisBackend
	key     string
	count   int
	settled bool
}

func (r *redisReservation) Commit(ctx context.Context) error {
	// The increment stands; the job was persisted and counts toward today.
	r.settled = true
	return nil
}

func (r *redisReservation) Release(ctx context.Context) error {
	if r.settled {
		return nil
	}
	r.settled = true
	return r.backend.rdb.DecrBy(ctx, r.key, int64(r.count)).Err()
}

func (b *RedisBackend) ReserveSubmit(ctx context.Context, userID string, count int) (Reservation, error) {
	key := keyUserToday(userID, b.day())
	if err := b.rdb.IncrBy(ctx, key, int64(count)).Err(); err != nil {
		return nil, errdef.Wrap(errdef.KindUnavailable, "redis reserve", err)
	}
	// Two days covers any timezone skew between instances.
	b.rdb.Expire(ctx, key, 48*time.Hour)
	return &redisReservation{backend: b, key: key, count: count}, nil
}

// BeforeJobRun atomically claims a high-mode slot across instances and
// accounts the job as running. A full high-mode pool returns false so the
// caller requeues with backoff.
func (b *RedisBackend) BeforeJobRun(ctx context.Context, jobID, ownerID string, mode model.Mode) (bool, error) {
	if mode == model.ModeHigh && b.maxHighRunning > 0 {
		n, err := b.rdb.Incr(ctx, keyHighRunning).Result()
		if err != nil {
			return false, errdef.Wrap(errdef.KindUnavailable, "redis before run", err)
		}
		if int(n) > b.maxHighRunning {
			b.rdb.Decr(ctx, keyHighRunning)
			return false, nil
		}
	}
	pipe := b.rdb.Pipeline()
	pipe.Incr(ctx, keyUserRunning(ownerID))
	pipe.Incr(ctx, keyRunningTotal)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errdef.Wrap(errdef.KindUnavailable, "redis before run", err)
	}
	_, _ = b.local.BeforeJobRun(ctx, jobID, ownerID, mode)
	return true, nil
}

func (b *RedisBackend) OnJobDone(ctx context.Context, jobID, ownerID string, mode model.Mode) error {
	pipe := b.rdb.Pipeline()
	if mode == model.ModeHigh && b.maxHighRunning > 0 {
		pipe.Decr(ctx, keyHighRunning)
	}
	pipe.Decr(ctx, keyUserRunning(ownerID))
	pipe.Decr(ctx, keyRunningTotal)
	if _, err := pipe.Exec(ctx); err != nil {
		return errdef.Wrap(errdef.KindUnavailable, "redis on done", err)
	}
	return b.local.OnJobDone(ctx, jobID, ownerID, mode)
}

func (b *RedisBackend) TryAcquireDispatchLock(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, keyDispatchLock, owner, ttl).Result()
	if err != nil {
		return false, errdef.Wrap(errdef.KindUnavailable, "redis lock", err)
	}
	if ok {
		return true, nil
	}
	// Re-entrant for the current owner: renewing succeeds only if we hold it.
	return b.RenewDispatchLock(ctx, owner, ttl)
}

func (b *RedisBackend) RenewDispatchLock(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	n, err := renewLockScript.Run(ctx, b.rdb, []string{keyDispatchLock}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errdef.Wrap(errdef.KindUnavailable, "redis lock renew", err)
	}
	return n == 1, nil
}

func (b *RedisBackend) ReleaseDispatchLock(ctx context.Context, owner string) error {
	err := releaseLockScript.Run(ctx, b.rdb, []string{keyDispatchLock}, owner).Err()
	if err != nil && err != redis.Nil {
		return errdef.Wrap(errdef.KindUnavailable, "redis lock release", err)
	}
	return nil
}

func (b *RedisBackend) Snapshot(ctx context.Context) ([]*Entry, error) {
	return b.local.Snapshot(ctx)
}

func (b *RedisBackend) Notify() <-chan struct{} { return b.local.Notify() }

func (b *RedisBackend) Close() error { return b.rdb.Close() }

func (b *RedisBackend) day() string { return b.now().UTC().Format("2006-01-02") }

var _ Backend = (*RedisBackend)(nil)
var _ Backend = (*LocalBackend)(nil)

// String implements fmt.Stringer for log lines.
func (e *Entry) String() string {
	return fmt.Sprintf("job=%s owner=%s mode=%s prio=%d", e.JobID, e.OwnerID, e.Mode, e.Priority)
}
