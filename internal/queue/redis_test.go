// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tommy2202/dubd/internal/model"
	"github.com/tommy2202/dubd/internal/store"
)

func newRedisBackend(t *testing.T, maxHigh int) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = rdb.Close()
		_ = s.Close()
	})
	return NewRedis(s, rdb, maxHigh), mr
}

func TestRedisSubmitAndLen(t *testing.T) {
	b, _ := newRedisBackend(t, 0)
	ctx := context.Background()

	require.NoError(t, b.Submit(ctx, entry("a", 0, time.Now().Add(-time.Second))))
	require.NoError(t, b.Submit(ctx, entry("b", 0, time.Now().Add(-time.Second))))

	n, err := b.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e, _, err := b.PopReady(ctx)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "a", e.JobID)

	n, err = b.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "pop removes from the ready set")
}

func TestRedisCancelQueued(t *testing.T) {
	b, _ := newRedisBackend(t, 0)
	ctx := context.Background()

	require.NoError(t, b.Submit(ctx, entry("a", 0, time.Now())))
	removed, err := b.CancelQueued(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = b.CancelQueued(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRedisHighModeSlotCAS(t *testing.T) {
	b, _ := newRedisBackend(t, 1)
	ctx := context.Background()

	ok, err := b.BeforeJobRun(ctx, "j1", "u1", model.ModeHigh)
	require.NoError(t, err)
	assert.True(t, ok)

	// The single high slot is taken.
	ok, err = b.BeforeJobRun(ctx, "j2", "u2", model.ModeHigh)
	require.NoError(t, err)
	assert.False(t, ok)

	// A non-high job still runs.
	ok, err = b.BeforeJobRun(ctx, "j3", "u3", model.ModeLow)
	require.NoError(t, err)
	assert.True(t, ok)

	gc, err := b.GlobalCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, gc.HighRunning)
	assert.Equal(t, 2, gc.Running)

	require.NoError(t, b.OnJobDone(ctx, "j1", "u1", model.ModeHigh))
	ok, err = b.BeforeJobRun(ctx, "j2", "u2", model.ModeHigh)
	require.NoError(t, err)
	assert.True(t, ok, "slot frees after done")
}

func TestRedisReservations(t *testing.T) {
	b, _ := newRedisBackend(t, 0)
	ctx := context.Background()

	r1, err := b.ReserveSubmit(ctx, "u1", 1)
	require.NoError(t, err)
	r2, err := b.ReserveSubmit(ctx, "u1", 1)
	require.NoError(t, err)

	c, err := b.Counters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Today)

	// Committed reservations stay counted; released ones roll back.
	require.NoError(t, r1.Commit(ctx))
	require.NoError(t, r2.Release(ctx))

	c, err = b.Counters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Today)
}

func TestRedisDispatchLock(t *testing.T) {
	b, _ := newRedisBackend(t, 0)
	ctx := context.Background()

	ok, err := b.TryAcquireDispatchLock(ctx, "inst-a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquireDispatchLock(ctx, "inst-b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "held by another instance")

	// The holder renews and re-acquires freely.
	ok, err = b.RenewDispatchLock(ctx, "inst-a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.TryAcquireDispatchLock(ctx, "inst-a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Release by a non-holder is ignored.
	require.NoError(t, b.ReleaseDispatchLock(ctx, "inst-b"))
	ok, err = b.RenewDispatchLock(ctx, "inst-a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.ReleaseDispatchLock(ctx, "inst-a"))
	ok, err = b.TryAcquireDispatchLock(ctx, "inst-b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExpires(t *testing.T) {
	b, mr := newRedisBackend(t, 0)
	ctx := context.Background()

	ok, err := b.TryAcquireDispatchLock(ctx, "inst-a", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(100 * time.Millisecond)

	ok, err = b.TryAcquireDispatchLock(ctx, "inst-b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is up for grabs")
}
