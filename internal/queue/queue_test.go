// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tommy2202/dubd/internal/model"
	"github.com/tommy2202/dubd/internal/store"
)

func newLocal(t *testing.T) *LocalBackend {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewLocal(s)
}

func entry(id string, prio int, created time.Time) *Entry {
	return &Entry{JobID: id, OwnerID: "u1", Mode: model.ModeMedium, Priority: prio, CreatedAt: created, AvailableAt: created}
}

func TestDispatchOrdering(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Minute)

	// Identical priority dispatches FIFO by creation; higher priority jumps
	// the line.
	require.NoError(t, b.Submit(ctx, entry("a", 0, t0)))
	require.NoError(t, b.Submit(ctx, entry("b", 0, t0.Add(time.Second))))
	require.NoError(t, b.Submit(ctx, entry("c", 5, t0.Add(2*time.Second))))

	var order []string
	for i := 0; i < 3; i++ {
		e, _, err := b.PopReady(ctx)
		require.NoError(t, err)
		require.NotNil(t, e)
		order = append(order, e.JobID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestSameInstantFIFOBySeq(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Minute)

	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, b.Submit(ctx, entry(id, 0, t0)))
	}
	var order []string
	for i := 0; i < 3; i++ {
		e, _, _ := b.PopReady(ctx)
		order = append(order, e.JobID)
	}
	assert.Equal(t, []string{"x", "y", "z"}, order)
}

func TestPopReadyRespectsAvailableAt(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	e := entry("later", 0, time.Now())
	e.AvailableAt = future
	require.NoError(t, b.Submit(ctx, e))

	got, next, err := b.PopReady(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.WithinDuration(t, future, next, time.Second)
}

func TestCancelQueuedAndSetPriority(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Minute)

	require.NoError(t, b.Submit(ctx, entry("a", 0, t0)))
	require.NoError(t, b.Submit(ctx, entry("b", 0, t0.Add(time.Second))))

	removed, err := b.CancelQueued(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = b.CancelQueued(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed, "second cancel is a no-op")

	require.NoError(t, b.Submit(ctx, entry("c", 0, t0.Add(2*time.Second))))
	require.NoError(t, b.SetPriority(ctx, "c", 10))

	e, _, err := b.PopReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", e.JobID)

	assert.Error(t, b.SetPriority(ctx, "missing", 1))
}

func TestReservationsCountTowardToday(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()

	r1, err := b.ReserveSubmit(ctx, "u1", 1)
	require.NoError(t, err)
	r2, err := b.ReserveSubmit(ctx, "u1", 1)
	require.NoError(t, err)

	c, err := b.Counters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Today)

	require.NoError(t, r1.Release(ctx))
	require.NoError(t, r2.Commit(ctx))

	c, err = b.Counters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Today, "settled reservations leave the store as the source of truth")

	// Double settle is harmless.
	require.NoError(t, r1.Release(ctx))
}

func TestApplyBackpressure(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	// At or below the threshold nothing changes.
	d := ApplyBackpressure(model.ModeHigh, 3, 3, rng)
	assert.Equal(t, model.ModeHigh, d.Mode)
	assert.False(t, d.Degraded)
	assert.Zero(t, d.Delay)

	// Above it, high degrades to medium and medium to low.
	d = ApplyBackpressure(model.ModeHigh, 4, 3, rng)
	assert.Equal(t, model.ModeMedium, d.Mode)
	assert.True(t, d.Degraded)

	d = ApplyBackpressure(model.ModeMedium, 4, 3, rng)
	assert.Equal(t, model.ModeLow, d.Mode)
	assert.True(t, d.Degraded)

	// Low is delayed by ~0.5 + k*0.75 seconds plus jitter under 0.75s.
	d = ApplyBackpressure(model.ModeLow, 8, 3, rng) // k = 5
	assert.False(t, d.Degraded)
	assert.GreaterOrEqual(t, d.Delay, 4250*time.Millisecond)
	assert.Less(t, d.Delay, 5*time.Second)

	// The delay is capped at 30s.
	d = ApplyBackpressure(model.ModeLow, 1000, 3, rng)
	assert.Equal(t, 30*time.Second, d.Delay)
}

func TestNotifySignal(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()

	require.NoError(t, b.Submit(ctx, entry("a", 0, time.Now())))
	select {
	case <-b.Notify():
	default:
		t.Fatal("expected a notify signal after submit")
	}
}

func TestLocalDispatchLockIsExclusivePerStore(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	a := NewLocal(s)
	b := NewLocal(s)
	ctx := context.Background()

	held, err := a.TryAcquireDispatchLock(ctx, "daemon-a", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	// A second daemon on the same jobs.db must stay passive.
	held, err = b.TryAcquireDispatchLock(ctx, "daemon-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, held)

	held, err = a.RenewDispatchLock(ctx, "daemon-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, a.ReleaseDispatchLock(ctx, "daemon-a"))
	held, err = b.TryAcquireDispatchLock(ctx, "daemon-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)
}
