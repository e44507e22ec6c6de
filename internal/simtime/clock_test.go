package simtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManual(t *testing.T) *Clock {
	t.Helper()
	c := New(Config{Mode: Manual, TicksPerSecond: 1000})
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

func TestClock_NotRunning(t *testing.T) {
	c := New(Config{Mode: Manual})

	_, err := c.Schedule(1, func() {})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, c.Advance(1), ErrNotRunning)
	assert.ErrorIs(t, c.Wait(context.Background(), 1), ErrNotRunning)

	c.Start()
	c.Stop()
	_, err = c.Schedule(1, func() {})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestClock_FiresOnceAtDeadline(t *testing.T) {
	c := newManual(t)

	var firedAt []uint64
	_, err := c.Schedule(10, func() { firedAt = append(firedAt, c.Now()) })
	require.NoError(t, err)

	require.NoError(t, c.Advance(9))
	assert.Empty(t, firedAt)
	require.NoError(t, c.Advance(1))
	assert.Equal(t, []uint64{10}, firedAt)
	require.NoError(t, c.Advance(100))
	assert.Equal(t, []uint64{10}, firedAt)
	assert.Equal(t, uint64(110), c.Now())
}

func TestClock_SameDeadlineFIFO(t *testing.T) {
	c := newManual(t)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		_, err := c.Schedule(3, func() { order = append(order, i) })
		require.NoError(t, err)
	}
	_, err := c.Schedule(1, func() { order = append(order, -1) })
	require.NoError(t, err)

	require.NoError(t, c.Advance(3))
	assert.Equal(t, []int{-1, 0, 1, 2, 3, 4}, order)
}

func TestClock_CancelIdempotent(t *testing.T) {
	c := newManual(t)

	fired := false
	timer, err := c.Schedule(5, func() { fired = true })
	require.NoError(t, err)
	assert.Equal(t, 1, c.Pending())

	timer.Cancel()
	timer.Cancel()
	c.Cancel(nil)
	assert.Equal(t, 0, c.Pending())

	require.NoError(t, c.Advance(10))
	assert.False(t, fired)
}

func TestClock_CancelAfterFire(t *testing.T) {
	c := newManual(t)

	count := 0
	timer, err := c.Schedule(1, func() { count++ })
	require.NoError(t, err)
	require.NoError(t, c.Advance(1))
	timer.Cancel()
	require.NoError(t, c.Advance(1))
	assert.Equal(t, 1, count)
}

func TestClock_CancelFromEarlierCallback(t *testing.T) {
	c := newManual(t)

	laterFired := false
	later, err := c.Schedule(5, func() { laterFired = true })
	require.NoError(t, err)
	_, err = c.Schedule(5, func() { later.Cancel() })
	require.NoError(t, err)

	// same deadline, but "later" was scheduled first and fires first
	require.NoError(t, c.Advance(5))
	assert.True(t, laterFired)

	victimFired := false
	var victim *Timer
	_, err = c.Schedule(2, func() { victim.Cancel() })
	require.NoError(t, err)
	victim, err = c.Schedule(3, func() { victimFired = true })
	require.NoError(t, err)
	require.NoError(t, c.Advance(3))
	assert.False(t, victimFired)
}

func TestClock_ScheduleFromCallback(t *testing.T) {
	c := newManual(t)

	var ticks []uint64
	_, err := c.Schedule(2, func() {
		ticks = append(ticks, c.Now())
		_, err := c.Schedule(3, func() { ticks = append(ticks, c.Now()) })
		assert.NoError(t, err)
	})
	require.NoError(t, err)

	require.NoError(t, c.Advance(10))
	assert.Equal(t, []uint64{2, 5}, ticks)
}

func TestClock_PanicIsolated(t *testing.T) {
	c := newManual(t)

	fired := false
	_, err := c.Schedule(1, func() { panic("boom") })
	require.NoError(t, err)
	_, err = c.Schedule(1, func() { fired = true })
	require.NoError(t, err)

	assert.NotPanics(t, func() { require.NoError(t, c.Advance(1)) })
	assert.True(t, fired)
}

func TestClock_StopDiscardsPending(t *testing.T) {
	c := New(Config{Mode: Manual})
	c.Start()

	fired := false
	timer, err := c.Schedule(1, func() { fired = true })
	require.NoError(t, err)
	c.Stop()
	timer.Cancel()

	assert.Equal(t, 0, c.Pending())
	assert.False(t, fired)
	assert.False(t, c.Running())
}

func TestClock_WaitManual(t *testing.T) {
	c := newManual(t)

	done := make(chan error, 1)
	go func() { done <- c.Wait(context.Background(), 1) }()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("Wait returned before the clock advanced")
	default:
	}

	require.NoError(t, c.Advance(1))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestClock_WaitInterruptedByStop(t *testing.T) {
	c := New(Config{Mode: Manual})
	c.Start()

	done := make(chan error, 1)
	go func() { done <- c.Wait(context.Background(), 100) }()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)

	c.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotRunning)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestClock_RealTime(t *testing.T) {
	c := New(Config{Mode: RealTime, TicksPerSecond: 1000})
	c.Start()
	defer c.Stop()

	var mu sync.Mutex
	var firedAt []uint64
	start := c.Now()
	for _, d := range []uint64{30, 10, 20} {
		_, err := c.Schedule(d, func() {
			mu.Lock()
			firedAt = append(firedAt, c.Now())
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(firedAt) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, firedAt[0], start+10)
	assert.GreaterOrEqual(t, firedAt[1], start+20)
	assert.GreaterOrEqual(t, firedAt[2], start+30)
	assert.ErrorContains(t, c.Advance(1), "manual")
}

func TestClock_WaitRealTime(t *testing.T) {
	c := New(Config{Mode: RealTime, TicksPerSecond: 1000})
	c.Start()
	defer c.Stop()

	begin := time.Now()
	require.NoError(t, c.Wait(context.Background(), 20))
	// within one tick of resolution
	assert.GreaterOrEqual(t, time.Since(begin), 19*time.Millisecond)
}

func TestClock_Conversions(t *testing.T) {
	c := New(Config{TicksPerSecond: 1000})
	assert.Equal(t, uint64(1000), c.TicksPerSecond())
	assert.Equal(t, uint64(2), c.Ticks(1500*time.Microsecond))
	assert.Equal(t, uint64(1000), c.Ticks(time.Second))
	assert.Equal(t, uint64(0), c.Ticks(0))
	assert.Equal(t, 1500*time.Millisecond, c.Duration(1500))

	mode, err := ParseMode("manual")
	require.NoError(t, err)
	assert.Equal(t, Manual, mode)
	_, err = ParseMode("bogus")
	assert.Error(t, err)
}
