// Package simtime provides the virtual clock that drives a simulation.
//
// Time is counted in ticks. A RealTime clock advances its tick counter with
// wall time at a fixed rate; a Manual clock only moves when Advance is
// called. Callbacks scheduled on the clock run synchronously, one at a time,
// on the flow that advances time and never while the clock's lock is held.
package simtime

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/observability"
)

// ErrNotRunning is returned by operations on a clock that was never started
// or has been stopped.
var ErrNotRunning = errors.New("clock is not running")

// Mode describes how the clock advances.
type Mode int

const (
	// RealTime advances in lockstep with wall-clock time.
	RealTime Mode = iota
	// Manual advances only through Advance.
	Manual
)

// ParseMode parses "realtime" or "manual".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "realtime", "real_time":
		return RealTime, nil
	case "manual":
		return Manual, nil
	default:
		return RealTime, fmt.Errorf("unknown clock mode %q", s)
	}
}

func (m Mode) String() string {
	if m == Manual {
		return "manual"
	}
	return "realtime"
}

// DefaultTicksPerSecond is used when Config.TicksPerSecond is zero.
const DefaultTicksPerSecond = 1000

// Config configures a Clock.
type Config struct {
	Mode           Mode
	TicksPerSecond uint64
	Metrics        *observability.Collector
}

// Clock is a virtual time source with cancellable scheduled callbacks.
type Clock struct {
	mode    Mode
	rate    uint64
	metrics *observability.Collector

	mu      sync.Mutex
	running bool
	base    uint64    // tick at startedAt (RealTime) or current tick (Manual)
	started time.Time // wall time of the last Start
	seq     uint64
	q       timerQueue
	wake    chan struct{}
	done    chan struct{}

	advanceMu sync.Mutex
}

// New creates a stopped clock.
func New(cfg Config) *Clock {
	rate := cfg.TicksPerSecond
	if rate == 0 {
		rate = DefaultTicksPerSecond
	}
	c := &Clock{
		mode:    cfg.Mode,
		rate:    rate,
		metrics: cfg.Metrics,
		q:       timerQueue{},
	}
	heap.Init(&c.q)
	return c
}

// Mode returns how the clock advances.
func (c *Clock) Mode() Mode {
	return c.mode
}

// TicksPerSecond returns the tick rate.
func (c *Clock) TicksPerSecond() uint64 {
	return c.rate
}

// Ticks converts a duration to ticks, rounding up so that a timer never
// fires before the duration has elapsed.
func (c *Clock) Ticks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	secs, rem := uint64(d/time.Second), uint64(d%time.Second)
	return secs*c.rate + (rem*c.rate+uint64(time.Second)-1)/uint64(time.Second)
}

// elapsed converts a wall duration to whole ticks, rounding down.
func (c *Clock) elapsed(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	secs, rem := uint64(d/time.Second), uint64(d%time.Second)
	return secs*c.rate + rem*c.rate/uint64(time.Second)
}

// Duration converts ticks to wall time.
func (c *Clock) Duration(ticks uint64) time.Duration {
	secs, rem := ticks/c.rate, ticks%c.rate
	return time.Duration(secs)*time.Second + time.Duration(rem*uint64(time.Second)/c.rate)
}

// Start begins advancing time. Starting a running clock does nothing.
// A restarted clock continues from the tick at which it was stopped.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.started = time.Now()
	c.wake = make(chan struct{}, 1)
	c.done = make(chan struct{})

	if c.mode == RealTime {
		go c.run(c.wake, c.done)
	}

	log.Debug().
		Str("mode", c.mode.String()).
		Uint64("tick", c.base).
		Uint64("rate", c.rate).
		Msg("clock started")
}

// Stop halts the clock. Pending timers are discarded without firing and
// blocked Wait calls return ErrNotRunning.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.base = c.nowLocked()
	c.running = false
	close(c.done)

	for _, t := range c.q {
		t.state = timerCancelled
		t.index = -1
	}
	c.q = c.q[:0]

	log.Debug().Uint64("tick", c.base).Msg("clock stopped")
}

// Running reports whether the clock is started.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Now returns the current tick.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

func (c *Clock) nowLocked() uint64 {
	if !c.running || c.mode == Manual {
		return c.base
	}
	return c.base + c.elapsed(time.Since(c.started))
}

// Pending returns the number of timers waiting to fire.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.q)
}

// Schedule arranges for fn to run once, no earlier than delay ticks from
// now. Timers sharing a deadline fire in the order they were scheduled.
func (c *Clock) Schedule(delay uint64, fn func()) (*Timer, error) {
	if fn == nil {
		return nil, errors.New("schedule: nil callback")
	}

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, ErrNotRunning
	}

	c.seq++
	t := &Timer{
		fireAt: c.nowLocked() + delay,
		seq:    c.seq,
		fn:     fn,
		clock:  c,
	}
	heap.Push(&c.q, t)
	head := c.q[0] == t
	wake := c.wake
	c.mu.Unlock()

	c.metrics.TimerScheduled()

	if head {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	return t, nil
}

// Cancel prevents a pending timer from firing. It is a no-op for nil,
// fired or already cancelled timers.
func (c *Clock) Cancel(t *Timer) {
	if t == nil {
		return
	}

	c.mu.Lock()
	if t.state != timerPending {
		c.mu.Unlock()
		return
	}
	t.state = timerCancelled
	if t.index >= 0 && t.index < len(c.q) && c.q[t.index] == t {
		heap.Remove(&c.q, t.index)
	}
	c.mu.Unlock()

	c.metrics.TimerCancelled()
}

// Wait blocks until ticks have elapsed, the clock stops or ctx is done.
// It must not be called from a timer callback, which would block the flow
// that advances time.
func (c *Clock) Wait(ctx context.Context, ticks uint64) error {
	fired := make(chan struct{})
	if _, err := c.Schedule(ticks, func() { close(fired) }); err != nil {
		return err
	}

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	select {
	case <-fired:
		return nil
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Advance moves a Manual clock forward by ticks, firing every timer that
// falls due on the way in deadline order. Each callback observes Now() equal
// to its own deadline. Timers scheduled by callbacks inside the window fire
// within the same call.
func (c *Clock) Advance(ticks uint64) error {
	if c.mode != Manual {
		return errors.New("advance: clock is not in manual mode")
	}

	c.advanceMu.Lock()
	defer c.advanceMu.Unlock()

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	target := c.base + ticks
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			return ErrNotRunning
		}
		if len(c.q) == 0 || c.q[0].fireAt > target {
			c.base = target
			c.mu.Unlock()
			return nil
		}
		t := heap.Pop(&c.q).(*Timer)
		if t.fireAt > c.base {
			c.base = t.fireAt
		}
		t.state = timerFired
		c.mu.Unlock()

		c.fire(t)
	}
}

// run fires due timers of a RealTime clock until done is closed.
func (c *Clock) run(wake <-chan struct{}, done chan struct{}) {
	sleep := time.NewTimer(time.Hour)
	defer sleep.Stop()

	for {
		c.mu.Lock()
		if !c.running || c.done != done {
			c.mu.Unlock()
			return
		}

		var next *Timer
		var wait time.Duration = -1
		if len(c.q) > 0 {
			now := c.nowLocked()
			if c.q[0].fireAt <= now {
				next = heap.Pop(&c.q).(*Timer)
				next.state = timerFired
			} else {
				wait = c.Duration(c.q[0].fireAt-now) + time.Second/time.Duration(c.rate)
			}
		}
		c.mu.Unlock()

		if next != nil {
			c.fire(next)
			continue
		}

		if wait < 0 {
			select {
			case <-wake:
			case <-done:
				return
			}
			continue
		}

		if !sleep.Stop() {
			select {
			case <-sleep.C:
			default:
			}
		}
		sleep.Reset(wait)
		select {
		case <-sleep.C:
		case <-wake:
		case <-done:
			return
		}
	}
}

// fire runs a timer callback, isolating panics so that the queue stays
// usable for other timers.
func (c *Clock) fire(t *Timer) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.CallbackPanicked("clock")
			log.Error().
				Interface("panic", r).
				Uint64("deadline", t.fireAt).
				Uint64("seq", t.seq).
				Msg("timer callback panicked")
		}
	}()

	c.metrics.TimerFired()
	t.fn()
}
