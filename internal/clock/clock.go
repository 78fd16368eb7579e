// Package clock abstracts wall time and delayed callbacks so that debounce and
// cool-down logic can run against virtual time in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock reports the current time and schedules cancellable callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, fn func()) Timer
}

// Timer is a scheduled callback. Stop reports whether it prevented the call.
type Timer interface {
	Stop() bool
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}

// OrReal returns c, or the real clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}

// Fake is a manually advanced Clock. Callbacks run synchronously on the
// goroutine calling Advance or Set, in due order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *Fake
	due     time.Time
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(delay time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	f.seq++
	timer := &fakeTimer{
		clock: f,
		due:   f.now.Add(delay),
		seq:   f.seq,
		fn:    fn,
	}
	f.timers = append(f.timers, timer)
	return timer
}

// Advance moves the clock forward by d, firing every timer that becomes due.
func (f *Fake) Advance(d time.Duration) {
	f.Set(f.Now().Add(d))
}

// Set moves the clock to t, firing every timer due at or before t. Moving
// backwards only changes Now.
func (f *Fake) Set(t time.Time) {
	for {
		f.mu.Lock()
		next := f.nextDueLocked(t)
		if next == nil {
			f.now = t
			f.mu.Unlock()
			return
		}
		next.fired = true
		if next.due.After(f.now) {
			f.now = next.due
		}
		fn := next.fn
		f.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compactLocked()
	return len(f.timers)
}

func (f *Fake) nextDueLocked(limit time.Time) *fakeTimer {
	f.compactLocked()
	if len(f.timers) == 0 {
		return nil
	}
	sort.Slice(f.timers, func(i, j int) bool {
		if f.timers[i].due.Equal(f.timers[j].due) {
			return f.timers[i].seq < f.timers[j].seq
		}
		return f.timers[i].due.Before(f.timers[j].due)
	})
	next := f.timers[0]
	if next.due.After(limit) {
		return nil
	}
	f.timers = f.timers[1:]
	return next
}

func (f *Fake) compactLocked() {
	live := f.timers[:0]
	for _, timer := range f.timers {
		if timer.stopped || timer.fired {
			continue
		}
		live = append(live, timer)
	}
	f.timers = live
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
