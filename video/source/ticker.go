package source

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

const defaultFPS = 30

// PeriodForFPS converts a frame rate to a tick period, treating fps <= 0 as
// the default rate.
func PeriodForFPS(fps float64) time.Duration {
	if fps <= 0 {
		fps = defaultFPS
	}
	return time.Duration(float64(time.Second) / fps)
}

// Ticker calls fn every period until stopped, ctx is done, or fn returns
// false. Validity is rechecked right before every call, so fn never runs
// after Stop returns or after ctx is cancelled.
//
// fn must not call Stop; it returns false to end the ticker instead.
type Ticker struct {
	ctx    context.Context
	period atomic.Duration
	fn     func() bool

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
	// restart is set by a Start that raced with fn deciding to end.
	restart bool
}

func NewTicker(ctx context.Context, period time.Duration, fn func() bool) *Ticker {
	t := &Ticker{
		ctx: ctx,
		fn:  fn,
	}
	t.SetPeriod(period)
	return t
}

func (t *Ticker) Period() time.Duration {
	return t.period.Load()
}

// SetPeriod changes the interval, taking effect from the next tick.
func (t *Ticker) SetPeriod(d time.Duration) {
	if d <= 0 {
		d = PeriodForFPS(0)
	}
	t.period.Store(d)
}

// Start begins ticking. If the ticker is still running, a call to fn that
// returns false no longer ends it.
func (t *Ticker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runningLocked() {
		t.restart = true
		return
	}
	t.restart = false
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run(t.stop, t.done)
}

func (t *Ticker) run(stop chan struct{}, done chan<- struct{}) {
	defer close(done)
	next := time.Now()
	for {
		next = next.Add(t.Period())
		d := time.Until(next)
		if d < 0 {
			// Fell behind; skip the missed ticks rather than bursting.
			next = time.Now()
			d = 0
		}
		timer := time.NewTimer(d)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		select {
		case <-stop:
			return
		default:
		}
		if t.ctx.Err() != nil {
			return
		}
		if t.fn() {
			t.mu.Lock()
			t.restart = false
			t.mu.Unlock()
			continue
		}
		if !t.keepGoing(stop) {
			return
		}
	}
}

// keepGoing decides whether a run whose fn asked to end should continue
// because Start was called meanwhile. Otherwise the run is marked ended.
func (t *Ticker) keepGoing(stop chan struct{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != stop {
		return false
	}
	if t.restart {
		t.restart = false
		return true
	}
	t.stop = nil
	return false
}

// Stop halts the ticker and waits for an in-progress call to return.
func (t *Ticker) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop = nil
	t.restart = false
	t.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runningLocked()
}

func (t *Ticker) runningLocked() bool {
	if t.stop == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}
