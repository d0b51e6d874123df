package deadline

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// DefaultJitterRatio shortens timer durations by up to half their length.
const DefaultJitterRatio = 2

// ErrCanceled is passed to a timer handler when its arm was stopped or
// replaced before it expired.
var ErrCanceled = errors.New("timer canceled")

// Jitter returns a pseudo random duration in [d - d/ratio, d] with
// millisecond resolution. A ratio of zero, or a duration too short to be
// divided, returns d unchanged.
func Jitter(d time.Duration, ratio uint8) time.Duration {
	if ratio == 0 {
		return d
	}

	maxExpire := d.Milliseconds()
	limit := maxExpire / int64(ratio)
	if limit <= 0 {
		return d
	}

	offset := rand.Int64N(limit + 1)

	return time.Duration(maxExpire-offset) * time.Millisecond
}

// Timer invokes a handler once after a jittered duration, or with ErrCanceled
// if it is stopped or re-armed first. Each arm picks a fresh jitter.
//
// NOTE: This structure MUST be initialized with New.
type Timer struct {
	clock    clock.Clock
	duration time.Duration
	ratio    uint8

	mtx sync.Mutex

	// cancel belongs to the pending arm, nil when nothing is pending.
	cancel chan struct{}
}

// New returns a stopped timer for the base duration d.
func New(clk clock.Clock, d time.Duration, ratio uint8) *Timer {
	return &Timer{
		clock:    clk,
		duration: d,
		ratio:    ratio,
	}
}

// Duration returns the base duration before jitter.
func (t *Timer) Duration() time.Duration {
	return t.duration
}

// Start arms the timer. A pending arm is canceled and its handler receives
// ErrCanceled. The new handler receives nil when the timer expires. Handlers
// run on their own goroutine.
func (t *Timer) Start(handler func(error)) {
	t.mtx.Lock()
	if t.cancel != nil {
		close(t.cancel)
	}

	cancel := make(chan struct{})
	t.cancel = cancel

	// Registering with the clock before returning means the expiry is
	// measured from this call, not from when the goroutine is scheduled.
	expiry := t.clock.TickAfter(Jitter(t.duration, t.ratio))
	t.mtx.Unlock()

	go t.wait(expiry, cancel, handler)
}

// wait blocks until the arm identified by cancel expires or is canceled.
func (t *Timer) wait(expiry <-chan time.Time, cancel chan struct{},
	handler func(error)) {

	select {
	case <-expiry:
	case <-cancel:
		handler(ErrCanceled)
		return
	}

	// The expiry may have raced with Stop or a new Start. Whoever clears
	// the pending arm first decides the outcome.
	t.mtx.Lock()
	if t.cancel != cancel {
		t.mtx.Unlock()
		handler(ErrCanceled)

		return
	}
	t.cancel = nil
	t.mtx.Unlock()

	handler(nil)
}

// Stop cancels the pending arm, if any. Stopping a timer that already fired
// is a no-op.
func (t *Timer) Stop() {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.cancel != nil {
		close(t.cancel)
		t.cancel = nil
	}
}

// Pending reports whether an arm is outstanding.
func (t *Timer) Pending() bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	return t.cancel != nil
}
