package deadline

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testTime = time.Date(2009, time.January, 3, 18, 15, 5, 0, time.UTC)

const testTimeout = 5 * time.Second

// newTestTimer returns a timer without jitter, its clock and the channel the
// clock reports every registered duration on.
func newTestTimer(d time.Duration) (*Timer, *clock.TestClock,
	chan time.Duration) {

	ticks := make(chan time.Duration, 10)
	clk := clock.NewTestClockWithTickSignal(testTime, ticks)

	return New(clk, d, 0), clk, ticks
}

// handlerChan returns a handler that forwards its result on the returned
// channel.
func handlerChan() (func(error), chan error) {
	results := make(chan error, 1)

	return func(err error) {
		results <- err
	}, results
}

func recvResult(t *testing.T, results chan error) error {
	t.Helper()

	select {
	case err := <-results:
		return err

	case <-time.After(testTimeout):
		t.Fatalf("timer handler not invoked")
		return nil
	}
}

func assertNoResult(t *testing.T, results chan error) {
	t.Helper()

	select {
	case err := <-results:
		t.Fatalf("unexpected timer result: %v", err)

	case <-time.After(50 * time.Millisecond):
	}
}

// TestTimerExpires asserts that an armed timer reports a nil result once the
// clock passes its duration, and not before.
func TestTimerExpires(t *testing.T) {
	t.Parallel()

	timer, clk, ticks := newTestTimer(time.Minute)
	handler, results := handlerChan()

	timer.Start(handler)
	require.True(t, timer.Pending())
	require.Equal(t, time.Minute, <-ticks)

	clk.SetTime(testTime.Add(time.Minute - time.Second))
	assertNoResult(t, results)

	clk.SetTime(testTime.Add(time.Minute))
	require.NoError(t, recvResult(t, results))

	require.Eventually(t, func() bool {
		return !timer.Pending()
	}, testTimeout, 10*time.Millisecond)

	// Stopping an expired timer does nothing.
	timer.Stop()
	assertNoResult(t, results)
}

// TestTimerStop asserts that stopping a pending timer reports ErrCanceled
// and that the later clock movement has no effect.
func TestTimerStop(t *testing.T) {
	t.Parallel()

	timer, clk, ticks := newTestTimer(time.Minute)
	handler, results := handlerChan()

	timer.Start(handler)
	<-ticks

	timer.Stop()
	require.ErrorIs(t, recvResult(t, results), ErrCanceled)
	require.False(t, timer.Pending())

	clk.SetTime(testTime.Add(time.Hour))
	assertNoResult(t, results)

	// A second stop is a no-op.
	timer.Stop()
	assertNoResult(t, results)
}

// TestTimerRestart asserts that re-arming cancels the previous arm and that
// the new arm is measured from the time it was started.
func TestTimerRestart(t *testing.T) {
	t.Parallel()

	timer, clk, ticks := newTestTimer(time.Minute)
	first, firstResults := handlerChan()
	second, secondResults := handlerChan()

	timer.Start(first)
	<-ticks

	clk.SetTime(testTime.Add(30 * time.Second))
	timer.Start(second)
	<-ticks

	require.ErrorIs(t, recvResult(t, firstResults), ErrCanceled)

	// The original deadline passes without firing the new arm.
	clk.SetTime(testTime.Add(time.Minute))
	assertNoResult(t, secondResults)

	clk.SetTime(testTime.Add(90 * time.Second))
	require.NoError(t, recvResult(t, secondResults))
	assertNoResult(t, firstResults)
}

// TestJitter asserts the bounds of the jittered duration.
func TestJitter(t *testing.T) {
	t.Parallel()

	const base = 10 * time.Second

	require.Equal(t, base, Jitter(base, 0))
	require.Equal(t, time.Millisecond, Jitter(time.Millisecond, 2))

	for i := 0; i < 1000; i++ {
		d := Jitter(base, DefaultJitterRatio)
		require.GreaterOrEqual(t, d, base/2)
		require.LessOrEqual(t, d, base)
		require.Zero(t, d%time.Millisecond)

		d = Jitter(base, 4)
		require.GreaterOrEqual(t, d, base-base/4)
		require.LessOrEqual(t, d, base)
	}
}

// TestJitterBounds asserts that any whole millisecond duration is shortened
// by at most 1/ratio of its length.
func TestJitterBounds(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		ms := rapid.Int64Range(1, int64(time.Hour/time.Millisecond)).
			Draw(t, "ms")
		ratio := uint8(rapid.IntRange(1, 255).Draw(t, "ratio"))

		d := time.Duration(ms) * time.Millisecond
		jittered := Jitter(d, ratio)

		require.LessOrEqual(t, jittered, d)
		require.GreaterOrEqual(t, jittered, d-d/time.Duration(ratio))
		require.Zero(t, jittered%time.Millisecond)
	})
}

// TestTimerJitteredArm asserts that each arm registers a freshly jittered
// duration within bounds.
func TestTimerJitteredArm(t *testing.T) {
	t.Parallel()

	ticks := make(chan time.Duration, 10)
	clk := clock.NewTestClockWithTickSignal(testTime, ticks)
	timer := New(clk, time.Minute, DefaultJitterRatio)
	require.Equal(t, time.Minute, timer.Duration())

	for i := 0; i < 5; i++ {
		timer.Start(func(error) {})

		d := <-ticks
		require.GreaterOrEqual(t, d, 30*time.Second)
		require.LessOrEqual(t, d, time.Minute)
	}
	timer.Stop()
}
