package completion

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	errFirst  = errors.New("first failure")
	errSecond = errors.New("second failure")
)

// recorder counts handler invocations and remembers the last result.
type recorder struct {
	calls  atomic.Int32
	mtx    sync.Mutex
	result error
}

func (r *recorder) handle(err error) {
	r.mtx.Lock()
	r.result = err
	r.mtx.Unlock()

	r.calls.Add(1)
}

func (r *recorder) last() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return r.result
}

// TestSynchronizerExactlyOnce asserts that for any N, N concurrent successful
// signals invoke the handler exactly once with a nil result, and that any
// further signals are ignored.
func TestSynchronizerExactlyOnce(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(1, 64).Draw(t, "count")
		mode := Mode(rapid.IntRange(0, 1).Draw(t, "mode"))
		extra := rapid.IntRange(0, 8).Draw(t, "extra")

		var rec recorder
		s := New(rec.handle, count, "test", mode)

		var wg sync.WaitGroup
		for i := 0; i < count; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Signal(nil)
			}()
		}
		wg.Wait()

		for i := 0; i < extra; i++ {
			s.Signal(errFirst)
		}

		if rec.calls.Load() != 1 {
			t.Fatalf("handler invoked %d times", rec.calls.Load())
		}
		if rec.last() != nil {
			t.Fatalf("unexpected result: %v", rec.last())
		}
		if s.Remaining() != 0 {
			t.Fatalf("remaining %d after completion", s.Remaining())
		}
	})
}

// TestSynchronizerShortCircuit asserts that the first failure completes a
// short-circuit synchronizer immediately and that later signals are no-ops.
func TestSynchronizerShortCircuit(t *testing.T) {
	t.Parallel()

	var rec recorder
	s := New(rec.handle, 3, "short", ShortCircuit)

	require.False(t, s.Signal(nil))
	require.EqualValues(t, 0, rec.calls.Load())
	require.Equal(t, 2, s.Remaining())

	// Only the call that completed the synchronizer reports it.
	require.True(t, s.Signal(errFirst))
	require.EqualValues(t, 1, rec.calls.Load())
	require.ErrorIs(t, rec.last(), errFirst)
	require.Zero(t, s.Remaining())

	require.False(t, s.Signal(errSecond))
	require.False(t, s.Signal(nil))
	require.False(t, s.Signal(nil))
	require.EqualValues(t, 1, rec.calls.Load())
	require.ErrorIs(t, rec.last(), errFirst)
}

// TestSynchronizerJoinAllLatchesFirstFailure asserts that without
// short-circuit the handler waits for every signal and reports the first
// failure that was observed.
func TestSynchronizerJoinAllLatchesFirstFailure(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		signals []error
		fires   []bool
		result  error
	}{
		{
			name:    "all succeed",
			signals: []error{nil, nil, nil},
			fires:   []bool{false, false, true},
			result:  nil,
		},
		{
			name:    "single failure",
			signals: []error{nil, errFirst, nil},
			fires:   []bool{false, false, true},
			result:  errFirst,
		},
		{
			name:    "first failure wins",
			signals: []error{errFirst, errSecond, nil},
			fires:   []bool{false, false, true},
			result:  errFirst,
		},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			var rec recorder
			s := New(
				rec.handle, len(test.signals), test.name,
				JoinAll,
			)

			for i, err := range test.signals {
				s.Signal(err)

				want := int32(0)
				if test.fires[i] {
					want = 1
				}
				require.Equal(t, want, rec.calls.Load())
			}

			require.Equal(t, test.result, rec.last())

			// Nothing changes once exhausted.
			s.Signal(errSecond)
			require.EqualValues(t, 1, rec.calls.Load())
			require.Equal(t, test.result, rec.last())
		})
	}
}

// TestSynchronizerConcurrentFailures asserts that racing failures and
// successes on a short-circuit synchronizer still produce a single handler
// invocation carrying one of the failures.
func TestSynchronizerConcurrentFailures(t *testing.T) {
	t.Parallel()

	const signals = 100

	var rec recorder
	s := New(rec.handle, 2, "race", ShortCircuit)

	var wg sync.WaitGroup
	for i := 0; i < signals; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			switch i % 3 {
			case 0:
				s.Signal(errFirst)
			case 1:
				s.Signal(errSecond)
			default:
				s.Signal(nil)
			}
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, rec.calls.Load())
}

// TestSynchronizerMinimumCount asserts that a non-positive count behaves as a
// single expected signal.
func TestSynchronizerMinimumCount(t *testing.T) {
	t.Parallel()

	var rec recorder
	s := New(rec.handle, 0, "zero", JoinAll)
	require.Equal(t, 1, s.Remaining())
	require.Equal(t, "zero", s.Name())

	s.Signal(nil)
	require.EqualValues(t, 1, rec.calls.Load())
	require.NoError(t, rec.last())
}

// TestSynchronizerReentrantHandler asserts that the handler may signal the
// synchronizer that invoked it without deadlocking or firing twice.
func TestSynchronizerReentrantHandler(t *testing.T) {
	t.Parallel()

	var (
		calls int
		s     *Synchronizer
	)
	s = New(func(error) {
		calls++
		s.Signal(errFirst)
	}, 1, "reentrant", ShortCircuit)

	s.Signal(nil)
	require.Equal(t, 1, calls)
}
