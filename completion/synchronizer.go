package completion

import (
	"sync"
)

// Mode selects how a Synchronizer treats a failing signal.
type Mode uint8

const (
	// JoinAll waits for all expected signals and then reports the first
	// failure seen, if any.
	JoinAll Mode = iota

	// ShortCircuit reports the first failure immediately and ignores any
	// signal that arrives afterwards.
	ShortCircuit
)

// String returns a human readable name for the mode.
func (m Mode) String() string {
	switch m {
	case JoinAll:
		return "join-all"
	case ShortCircuit:
		return "short-circuit"
	default:
		return "unknown"
	}
}

// Synchronizer is a count-down join barrier. It wraps a completion handler so
// that the handler runs exactly once, after the expected number of signals
// have arrived or, in ShortCircuit mode, as soon as one signal fails.
//
// NOTE: This structure MUST be initialized with New.
type Synchronizer struct {
	name    string
	mode    Mode
	handler func(error)

	mtx       sync.Mutex
	remaining int
	firstErr  error
}

// New returns a Synchronizer that invokes handler once count signals have
// been received. A count below one is treated as one. The name is only used
// for logging.
func New(handler func(error), count int, name string,
	mode Mode) *Synchronizer {

	if count < 1 {
		count = 1
	}

	return &Synchronizer{
		name:      name,
		mode:      mode,
		handler:   handler,
		remaining: count,
	}
}

// Signal records the outcome of one of the expected events. A nil err marks
// success. Signal is safe to call from any goroutine; calls made after the
// handler has been invoked are ignored. It returns true only for the call
// that completed the synchronizer and invoked the handler.
func (s *Synchronizer) Signal(err error) bool {
	s.mtx.Lock()

	if s.remaining == 0 {
		s.mtx.Unlock()

		log.Tracef("Synchronizer(%v) ignoring late signal: %v",
			s.name, err)

		return false
	}

	var fire bool
	switch {
	case err != nil && s.mode == ShortCircuit:
		s.remaining = 0
		s.firstErr = err
		fire = true

	default:
		if err != nil && s.firstErr == nil {
			s.firstErr = err
		}

		s.remaining--
		fire = s.remaining == 0
	}

	result := s.firstErr
	remaining := s.remaining
	s.mtx.Unlock()

	if !fire {
		log.Tracef("Synchronizer(%v) signaled, %d remaining", s.name,
			remaining)

		return false
	}

	log.Tracef("Synchronizer(%v) complete: %v", s.name, result)

	// The handler runs outside the mutex so that it may signal other
	// synchronizers, or this one, without deadlocking.
	s.handler(result)

	return true
}

// Remaining returns the number of signals still outstanding. It is zero once
// the handler has been invoked.
func (s *Synchronizer) Remaining() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.remaining
}

// Name returns the label the synchronizer was created with.
func (s *Synchronizer) Name() string {
	return s.name
}
