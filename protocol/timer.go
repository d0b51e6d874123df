package protocol

import (
	"time"

	"github.com/lightningnetwork/nodenet/deadline"
	"github.com/lightningnetwork/nodenet/peer"
)

// timer is embedded by protocols whose progress is bounded by a deadline on
// the channel's clock. It reports two kinds of events to the protocol: the
// deadline elapsing, after which the channel is stopped, and the channel
// stopping for any other reason.
type timer struct {
	ch      *peer.Channel
	name    string
	timeout *deadline.Timer

	// event and expire are set by start and must not change afterwards.
	// Both report whether their call decided the protocol's outcome.
	event  func(error) bool
	expire func() bool
}

// newTimer returns a protocol timer for the given channel. The name is only
// used for logging.
func newTimer(ch *peer.Channel, name string, timeout time.Duration) *timer {
	return &timer{
		ch:      ch,
		name:    name,
		timeout: deadline.New(ch.Clock(), timeout, 0),
	}
}

// start registers the protocol's event handler and subscribes it to the
// channel's stop reason. If the channel already stopped, event is invoked
// before start returns. A nil expire signals ErrChannelTimeout through event
// when the deadline elapses.
func (t *timer) start(event func(error) bool, expire func() bool) {
	t.event = event
	t.expire = expire
	if t.expire == nil {
		t.expire = func() bool {
			return event(peer.ErrChannelTimeout)
		}
	}

	t.ch.SubscribeStop(t.handleStop)
}

// arm starts, or restarts, the deadline unless the channel stopped.
func (t *timer) arm() {
	if t.ch.Stopped() {
		return
	}

	t.timeout.Start(t.handleTimer)

	if t.ch.Stopped() {
		t.timeout.Stop()
	}
}

// cancel stops a pending deadline.
func (t *timer) cancel() {
	t.timeout.Stop()
}

// stopped reports whether the underlying channel stopped.
func (t *timer) stopped() bool {
	return t.ch.Stopped()
}

func (t *timer) handleTimer(err error) {
	if err != nil || t.ch.Stopped() {
		return
	}

	// The deadline may elapse while the protocol completes on another
	// goroutine. The channel is only stopped if the expiry came first.
	if !t.expire() {
		log.Tracef("Protocol %v deadline on channel %v elapsed after "+
			"completion", t.name, t.ch)

		return
	}

	log.Debugf("Protocol %v timed out on channel %v", t.name, t.ch)

	t.ch.Stop(peer.ErrChannelTimeout)
}

func (t *timer) handleStop(reason error) {
	t.timeout.Stop()

	log.Tracef("Protocol %v stopped on channel %v: %v", t.name, t.ch,
		reason)

	t.event(reason)
}
