package protocol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/nodenet/completion"
	"github.com/lightningnetwork/nodenet/peer"
)

// DefaultPingInterval is the time between pings sent on an idle connection.
const DefaultPingInterval = 2 * time.Minute

// PingConfig is a structure containing various parameters that govern how the
// Ping protocol behaves.
type PingConfig struct {
	// Interval is the Duration between attempted pings.
	Interval time.Duration

	// Timeout is the Duration we wait for a pong before declaring the
	// connection dead. It defaults to Interval.
	Timeout time.Duration

	// Ticker fires on every ping interval. It defaults to a ticker over
	// Interval and is replaced in tests to force pings.
	Ticker ticker.Ticker

	// NewNonce returns the nonce of the next ping. It defaults to
	// wire.RandomUint64.
	NewNonce func() (uint64, error)
}

// Ping keeps a handshaken channel alive. It sends a ping on every tick and
// expects the matching pong before its deadline; it answers the peer's pings
// with pongs. We assume there is only one ping outstanding at once.
//
// NOTE: This structure MUST be initialized with NewPing.
type Ping struct {
	*timer

	cfg     *PingConfig
	started atomic.Bool

	// done reports the reason the protocol ended exactly once.
	done *completion.Synchronizer

	// mtx guards the outstanding ping.
	mtx          sync.Mutex
	pendingNonce fn.Option[uint64]
	pingLastSend time.Time

	// pingTime is a rough estimate of the RTT (round-trip-time) between us
	// and the connected peer.
	pingTime atomic.Pointer[time.Duration]

	goroutines *fn.GoroutineManager
}

// NewPing returns a keepalive protocol for ch.
func NewPing(ch *peer.Channel, cfg *PingConfig) *Ping {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPingInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(cfg.Interval)
	}
	if cfg.NewNonce == nil {
		cfg.NewNonce = wire.RandomUint64
	}

	return &Ping{
		timer:      newTimer(ch, "ping", cfg.Timeout),
		cfg:        cfg,
		goroutines: fn.NewGoroutineManager(),
	}
}

// Start launches the ping goroutine. The handler receives the reason the
// protocol ended, which is the channel's stop reason, exactly once.
func (p *Ping) Start(handler func(error)) {
	if !p.started.CompareAndSwap(false, true) {
		handler(peer.ErrAlreadyStarted)
		return
	}

	p.done = completion.New(
		handler, 1, "ping", completion.ShortCircuit,
	)
	p.timer.start(p.done.Signal, p.handleExpiry)

	peer.Subscribe(p.ch, wire.CmdPing, p.handleReceivePing)
	peer.Subscribe(p.ch, wire.CmdPong, p.handleReceivePong)

	if !p.goroutines.Go(context.Background(), p.pingHandler) {
		p.cfg.Ticker.Stop()
	}
}

// WaitForShutdown blocks until the channel stopped and the ping goroutine
// exited.
func (p *Ping) WaitForShutdown() {
	<-p.ch.Quit()
	p.goroutines.Stop()
}

// pingHandler sends a ping on every tick until the channel stops.
//
// NOTE: This method MUST be run as a goroutine.
func (p *Ping) pingHandler(ctx context.Context) {
	p.cfg.Ticker.Resume()
	defer p.cfg.Ticker.Stop()

	for {
		select {
		case <-p.cfg.Ticker.Ticks():
			p.sendPing()

		case <-p.ch.Quit():
			return

		case <-ctx.Done():
			return
		}
	}
}

// sendPing sends a new ping unless one is still awaiting its pong, in which
// case that ping's deadline decides the outcome.
func (p *Ping) sendPing() {
	if p.stopped() {
		return
	}

	nonce, err := p.cfg.NewNonce()
	if err != nil {
		log.Errorf("Unable to generate ping nonce for %v: %v", p.ch,
			err)

		return
	}

	p.mtx.Lock()
	if p.pendingNonce.IsSome() {
		p.mtx.Unlock()

		log.Tracef("Ping to %v still outstanding", p.ch)

		return
	}
	p.pendingNonce = fn.Some(nonce)
	p.pingLastSend = p.ch.Clock().Now()
	p.mtx.Unlock()

	p.arm()
	p.ch.Send(wire.NewMsgPing(nonce), p.handlePingSent)
}

// handleExpiry claims the outstanding ping for the deadline, so that a pong
// arriving afterwards is treated as unsolicited. It returns false if the
// pong was already accepted.
func (p *Ping) handleExpiry() bool {
	p.mtx.Lock()
	pending := p.pendingNonce.IsSome()
	p.pendingNonce = fn.None[uint64]()
	p.mtx.Unlock()

	if !pending {
		return false
	}

	return p.done.Signal(peer.ErrChannelTimeout)
}

func (p *Ping) handlePingSent(err error) {
	if p.stopped() || err == nil {
		return
	}

	log.Debugf("Failure sending ping to %v: %v", p.ch, err)
}

func (p *Ping) handleReceivePing(err error, msg *wire.MsgPing) bool {
	if err != nil || p.stopped() {
		return false
	}

	p.ch.Send(wire.NewMsgPong(msg.Nonce), func(err error) {
		if err != nil && !p.stopped() {
			log.Debugf("Failure sending pong to %v: %v", p.ch,
				err)
		}
	})

	return true
}

func (p *Ping) handleReceivePong(err error, msg *wire.MsgPong) bool {
	if err != nil || p.stopped() {
		return false
	}

	p.mtx.Lock()
	expected := p.pendingNonce
	lastSend := p.pingLastSend
	if expected.IsNone() {
		p.mtx.Unlock()

		// This is an unexpected pong, we'll continue.
		log.Debugf("Ignoring unsolicited pong from %v", p.ch)

		return true
	}
	p.pendingNonce = fn.None[uint64]()
	p.mtx.Unlock()

	p.cancel()

	if expected.UnwrapOr(0) != msg.Nonce {
		err := fmt.Errorf("%w: pong nonce %d, expected %d",
			peer.ErrBadStream, msg.Nonce, expected.UnwrapOr(0))

		log.Debugf("Invalid pong from %v: %v", p.ch, err)
		p.ch.Stop(err)

		return false
	}

	rtt := p.ch.Clock().Now().Sub(lastSend)
	p.pingTime.Store(&rtt)

	return true
}

// PingTimeMicroSeconds reports back the RTT of the last ping, or -1 if no
// pong was received yet.
func (p *Ping) PingTimeMicroSeconds() int64 {
	rtt := p.pingTime.Load()
	if rtt == nil {
		return -1
	}

	return rtt.Microseconds()
}
