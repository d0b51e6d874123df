package peer

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/nodenet/deadline"
)

// ChannelConfig holds the parameters of a Channel.
type ChannelConfig struct {
	// Conn is the established connection the channel takes ownership of.
	Conn net.Conn

	// Net is the bitcoin network whose magic frames every message.
	Net wire.BitcoinNet

	// ProtocolVersion is the version used to encode and decode messages.
	ProtocolVersion uint32

	// Expiration is the maximum lifetime of the channel.
	Expiration time.Duration

	// Inactivity is the longest the channel may go without traffic.
	Inactivity time.Duration

	// JitterRatio controls how much both timers are shortened at random,
	// see deadline.Jitter. Zero disables jitter.
	JitterRatio uint8

	// Clock drives the channel timers.
	Clock clock.Clock
}

// Channel is a started connection to a peer guarded by a lifetime timer and
// an inactivity timer, along with the properties negotiated for the session.
//
// The timers deliberately race with Stop and with each other. Both timer
// handlers check whether the channel already stopped before acting and Stop
// is idempotent, so no lock is needed between them.
type Channel struct {
	*Proxy

	clock clock.Clock

	notify        atomic.Bool
	nonce         atomic.Uint64
	version       atomic.Pointer[wire.MsgVersion]
	ownThreshold  atomic.Pointer[chainhash.Hash]
	peerThreshold atomic.Pointer[chainhash.Hash]

	expiration *deadline.Timer
	inactivity *deadline.Timer
}

// NewChannel wraps the configured connection. The timers are not armed until
// Start succeeds.
func NewChannel(cfg *ChannelConfig) *Channel {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	c := &Channel{
		Proxy: newProxy(&ProxyConfig{
			Conn:            cfg.Conn,
			Net:             cfg.Net,
			ProtocolVersion: cfg.ProtocolVersion,
		}),
		clock: clk,
		expiration: deadline.New(
			clk, cfg.Expiration, cfg.JitterRatio,
		),
		inactivity: deadline.New(
			clk, cfg.Inactivity, cfg.JitterRatio,
		),
	}
	c.ownThreshold.Store(&chainhash.Hash{})
	c.peerThreshold.Store(&chainhash.Hash{})

	c.Proxy.onActivity = c.HandleActivity
	c.Proxy.onStopping = c.handleStopping

	return c
}

// Clock returns the clock driving this channel's timers.
func (c *Channel) Clock() clock.Clock {
	return c.clock
}

// Start starts the transport and, once it is ready, arms the expiration and
// inactivity timers before reporting success. Timers are never armed against
// a transport that failed to start.
func (c *Channel) Start(handler func(error)) {
	c.Proxy.Start(func(err error) {
		if err != nil {
			handler(err)
			return
		}

		c.startExpiration()
		c.startInactivity()

		handler(nil)
	})
}

// Notify reports whether this channel's traffic is surfaced to higher level
// subscribers.
func (c *Channel) Notify() bool {
	return c.notify.Load()
}

// SetNotify sets the notify flag.
func (c *Channel) SetNotify(value bool) {
	c.notify.Store(value)
}

// Nonce returns the nonce of our handshake on this channel.
func (c *Channel) Nonce() uint64 {
	return c.nonce.Load()
}

// SetNonce sets the nonce of our handshake on this channel.
func (c *Channel) SetNonce(value uint64) {
	c.nonce.Store(value)
}

// Version returns the version message received from the peer, or nil if the
// handshake hasn't received it yet. The returned message must not be
// modified.
func (c *Channel) Version() *wire.MsgVersion {
	return c.version.Load()
}

// SetVersion publishes the peer's version message.
func (c *Channel) SetVersion(value *wire.MsgVersion) {
	c.version.Store(value)
}

// OwnThreshold returns our legacy synchronization marker.
//
// Deprecated: no protocol reads this marker anymore.
func (c *Channel) OwnThreshold() chainhash.Hash {
	return *c.ownThreshold.Load()
}

// SetOwnThreshold sets our legacy synchronization marker.
//
// Deprecated: no protocol reads this marker anymore.
func (c *Channel) SetOwnThreshold(threshold chainhash.Hash) {
	c.ownThreshold.Store(&threshold)
}

// PeerThreshold returns the peer's legacy synchronization marker.
//
// Deprecated: no protocol reads this marker anymore.
func (c *Channel) PeerThreshold() chainhash.Hash {
	return *c.peerThreshold.Load()
}

// SetPeerThreshold sets the peer's legacy synchronization marker.
//
// Deprecated: no protocol reads this marker anymore.
func (c *Channel) SetPeerThreshold(threshold chainhash.Hash) {
	c.peerThreshold.Store(&threshold)
}

// HandleActivity rearms the inactivity timer with a freshly jittered duration.
// It is called by the transport for every message read or written.
func (c *Channel) HandleActivity() {
	c.startInactivity()
}

// handleStopping cancels both timers. It is run once, by the first Stop.
func (c *Channel) handleStopping() {
	c.expiration.Stop()
	c.inactivity.Stop()
}

// startExpiration arms the lifetime timer unless the channel stopped.
func (c *Channel) startExpiration() {
	if c.Stopped() {
		return
	}

	c.expiration.Start(c.handleExpiration)

	// Stop may have canceled the timers between the check and the arm.
	if c.Stopped() {
		c.expiration.Stop()
	}
}

// handleExpiration stops the channel once its lifetime elapsed.
func (c *Channel) handleExpiration(err error) {
	if err != nil || c.Stopped() {
		return
	}

	log.Debugf("Channel lifetime expired [%v]", c)

	c.Stop(ErrChannelTimeout)
}

// startInactivity arms, or rearms, the inactivity timer unless the channel
// stopped.
func (c *Channel) startInactivity() {
	if c.Stopped() {
		return
	}

	c.inactivity.Start(c.handleInactivity)

	if c.Stopped() {
		c.inactivity.Stop()
	}
}

// handleInactivity stops the channel once it went without traffic for too
// long.
func (c *Channel) handleInactivity(err error) {
	if err != nil || c.Stopped() {
		return
	}

	log.Debugf("Channel inactivity timeout [%v]", c)

	c.Stop(ErrChannelTimeout)
}
