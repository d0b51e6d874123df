package protocol

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/nodenet/completion"
	"github.com/lightningnetwork/nodenet/peer"
)

const (
	// DefaultHandshakeTimeout is the time allowed for the whole
	// version/verack exchange.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultUserAgentName and DefaultUserAgentVersion form the user agent
	// announced to peers.
	DefaultUserAgentName    = "nodenet"
	DefaultUserAgentVersion = "0.1.0"

	// versionEvents is the number of peer driven events that complete the
	// handshake: their version and their verack.
	versionEvents = 2
)

var (
	// ErrHeightOverflow is returned when the local chain height doesn't
	// fit the start height field of a version message.
	ErrHeightOverflow = errors.New("start height overflow")

	// ErrUserAgentTooLong is returned when the configured user agent
	// exceeds wire.MaxUserAgentLen.
	ErrUserAgentTooLong = errors.New("user agent too long")
)

// Settings bundles the node parameters announced during the handshake.
type Settings struct {
	// HandshakeTimeout bounds the entire version/verack exchange.
	HandshakeTimeout time.Duration

	// ProtocolVersion is the protocol version we announce.
	ProtocolVersion uint32

	// Services is the bitmask of services we offer.
	Services wire.ServiceFlag

	// Relay asks the peer to relay transactions to us.
	Relay bool

	// Self is our own address as announced to peers. Nil announces the
	// unspecified address.
	Self *wire.NetAddress

	// UserAgent is our BIP 14 user agent.
	UserAgent string
}

// DefaultSettings returns the settings of a full node that relays
// transactions and doesn't know its own address.
func DefaultSettings() *Settings {
	return &Settings{
		HandshakeTimeout: DefaultHandshakeTimeout,
		ProtocolVersion:  wire.ProtocolVersion,
		Services:         wire.SFNodeNetwork,
		Relay:            true,
		UserAgent: UserAgent(
			DefaultUserAgentName, DefaultUserAgentVersion,
		),
	}
}

// UserAgent formats a BIP 14 user agent, such as /nodenet:0.1.0(comment)/.
func UserAgent(name, version string, comments ...string) string {
	agent := fmt.Sprintf("/%s:%s", name, version)
	if len(comments) > 0 {
		agent += fmt.Sprintf("(%s)", strings.Join(comments, "; "))
	}

	return agent + "/"
}

// VersionConfig holds what the handshake needs from the session that owns the
// channel.
type VersionConfig struct {
	// Settings are announced in our version message.
	Settings *Settings

	// Height returns the locally known chain height at the time the
	// handshake starts.
	Height func() uint32
}

// VersionTemplate builds the version message we announce on a connection to
// authority. The result depends only on its arguments: now provides the
// timestamp, truncated to whole seconds, that the peer may use as a hint for
// its own clock.
func VersionTemplate(authority *wire.NetAddress, settings *Settings,
	nonce uint64, height uint32, now time.Time) (*wire.MsgVersion, error) {

	if height > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d", ErrHeightOverflow, height)
	}
	if len(settings.UserAgent) > wire.MaxUserAgentLen {
		return nil, fmt.Errorf("%w: %d bytes, max %d",
			ErrUserAgentTooLong, len(settings.UserAgent),
			wire.MaxUserAgentLen)
	}

	// The receiver's services aren't known yet and no timestamp is
	// encoded for either address.
	receiver := wire.NetAddress{IP: net.IPv4zero}
	if authority != nil {
		receiver.IP = authority.IP
		receiver.Port = authority.Port
	}

	sender := wire.NetAddress{IP: net.IPv4zero, Services: settings.Services}
	if settings.Self != nil {
		sender.IP = settings.Self.IP
		sender.Port = settings.Self.Port
		sender.Services = settings.Self.Services
	}

	return &wire.MsgVersion{
		ProtocolVersion: int32(settings.ProtocolVersion),
		Services:        settings.Services,
		Timestamp:       time.Unix(now.Unix(), 0),
		AddrYou:         receiver,
		AddrMe:          sender,
		Nonce:           nonce,
		UserAgent:       settings.UserAgent,
		LastBlock:       int32(height),
		DisableRelayTx:  !settings.Relay,
	}, nil
}

// Version performs the version/verack handshake on a started channel. The
// outcome is reported exactly once: success after the peer's version and
// verack both arrived, or the first failure among our version send, either
// receive, the handshake deadline and the channel stopping.
//
// NOTE: This structure MUST be initialized with NewVersion.
type Version struct {
	*timer

	cfg     *VersionConfig
	started atomic.Bool

	// events is the join over the peer driven events. It is created by
	// Start before any subscription is made.
	events *completion.Synchronizer
}

// NewVersion returns a handshake protocol for ch.
func NewVersion(ch *peer.Channel, cfg *VersionConfig) *Version {
	return &Version{
		timer: newTimer(ch, "version", cfg.Settings.HandshakeTimeout),
		cfg:   cfg,
	}
}

// Start sends our version and waits for the peer's version and verack. The
// handler receives the outcome exactly once.
//
// Start must be called from the channel's start handler, before the channel
// reads its first message, or the peer's version may be missed.
func (v *Version) Start(handler func(error)) {
	if !v.started.CompareAndSwap(false, true) {
		handler(peer.ErrAlreadyStarted)
		return
	}

	var height uint32
	if v.cfg.Height != nil {
		height = v.cfg.Height()
	}

	self, err := VersionTemplate(
		v.ch.Authority(), v.cfg.Settings, v.ch.Nonce(), height,
		v.ch.Clock().Now(),
	)
	if err != nil {
		handler(err)
		return
	}

	v.events = completion.New(func(err error) {
		v.cancel()
		handler(err)
	}, versionEvents, "version", completion.ShortCircuit)

	v.timer.start(v.events.Signal, nil)
	v.arm()

	peer.Subscribe(v.ch, wire.CmdVersion, v.handleReceiveVersion)
	peer.Subscribe(v.ch, wire.CmdVerAck, v.handleReceiveVerAck)

	v.ch.Send(self, v.handleVersionSent)
}

func (v *Version) handleReceiveVersion(err error, msg *wire.MsgVersion) bool {
	if v.stopped() {
		return false
	}

	// Read failures stop the channel before subscribers are notified, so
	// they normally arrive through the stop reason instead.
	if err != nil {
		log.Debugf("Failure receiving version from %v: %v", v.ch, err)
		v.events.Signal(err)

		return false
	}

	log.Debugf("Peer %v version (%d) services (%v) time (%v) %v", v.ch,
		msg.ProtocolVersion, msg.Services, msg.Timestamp, msg.UserAgent)

	v.ch.SetVersion(msg)
	v.ch.Send(wire.NewMsgVerAck(), v.handleVerAckSent)

	// 1 of 2
	v.events.Signal(nil)

	return false
}

func (v *Version) handleReceiveVerAck(err error, _ *wire.MsgVerAck) bool {
	if v.stopped() {
		return false
	}

	// Read failures stop the channel before subscribers are notified, so
	// they normally arrive through the stop reason instead.
	if err != nil {
		log.Debugf("Failure receiving verack from %v: %v", v.ch, err)
		v.events.Signal(err)

		return false
	}

	// 2 of 2
	v.events.Signal(nil)

	return false
}

// handleVersionSent reports a failure to send our version directly, without
// it counting as one of the peer driven events.
func (v *Version) handleVersionSent(err error) {
	if v.stopped() || err == nil {
		return
	}

	log.Debugf("Failure sending version to %v: %v", v.ch, err)
	v.events.Signal(err)
}

// handleVerAckSent only logs: the handshake outcome doesn't wait for our
// verack to be written.
func (v *Version) handleVerAckSent(err error) {
	if v.stopped() || err == nil {
		return
	}

	log.Debugf("Failure sending verack to %v: %v", v.ch, err)
}
