package protocol

import (
	"bytes"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/nodenet/peer"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testVersionConfig() *VersionConfig {
	return &VersionConfig{
		Settings: DefaultSettings(),
		Height: func() uint32 {
			return testHeight
		},
	}
}

// startVersion starts the channel and the handshake on it.
func startVersion(t *testing.T, p *testPeer) (*Version, *resultRecorder) {
	t.Helper()

	rec := newResultRecorder()
	v := NewVersion(p.ch, testVersionConfig())
	p.start(t, func() {
		v.Start(rec.handle)
	})

	return v, rec
}

// assertOwnVersion reads our version from the connection and checks the
// fields derived from the channel and the session.
func assertOwnVersion(t *testing.T, p *testPeer) {
	t.Helper()

	msg := expectMessage[*wire.MsgVersion](t, p)
	require.Equal(t, testNonce, msg.Nonce)
	require.EqualValues(t, testHeight, msg.LastBlock)
	require.EqualValues(t, wire.ProtocolVersion, msg.ProtocolVersion)
	require.Equal(t, DefaultSettings().UserAgent, msg.UserAgent)
	require.Equal(t, wire.SFNodeNetwork, msg.Services)
	require.False(t, msg.DisableRelayTx)
	require.Equal(t, testTime.Unix(), msg.Timestamp.Unix())
}

func assertPeerVersion(t *testing.T, ch *peer.Channel,
	want *wire.MsgVersion) {

	t.Helper()

	got := ch.Version()
	require.NotNil(t, got)
	require.Equal(t, want.Nonce, got.Nonce)
	require.Equal(t, want.UserAgent, got.UserAgent)
	require.Equal(t, want.LastBlock, got.LastBlock)
	require.Equal(t, want.Services, got.Services)
	require.Equal(t, want.ProtocolVersion, got.ProtocolVersion)
}

// TestVersionHandshake asserts that the handshake succeeds exactly once
// whatever the order in which the peer's version and verack arrive.
func TestVersionHandshake(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		verAckFirst bool
	}{
		{
			name:        "version then verack",
			verAckFirst: false,
		},
		{
			name:        "verack then version",
			verAckFirst: true,
		},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			p := newTestPeer(t)
			_, rec := startVersion(t, p)

			assertOwnVersion(t, p)

			peerVersion := newPeerVersion()
			if test.verAckFirst {
				p.send(t, wire.NewMsgVerAck())
				rec.assertNone(t)

				p.send(t, peerVersion)
				expectMessage[*wire.MsgVerAck](t, p)
			} else {
				p.send(t, peerVersion)
				expectMessage[*wire.MsgVerAck](t, p)
				rec.assertNone(t)

				p.send(t, wire.NewMsgVerAck())
			}

			require.NoError(t, rec.expect(t))
			rec.assertNone(t)

			assertPeerVersion(t, p.ch, peerVersion)
			require.False(t, p.ch.Stopped())

			// The handshake deadline was canceled on completion.
			p.clock.SetTime(testTime.Add(DefaultHandshakeTimeout))
			rec.assertNone(t)
			require.False(t, p.ch.Stopped())
		})
	}
}

// TestVersionTimeout asserts that the channel stops with a timeout and the
// handler fails exactly once when the peer never answers.
func TestVersionTimeout(t *testing.T) {
	t.Parallel()

	p := newTestPeer(t)
	_, rec := startVersion(t, p)

	assertOwnVersion(t, p)

	p.clock.SetTime(testTime.Add(DefaultHandshakeTimeout - time.Second))
	rec.assertNone(t)

	p.clock.SetTime(testTime.Add(DefaultHandshakeTimeout))
	require.ErrorIs(t, rec.expect(t), peer.ErrChannelTimeout)

	require.Eventually(t, p.ch.Stopped, testTimeout, 10*time.Millisecond)
	require.ErrorIs(t, p.ch.StopReason(), peer.ErrChannelTimeout)

	// The stop itself reaches the exhausted handshake and is ignored.
	rec.assertNone(t)
	require.Nil(t, p.ch.Version())
}

// TestVersionDeadlineAfterCompletion asserts that a handshake deadline
// elapsing after the handshake succeeded neither stops the channel nor
// reports a second outcome.
func TestVersionDeadlineAfterCompletion(t *testing.T) {
	t.Parallel()

	p := newTestPeer(t)
	v, rec := startVersion(t, p)

	assertOwnVersion(t, p)
	p.send(t, newPeerVersion())
	expectMessage[*wire.MsgVerAck](t, p)
	p.send(t, wire.NewMsgVerAck())
	require.NoError(t, rec.expect(t))

	// The expiry lost the race against the peer's verack.
	v.timer.handleTimer(nil)

	rec.assertNone(t)
	require.False(t, p.ch.Stopped())
}

// TestVersionCorruptFrame asserts that a version frame failing its checksum
// fails the handshake once with a bad stream and stops the channel.
func TestVersionCorruptFrame(t *testing.T) {
	t.Parallel()

	p := newTestPeer(t)
	_, rec := startVersion(t, p)

	assertOwnVersion(t, p)

	var buf bytes.Buffer
	err := wire.WriteMessage(&buf, newPeerVersion(), testPver, testNet)
	require.NoError(t, err)

	// Magic, command and length precede the checksum.
	frame := buf.Bytes()
	frame[wire.MessageHeaderSize-4] ^= 0xff

	_, err = p.remote.Write(frame)
	require.NoError(t, err)

	require.ErrorIs(t, rec.expect(t), peer.ErrBadStream)
	rec.assertNone(t)

	require.Eventually(t, p.ch.Stopped, testTimeout, 10*time.Millisecond)
	require.ErrorIs(t, p.ch.StopReason(), peer.ErrBadStream)
	require.Nil(t, p.ch.Version())
}

// TestVersionReceiveError asserts that a failed receive completes the
// handshake with that failure and that later events are ignored.
func TestVersionReceiveError(t *testing.T) {
	t.Parallel()

	p := newTestPeer(t)
	v, rec := startVersion(t, p)

	assertOwnVersion(t, p)

	v.handleReceiveVersion(errTest, nil)
	require.ErrorIs(t, rec.expect(t), errTest)

	p.send(t, wire.NewMsgVerAck())
	rec.assertNone(t)
	require.Nil(t, p.ch.Version())

	// The deadline was canceled with the failure.
	p.clock.SetTime(testTime.Add(DefaultHandshakeTimeout))
	rec.assertNone(t)
	require.False(t, p.ch.Stopped())
}

// TestVersionSendFailure asserts that failing to send our version completes
// the handshake immediately, without waiting for the peer's events.
func TestVersionSendFailure(t *testing.T) {
	t.Parallel()

	p := newTestPeer(t)
	v, rec := startVersion(t, p)

	assertOwnVersion(t, p)

	v.handleVersionSent(errTest)
	require.ErrorIs(t, rec.expect(t), errTest)

	p.send(t, newPeerVersion())
	expectMessage[*wire.MsgVerAck](t, p)
	p.send(t, wire.NewMsgVerAck())
	rec.assertNone(t)
}

// TestVersionPeerDrop asserts that the handshake fails once with the stop
// reason when the peer hangs up mid-handshake.
func TestVersionPeerDrop(t *testing.T) {
	t.Parallel()

	p := newTestPeer(t)
	_, rec := startVersion(t, p)

	assertOwnVersion(t, p)
	p.send(t, newPeerVersion())
	expectMessage[*wire.MsgVerAck](t, p)

	require.NoError(t, p.remote.Close())

	require.ErrorIs(t, rec.expect(t), peer.ErrChannelDropped)
	rec.assertNone(t)
}

// TestVersionStoppedChannel asserts that starting the handshake on a stopped
// channel reports the stop reason once and sends nothing.
func TestVersionStoppedChannel(t *testing.T) {
	t.Parallel()

	p := newTestPeer(t)
	p.ch.Stop(errTest)

	rec := newResultRecorder()
	v := NewVersion(p.ch, testVersionConfig())
	v.Start(rec.handle)

	require.ErrorIs(t, rec.expect(t), errTest)
	rec.assertNone(t)
	p.assertNoMessage(t)

	v.Start(rec.handle)
	require.ErrorIs(t, rec.expect(t), peer.ErrAlreadyStarted)
}

// TestVersionTemplateError asserts that a height that can't be announced
// fails the handshake before anything is sent.
func TestVersionTemplateError(t *testing.T) {
	t.Parallel()

	p := newTestPeer(t)

	cfg := testVersionConfig()
	cfg.Height = func() uint32 {
		return math.MaxUint32
	}

	rec := newResultRecorder()
	v := NewVersion(p.ch, cfg)
	p.start(t, func() {
		v.Start(rec.handle)
	})

	require.ErrorIs(t, rec.expect(t), ErrHeightOverflow)
	p.assertNoMessage(t)
}

// TestVersionTemplate asserts that the template reproduces every field from
// its inputs, independent of call order, except for the timestamp which is
// taken from the supplied time.
func TestVersionTemplate(t *testing.T) {
	t.Parallel()

	authority := wire.NewNetAddressIPPort(
		net.ParseIP("192.0.2.7"), 8333, wire.SFNodeNetwork,
	)

	rapid.Check(t, func(t *rapid.T) {
		nonce := rapid.Uint64().Draw(t, "nonce")
		height := rapid.Uint32Range(0, math.MaxInt32).Draw(t, "height")
		relay := rapid.Bool().Draw(t, "relay")
		nanos := rapid.Int64Range(0, int64(time.Second)-1).Draw(
			t, "nanos",
		)

		settings := DefaultSettings()
		settings.Relay = relay
		settings.Self = wire.NewNetAddressIPPort(
			net.ParseIP("198.51.100.1"), 18444, wire.SFNodeBloom,
		)
		now := testTime.Add(time.Duration(nanos))

		first, err := VersionTemplate(
			authority, settings, nonce, height, now,
		)
		require.NoError(t, err)

		// An unrelated template in between changes nothing.
		_, err = VersionTemplate(nil, DefaultSettings(), 1, 2, time.Now())
		require.NoError(t, err)

		second, err := VersionTemplate(
			authority, settings, nonce, height, now,
		)
		require.NoError(t, err)
		require.Equal(t, first, second)

		require.EqualValues(t, wire.ProtocolVersion,
			first.ProtocolVersion)
		require.Equal(t, wire.SFNodeNetwork, first.Services)
		require.Equal(t, testTime.Unix(), first.Timestamp.Unix())
		require.Zero(t, first.Timestamp.Nanosecond())
		require.True(t, first.AddrYou.IP.Equal(authority.IP))
		require.Equal(t, authority.Port, first.AddrYou.Port)
		require.Zero(t, first.AddrYou.Services)
		require.True(t, first.AddrMe.IP.Equal(settings.Self.IP))
		require.Equal(t, settings.Self.Port, first.AddrMe.Port)
		require.Equal(t, wire.SFNodeBloom, first.AddrMe.Services)
		require.Equal(t, nonce, first.Nonce)
		require.Equal(t, settings.UserAgent, first.UserAgent)
		require.EqualValues(t, height, first.LastBlock)
		require.Equal(t, !relay, first.DisableRelayTx)
	})
}

// TestVersionTemplateDefaults asserts the addresses used when neither the
// authority nor our own address are known, and that the result encodes.
func TestVersionTemplateDefaults(t *testing.T) {
	t.Parallel()

	msg, err := VersionTemplate(nil, DefaultSettings(), 7, 0, testTime)
	require.NoError(t, err)
	require.True(t, msg.AddrYou.IP.Equal(net.IPv4zero))
	require.True(t, msg.AddrMe.IP.Equal(net.IPv4zero))
	require.Equal(t, wire.SFNodeNetwork, msg.AddrMe.Services)

	var buf bytes.Buffer
	require.NoError(t, wire.WriteMessage(&buf, msg, testPver, testNet))

	decoded, _, err := wire.ReadMessage(&buf, testPver, testNet)
	require.NoError(t, err)
	require.Equal(t, msg.Nonce, decoded.(*wire.MsgVersion).Nonce)
}

// TestVersionTemplateLimits asserts the rejected inputs.
func TestVersionTemplateLimits(t *testing.T) {
	t.Parallel()

	_, err := VersionTemplate(
		nil, DefaultSettings(), 0, math.MaxInt32, testTime,
	)
	require.NoError(t, err)

	_, err = VersionTemplate(
		nil, DefaultSettings(), 0, math.MaxInt32+1, testTime,
	)
	require.ErrorIs(t, err, ErrHeightOverflow)

	settings := DefaultSettings()
	settings.UserAgent = "/" + strings.Repeat("a", wire.MaxUserAgentLen)
	_, err = VersionTemplate(nil, settings, 0, 0, testTime)
	require.ErrorIs(t, err, ErrUserAgentTooLong)
}

// TestUserAgent asserts the BIP 14 formatting of user agents.
func TestUserAgent(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/nodenet:0.1.0/", DefaultSettings().UserAgent)
	require.Equal(t, "/nodenet:0.1.0(lab; eu)/",
		UserAgent("nodenet", "0.1.0", "lab", "eu"))
}
