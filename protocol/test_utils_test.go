package protocol

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/nodenet/peer"
	"github.com/stretchr/testify/require"
)

const (
	testNet     = wire.SimNet
	testPver    = wire.ProtocolVersion
	testNonce   = uint64(0xfeedbeef)
	testHeight  = uint32(840000)
	testTimeout = 5 * time.Second
)

var (
	testTime = time.Date(2009, time.January, 3, 18, 15, 5, 0, time.UTC)

	errTest = errors.New("test failure")
)

// testPeer is a channel under test together with the remote end of its
// connection, which the test drives as the peer.
type testPeer struct {
	ch     *peer.Channel
	remote net.Conn
	clock  *clock.TestClock

	// inbound carries every message our side wrote, in order. It is
	// closed once the connection fails.
	inbound chan wire.Message
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()

	local, remote := net.Pipe()
	clk := clock.NewTestClock(testTime)

	ch := peer.NewChannel(&peer.ChannelConfig{
		Conn:            local,
		Net:             testNet,
		ProtocolVersion: testPver,
		Expiration:      time.Hour,
		Inactivity:      time.Hour,
		Clock:           clk,
	})
	ch.SetNonce(testNonce)

	p := &testPeer{
		ch:      ch,
		remote:  remote,
		clock:   clk,
		inbound: make(chan wire.Message, 20),
	}

	go func() {
		defer close(p.inbound)

		for {
			msg, _, err := wire.ReadMessage(remote, testPver, testNet)
			if err != nil {
				return
			}
			p.inbound <- msg
		}
	}()

	t.Cleanup(func() {
		ch.Stop(nil)
		ch.WaitForShutdown()
		_ = remote.Close()
	})

	return p
}

// start starts the channel and, from its start handler, calls attach.
func (p *testPeer) start(t *testing.T, attach func()) {
	t.Helper()

	var started error
	p.ch.Start(func(err error) {
		started = err
		if err == nil {
			attach()
		}
	})
	require.NoError(t, started)
}

// send writes msg to our side as the peer.
func (p *testPeer) send(t *testing.T, msg wire.Message) {
	t.Helper()

	err := wire.WriteMessage(p.remote, msg, testPver, testNet)
	require.NoError(t, err)
}

// expectMessage returns the next message our side wrote, which must be of
// type M.
func expectMessage[M wire.Message](t *testing.T, p *testPeer) M {
	t.Helper()

	select {
	case msg, ok := <-p.inbound:
		require.True(t, ok, "connection closed")

		typed, ok := msg.(M)
		require.Truef(t, ok, "unexpected message %T", msg)

		return typed

	case <-time.After(testTimeout):
		t.Fatalf("no message written")

		var zero M
		return zero
	}
}

func (p *testPeer) assertNoMessage(t *testing.T) {
	t.Helper()

	select {
	case msg, ok := <-p.inbound:
		if ok {
			t.Fatalf("unexpected message %v", msg.Command())
		}

	case <-time.After(50 * time.Millisecond):
	}
}

// newPeerVersion returns a version message as a remote peer would send it.
func newPeerVersion() *wire.MsgVersion {
	me := wire.NewNetAddressIPPort(net.ParseIP("10.0.0.2"), 18555, 0)
	you := wire.NewNetAddressIPPort(net.ParseIP("10.0.0.1"), 18555, 0)

	msg := wire.NewMsgVersion(me, you, 99, 100)
	msg.UserAgent = "/peer:1.0/"
	msg.Services = wire.SFNodeNetwork | wire.SFNodeWitness

	return msg
}

// resultRecorder collects the outcomes reported to a protocol handler.
type resultRecorder struct {
	results chan error
}

func newResultRecorder() *resultRecorder {
	return &resultRecorder{results: make(chan error, 10)}
}

func (r *resultRecorder) handle(err error) {
	r.results <- err
}

func (r *resultRecorder) expect(t *testing.T) error {
	t.Helper()

	select {
	case err := <-r.results:
		return err

	case <-time.After(testTimeout):
		t.Fatalf("handler not invoked")
		return nil
	}
}

func (r *resultRecorder) assertNone(t *testing.T) {
	t.Helper()

	select {
	case err := <-r.results:
		t.Fatalf("unexpected handler invocation: %v", err)

	case <-time.After(50 * time.Millisecond):
	}
}
