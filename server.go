package nodenet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/nodenet/monitoring"
	"github.com/lightningnetwork/nodenet/peer"
	"github.com/lightningnetwork/nodenet/protocol"
)

const (
	// defaultDialTimeout bounds a single outbound connection attempt.
	defaultDialTimeout = 10 * time.Second

	// defaultRetryDuration is the base delay before a permanent outbound
	// connection is retried.
	defaultRetryDuration = 5 * time.Second

	// StopHistorySize is the number of stop reasons kept per outbound
	// peer address.
	StopHistorySize = 10
)

// ErrSelfConnection is the stop reason of a channel whose peer announced one
// of our own handshake nonces, meaning we connected to ourselves.
var ErrSelfConnection = errors.New("connected to self")

// ServerConfig holds the parameters of a Server.
type ServerConfig struct {
	// Net is the bitcoin network whose magic frames every message.
	Net wire.BitcoinNet

	// ProtocolVersion is the version used for message framing.
	ProtocolVersion uint32

	// Settings are announced in every version message.
	Settings *protocol.Settings

	// Expiration and Inactivity bound the lifetime and idle time of every
	// channel.
	Expiration time.Duration
	Inactivity time.Duration

	// JitterRatio shortens the channel timers at random, see
	// deadline.Jitter.
	JitterRatio uint8

	// PingInterval is the time between keepalive pings on handshaken
	// channels. Zero disables them.
	PingInterval time.Duration

	// StatsInterval is the time between connection summaries in the log.
	// Zero disables them.
	StatsInterval time.Duration

	// Listeners accept inbound connections. The server takes ownership of
	// them.
	Listeners []net.Listener

	// ConnectPeers are host:port addresses we keep permanent outbound
	// connections to.
	ConnectPeers []string

	// TargetOutbound is the number of outbound connections connmgr
	// maintains.
	TargetOutbound uint32

	// RetryDuration is the base delay before reconnecting to a permanent
	// peer.
	RetryDuration time.Duration

	// Dial opens outbound connections. It defaults to a TCP dialer.
	Dial func(net.Addr) (net.Conn, error)

	// Clock drives the channel and protocol timers.
	Clock clock.Clock

	// Metrics, if set, records handshake outcomes and stop reasons.
	Metrics *monitoring.HandshakeMetrics
}

// StopRecord is the reason an outbound channel stopped, and when.
type StopRecord struct {
	Reason error
	Time   time.Time
}

// session is a live channel along with what the server knows about it.
type session struct {
	ch *peer.Channel

	// connReq is the connmgr request of an outbound channel, nil for
	// inbound ones.
	connReq *connmgr.ConnReq

	handshaken atomic.Bool
	ping       atomic.Pointer[protocol.Ping]
}

func (s *session) inbound() bool {
	return s.connReq == nil
}

// Server accepts and dials connections, runs the version handshake on each
// of them and keeps the handshaken ones alive until they stop.
//
// NOTE: This structure MUST be initialized with NewServer.
type Server struct {
	started sync.Once
	stopped sync.Once

	cfg   *ServerConfig
	clock clock.Clock

	connMgr *connmgr.ConnManager

	// height is the locally known chain height.
	height atomic.Uint32

	// mu guards the maps below it.
	mu       sync.Mutex
	sessions map[uint64]*session

	// nonces holds the handshake nonce of every live channel, used to
	// detect connections to ourselves.
	nonces map[uint64]struct{}

	// stopHistory keeps the recent stop reasons of outbound peers across
	// reconnections, keyed by the dialed address.
	stopHistory map[string]*queue.CircularBuffer

	statsTicker ticker.Ticker

	goroutines *fn.GoroutineManager
	quit       chan struct{}
}

// A compile-time check to ensure Server satisfies the
// monitoring.ChannelSource interface.
var _ monitoring.ChannelSource = (*Server)(nil)

// NewServer creates a server that has yet to be started.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.Settings == nil {
		cfg.Settings = protocol.DefaultSettings()
	}
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = wire.ProtocolVersion
	}
	if cfg.RetryDuration <= 0 {
		cfg.RetryDuration = defaultRetryDuration
	}
	if cfg.Dial == nil {
		cfg.Dial = func(addr net.Addr) (net.Conn, error) {
			return net.DialTimeout(
				addr.Network(), addr.String(),
				defaultDialTimeout,
			)
		}
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	s := &Server{
		cfg:         cfg,
		clock:       clk,
		sessions:    make(map[uint64]*session),
		nonces:      make(map[uint64]struct{}),
		stopHistory: make(map[string]*queue.CircularBuffer),
		goroutines:  fn.NewGoroutineManager(),
		quit:        make(chan struct{}),
	}
	if cfg.StatsInterval > 0 {
		s.statsTicker = ticker.New(cfg.StatsInterval)
	}

	cmgr, err := connmgr.New(&connmgr.Config{
		Listeners:      cfg.Listeners,
		OnAccept:       s.inboundConnected,
		RetryDuration:  cfg.RetryDuration,
		TargetOutbound: cfg.TargetOutbound,
		Dial:           cfg.Dial,
		OnConnection:   s.outboundConnected,
	})
	if err != nil {
		return nil, fmt.Errorf("creating conn manager failed: %w", err)
	}
	s.connMgr = cmgr

	return s, nil
}

// Start begins accepting connections and dials the configured peers.
func (s *Server) Start() error {
	var startErr error
	s.started.Do(func() {
		srvrLog.Info("Server starting...")

		// Resolve every peer before connecting to any of them so a
		// typo fails the start as a whole.
		addrs := make([]net.Addr, 0, len(s.cfg.ConnectPeers))
		for _, peerAddr := range s.cfg.ConnectPeers {
			addr, err := net.ResolveTCPAddr("tcp", peerAddr)
			if err != nil {
				startErr = fmt.Errorf("unable to resolve "+
					"peer %v: %w", peerAddr, err)
				return
			}
			addrs = append(addrs, addr)
		}

		s.connMgr.Start()

		for _, addr := range addrs {
			go s.connMgr.Connect(&connmgr.ConnReq{
				Addr:      addr,
				Permanent: true,
			})
		}

		if s.statsTicker != nil {
			s.goroutines.Go(context.Background(), s.statsHandler)
		}
	})

	return startErr
}

// Stop stops every channel and waits for the server goroutines to exit.
func (s *Server) Stop() error {
	s.stopped.Do(func() {
		srvrLog.Info("Server shutting down...")

		close(s.quit)

		s.connMgr.Stop()

		s.mu.Lock()
		sessions := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()

		for _, sess := range sessions {
			sess.ch.Stop(peer.ErrChannelStopped)
		}

		s.goroutines.Stop()
		s.connMgr.Wait()

		srvrLog.Debug("Server shutdown complete")
	})

	return nil
}

// Stopped reports whether Stop has been called.
func (s *Server) Stopped() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// Height returns the locally known chain height announced in our version
// messages.
func (s *Server) Height() uint32 {
	return s.height.Load()
}

// SetHeight sets the locally known chain height.
func (s *Server) SetHeight(height uint32) {
	s.height.Store(height)
}

// NumChannels returns the number of live channels.
func (s *Server) NumChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

// ChannelStats returns a snapshot of every live channel.
func (s *Server) ChannelStats() []monitoring.ChannelStats {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	stats := make([]monitoring.ChannelStats, 0, len(sessions))
	for _, sess := range sessions {
		pingMicros := int64(-1)
		if ping := sess.ping.Load(); ping != nil {
			pingMicros = ping.PingTimeMicroSeconds()
		}

		authority := sess.ch.Authority()
		address := net.JoinHostPort(
			authority.IP.String(), strconv.Itoa(int(authority.Port)),
		)

		stats = append(stats, monitoring.ChannelStats{
			ID:            sess.ch.ID(),
			Address:       address,
			Inbound:       sess.inbound(),
			Notify:        sess.ch.Notify(),
			Handshaken:    sess.handshaken.Load(),
			BytesSent:     sess.ch.BytesSent(),
			BytesReceived: sess.ch.BytesReceived(),
			PingMicros:    pingMicros,
		})
	}

	return stats
}

// StopHistory returns the recent stop reasons of the outbound peer dialed at
// addr, oldest first.
func (s *Server) StopHistory(addr string) []StopRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.stopHistory[addr]
	if !ok {
		return nil
	}

	items := history.List()
	records := make([]StopRecord, 0, len(items))
	for _, item := range items {
		records = append(records, item.(StopRecord))
	}

	return records
}

// recordStop adds reason to the stop history of the peer dialed at addr.
func (s *Server) recordStop(addr string, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.stopHistory[addr]
	if !ok {
		var err error
		history, err = queue.NewCircularBuffer(StopHistorySize)
		if err != nil {
			srvrLog.Errorf("Unable to create stop history for "+
				"%v: %v", addr, err)

			return
		}
		s.stopHistory[addr] = history
	}

	history.Add(StopRecord{
		Reason: reason,
		Time:   s.clock.Now(),
	})
}

// logReconnect logs the last stop reason of a permanent peer we connected to
// again, if it stopped before.
func (s *Server) logReconnect(connReq *connmgr.ConnReq) {
	addr := connReq.Addr.String()

	s.mu.Lock()
	history, ok := s.stopHistory[addr]
	var (
		latest interface{}
		total  int
	)
	if ok {
		latest = history.Latest()
		total = history.Total()
	}
	s.mu.Unlock()

	if latest == nil {
		return
	}

	last := latest.(StopRecord)
	srvrLog.Infof("Reconnected to %v after %d stop(s), last at %v: %v",
		addr, total, last.Time, last.Reason)
}

// inboundConnected is called by connmgr for every accepted connection.
//
// NOTE: This function is safe for concurrent access.
func (s *Server) inboundConnected(conn net.Conn) {
	srvrLog.Debugf("Accepted connection from %v", conn.RemoteAddr())
	s.handleConn(conn, nil)
}

// outboundConnected is called by connmgr for every established outbound
// connection.
//
// NOTE: This function is safe for concurrent access.
func (s *Server) outboundConnected(connReq *connmgr.ConnReq, conn net.Conn) {
	srvrLog.Debugf("Established connection to %v", connReq)
	s.logReconnect(connReq)
	s.handleConn(conn, connReq)
}

// handleConn wraps conn in a channel and starts the handshake on it. A nil
// connReq marks an inbound connection. The channel is returned, or nil if the
// connection was refused.
func (s *Server) handleConn(conn net.Conn,
	connReq *connmgr.ConnReq) *peer.Channel {

	// Exit early if we have already been instructed to shutdown, this
	// prevents any delayed callbacks from accidentally registering
	// channels.
	if s.Stopped() {
		_ = conn.Close()
		return nil
	}

	nonce, err := wire.RandomUint64()
	if err != nil {
		srvrLog.Criticalf("Unable to generate nonce for %v: %v",
			conn.RemoteAddr(), err)

		_ = conn.Close()
		if connReq != nil {
			s.connMgr.Disconnect(connReq.ID())
		}

		return nil
	}

	ch := peer.NewChannel(&peer.ChannelConfig{
		Conn:            conn,
		Net:             s.cfg.Net,
		ProtocolVersion: s.cfg.ProtocolVersion,
		Expiration:      s.cfg.Expiration,
		Inactivity:      s.cfg.Inactivity,
		JitterRatio:     s.cfg.JitterRatio,
		Clock:           s.clock,
	})
	ch.SetNotify(connReq != nil)
	ch.SetNonce(nonce)

	sess := &session{ch: ch, connReq: connReq}

	s.mu.Lock()
	s.sessions[ch.ID()] = sess
	s.nonces[nonce] = struct{}{}
	s.mu.Unlock()

	ok := s.goroutines.Go(context.Background(), func(ctx context.Context) {
		s.channelHandler(ctx, sess)
	})
	if !ok {
		ch.Stop(peer.ErrChannelStopped)
		s.removeSession(sess)

		return nil
	}

	ch.Start(func(err error) {
		if err != nil {
			srvrLog.Debugf("Unable to start channel %v: %v", ch,
				err)
			ch.Stop(err)

			return
		}

		started := s.clock.Now()
		handshake := protocol.NewVersion(ch, &protocol.VersionConfig{
			Settings: s.cfg.Settings,
			Height:   s.Height,
		})
		handshake.Start(func(err error) {
			s.handleHandshake(sess, err, s.clock.Now().Sub(started))
		})
	})

	return ch
}

// handleHandshake receives the outcome of the version handshake of sess.
func (s *Server) handleHandshake(sess *session, err error,
	elapsed time.Duration) {

	ch := sess.ch
	if err == nil && s.isSelfConnection(ch.Version().Nonce) {
		err = ErrSelfConnection
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveHandshake(err, elapsed)
	}

	if err != nil {
		srvrLog.Debugf("Handshake with %v failed: %v", ch, err)
		ch.Stop(err)

		return
	}

	sess.handshaken.Store(true)

	version := ch.Version()
	srvrLog.Infof("Handshake complete with %v: version=%d, services=%v, "+
		"user_agent=%v, height=%d, notify=%v", ch,
		version.ProtocolVersion, version.Services, version.UserAgent,
		version.LastBlock, ch.Notify())

	if s.cfg.PingInterval <= 0 {
		return
	}

	ping := protocol.NewPing(ch, &protocol.PingConfig{
		Interval: s.cfg.PingInterval,
	})
	sess.ping.Store(ping)
	ping.Start(func(err error) {
		srvrLog.Tracef("Ping on %v ended: %v", ch, err)
	})
}

// isSelfConnection reports whether nonce belongs to one of our own live
// channels. A zero nonce is never ours.
func (s *Server) isSelfConnection(nonce uint64) bool {
	if nonce == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.nonces[nonce]
	return ok
}

// removeSession forgets sess and its nonce.
func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.ch.ID())
	delete(s.nonces, sess.ch.Nonce())
	s.mu.Unlock()
}

// channelHandler waits for the channel of sess to stop and then releases
// everything the server holds for it.
//
// NOTE: This method MUST be run as a goroutine.
func (s *Server) channelHandler(ctx context.Context, sess *session) {
	ch := sess.ch

	select {
	case <-ch.Quit():
	case <-ctx.Done():
		ch.Stop(peer.ErrChannelStopped)
	}

	// The handshake completes on the read goroutine, so once it exited
	// no ping can be attached anymore.
	ch.WaitForShutdown()
	if ping := sess.ping.Load(); ping != nil {
		ping.WaitForShutdown()
	}

	s.removeSession(sess)

	reason := ch.StopReason()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveStop(reason)
	}

	srvrLog.Debugf("Channel %v stopped: %v", ch, reason)

	if sess.connReq == nil {
		return
	}

	// Permanent requests are retried by connmgr, except when we found
	// ourselves on the other end.
	addr := sess.connReq.Addr.String()
	if errors.Is(reason, ErrSelfConnection) {
		s.mu.Lock()
		delete(s.stopHistory, addr)
		s.mu.Unlock()

		s.connMgr.Remove(sess.connReq.ID())

		return
	}

	s.recordStop(addr, reason)
	s.connMgr.Disconnect(sess.connReq.ID())
}

// statsHandler logs a summary of the live channels on every tick.
//
// NOTE: This method MUST be run as a goroutine.
func (s *Server) statsHandler(ctx context.Context) {
	s.statsTicker.Resume()
	defer s.statsTicker.Stop()

	for {
		select {
		case <-s.statsTicker.Ticks():
			s.logStats()

		case <-s.quit:
			return

		case <-ctx.Done():
			return
		}
	}
}

// logStats logs the number of live channels by direction and state.
func (s *Server) logStats() {
	var inbound, outbound, handshaken int
	for _, stats := range s.ChannelStats() {
		if stats.Inbound {
			inbound++
		} else {
			outbound++
		}
		if stats.Handshaken {
			handshaken++
		}
	}

	srvrLog.Infof("Channels: %d inbound, %d outbound, %d handshaken, "+
		"height=%d", inbound, outbound, handshaken, s.Height())
}
