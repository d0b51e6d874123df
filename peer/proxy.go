package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// proxyCount is the number of proxies created since startup and is used to
// assign each one an identifier.
var proxyCount atomic.Uint64

// MessageHandler receives a subscribed message, or a non-nil error and a nil
// message if the proxy stopped first. Returning true keeps the subscription
// alive for the next message of the same command.
type MessageHandler func(err error, msg wire.Message) bool

// MessageSource is implemented by anything that can deliver subscribed wire
// messages, such as a Proxy or a Channel.
type MessageSource interface {
	// SubscribeMessage registers handler for the next message carrying
	// the given command.
	SubscribeMessage(command string, handler MessageHandler)
}

// Subscribe registers a typed handler for the given command. A message of the
// wrong type is reported to the handler as ErrBadStream.
func Subscribe[M wire.Message](src MessageSource, command string,
	handler func(err error, msg M) bool) {

	src.SubscribeMessage(command, func(err error, msg wire.Message) bool {
		var zero M
		if err != nil {
			return handler(err, zero)
		}

		typed, ok := msg.(M)
		if !ok {
			return handler(fmt.Errorf("%w: unexpected %T for %v",
				ErrBadStream, msg, command), zero)
		}

		return handler(nil, typed)
	})
}

// sendRequest is a message queued for the write goroutine along with the
// handler that receives the outcome of the write.
type sendRequest struct {
	msg     wire.Message
	handler func(error)
}

// ProxyConfig holds the parameters of a Proxy.
type ProxyConfig struct {
	// Conn is the established connection. The proxy owns it from here on
	// and closes it when stopped.
	Conn net.Conn

	// Net is the bitcoin network whose magic frames every message.
	Net wire.BitcoinNet

	// ProtocolVersion is the version used to encode and decode messages.
	ProtocolVersion uint32
}

// Proxy frames wire messages over a connection. It queues outbound messages
// for a single write goroutine, dispatches inbound messages from a single
// read goroutine to their subscribers, and stops exactly once.
//
// NOTE: This structure MUST be initialized with newProxy.
type Proxy struct {
	id        uint64
	conn      net.Conn
	authority *wire.NetAddress
	netMagic  wire.BitcoinNet
	pver      uint32

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool

	// onActivity and onStopping are set by the owner before Start.
	onActivity func()
	onStopping func()

	// mtx guards the fields below it.
	mtx          sync.Mutex
	closed       bool
	reason       error
	subscribers  map[string][]MessageHandler
	stopHandlers []func(error)

	// sendMtx guards the outbound queue.
	sendMtx    sync.Mutex
	sendClosed bool
	pending    []sendRequest
	sendSignal chan struct{}

	goroutines *fn.GoroutineManager
	quit       chan struct{}
}

// newProxy wraps the configured connection.
func newProxy(cfg *ProxyConfig) *Proxy {
	return &Proxy{
		id:          proxyCount.Add(1),
		conn:        cfg.Conn,
		authority:   NetAddress(cfg.Conn.RemoteAddr(), 0),
		netMagic:    cfg.Net,
		pver:        cfg.ProtocolVersion,
		subscribers: make(map[string][]MessageHandler),
		sendSignal:  make(chan struct{}, 1),
		goroutines:  fn.NewGoroutineManager(),
		quit:        make(chan struct{}),
	}
}

// NewProxy returns a proxy over the configured connection. It must be started
// before it reads or writes anything.
func NewProxy(cfg *ProxyConfig) *Proxy {
	return newProxy(cfg)
}

// ID returns the identifier assigned to this proxy at construction.
func (p *Proxy) ID() uint64 {
	return p.id
}

// String returns the identifier and remote address for logging.
func (p *Proxy) String() string {
	return fmt.Sprintf("%d (%v)", p.id, p.conn.RemoteAddr())
}

// Authority returns the remote address as a bitcoin network address.
func (p *Proxy) Authority() *wire.NetAddress {
	return p.authority
}

// ProtocolVersion returns the version used for message framing.
func (p *Proxy) ProtocolVersion() uint32 {
	return p.pver
}

// BytesSent returns the number of bytes written to the connection.
func (p *Proxy) BytesSent() uint64 {
	return p.bytesSent.Load()
}

// BytesReceived returns the number of bytes read from the connection.
func (p *Proxy) BytesReceived() uint64 {
	return p.bytesReceived.Load()
}

// Start launches the write goroutine, reports readiness to handler and only
// then begins reading, so that subscriptions made by handler see the first
// inbound message.
func (p *Proxy) Start(handler func(error)) {
	if !p.started.CompareAndSwap(false, true) {
		handler(ErrAlreadyStarted)
		return
	}

	if p.Stopped() {
		handler(ErrChannelStopped)
		return
	}

	ctx := context.Background()
	if !p.goroutines.Go(ctx, p.writeHandler) {
		p.Stop(ErrChannelStopped)
		handler(ErrChannelStopped)

		return
	}

	handler(nil)

	if !p.goroutines.Go(ctx, p.readHandler) {
		p.Stop(ErrChannelStopped)
	}
}

// Stopped reports whether Stop has been called.
func (p *Proxy) Stopped() bool {
	return p.stopped.Load()
}

// StopReason returns the reason the proxy was stopped with, or nil while it
// is running.
func (p *Proxy) StopReason() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.reason
}

// Quit returns a channel that is closed once the proxy stops.
func (p *Proxy) Quit() <-chan struct{} {
	return p.quit
}

// Stop shuts the proxy down. Only the first call has any effect: it latches
// the reason, runs the owner's stopping hook, closes the connection, fails
// queued sends and notifies every subscriber of the reason. A nil reason is
// recorded as ErrChannelStopped. Stop never blocks on the proxy goroutines,
// so it may be called from any handler.
func (p *Proxy) Stop(reason error) {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}

	if reason == nil {
		reason = ErrChannelStopped
	}

	p.mtx.Lock()
	p.closed = true
	p.reason = reason
	subscribers := p.subscribers
	stopHandlers := p.stopHandlers
	p.subscribers = nil
	p.stopHandlers = nil
	p.mtx.Unlock()

	log.Debugf("Stopping channel %v: %v", p, reason)

	if p.onStopping != nil {
		p.onStopping()
	}

	close(p.quit)
	if err := p.conn.Close(); err != nil {
		log.Tracef("Channel %v close: %v", p, err)
	}

	p.sendMtx.Lock()
	p.sendClosed = true
	pending := p.pending
	p.pending = nil
	p.sendMtx.Unlock()

	for _, req := range pending {
		req.handler(ErrChannelStopped)
	}

	for _, handlers := range subscribers {
		for _, handler := range handlers {
			handler(reason, nil)
		}
	}

	for _, handler := range stopHandlers {
		handler(reason)
	}
}

// WaitForShutdown blocks until the proxy is stopped and both of its
// goroutines have exited. It must not be called from a proxy handler.
func (p *Proxy) WaitForShutdown() {
	<-p.quit
	p.goroutines.Stop()
}

// SubscribeMessage registers handler for the next inbound message with the
// given command. If the proxy is already stopped the handler is invoked
// immediately with the stop reason.
func (p *Proxy) SubscribeMessage(command string, handler MessageHandler) {
	p.mtx.Lock()
	if p.closed {
		reason := p.reason
		p.mtx.Unlock()

		handler(reason, nil)

		return
	}

	p.subscribers[command] = append(p.subscribers[command], handler)
	p.mtx.Unlock()
}

// SubscribeStop registers handler to receive the stop reason once. If the
// proxy is already stopped the handler is invoked immediately.
func (p *Proxy) SubscribeStop(handler func(error)) {
	p.mtx.Lock()
	if p.closed {
		reason := p.reason
		p.mtx.Unlock()

		handler(reason)

		return
	}

	p.stopHandlers = append(p.stopHandlers, handler)
	p.mtx.Unlock()
}

// Send queues msg for writing. The handler receives the result of the write,
// or ErrChannelStopped if the proxy stops before the message is written. It
// never blocks.
func (p *Proxy) Send(msg wire.Message, handler func(error)) {
	if handler == nil {
		handler = func(error) {}
	}

	p.sendMtx.Lock()
	if p.sendClosed {
		p.sendMtx.Unlock()
		handler(ErrChannelStopped)

		return
	}
	p.pending = append(p.pending, sendRequest{msg: msg, handler: handler})
	p.sendMtx.Unlock()

	select {
	case p.sendSignal <- struct{}{}:
	default:
	}
}

// activity notifies the owner of traffic on the connection.
func (p *Proxy) activity() {
	if p.onActivity != nil {
		p.onActivity()
	}
}

// dispatch hands msg to the subscribers of its command. Handlers that return
// true are registered again ahead of any subscription made meanwhile.
func (p *Proxy) dispatch(msg wire.Message) {
	command := msg.Command()

	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return
	}
	handlers := p.subscribers[command]
	delete(p.subscribers, command)
	p.mtx.Unlock()

	if len(handlers) == 0 {
		log.Debugf("Channel %v has no subscriber for %v", p, command)
		return
	}

	var keep []MessageHandler
	for _, handler := range handlers {
		if handler(nil, msg) {
			keep = append(keep, handler)
		}
	}

	if len(keep) == 0 {
		return
	}

	p.mtx.Lock()
	if p.closed {
		reason := p.reason
		p.mtx.Unlock()

		for _, handler := range keep {
			handler(reason, nil)
		}

		return
	}
	p.subscribers[command] = append(keep, p.subscribers[command]...)
	p.mtx.Unlock()
}

// readHandler reads messages until the connection fails or is closed.
//
// NOTE: This method MUST be run as a goroutine.
func (p *Proxy) readHandler(_ context.Context) {
	for {
		n, msg, _, err := wire.ReadMessageN(p.conn, p.pver, p.netMagic)
		p.bytesReceived.Add(uint64(n))

		switch {
		case err == nil:

		case p.Stopped():
			return

		case errors.Is(err, wire.ErrUnknownMessage):
			log.Debugf("Channel %v skipped unknown message", p)
			continue

		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			p.Stop(ErrChannelDropped)
			return

		default:
			log.Debugf("Channel %v read failed: %v", p, err)
			p.Stop(fmt.Errorf("%w: %v", ErrBadStream, err))

			return
		}

		log.Debugf("Received %v from %v", msg.Command(), p)
		log.Tracef("%v", newLogClosure(func() string {
			return spew.Sdump(msg)
		}))

		p.activity()
		p.dispatch(msg)
	}
}

// writeHandler writes queued messages in order until the proxy stops.
//
// NOTE: This method MUST be run as a goroutine.
func (p *Proxy) writeHandler(ctx context.Context) {
	for {
		select {
		case <-p.sendSignal:
		case <-p.quit:
			return
		case <-ctx.Done():
			return
		}

		p.sendMtx.Lock()
		batch := p.pending
		p.pending = nil
		p.sendMtx.Unlock()

		for _, req := range batch {
			p.write(req)
		}
	}
}

// write writes a single queued message and reports the outcome.
func (p *Proxy) write(req sendRequest) {
	if p.Stopped() {
		req.handler(ErrChannelStopped)
		return
	}

	log.Debugf("Sending %v to %v", req.msg.Command(), p)
	log.Tracef("%v", newLogClosure(func() string {
		return spew.Sdump(req.msg)
	}))

	n, err := wire.WriteMessageN(p.conn, req.msg, p.pver, p.netMagic)
	p.bytesSent.Add(uint64(n))

	if err != nil {
		if p.Stopped() {
			req.handler(ErrChannelStopped)
			return
		}

		err = fmt.Errorf("%w: %v", ErrBadStream, err)
		req.handler(err)
		p.Stop(err)

		return
	}

	req.handler(nil)
	p.activity()
}
