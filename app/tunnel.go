// Package app wires a TCP-over-SOE tunnel on top of the transport in
// internal/soe, the same role kcptun's smux.Session-over-kcp.UDPSession
// plays for that project: one SOE session carries many independent TCP
// streams, multiplexed with xtaci/smux.
package app

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/xtaci/smux"

	"github.com/soeproto/soetun/internal/soe"
)

// BuildSmuxConfig constructs a smux.Config tied to this peer's own SOE
// session parameters, so both soe-client and soe-server build their
// tunnel's smux settings the same way.
func BuildSmuxConfig(params soe.SessionParameters, version, maxReceiveBuffer, maxStreamBuffer, maxFrameSize int) (*smux.Config, error) {
	cfg := smux.DefaultConfig()
	cfg.Version = version
	cfg.MaxReceiveBuffer = maxReceiveBuffer
	cfg.MaxStreamBuffer = maxStreamBuffer

	// A smux frame larger than this peer's own UDP datagram budget gets
	// split across multiple ReliableDataFragment packets (spec section
	// 4.5), so a stream read stalls until the whole chain reassembles.
	// Keep frames within that budget to favor round-trip-minimal delivery.
	if budget := int(params.UDPLength) - 64; budget > 0 && maxFrameSize > budget {
		maxFrameSize = budget
	}
	cfg.MaxFrameSize = maxFrameSize

	// SOE already keeps the session alive via its own Heartbeat and
	// inactivity timeout (spec section 4.6); a second keep-alive layer
	// on top of it would just double the idle-session traffic.
	cfg.KeepAliveDisabled = true

	return cfg, smux.VerifyConfig(cfg)
}

// SessionConn adapts a soe.SessionHandle to the io.ReadWriteCloser smux
// needs underneath a Session. Reads are fed by HandleAppData (called
// from the engine's tick goroutine); writes are queued and flushed into
// the reliable output channel by Pump, also called from the tick
// goroutine, so EnqueueData is never touched by more than one
// goroutine at a time.
type SessionConn struct {
	handle soe.SessionHandle

	readCh  chan []byte
	readBuf []byte

	closeCh   chan struct{}
	closeOnce sync.Once

	writeMu       sync.Mutex
	pendingWrites [][]byte
}

func newSessionConn(handle soe.SessionHandle) *SessionConn {
	return &SessionConn{
		handle:  handle,
		readCh:  make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
}

func (c *SessionConn) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		select {
		case buf, ok := <-c.readCh:
			if !ok {
				return 0, io.EOF
			}
			c.readBuf = buf
		case <-c.closeCh:
			return 0, io.EOF
		}
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Write queues p for the next Pump; it never blocks on the reliable
// channel filling up, since Pump runs on a different goroutine than
// whatever smux handler called Write.
func (c *SessionConn) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	c.writeMu.Lock()
	c.pendingWrites = append(c.pendingWrites, cp)
	c.writeMu.Unlock()
	return len(p), nil
}

func (c *SessionConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.handle.TerminateSession()
	})
	return nil
}

func (c *SessionConn) deliver(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case c.readCh <- buf:
	case <-c.closeCh:
	}
}

// pump flushes as many queued writes as the reliable output channel's
// queue currently accepts, in order, leaving the rest for the next
// Pump call (EnqueueData already reports bounded-queue backpressure
// via its bool return, per spec section 4.5/5).
func (c *SessionConn) pump() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	i := 0
	for ; i < len(c.pendingWrites); i++ {
		if !c.handle.EnqueueData(c.pendingWrites[i]) {
			break
		}
	}
	c.pendingWrites = c.pendingWrites[i:]
}

// TunnelApplication is the soe.ApplicationProtocol that stands up a
// smux.Session over one SOE session, as either the multiplexing
// (client) or demultiplexing (server) side.
type TunnelApplication struct {
	isServer  bool
	muxConfig *smux.Config
	appParams soe.ApplicationParameters

	conn      *SessionConn
	mux       *smux.Session
	ready     chan struct{}
	readyOnce sync.Once
}

// NewTunnelApplication builds one endpoint of the tunnel. appParams
// carries the optional RC4 key state the embedder negotiated
// out-of-band (spec section 3); pass soe.ApplicationParameters{} for an
// unencrypted session.
func NewTunnelApplication(isServer bool, muxConfig *smux.Config, appParams soe.ApplicationParameters) *TunnelApplication {
	if muxConfig == nil {
		muxConfig = smux.DefaultConfig()
	}
	return &TunnelApplication{
		isServer:  isServer,
		muxConfig: muxConfig,
		appParams: appParams,
		ready:     make(chan struct{}),
	}
}

func (t *TunnelApplication) SessionParams() soe.ApplicationParameters { return t.appParams }

func (t *TunnelApplication) Initialize(handle soe.SessionHandle) {
	t.conn = newSessionConn(handle)
}

func (t *TunnelApplication) OnSessionOpened() {
	var mux *smux.Session
	var err error
	if t.isServer {
		mux, err = smux.Server(t.conn, t.muxConfig)
	} else {
		mux, err = smux.Client(t.conn, t.muxConfig)
	}
	if err != nil {
		t.conn.Close()
		return
	}
	t.mux = mux
	t.readyOnce.Do(func() { close(t.ready) })
}

func (t *TunnelApplication) HandleAppData(data []byte) {
	if t.conn != nil {
		t.conn.deliver(data)
	}
}

// OnSessionClosed tears down the smux session, if one ever came up,
// and unblocks any Mux caller still waiting on negotiation to finish
// (with a nil session) if it closed before ever reaching Running.
func (t *TunnelApplication) OnSessionClosed(reason soe.DisconnectReason) {
	if t.mux != nil {
		t.mux.Close()
	}
	if t.conn != nil {
		t.conn.Close()
	}
	t.readyOnce.Do(func() { close(t.ready) })
}

// Mux blocks until the underlying SOE session has finished negotiating
// and the smux session over it is ready, then returns it. Returns nil
// if the session closed before ever reaching Running.
func (t *TunnelApplication) Mux() *smux.Session {
	<-t.ready
	return t.mux
}

// Pump must be called once per tick of the engine driving this
// session's ProtocolHandler, so that bytes written into open smux
// streams actually make it into the reliable output channel.
func (t *TunnelApplication) Pump() {
	if t.conn != nil {
		t.conn.pump()
	}
}

// ServeClientStream aggregates local connection p1 onto a freshly
// opened stream of mux, splicing the two together until either side
// closes, mirroring kcptun's handleClient.
func ServeClientStream(mux *smux.Session, p1 io.ReadWriteCloser) error {
	p2, err := mux.OpenStream()
	if err != nil {
		p1.Close()
		return errors.Wrap(err, "soe: open tunnel stream")
	}
	splice(p1, p2)
	return nil
}

// ServeServerStream dials target and splices it onto stream until
// either side closes, mirroring kcptun's server-side handleClient.
func ServeServerStream(stream *smux.Stream, dial func() (io.ReadWriteCloser, error)) error {
	target, err := dial()
	if err != nil {
		stream.Close()
		return errors.Wrap(err, "soe: dial tunnel target")
	}
	splice(target, stream)
	return nil
}

// splice runs a and b's two copy directions concurrently until either
// one returns, then closes both sides.
func splice(a, b io.ReadWriteCloser) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			a.Close()
			b.Close()
		})
	}
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		closeBoth()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		closeBoth()
		done <- struct{}{}
	}()
	<-done
	<-done
}
