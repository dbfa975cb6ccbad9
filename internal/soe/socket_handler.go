package soe

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// SessionFactory builds a fresh ApplicationProtocol for a newly accepted
// server-side session. Called once per accepted SessionRequest.
type SessionFactory func() ApplicationProtocol

// SocketHandler owns one UDP socket and demultiplexes inbound datagrams
// to per-remote-address ProtocolHandlers, per spec section 4.7. It is
// driven by a single cooperative Tick call, which reads the socket
// itself (at most one datagram per call, with a 1ms read deadline);
// there is no producer goroutine or channel between the socket and Tick.
type SocketHandler struct {
	conn net.PacketConn
	pool *BufferPool

	defaultParams SessionParameters
	newApp        SessionFactory

	sessions map[string]*sessionEntry

	allowPortRemaps             bool
	stopOnLastSessionTerminated bool

	recvBuf []byte
}

type sessionEntry struct {
	addr    net.Addr
	handler *ProtocolHandler
}

// SocketHandlerConfig bundles the construction-time options of spec
// section 5 that are specific to the socket layer.
type SocketHandlerConfig struct {
	DefaultParams               SessionParameters
	NewApplication               SessionFactory
	AllowPortRemaps              bool
	StopOnLastSessionTerminated bool
	PoolSpans                    int
}

// NewSocketHandler binds conn (already listening) and prepares the
// per-remote session map and the receive buffer pool.
func NewSocketHandler(conn net.PacketConn, cfg SocketHandlerConfig) *SocketHandler {
	spanSize := int(cfg.DefaultParams.UDPLength)
	if spanSize <= 0 {
		spanSize = 512
	}
	poolSpans := cfg.PoolSpans
	if poolSpans <= 0 {
		poolSpans = 256
	}
	return &SocketHandler{
		conn:                        conn,
		pool:                        NewBufferPool(spanSize*32, poolSpans),
		defaultParams:               cfg.DefaultParams,
		newApp:                      cfg.NewApplication,
		sessions:                    make(map[string]*sessionEntry),
		allowPortRemaps:             cfg.AllowPortRemaps,
		stopOnLastSessionTerminated: cfg.StopOnLastSessionTerminated,
		recvBuf:                     make([]byte, spanSize*32),
	}
}

// DialClient creates a client-mode session over conn talking to remote,
// bypassing the accept path entirely (a client always knows its one
// peer up front).
func (s *SocketHandler) DialClient(remote net.Addr, params SessionParameters, app ApplicationProtocol) *ProtocolHandler {
	h := NewClientProtocolHandler(params, app)
	s.sessions[remote.String()] = &sessionEntry{addr: remote, handler: h}
	return h
}

// Tick runs one iteration of spec section 4.7's loop: read at most one
// pending datagram, route or accept it, advance every live session, and
// reap terminated ones. Returns false once the stop condition (every
// session terminated, when configured) is reached, so callers can use
// it as their event-loop continuation signal.
func (s *SocketHandler) Tick(now time.Time) (bool, error) {
	if err := s.recvOne(now); err != nil {
		return false, err
	}
	for _, entry := range s.sessions {
		entry.handler.Tick(now)
		for _, datagram := range entry.handler.DrainOutbound() {
			_, _ = s.conn.WriteTo(datagram, entry.addr)
		}
	}
	s.reapTerminated()
	if s.stopOnLastSessionTerminated && len(s.sessions) == 0 {
		return false, nil
	}
	return true, nil
}

func (s *SocketHandler) recvOne(now time.Time) error {
	s.conn.SetReadDeadline(now.Add(time.Millisecond))
	n, addr, err := s.conn.ReadFrom(s.recvBuf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		return nil
	}
	span, err := s.pool.Rent()
	if err != nil {
		// Buffer pool exhaustion: drop the datagram, the peer's
		// retransmit covers it (spec section 7).
		return nil
	}
	defer s.pool.Return(span)
	n = copy(span.Bytes, s.recvBuf[:n])
	datagram := span.Bytes[:n]

	key := addr.String()
	if entry, ok := s.sessions[key]; ok {
		entry.handler.Deliver(datagram)
		return nil
	}
	s.handleUnmatched(addr, datagram, now)
	return nil
}

// handleUnmatched is the "no matching session" branch of spec section
// 4.7: accept a SessionRequest as a brand-new server session, route a
// RemapConnection to the remap logic (never creating a session), and
// drop everything else silently.
func (s *SocketHandler) handleUnmatched(addr net.Addr, datagram []byte, now time.Time) {
	if len(datagram) < 2 {
		return
	}
	op := OpCode(uint16(datagram[0])<<8 | uint16(datagram[1]))
	switch op {
	case OpSessionRequest:
		req, err := DecodeSessionRequest(datagram[2:])
		if err != nil {
			return
		}
		var app ApplicationProtocol
		if s.newApp != nil {
			app = s.newApp()
		}
		h := NewServerProtocolHandler(s.defaultParams, app, req)
		s.sessions[addr.String()] = &sessionEntry{addr: addr, handler: h}
		h.Deliver(datagram)
		h.Tick(now)
		for _, out := range h.DrainOutbound() {
			_, _ = s.conn.WriteTo(out, addr)
		}
	case OpRemapConnection:
		s.handleRemap(addr, datagram[2:])
	default:
		// Drop; optionally reply UnknownSender is implementation-defined
		// (spec section 4.7/9) and this module chooses not to.
	}
}

// handleRemap implements spec section 4.7's port-remap: only active
// when allowPortRemaps is set, and only when the request's session_id
// and crc_seed match an existing session AND the source IP matches that
// session's current IP — otherwise it is dropped silently to prevent
// hijack. No response packet is ever sent, success or failure.
func (s *SocketHandler) handleRemap(newAddr net.Addr, payload []byte) {
	if !s.allowPortRemaps {
		return
	}
	req, err := DecodeRemapConnection(payload)
	if err != nil {
		return
	}
	for key, entry := range s.sessions {
		if entry.handler.SessionID() != req.SessionID || entry.handler.params.CrcSeed != req.CrcSeed {
			continue
		}
		if !sameIP(entry.addr, newAddr) {
			return
		}
		delete(s.sessions, key)
		entry.addr = newAddr
		s.sessions[newAddr.String()] = entry
		return
	}
}

func sameIP(a, b net.Addr) bool {
	au, aok := a.(*net.UDPAddr)
	bu, bok := b.(*net.UDPAddr)
	if !aok || !bok {
		return a.String() == b.String()
	}
	return au.IP.Equal(bu.IP)
}

func (s *SocketHandler) reapTerminated() {
	for key, entry := range s.sessions {
		if entry.handler.State() == StateTerminated {
			delete(s.sessions, key)
		}
	}
}

// Shutdown implements spec section 4.7's cancellation path: every live
// session is terminated with Application, notifying its remote, the
// buffer pool is drained, and the socket is closed.
func (s *SocketHandler) Shutdown() error {
	for _, entry := range s.sessions {
		entry.handler.TerminateSession()
		for _, out := range entry.handler.DrainOutbound() {
			_, _ = s.conn.WriteTo(out, entry.addr)
		}
	}
	s.sessions = make(map[string]*sessionEntry)
	for {
		if _, err := s.pool.Rent(); err != nil {
			break
		}
	}
	return errors.Wrap(s.conn.Close(), "soe: socket handler shutdown")
}

// SessionCount reports how many sessions are currently tracked.
func (s *SocketHandler) SessionCount() int {
	return len(s.sessions)
}
