package soe

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// RawPacket is one UDP datagram handed to a ProtocolHandler by its
// SocketHandler, already demultiplexed to this session by remote
// address.
type RawPacket struct {
	Data []byte
}

// ProtocolHandler is the per-session state machine of spec section 4.6:
// negotiation, heartbeat, inactivity timeout, teardown, and contextual
// versus contextless packet dispatch. It owns one ReliableDataInputChannel
// and one ReliableDataOutputChannel and wires them to the application.
type ProtocolHandler struct {
	mode  Mode
	state State

	params    SessionParameters
	appParams ApplicationParameters
	app       ApplicationProtocol

	sessionID uint32

	input  *ReliableDataInputChannel
	output *ReliableDataOutputChannel

	rawQueue []RawPacket

	lastContextualRecv time.Time
	lastValidRecv       time.Time

	terminationReason DisconnectReason
	terminatedByRemote bool
	serverOpened      bool

	outbound [][]byte
}

// NewClientProtocolHandler builds a handler that will send SessionRequest
// on its first Tick and negotiate as the initiating peer.
func NewClientProtocolHandler(params SessionParameters, app ApplicationProtocol) *ProtocolHandler {
	h := newProtocolHandler(ModeClient, params, app)
	h.sessionID = randomUint32()
	return h
}

// NewServerProtocolHandler builds a handler seeded from an already-received
// SessionRequest; the SocketHandler is responsible for having matched (or
// created) this handler before handing it packets.
func NewServerProtocolHandler(params SessionParameters, app ApplicationProtocol, req SessionRequestPacket) *ProtocolHandler {
	h := newProtocolHandler(ModeServer, params, app)
	h.sessionID = req.SessionID
	h.params.RemoteUDPLength = req.UDPLength
	h.params.CrcSeed = randomUint32()
	return h
}

func newProtocolHandler(mode Mode, params SessionParameters, app ApplicationProtocol) *ProtocolHandler {
	if app == nil {
		app = &NullApplication{}
	}
	h := &ProtocolHandler{
		mode:      mode,
		state:     StateNegotiating,
		params:    params.Clone(),
		appParams: app.SessionParams(),
		app:       app,
	}
	app.Initialize(h)
	h.input = NewReliableDataInputChannel(&h.params, &h.appParams)
	h.output = NewReliableDataOutputChannel(&h.params, &h.appParams)
	return h
}

func randomUint32() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(buf[:])
}

// --- SessionHandle ---

func (h *ProtocolHandler) Mode() Mode                          { return h.mode }
func (h *ProtocolHandler) State() State                        { return h.state }
func (h *ProtocolHandler) SessionID() uint32                   { return h.sessionID }
func (h *ProtocolHandler) TerminationReason() DisconnectReason { return h.terminationReason }
func (h *ProtocolHandler) TerminatedByRemote() bool            { return h.terminatedByRemote }

func (h *ProtocolHandler) EnqueueData(data []byte) bool {
	if h.state != StateRunning {
		return false
	}
	return h.output.EnqueueData(data)
}

func (h *ProtocolHandler) TerminateSession() {
	// A public, externally-triggered teardown, not part of the
	// Tick-driven chain, so it supplies its own clock reading.
	h.terminate(ReasonApplication, true, time.Now())
}

// --- inbound ---

// Deliver queues one raw datagram for processing on the next Tick,
// bounded by MaxQueuedRawPackets (spec section 5): a session under
// sustained receive pressure drops newest-first rather than growing
// without bound.
func (h *ProtocolHandler) Deliver(data []byte) {
	if h.state == StateTerminated {
		return
	}
	if len(h.rawQueue) >= h.params.MaxQueuedRawPackets {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	h.rawQueue = append(h.rawQueue, RawPacket{Data: cp})
}

// DrainOutbound returns and clears the raw datagrams ready for
// transmission since the last call.
func (h *ProtocolHandler) DrainOutbound() [][]byte {
	out := h.outbound
	h.outbound = nil
	return out
}

// Tick drives one iteration of the handler: process queued raw packets,
// flush the output channel, let the input channel emit coalesced acks,
// and check heartbeat/inactivity timers. now is supplied by the caller
// so the whole engine stays deterministic and testable.
func (h *ProtocolHandler) Tick(now time.Time) {
	if h.state == StateTerminated {
		return
	}

	if h.mode == ModeClient && h.state == StateNegotiating && h.lastValidRecv.IsZero() {
		h.sendSessionRequest()
		h.lastValidRecv = now
	}

	queue := h.rawQueue
	h.rawQueue = nil
	for _, raw := range queue {
		if h.state == StateTerminated {
			break
		}
		h.processRaw(raw.Data, now)
	}

	if h.state == StateTerminated {
		return
	}

	for _, ack := range h.input.DrainAcks() {
		h.sendAck(ack)
	}
	h.input.Tick(now)
	for _, ack := range h.input.DrainAcks() {
		h.sendAck(ack)
	}

	for _, data := range h.input.DrainDelivered() {
		h.app.HandleAppData(data)
	}

	if h.state == StateRunning {
		h.output.Flush(now)
		for _, pkt := range h.output.DrainOutbox() {
			h.sendOutgoing(pkt)
		}
	}

	h.checkTimers(now)
}

func (h *ProtocolHandler) checkTimers(now time.Time) {
	if h.state != StateRunning {
		return
	}
	if h.mode == ModeClient && h.params.HeartbeatAfter > 0 {
		if now.Sub(h.lastContextualRecv) >= h.params.HeartbeatAfter {
			h.sendContextual(OpHeartbeat, false, nil)
			h.lastContextualRecv = now
		}
	}
	if h.params.InactivityTimeout > 0 && now.Sub(h.lastValidRecv) >= h.params.InactivityTimeout {
		h.terminate(ReasonTimeout, false, now)
	}
}

func (h *ProtocolHandler) processRaw(buf []byte, now time.Time) {
	if len(buf) < 2 {
		return
	}
	op := OpCode(binary.BigEndian.Uint16(buf[0:2]))
	if op.IsContextless() {
		h.dispatchContextless(op, buf[2:], now)
		return
	}
	h.processContextual(buf, now)
}

func (h *ProtocolHandler) processContextual(buf []byte, now time.Time) {
	parsed := ParseContextual(buf, h.params.IsCompressionEnabled, h.params.CrcSeed, h.params.CrcLength)
	switch parsed.Result {
	case TooShort, CrcMismatch:
		h.failStructural(now)
		return
	case InvalidOpCode:
		// Unrecognized-but-structurally-ok contextual packets may be
		// ignored (spec section 4.1).
		return
	}

	payload := parsed.Payload
	if parsed.Compressed {
		codec := NewCodec(h.params.CompressionMethod)
		decompressed, err := codec.Decompress(payload)
		if err != nil {
			h.failStructural(now)
			return
		}
		payload = decompressed
	}

	h.lastValidRecv = now
	h.lastContextualRecv = now
	h.dispatchContextual(parsed.OpCode, payload, now)
	h.maybeOpenServerSession()
}

func (h *ProtocolHandler) failStructural(now time.Time) {
	if h.state == StateNegotiating {
		h.terminate(ReasonConnectError, true, now)
		return
	}
	h.terminate(ReasonCorruptPacket, true, now)
}

func (h *ProtocolHandler) dispatchContextual(op OpCode, payload []byte, now time.Time) {
	switch op {
	case OpMultiPacket:
		subs, err := DecodeMultiPacket(payload)
		if err != nil {
			h.failStructural(now)
			return
		}
		for _, sub := range subs {
			if h.state == StateTerminated {
				return
			}
			h.dispatchContextual(sub.OpCode, sub.Payload, now)
		}
	case OpDisconnect:
		d, err := DecodeDisconnect(payload)
		if err != nil {
			h.failStructural(now)
			return
		}
		h.terminatedByRemote = true
		h.terminate(d.Reason, false, now)
	case OpHeartbeat:
		if h.mode == ModeServer {
			h.sendContextual(OpHeartbeat, false, nil)
		}
	case OpNetStatusRequest, OpNetStatusResponse:
		// MAY be ignored (spec section 4.6).
	case OpReliableData:
		if h.state != StateRunning {
			return
		}
		p, err := DecodeReliableData(payload)
		if err != nil {
			h.failStructural(now)
			return
		}
		if err := h.input.HandleReliableData(p.Sequence, p.Data); err != nil {
			h.failStructural(now)
		}
	case OpReliableDataFragment:
		if h.state != StateRunning {
			return
		}
		seq, rest, err := DecodeReliableDataFragmentHeader(payload)
		if err != nil {
			h.failStructural(now)
			return
		}
		if err := h.input.HandleReliableDataFragment(seq, rest); err != nil {
			h.failStructural(now)
		}
	case OpAcknowledge:
		if h.state != StateRunning {
			return
		}
		p, err := DecodeAcknowledge(payload)
		if err != nil {
			h.failStructural(now)
			return
		}
		h.output.OnAcknowledge(p.Sequence)
	case OpAcknowledgeAll:
		if h.state != StateRunning {
			return
		}
		p, err := DecodeAcknowledge(payload)
		if err != nil {
			h.failStructural(now)
			return
		}
		h.output.OnAcknowledgeAll(p.Sequence)
	default:
		// Recognized but not one this dialect expects contextually:
		// ignore, per spec section 4.1.
	}
}

func (h *ProtocolHandler) dispatchContextless(op OpCode, payload []byte, now time.Time) {
	switch op {
	case OpSessionRequest:
		req, err := DecodeSessionRequest(payload)
		if err != nil {
			h.failStructural(now)
			return
		}
		if h.mode == ModeClient {
			h.terminate(ReasonConnectingToSelf, false, now)
			return
		}
		h.handleSessionRequest(req, now)
	case OpSessionResponse:
		resp, err := DecodeSessionResponse(payload)
		if err != nil {
			h.failStructural(now)
			return
		}
		if h.mode == ModeServer {
			h.terminate(ReasonConnectingToSelf, false, now)
			return
		}
		h.handleSessionResponse(resp, now)
	case OpUnknownSender:
		h.terminate(ReasonUnreachableConnection, false, now)
	case OpRemapConnection:
		// Handled by the socket handler, which owns the remote-address
		// table; a ProtocolHandler never sees this directly in normal
		// operation, but ignore it defensively if it does.
	}
}

func (h *ProtocolHandler) handleSessionRequest(req SessionRequestPacket, now time.Time) {
	if h.state != StateNegotiating {
		return
	}
	if req.ProtocolVersion != SoeProtocolVersion || req.ApplicationProtocol != h.params.ApplicationProtocol {
		h.terminate(ReasonProtocolMismatch, true, now)
		return
	}
	h.sessionID = req.SessionID
	h.params.RemoteUDPLength = req.UDPLength
	if h.params.CrcSeed == 0 {
		h.params.CrcSeed = randomUint32()
	}
	if h.params.CrcLength == 0 {
		h.params.CrcLength = 2
	}
	resp := SessionResponsePacket{
		SessionID:            h.sessionID,
		CrcSeed:              h.params.CrcSeed,
		CrcLength:            uint8(h.params.CrcLength),
		IsCompressionEnabled: h.params.IsCompressionEnabled,
		UDPLength:            h.params.UDPLength,
		ProtocolVersion:      SoeProtocolVersion,
	}
	h.outbound = append(h.outbound, FrameContextless(OpSessionResponse, EncodeSessionResponse(resp)))
	h.state = StateRunning
	h.lastValidRecv = now
	h.lastContextualRecv = now
	// OnSessionOpened is deferred on the server until the next valid
	// client packet, so the client is guaranteed to have received this
	// response (spec section 4.6).
}

func (h *ProtocolHandler) handleSessionResponse(resp SessionResponsePacket, now time.Time) {
	if h.state != StateNegotiating {
		return
	}
	if resp.ProtocolVersion != SoeProtocolVersion {
		h.terminate(ReasonProtocolMismatch, true, now)
		return
	}
	h.params.RemoteUDPLength = resp.UDPLength
	h.params.CrcLength = int(resp.CrcLength)
	h.params.CrcSeed = resp.CrcSeed
	h.params.IsCompressionEnabled = resp.IsCompressionEnabled
	h.sessionID = resp.SessionID
	h.state = StateRunning
	h.lastValidRecv = now
	h.lastContextualRecv = now
	h.app.OnSessionOpened()
}

func (h *ProtocolHandler) sendSessionRequest() {
	req := SessionRequestPacket{
		ProtocolVersion:     SoeProtocolVersion,
		SessionID:           h.sessionID,
		UDPLength:           h.params.UDPLength,
		ApplicationProtocol: h.params.ApplicationProtocol,
	}
	h.outbound = append(h.outbound, FrameContextless(OpSessionRequest, EncodeSessionRequest(req)))
}

// maybeOpenServerSession lets the server deliver the deferred
// OnSessionOpened once it has processed a first valid post-negotiation
// packet from the client, per spec section 4.6. Called after a
// successful contextual dispatch while running.
func (h *ProtocolHandler) maybeOpenServerSession() {
	if h.mode == ModeServer && h.state == StateRunning && !h.serverOpened {
		h.serverOpened = true
		h.app.OnSessionOpened()
	}
}

func (h *ProtocolHandler) sendAck(ack PendingAck) {
	op := OpAcknowledge
	if ack.All {
		op = OpAcknowledgeAll
	}
	h.sendContextual(op, false, EncodeAcknowledge(AcknowledgePacket{Sequence: ack.Sequence}))
}

func (h *ProtocolHandler) sendOutgoing(pkt OutgoingPacket) {
	op := OpReliableData
	var payload []byte
	if pkt.IsFragment {
		op = OpReliableDataFragment
		payload = EncodeReliableDataFragment(ReliableDataFragmentPacket{
			Sequence:          pkt.Sequence,
			HasCompleteLength: pkt.HasCompleteLength,
			CompleteLength:    pkt.CompleteLength,
			Data:              pkt.Data,
		})
	} else {
		payload = EncodeReliableData(ReliableDataPacket{Sequence: pkt.Sequence, Data: pkt.Data})
	}
	h.sendContextual(op, false, payload)
}

func (h *ProtocolHandler) sendContextual(op OpCode, compressed bool, payload []byte) {
	if h.params.IsCompressionEnabled && !compressed {
		// A compression-enabled session carries the flag byte on every
		// contextual packet; 0 marks this payload as not compressed.
		payload = append([]byte{0}, payload...)
	}
	h.outbound = append(h.outbound, FrameContextual(op, compressed, payload, h.params.CrcSeed, h.params.CrcLength))
}

// terminate runs the common teardown path of spec section 4.6/7:
// optionally flush and notify, transition to Terminated, and invoke
// OnSessionClosed exactly once.
func (h *ProtocolHandler) terminate(reason DisconnectReason, notifyRemote bool, now time.Time) {
	if h.state == StateTerminated {
		return
	}
	if h.state == StateRunning && notifyRemote {
		h.output.Flush(now)
		for _, pkt := range h.output.DrainOutbox() {
			h.sendOutgoing(pkt)
		}
		h.sendContextual(OpDisconnect, false, EncodeDisconnect(DisconnectPacket{SessionID: h.sessionID, Reason: reason}))
	}
	h.state = StateTerminated
	h.terminationReason = reason
	h.app.OnSessionClosed(reason)
}

// SoeProtocolVersion is the negotiated wire version this module speaks
// (spec section 4.6): the fixed value 3.
const SoeProtocolVersion uint32 = 3
