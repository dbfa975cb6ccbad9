package soe

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrTooShort, ErrInvalidOpCode and ErrCrcMismatch back the
// ValidationResult classification with a Go error, for callers that
// want the errors.Wrap idiom instead of a switch on the enum.
var (
	ErrTooShort      = errors.New("soe: packet too short")
	ErrInvalidOpCode = errors.New("soe: invalid opcode")
	ErrCrcMismatch   = errors.New("soe: crc mismatch")
)

// SessionRequestPacket is the client's opening contextless packet.
type SessionRequestPacket struct {
	ProtocolVersion     uint32
	SessionID           uint32
	UDPLength           uint32
	ApplicationProtocol string
}

// EncodeSessionRequest serializes p (without opcode) per spec 4.1.
func EncodeSessionRequest(p SessionRequestPacket) []byte {
	buf := make([]byte, 0, 4+4+4+len(p.ApplicationProtocol)+1)
	buf = appendU32(buf, p.ProtocolVersion)
	buf = appendU32(buf, p.SessionID)
	buf = appendU32(buf, p.UDPLength)
	buf = append(buf, p.ApplicationProtocol...)
	buf = append(buf, 0)
	return buf
}

// DecodeSessionRequest parses the SessionRequest payload (opcode
// already stripped).
func DecodeSessionRequest(buf []byte) (SessionRequestPacket, error) {
	if len(buf) < 13 {
		return SessionRequestPacket{}, ErrTooShort
	}
	protoVersion := binary.BigEndian.Uint32(buf[0:4])
	sessionID := binary.BigEndian.Uint32(buf[4:8])
	udpLength := binary.BigEndian.Uint32(buf[8:12])
	nul := indexByte(buf[12:], 0)
	if nul < 0 {
		return SessionRequestPacket{}, ErrTooShort
	}
	return SessionRequestPacket{
		ProtocolVersion:     protoVersion,
		SessionID:           sessionID,
		UDPLength:           udpLength,
		ApplicationProtocol: string(buf[12 : 12+nul]),
	}, nil
}

// SessionResponsePacket is the server's reply to SessionRequest.
type SessionResponsePacket struct {
	SessionID           uint32
	CrcSeed             uint32
	CrcLength           uint8
	IsCompressionEnabled bool
	Unknown1            uint8
	UDPLength           uint32
	ProtocolVersion     uint32
}

func EncodeSessionResponse(p SessionResponsePacket) []byte {
	buf := make([]byte, 0, 4+4+1+1+1+4+4)
	buf = appendU32(buf, p.SessionID)
	buf = appendU32(buf, p.CrcSeed)
	buf = append(buf, p.CrcLength)
	buf = append(buf, boolByte(p.IsCompressionEnabled))
	buf = append(buf, p.Unknown1)
	buf = appendU32(buf, p.UDPLength)
	buf = appendU32(buf, p.ProtocolVersion)
	return buf
}

func DecodeSessionResponse(buf []byte) (SessionResponsePacket, error) {
	if len(buf) < 19 {
		return SessionResponsePacket{}, ErrTooShort
	}
	return SessionResponsePacket{
		SessionID:            binary.BigEndian.Uint32(buf[0:4]),
		CrcSeed:              binary.BigEndian.Uint32(buf[4:8]),
		CrcLength:            buf[8],
		IsCompressionEnabled: buf[9] != 0,
		Unknown1:             buf[10],
		UDPLength:            binary.BigEndian.Uint32(buf[11:15]),
		ProtocolVersion:      binary.BigEndian.Uint32(buf[15:19]),
	}, nil
}

// DisconnectPacket carries a session's teardown reason.
type DisconnectPacket struct {
	SessionID uint32
	Reason    DisconnectReason
}

func EncodeDisconnect(p DisconnectPacket) []byte {
	buf := make([]byte, 0, 6)
	buf = appendU32(buf, p.SessionID)
	buf = appendU16(buf, uint16(p.Reason))
	return buf
}

func DecodeDisconnect(buf []byte) (DisconnectPacket, error) {
	if len(buf) < 6 {
		return DisconnectPacket{}, ErrTooShort
	}
	return DisconnectPacket{
		SessionID: binary.BigEndian.Uint32(buf[0:4]),
		Reason:    DisconnectReason(binary.BigEndian.Uint16(buf[4:6])),
	}, nil
}

// ReliableDataPacket carries one complete, non-fragmented application
// buffer.
type ReliableDataPacket struct {
	Sequence Sequence
	Data     []byte
}

func EncodeReliableData(p ReliableDataPacket) []byte {
	buf := make([]byte, 0, 2+len(p.Data))
	buf = appendU16(buf, uint16(p.Sequence))
	buf = append(buf, p.Data...)
	return buf
}

func DecodeReliableData(buf []byte) (ReliableDataPacket, error) {
	if len(buf) < 2 {
		return ReliableDataPacket{}, ErrTooShort
	}
	return ReliableDataPacket{
		Sequence: Sequence(binary.BigEndian.Uint16(buf[0:2])),
		Data:     buf[2:],
	}, nil
}

// ReliableDataFragmentPacket carries one fragment of a larger
// application buffer. CompleteLength is present (HasCompleteLength
// true) only on the first fragment of a reassembly.
type ReliableDataFragmentPacket struct {
	Sequence           Sequence
	HasCompleteLength  bool
	CompleteLength     uint32
	Data               []byte
}

func EncodeReliableDataFragment(p ReliableDataFragmentPacket) []byte {
	size := 2 + len(p.Data)
	if p.HasCompleteLength {
		size += 4
	}
	buf := make([]byte, 0, size)
	buf = appendU16(buf, uint16(p.Sequence))
	if p.HasCompleteLength {
		buf = appendU32(buf, p.CompleteLength)
	}
	buf = append(buf, p.Data...)
	return buf
}

// DecodeReliableDataFragmentHeader splits a fragment payload into its
// sequence number and the bytes that follow, without attempting to
// interpret those bytes — whether they start with a complete_length
// field can only be known from the receiver's own reassembly state
// (spec section 4.4), not from anything on the wire.
func DecodeReliableDataFragmentHeader(buf []byte) (seq Sequence, rest []byte, err error) {
	if len(buf) < 2 {
		return 0, nil, ErrTooShort
	}
	return Sequence(binary.BigEndian.Uint16(buf[0:2])), buf[2:], nil
}

// DecodeReliableDataFragmentBody interprets the bytes following a
// fragment's sequence number. isFirst is supplied by the caller (the
// input channel), based on whether it is currently mid-reassembly.
func DecodeReliableDataFragmentBody(rest []byte, isFirst bool) (ReliableDataFragmentPacket, error) {
	if !isFirst {
		return ReliableDataFragmentPacket{Data: rest}, nil
	}
	if len(rest) < 4 {
		return ReliableDataFragmentPacket{}, ErrTooShort
	}
	return ReliableDataFragmentPacket{
		HasCompleteLength: true,
		CompleteLength:    binary.BigEndian.Uint32(rest[0:4]),
		Data:              rest[4:],
	}, nil
}

// AcknowledgePacket backs Acknowledge, AcknowledgeAll (and the legacy
// OutOfOrder, unused by this dialect): a single sequence number.
type AcknowledgePacket struct {
	Sequence Sequence
}

func EncodeAcknowledge(p AcknowledgePacket) []byte {
	return appendU16(make([]byte, 0, 2), uint16(p.Sequence))
}

func DecodeAcknowledge(buf []byte) (AcknowledgePacket, error) {
	if len(buf) < 2 {
		return AcknowledgePacket{}, ErrTooShort
	}
	return AcknowledgePacket{Sequence: Sequence(binary.BigEndian.Uint16(buf[0:2]))}, nil
}

// RemapConnectionPacket requests a session follow its peer to a new
// source port (NAT rebind), handled by the socket handler, not the
// per-session handler (spec section 4.6/4.7).
type RemapConnectionPacket struct {
	SessionID uint32
	CrcSeed   uint32
}

func EncodeRemapConnection(p RemapConnectionPacket) []byte {
	buf := make([]byte, 0, 8)
	buf = appendU32(buf, p.SessionID)
	buf = appendU32(buf, p.CrcSeed)
	return buf
}

func DecodeRemapConnection(buf []byte) (RemapConnectionPacket, error) {
	if len(buf) < 8 {
		return RemapConnectionPacket{}, ErrTooShort
	}
	return RemapConnectionPacket{
		SessionID: binary.BigEndian.Uint32(buf[0:4]),
		CrcSeed:   binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// --- framing ---

// FrameContextual builds the wire bytes of a contextual packet: opcode,
// optional compression flag, payload, CRC trailer. payload must
// already be the (possibly compressed) bytes that follow the
// compression flag.
func FrameContextual(op OpCode, compressed bool, payload []byte, crcSeed uint32, crcLength int) []byte {
	buf := make([]byte, 0, 2+1+len(payload)+crcLength)
	buf = appendU16(buf, uint16(op))
	if compressed {
		buf = append(buf, 1)
	}
	buf = append(buf, payload...)
	return AppendCRCTrailer(buf, crcSeed, crcLength)
}

// FrameContextless builds the wire bytes of a contextless packet: just
// opcode and payload, no flag and no trailer.
func FrameContextless(op OpCode, payload []byte) []byte {
	buf := make([]byte, 0, 2+len(payload))
	buf = appendU16(buf, uint16(op))
	buf = append(buf, payload...)
	return buf
}

// ParsedContextual is the result of validating and unwrapping a
// contextual packet's frame.
type ParsedContextual struct {
	Result     ValidationResult
	OpCode     OpCode
	Compressed bool
	Payload    []byte // compression flag and CRC trailer stripped
}

// ParseContextual validates and strips the frame of a contextual
// packet per spec section 4.1. isCompressionEnabled and crcLength come
// from the session's negotiated parameters.
func ParseContextual(buf []byte, isCompressionEnabled bool, crcSeed uint32, crcLength int) ParsedContextual {
	if len(buf) < 2 {
		return ParsedContextual{Result: TooShort}
	}
	op := OpCode(binary.BigEndian.Uint16(buf[0:2]))
	if !op.IsRecognized() {
		return ParsedContextual{Result: InvalidOpCode, OpCode: op}
	}
	if crcLength > 0 {
		if !VerifyCRCTrailer(buf, crcSeed, crcLength) {
			return ParsedContextual{Result: CrcMismatch, OpCode: op}
		}
	}
	rest := buf[2:]
	if crcLength > 0 {
		rest = rest[:len(rest)-crcLength]
	}
	compressed := false
	if isCompressionEnabled {
		if len(rest) < 1 {
			return ParsedContextual{Result: TooShort, OpCode: op}
		}
		compressed = rest[0] != 0
		rest = rest[1:]
	}
	return ParsedContextual{Result: Valid, OpCode: op, Compressed: compressed, Payload: rest}
}

// --- MultiPacket ---

// MultiSubPacket is one (opcode, payload) tuple carried inside a
// MultiPacket.
type MultiSubPacket struct {
	OpCode  OpCode
	Payload []byte
}

// EncodeMultiPacket concatenates subs as
// var_length_multi ∥ opcode ∥ payload tuples. Sub-packets must already
// omit any compression flag or CRC trailer of their own.
func EncodeMultiPacket(subs []MultiSubPacket) []byte {
	var buf []byte
	for _, s := range subs {
		body := make([]byte, 0, 2+len(s.Payload))
		body = appendU16(body, uint16(s.OpCode))
		body = append(body, s.Payload...)
		buf = WriteMultiLength(buf, uint32(len(body)))
		buf = append(buf, body...)
	}
	return buf
}

// DecodeMultiPacket splits a MultiPacket payload back into sub-packets.
// A sub-packet length of zero, one exceeding the remaining buffer, or a
// recognized-but-contextless sub-opcode (SessionRequest/Response/
// UnknownSender/RemapConnection are never valid inside a MultiPacket)
// is a CorruptPacket condition (ErrTooShort here).
func DecodeMultiPacket(buf []byte) ([]MultiSubPacket, error) {
	var out []MultiSubPacket
	for len(buf) > 0 {
		length, consumed, err := ReadMultiLength(buf)
		if err != nil {
			return nil, errors.Wrap(err, "soe: multi-packet length")
		}
		buf = buf[consumed:]
		if length < 1 || int(length) > len(buf) {
			return nil, errors.Wrap(ErrTooShort, "soe: multi-packet sub-length")
		}
		sub := buf[:length]
		buf = buf[length:]
		if len(sub) < 2 {
			return nil, errors.Wrap(ErrTooShort, "soe: multi-packet sub-opcode")
		}
		op := OpCode(binary.BigEndian.Uint16(sub[0:2]))
		if op.IsRecognized() && op.IsContextless() {
			// Sub-packets must be contextual; a SessionRequest/Response/
			// UnknownSender/RemapConnection sub-opcode is a structural
			// violation, not something to silently ignore (spec 4.1).
			return nil, errors.Wrap(ErrTooShort, "soe: multi-packet sub-opcode must be contextual")
		}
		out = append(out, MultiSubPacket{OpCode: op, Payload: sub[2:]})
	}
	return out, nil
}

// --- data-bundle (multi-data) ---

// MultiDataIndicator is the two-byte prefix marking a reliable-data
// payload as a bundle of independent sub-buffers (spec section 4.4).
var MultiDataIndicator = [2]byte{0x00, 0x19}

// IsMultiData reports whether buf begins with the multi-data
// indicator.
func IsMultiData(buf []byte) bool {
	return len(buf) >= 2 && buf[0] == MultiDataIndicator[0] && buf[1] == MultiDataIndicator[1]
}

// EncodeDataBundle prepends the multi-data indicator and each item
// prefixed by its data-bundle length.
func EncodeDataBundle(items [][]byte) []byte {
	buf := make([]byte, 0, 2)
	buf = append(buf, MultiDataIndicator[:]...)
	for _, item := range items {
		buf = WriteBundleLength(buf, uint32(len(item)))
		buf = append(buf, item...)
	}
	return buf
}

// DecodeDataBundle splits a multi-data buffer (indicator already
// confirmed present) into its sub-items.
func DecodeDataBundle(buf []byte) ([][]byte, error) {
	if !IsMultiData(buf) {
		return nil, errors.New("soe: not a multi-data buffer")
	}
	buf = buf[2:]
	var out [][]byte
	for len(buf) > 0 {
		length, consumed, err := ReadBundleLength(buf)
		if err != nil {
			return nil, errors.Wrap(err, "soe: data-bundle length")
		}
		buf = buf[consumed:]
		if int(length) > len(buf) {
			return nil, errors.Wrap(ErrTooShort, "soe: data-bundle item")
		}
		out = append(out, buf[:length])
		buf = buf[length:]
	}
	return out, nil
}

// --- small helpers ---

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func indexByte(buf []byte, b byte) int {
	for i, c := range buf {
		if c == b {
			return i
		}
	}
	return -1
}
