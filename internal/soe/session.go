package soe

import "time"

// Mode distinguishes which side of a session this handler plays.
type Mode int

const (
	ModeClient Mode = iota
	ModeServer
)

func (m Mode) String() string {
	if m == ModeServer {
		return "server"
	}
	return "client"
}

// State is the per-session state machine's current variant, per spec
// section 4.6: Negotiating -> Running -> Terminated, each transition
// taken exactly once and Terminated absorbing.
type State int

const (
	StateNegotiating State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SessionParameters holds the negotiated, per-session wire parameters
// from spec section 3. NewDefaultSessionParameters returns the
// documented defaults; SocketHandler shallow-clones a copy per new
// session so negotiation never mutates the shared default.
type SessionParameters struct {
	ApplicationProtocol string
	UDPLength            uint32
	RemoteUDPLength      uint32
	CrcSeed              uint32
	CrcLength            int
	IsCompressionEnabled bool
	CompressionMethod    CompressionMethod

	MaxQueuedRawPackets            int
	MaxQueuedOutgoingReliableData  int
	MaxQueuedIncomingReliableData  int

	DataAckWindow         int
	HeartbeatAfter        time.Duration
	InactivityTimeout     time.Duration
	AcknowledgeAllData    bool
	MaxAcknowledgeDelay   time.Duration

	// AckWaitTimeout is ACK_WAIT_MILLISECONDS from spec section 4.5 and
	// 9: the reference leaves it a symbolic constant; this module
	// commits to a concrete 200ms default.
	AckWaitTimeout time.Duration

	IsFECEnabled     bool
	FECDataShards    int
	FECParityShards  int
}

// NewDefaultSessionParameters returns the spec-documented defaults.
func NewDefaultSessionParameters(applicationProtocol string) SessionParameters {
	return SessionParameters{
		ApplicationProtocol:           applicationProtocol,
		UDPLength:                     512,
		CrcLength:                     2,
		IsCompressionEnabled:          false,
		CompressionMethod:             CompressionZlib,
		MaxQueuedRawPackets:           512,
		MaxQueuedOutgoingReliableData: 196,
		MaxQueuedIncomingReliableData: 256,
		DataAckWindow:                 32,
		HeartbeatAfter:                25 * time.Second,
		InactivityTimeout:             30 * time.Second,
		AcknowledgeAllData:            false,
		MaxAcknowledgeDelay:           2 * time.Millisecond,
		AckWaitTimeout:                200 * time.Millisecond,
		IsFECEnabled:                  false,
		FECDataShards:                 8,
		FECParityShards:               2,
	}
}

// Clone returns a shallow copy, used by the socket handler so per-session
// negotiation never mutates the shared default parameters.
func (p SessionParameters) Clone() SessionParameters {
	return p
}

// ApplicationParameters is static, per-session, application-supplied
// configuration: optional RC4 key state and the encryption toggle.
// IsEncryptionEnabled must never be true without InboundKey/OutboundKey
// present; the flag itself may be flipped mid-session by the
// application (spec section 3).
type ApplicationParameters struct {
	IsEncryptionEnabled bool
	InboundKey          *Rc4KeyState
	OutboundKey         *Rc4KeyState
}
