// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package soe implements the SOE protocol (version 3): a reliable,
// ordered, session-oriented transport over UDP.
package soe

// OpCode identifies the kind of an SOE packet. All values are carried
// on the wire as a big-endian uint16.
type OpCode uint16

// Recognized opcodes. This module commits to the "current dialect"
// assignments (Acknowledge/AcknowledgeAll/UnknownSender/RemapConnection)
// rather than the legacy OutOfOrder/FatalError/FatalErrorResponse ones;
// see the Open Questions in spec section 9.
const (
	OpSessionRequest       OpCode = 0x01
	OpSessionResponse      OpCode = 0x02
	OpMultiPacket          OpCode = 0x03
	OpDisconnect           OpCode = 0x05
	OpHeartbeat            OpCode = 0x06
	OpNetStatusRequest     OpCode = 0x07
	OpNetStatusResponse    OpCode = 0x08
	OpReliableData         OpCode = 0x09
	OpReliableDataFragment OpCode = 0x0D
	OpAcknowledge          OpCode = 0x11
	OpAcknowledgeAll       OpCode = 0x15
	OpUnknownSender        OpCode = 0x1D
	OpRemapConnection      OpCode = 0x1E
)

// IsRecognized reports whether op is one of the opcodes enumerated above.
func (op OpCode) IsRecognized() bool {
	switch op {
	case OpSessionRequest, OpSessionResponse, OpMultiPacket, OpDisconnect,
		OpHeartbeat, OpNetStatusRequest, OpNetStatusResponse, OpReliableData,
		OpReliableDataFragment, OpAcknowledge, OpAcknowledgeAll,
		OpUnknownSender, OpRemapConnection:
		return true
	default:
		return false
	}
}

// IsContextless reports whether op is carried without session context:
// no CRC trailer, no compression flag, and never multi-packable.
func (op OpCode) IsContextless() bool {
	switch op {
	case OpSessionRequest, OpSessionResponse, OpUnknownSender, OpRemapConnection:
		return true
	default:
		return false
	}
}

// IsContextual is the complement of IsContextless for recognized opcodes.
func (op OpCode) IsContextual() bool {
	return op.IsRecognized() && !op.IsContextless()
}

func (op OpCode) String() string {
	switch op {
	case OpSessionRequest:
		return "SessionRequest"
	case OpSessionResponse:
		return "SessionResponse"
	case OpMultiPacket:
		return "MultiPacket"
	case OpDisconnect:
		return "Disconnect"
	case OpHeartbeat:
		return "Heartbeat"
	case OpNetStatusRequest:
		return "NetStatusRequest"
	case OpNetStatusResponse:
		return "NetStatusResponse"
	case OpReliableData:
		return "ReliableData"
	case OpReliableDataFragment:
		return "ReliableDataFragment"
	case OpAcknowledge:
		return "Acknowledge"
	case OpAcknowledgeAll:
		return "AcknowledgeAll"
	case OpUnknownSender:
		return "UnknownSender"
	case OpRemapConnection:
		return "RemapConnection"
	default:
		return "Unknown"
	}
}

// DisconnectReason enumerates why a session was torn down. Carried on
// the wire as a big-endian uint16 in a Disconnect packet, and reported
// to the local application via OnSessionClosed.
type DisconnectReason uint16

const (
	ReasonNone                  DisconnectReason = 0
	ReasonIcmpError             DisconnectReason = 1
	ReasonTimeout               DisconnectReason = 2
	ReasonOtherSideTerminated   DisconnectReason = 3
	ReasonManagerDeleted        DisconnectReason = 4
	ReasonConnectFail           DisconnectReason = 5
	ReasonApplication           DisconnectReason = 6
	ReasonUnreachableConnection DisconnectReason = 7
	ReasonUnacknowledgedTimeout DisconnectReason = 8
	ReasonNewConnectionAttempt  DisconnectReason = 9
	ReasonConnectionRefused     DisconnectReason = 10
	ReasonConnectError          DisconnectReason = 11
	ReasonConnectingToSelf      DisconnectReason = 12
	ReasonReliableOverflow      DisconnectReason = 13
	ReasonApplicationReleased   DisconnectReason = 14
	ReasonCorruptPacket         DisconnectReason = 15
	ReasonProtocolMismatch      DisconnectReason = 16
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonIcmpError:
		return "IcmpError"
	case ReasonTimeout:
		return "Timeout"
	case ReasonOtherSideTerminated:
		return "OtherSideTerminated"
	case ReasonManagerDeleted:
		return "ManagerDeleted"
	case ReasonConnectFail:
		return "ConnectFail"
	case ReasonApplication:
		return "Application"
	case ReasonUnreachableConnection:
		return "UnreachableConnection"
	case ReasonUnacknowledgedTimeout:
		return "UnacknowledgedTimeout"
	case ReasonNewConnectionAttempt:
		return "NewConnectionAttempt"
	case ReasonConnectionRefused:
		return "ConnectionRefused"
	case ReasonConnectError:
		return "ConnectError"
	case ReasonConnectingToSelf:
		return "ConnectingToSelf"
	case ReasonReliableOverflow:
		return "ReliableOverflow"
	case ReasonApplicationReleased:
		return "ApplicationReleased"
	case ReasonCorruptPacket:
		return "CorruptPacket"
	case ReasonProtocolMismatch:
		return "ProtocolMismatch"
	default:
		return "Unknown"
	}
}

// ValidationResult classifies the structural outcome of parsing a
// contextual packet, per spec section 4.1.
type ValidationResult int

const (
	Valid ValidationResult = iota
	TooShort
	InvalidOpCode
	CrcMismatch
)

func (v ValidationResult) String() string {
	switch v {
	case Valid:
		return "Valid"
	case TooShort:
		return "TooShort"
	case InvalidOpCode:
		return "InvalidOpCode"
	case CrcMismatch:
		return "CrcMismatch"
	default:
		return "Unknown"
	}
}
