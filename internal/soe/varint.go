package soe

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrVarIntTruncated is returned when a variable-length integer's
// continuation bytes run past the end of the buffer.
var ErrVarIntTruncated = errors.New("soe: variable-length integer truncated")

// ReadMultiLength reads a MultiPacket sub-packet length, per spec
// section 4.1: a single byte 0x01..0xFE is the length directly; 0xFF
// introduces a 2-byte big-endian length (or, when that would itself
// be 0xFFFF, a further 0xFF followed by a 4-byte big-endian length).
// Sub-packet lengths are assumed strictly positive.
func ReadMultiLength(buf []byte) (length uint32, consumed int, err error) {
	if len(buf) < 1 {
		return 0, 0, ErrVarIntTruncated
	}
	if buf[0] != 0xFF {
		return uint32(buf[0]), 1, nil
	}
	if len(buf) < 3 {
		return 0, 0, ErrVarIntTruncated
	}
	short := binary.BigEndian.Uint16(buf[1:3])
	if short != 0xFFFF {
		return uint32(short), 3, nil
	}
	if len(buf) < 7 {
		return 0, 0, ErrVarIntTruncated
	}
	return binary.BigEndian.Uint32(buf[3:7]), 7, nil
}

// WriteMultiLength appends the MultiPacket encoding of length to buf.
func WriteMultiLength(buf []byte, length uint32) []byte {
	switch {
	case length >= 1 && length <= 0xFE:
		return append(buf, byte(length))
	case length < 0xFFFF:
		buf = append(buf, 0xFF)
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(length))
		return append(buf, tmp[:]...)
	default:
		buf = append(buf, 0xFF, 0xFF, 0xFF)
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], length)
		return append(buf, tmp[:]...)
	}
}

// ReadBundleLength reads a data-bundle sub-item length. Unlike
// ReadMultiLength, a zero-length item is syntactically valid, so the
// direct-encoding range is 0x00..0xFE rather than 0x01..0xFE.
func ReadBundleLength(buf []byte) (length uint32, consumed int, err error) {
	if len(buf) < 1 {
		return 0, 0, ErrVarIntTruncated
	}
	if buf[0] != 0xFF {
		return uint32(buf[0]), 1, nil
	}
	if len(buf) < 3 {
		return 0, 0, ErrVarIntTruncated
	}
	short := binary.BigEndian.Uint16(buf[1:3])
	if short != 0xFFFF {
		return uint32(short), 3, nil
	}
	if len(buf) < 7 {
		return 0, 0, ErrVarIntTruncated
	}
	return binary.BigEndian.Uint32(buf[3:7]), 7, nil
}

// WriteBundleLength appends the data-bundle encoding of length to buf.
func WriteBundleLength(buf []byte, length uint32) []byte {
	switch {
	case length <= 0xFE:
		return append(buf, byte(length))
	case length < 0xFFFF:
		buf = append(buf, 0xFF)
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(length))
		return append(buf, tmp[:]...)
	default:
		buf = append(buf, 0xFF, 0xFF, 0xFF)
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], length)
		return append(buf, tmp[:]...)
	}
}
