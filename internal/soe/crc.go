package soe

import "hash/crc32"

// crcTable is the standard zlib/IEEE CRC-32 table (polynomial reversed
// 0xEDB88320), the same one hash/crc32.IEEETable uses. Kept as an
// explicit var, mirroring kcp-go's preference for crc32.ChecksumIEEE
// over a hand-rolled table, so the constant-table values are
// guaranteed to match any reference implementation bit-for-bit.
var crcTable = crc32.IEEETable

// ComputeCRC returns the CRC-32 (zlib/IEEE polynomial) of data, seeded
// with seed as spec section 4.2 describes: the running register is
// initialized from ^seed and the final value is complemented.
//
// hash/crc32.Update(crc, tab, p) itself complements its crc argument
// before the update loop and complements the result before returning,
// so passing seed directly (not ^seed) produces exactly that: an
// initial register of ^seed and a complemented final checksum.
func ComputeCRC(data []byte, seed uint32) uint32 {
	return crc32.Update(seed, crcTable, data)
}

// AppendCRCTrailer appends the low crcLength bytes (big-endian) of the
// CRC-32 of data (seeded with seed) to data and returns the result.
// crcLength must be in 0..=4; crcLength == 0 appends nothing.
func AppendCRCTrailer(data []byte, seed uint32, crcLength int) []byte {
	if crcLength <= 0 {
		return data
	}
	sum := ComputeCRC(data, seed)
	var full [4]byte
	full[0] = byte(sum >> 24)
	full[1] = byte(sum >> 16)
	full[2] = byte(sum >> 8)
	full[3] = byte(sum)
	return append(data, full[4-crcLength:]...)
}

// VerifyCRCTrailer reports whether the last crcLength bytes of framed
// match the CRC-32 (seeded with seed) of the bytes preceding them.
// crcLength == 0 always verifies true (no trailer to check).
func VerifyCRCTrailer(framed []byte, seed uint32, crcLength int) bool {
	if crcLength <= 0 {
		return true
	}
	if len(framed) < crcLength {
		return false
	}
	body := framed[:len(framed)-crcLength]
	trailer := framed[len(framed)-crcLength:]
	sum := ComputeCRC(body, seed)
	var full [4]byte
	full[0] = byte(sum >> 24)
	full[1] = byte(sum >> 16)
	full[2] = byte(sum >> 8)
	full[3] = byte(sum)
	expected := full[4-crcLength:]
	for i := range trailer {
		if trailer[i] != expected[i] {
			return false
		}
	}
	return true
}
