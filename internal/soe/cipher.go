package soe

import (
	"crypto/rc4"

	"github.com/pkg/errors"
)

// Rc4KeyState holds one direction's persistent RC4 keystream state.
// crypto/rc4.Cipher already carries the two running indices and the
// 256-byte permuted S-box internally and advances them in place on
// every XORKeyStream call, which is exactly the "two indices plus
// 256-byte S-box, persistent for the entire session" state spec
// section 3/4.3 requires — a session keeps one Rc4KeyState per
// direction and never shares it.
type Rc4KeyState struct {
	cipher *rc4.Cipher
}

// NewRc4KeyState schedules a fresh RC4 state from key (the KSA),
// matching spec section 4.3's schedule(key) step.
func NewRc4KeyState(key []byte) (*Rc4KeyState, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "soe: rc4 key schedule")
	}
	return &Rc4KeyState{cipher: c}, nil
}

// Transform XORs src with the next len(src) bytes of keystream into
// dst (which may alias src for in-place use) and advances the
// persistent state. Splitting one logical transform across several
// calls with the same state produces the same bytes as one call over
// the concatenation.
func (s *Rc4KeyState) Transform(dst, src []byte) {
	s.cipher.XORKeyStream(dst, src)
}

// Encrypt RC4-encrypts data in place and applies the leading-zero
// quirk from spec section 4.3: if the ciphertext's first byte is
// 0x00, an extra 0x00 byte is prepended so the receiver can
// distinguish "first byte happens to be zero" from "no encryption".
func (s *Rc4KeyState) Encrypt(data []byte) []byte {
	s.Transform(data, data)
	if len(data) > 0 && data[0] == 0x00 {
		out := make([]byte, len(data)+1)
		out[0] = 0x00
		copy(out[1:], data)
		return out
	}
	return data
}

// Decrypt strips the leading-zero quirk byte if present, then
// RC4-decrypts the remainder in place.
func (s *Rc4KeyState) Decrypt(data []byte) []byte {
	if len(data) > 0 && data[0] == 0x00 {
		data = data[1:]
	}
	s.Transform(data, data)
	return data
}
