package soe

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// CompressionMethod selects which Codec a session's
// is_compression_enabled flag activates. Zlib is the only method the
// wire format in spec section 4.1 describes (flag byte 1 = "zlib
// deflate of remainder"); Snappy is an additional opt-in transport
// knob in the same spirit as kcptun's NoComp flag, never negotiated
// over the wire and only usable when both peers are configured for it
// out of band.
type CompressionMethod int

const (
	CompressionZlib CompressionMethod = iota
	CompressionSnappy
)

// Codec compresses and decompresses the payload region of a
// contextual packet that follows the compression flag byte.
type Codec interface {
	Compress(plain []byte) ([]byte, error)
	Decompress(compressed []byte) ([]byte, error)
}

// NewCodec returns the Codec for method.
func NewCodec(method CompressionMethod) Codec {
	switch method {
	case CompressionSnappy:
		return snappyCodec{}
	default:
		return zlibCodec{}
	}
}

type zlibCodec struct{}

func (zlibCodec) Compress(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(plain); err != nil {
		return nil, errors.Wrap(err, "soe: zlib compress")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "soe: zlib compress close")
	}
	return buf.Bytes(), nil
}

func (zlibCodec) Decompress(compressed []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Wrap(err, "soe: zlib decompress")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "soe: zlib decompress")
	}
	return out, nil
}

// snappyCodec wires github.com/golang/snappy as an alternative,
// faster (if less dense) codec, the way std/comp.go's CompStream
// offers snappy as kcptun's non-default compression transport.
type snappyCodec struct{}

func (snappyCodec) Compress(plain []byte) ([]byte, error) {
	return snappy.Encode(nil, plain), nil
}

func (snappyCodec) Decompress(compressed []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Wrap(err, "soe: snappy decompress")
	}
	return out, nil
}
