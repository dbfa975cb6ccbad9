package soe

import "github.com/pkg/errors"

// ErrPoolExhausted is returned by BufferPool.Rent when the pool's
// bounded free list is empty.
var ErrPoolExhausted = errors.New("soe: buffer pool exhausted")

// NativeSpan is a reusable fixed-size byte buffer with a used-length,
// the managed-language stand-in spec section 9 calls for in place of
// the reference's native memory pool of fixed-size spans: callers
// borrow one from a BufferPool, fill Bytes[:Used], and return it when
// done. Never copy a NativeSpan's contents between channels — hand
// over ownership instead.
type NativeSpan struct {
	Bytes []byte
	Used  int
}

// Data returns the currently used portion of the span.
func (s *NativeSpan) Data() []byte {
	return s.Bytes[:s.Used]
}

// Reset marks the span empty without releasing its backing array.
func (s *NativeSpan) Reset() {
	s.Used = 0
}

// BufferPool is a bounded free list of fixed-size NativeSpans. Rent
// returns ErrPoolExhausted (and the caller must drop the datagram)
// when the pool is empty; Return is infallible and always succeeds.
type BufferPool struct {
	spanSize int
	free     chan *NativeSpan
}

// NewBufferPool preallocates count spans of spanSize bytes each.
func NewBufferPool(spanSize, count int) *BufferPool {
	p := &BufferPool{
		spanSize: spanSize,
		free:     make(chan *NativeSpan, count),
	}
	for i := 0; i < count; i++ {
		p.free <- &NativeSpan{Bytes: make([]byte, spanSize)}
	}
	return p
}

// Rent removes one span from the free list, or returns
// ErrPoolExhausted if none is available.
func (p *BufferPool) Rent() (*NativeSpan, error) {
	select {
	case s := <-p.free:
		s.Reset()
		return s, nil
	default:
		return nil, ErrPoolExhausted
	}
}

// Return re-inserts s into the free list. Returning a span not
// originally rented from this pool, or one already returned, is a
// programmer error and is silently ignored once the free list is
// full, rather than blocking the caller.
func (p *BufferPool) Return(s *NativeSpan) {
	if s == nil {
		return
	}
	select {
	case p.free <- s:
	default:
		// Pool already at capacity (double-return); drop it.
	}
}

// Len reports how many spans are currently free.
func (p *BufferPool) Len() int {
	return len(p.free)
}

// SpanSize reports the fixed buffer size of every span in the pool.
func (p *BufferPool) SpanSize() int {
	return p.spanSize
}
