// package ringbuf implements a fixed-capacity, single-producer/
// single-consumer byte queue with zero-copy, borrowable read views.
package ringbuf

import (
	"errors"
	"sync/atomic"
)

// ErrBufferFull is returned by Write when there is not enough free
// space for the whole write. The caller should apply backpressure and
// retry later; it is never fatal.
var ErrBufferFull = errors.New("ringbuf: buffer full")

// Ring is a fixed-capacity byte ring buffer. A Ring must be created with
// New; the zero value is not usable. Write must be called by exactly one
// goroutine and Peek/Commit by exactly one (possibly different)
// goroutine.
type Ring struct {
	buf []byte
	// w and r are monotonically increasing byte counts, never wrapped.
	// w is published with Store after the corresponding bytes are
	// written to buf, and observed with Load before reading them back,
	// giving release/acquire ordering across the producer/consumer
	// boundary without a lock.
	w atomic.Uint64
	r atomic.Uint64
}

// New creates a Ring with the given capacity in bytes. Capacity should
// be a power of two; any positive value works but wrap-around math is
// cheaper when it is.
func New(capacity int) *Ring {
	if capacity <= 0 {
		panic("ringbuf: capacity must be positive")
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Cap returns the buffer's fixed capacity.
func (b *Ring) Cap() int {
	return len(b.buf)
}

// Available returns the number of bytes written but not yet committed
// as read.
func (b *Ring) Available() int {
	return int(b.w.Load() - b.r.Load())
}

// Free returns the number of bytes that can be written before the
// buffer is full.
func (b *Ring) Free() int {
	return len(b.buf) - b.Available()
}

// Write appends p to the buffer. It either writes all of p or, if there
// is insufficient free space, writes nothing and returns ErrBufferFull.
func (b *Ring) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > b.Free() {
		return 0, ErrBufferFull
	}
	w := b.w.Load()
	start := int(w % uint64(len(b.buf)))
	n := copy(b.buf[start:], p)
	if n < len(p) {
		copy(b.buf[:], p[n:])
	}
	b.w.Store(w + uint64(len(p)))
	return len(p), nil
}

// View is a borrowable read window directly over the ring's internal
// storage. It is valid until the next Commit advances the read cursor
// past the bytes it covers, or until Reset is called. A View never
// allocates; when the requested bytes wrap the end of the backing
// array, Seg2 holds the remainder.
type View struct {
	Seg1 []byte
	Seg2 []byte
}

// Len returns the total number of bytes covered by the view.
func (v View) Len() int {
	return len(v.Seg1) + len(v.Seg2)
}

// At returns the byte at logical offset i within the view, which may
// fall in either segment.
func (v View) At(i int) byte {
	if i < len(v.Seg1) {
		return v.Seg1[i]
	}
	return v.Seg2[i-len(v.Seg1)]
}

// Bytes linearizes the view into dst, which must be at least Len()
// bytes, and returns the slice written. This is the only operation that
// copies; callers that can consume two segments directly should prefer
// Seg1/Seg2.
func (v View) Bytes(dst []byte) []byte {
	n := copy(dst, v.Seg1)
	n += copy(dst[n:], v.Seg2)
	return dst[:n]
}

// Peek returns a view over up to max unread bytes without advancing the
// read cursor. Call Commit to consume some or all of the returned
// bytes, or simply discard the view to leave them pending.
func (b *Ring) Peek(max int) View {
	avail := b.Available()
	if max < avail {
		avail = max
	}
	if avail <= 0 {
		return View{}
	}
	r := int(b.r.Load() % uint64(len(b.buf)))
	n := len(b.buf) - r
	if n >= avail {
		return View{Seg1: b.buf[r : r+avail]}
	}
	return View{Seg1: b.buf[r:], Seg2: b.buf[:avail-n]}
}

// Commit advances the read cursor by n bytes, releasing that span of
// storage back to the producer. n must not exceed Available(); violating
// this is a programming error and panics, since this module has no
// separate release build. The length of earlier Peek views is not
// tracked, so a commit larger than the last view but within Available()
// is not detected.
func (b *Ring) Commit(n int) {
	if n < 0 {
		panic("ringbuf: negative commit")
	}
	if n == 0 {
		return
	}
	if n > b.Available() {
		panic("ringbuf: commit exceeds available bytes")
	}
	b.r.Store(b.r.Load() + uint64(n))
}

// Reset discards all buffered data, as if every outstanding byte had
// been committed. It must only be called when no concurrent Peek/Commit
// or Write is in progress.
func (b *Ring) Reset() {
	b.r.Store(b.w.Load())
}
