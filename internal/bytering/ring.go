// Package bytering implements the fixed-capacity byte ring that backs a
// per-CPU payload channel.
//
// A reader goroutine appends raw stream bytes; the processing loop copies out
// exactly the number of bytes a chunk announcement declares. Reads that cross
// the end of the backing array are stitched into one contiguous slice.
package bytering

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrFull is returned when a write does not fit. Nothing is written.
	ErrFull = errors.New("payload ring full")
	// ErrShort is returned when fewer bytes are buffered than requested.
	ErrShort = errors.New("payload ring short")
)

// Ring is a single-producer single-consumer byte ring. Safe for one writer
// and one reader running on different goroutines.
type Ring struct {
	mu   sync.Mutex
	buf  []byte
	head int // read position
	size int // buffered bytes

	// written and consumed count bytes over the ring's lifetime.
	written  uint64
	consumed uint64
}

// New creates a ring holding at most capacity bytes.
func New(capacity int) *Ring {
	return &Ring{buf: make([]byte, capacity)}
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Write appends p in full or not at all.
func (r *Ring) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p) > len(r.buf)-r.size {
		return fmt.Errorf("%w: %d bytes free, need %d", ErrFull, len(r.buf)-r.size, len(p))
	}
	tail := (r.head + r.size) % len(r.buf)
	n := copy(r.buf[tail:], p)
	copy(r.buf, p[n:])
	r.size += len(p)
	r.written += uint64(len(p))
	return nil
}

// ReadInto removes exactly n bytes and returns them in dst's storage. The
// returned slice is contiguous even when the bytes wrap around.
func (r *Ring) ReadInto(dst []byte, n int) ([]byte, error) {
	if n <= 0 {
		return dst[:0], nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > r.size {
		return dst[:0], fmt.Errorf("%w: %d bytes buffered, need %d", ErrShort, r.size, n)
	}
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]

	first := copy(dst, r.buf[r.head:min(r.head+n, len(r.buf))])
	copy(dst[first:], r.buf[:n-first])

	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	r.consumed += uint64(n)
	return dst, nil
}

// Discard drops up to n buffered bytes and returns how many were dropped.
func (r *Ring) Discard(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.discard(n)
}

// Written returns the number of bytes written since the ring was created.
// Loss markers carry it so the consumer knows which bytes precede the loss.
func (r *Ring) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// DiscardTo drops the buffered bytes written before mark, i.e. while
// Written() was below mark, and returns how many were dropped.
func (r *Ring) DiscardTo(mark uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if mark <= r.consumed {
		return 0
	}
	//nolint:gosec // bounded by size below
	return r.discard(int(min(mark-r.consumed, uint64(r.size))))
}

func (r *Ring) discard(n int) int {
	n = min(n, r.size)
	if n <= 0 {
		return 0
	}
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	r.consumed += uint64(n)
	return n
}
