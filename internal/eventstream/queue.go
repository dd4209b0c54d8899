package eventstream

import (
	"sync"

	"github.com/mrzor/net-tracer/internal/bpf"
	"github.com/mrzor/net-tracer/internal/bytering"
)

// DefaultQueueCapacity bounds the records buffered per CPU.
const DefaultQueueCapacity = 65536

// Queue buffers the raw records of one CPU between the reader goroutine and
// the processing loop. It implements eventmerge.Source.
//
// When the queue is full, records are dropped and counted; a lost-samples
// marker for them is queued ahead of the next accepted record so the loss
// surfaces in order. With a payload ring attached, the marker also carries
// the ring position of the last drop so the consumer can discard the bytes of
// dropped chunk announcements.
type Queue struct {
	mu       sync.Mutex
	cpu      uint32
	capacity int
	records  [][]byte
	head     int
	dropped  uint64
	dropMark uint64
	ring     *bytering.Ring
}

// NewQueue creates the queue of one CPU.
func NewQueue(cpu uint32, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{cpu: cpu, capacity: capacity}
}

// SetRing attaches the payload ring filled alongside this queue.
func (q *Queue) SetRing(r *bytering.Ring) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ring = r
}

// Push appends raw, which the queue takes ownership of. It reports whether
// the queue was empty before, i.e. whether the consumer needs a wake-up, and
// whether raw was accepted.
func (q *Queue) Push(raw []byte) (wasEmpty, accepted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.records) - q.head
	wasEmpty = n == 0

	need := 1
	if q.dropped > 0 {
		need = 2
	}
	if n+need > q.capacity {
		q.dropped++
		if q.ring != nil {
			q.dropMark = q.ring.Written()
		}
		return false, false
	}

	if q.dropped > 0 {
		q.records = append(q.records, bpf.EncodeLost(q.dropped, q.cpu, q.dropMark))
		q.dropped = 0
	}
	q.records = append(q.records, raw)
	return wasEmpty, true
}

// Peek returns the head record without removing it.
func (q *Queue) Peek() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.records) {
		return nil, false
	}
	return q.records[q.head], true
}

// Pop drops the head record.
func (q *Queue) Pop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.records) {
		return
	}
	q.records[q.head] = nil
	q.head++
	if q.head == len(q.records) {
		q.records = q.records[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.records) {
		n := copy(q.records, q.records[q.head:])
		clear(q.records[n:])
		q.records = q.records[:n]
		q.head = 0
	}
}

// Len returns the number of buffered records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records) - q.head
}
