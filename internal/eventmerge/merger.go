// Package eventmerge merges per-CPU record queues into one stream ordered by
// timestamp.
//
// Each non-empty source contributes exactly one heap entry, keyed by the
// timestamp of its head record. Lost-samples markers are keyed at +inf so that
// timed records are always preferred; a marker surfaces once no timed entry
// within the batch bound is left. A batch stops at the first record newer
// than the bound instead of waiting on slow producers.
package eventmerge

import (
	"container/heap"
	"errors"
	"math"

	"github.com/mrzor/net-tracer/internal/bpf"

	"go.uber.org/atomic"
)

// ErrLostEvents signals that the producer dropped records and the upstream
// pipeline should be restarted.
var ErrLostEvents = errors.New("producer lost events")

// Source is a single ordered queue of raw records.
type Source interface {
	// Peek returns the head record without removing it.
	Peek() ([]byte, bool)
	// Pop drops the head record.
	Pop()
}

type entry struct {
	timestamp uint64
	source    int
	lost      bool
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].timestamp != h[j].timestamp {
		return h[i].timestamp < h[j].timestamp
	}
	return h[i].source < h[j].source
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Merger yields records from all attached sources in timestamp order.
// It is not safe for concurrent use; the counters are.
type Merger struct {
	sources      []Source
	queued       []bool
	heap         entryHeap
	maxTimestamp uint64
	// lostQueued counts the heap entries that are lost markers.
	lostQueued int

	lostRecords  atomic.Uint64
	needsRestart atomic.Bool
}

// New creates an empty Merger.
func New() *Merger {
	return &Merger{}
}

// Attach registers a source and returns its index.
func (m *Merger) Attach(src Source) int {
	m.sources = append(m.sources, src)
	m.queued = append(m.queued, false)
	return len(m.sources) - 1
}

// BeginBatch sets the batch bound and picks up sources that became non-empty
// since the last batch.
func (m *Merger) BeginBatch(maxTimestamp uint64) {
	m.maxTimestamp = maxTimestamp
	for i := range m.sources {
		if !m.queued[i] {
			m.enqueue(i)
		}
	}
}

func (m *Merger) enqueue(i int) {
	raw, ok := m.sources[i].Peek()
	if !ok {
		return
	}
	e := entry{source: i}
	if bpf.IsLost(raw) {
		e.timestamp = math.MaxUint64
		e.lost = true
		m.lostQueued++
	} else {
		e.timestamp = bpf.PeekTimestamp(raw)
	}
	heap.Push(&m.heap, e)
	m.queued[i] = true
}

// HasNext reports whether a record is available within the batch bound.
// Once only records past the bound are left, pending lost markers are
// surfaced so the records queued behind them are not held back.
func (m *Merger) HasNext() bool {
	if len(m.heap) == 0 {
		return false
	}
	top := m.heap[0]
	if top.lost || top.timestamp <= m.maxTimestamp {
		return true
	}
	if m.lostQueued == 0 {
		return false
	}
	for i := range m.heap {
		if m.heap[i].lost {
			// Ahead of everything still queued; PeekTimestamp keeps
			// reporting +inf for it.
			m.heap[i].timestamp = 0
			heap.Fix(&m.heap, i)
			return true
		}
	}
	return false
}

// PeekKind returns the kind of the next record. Only valid when HasNext is true.
func (m *Merger) PeekKind() bpf.Kind {
	raw, _ := m.sources[m.heap[0].source].Peek()
	return bpf.PeekKind(raw)
}

// PeekTimestamp returns the ordering key of the next record.
// Lost markers report math.MaxUint64.
func (m *Merger) PeekTimestamp() uint64 {
	if m.heap[0].lost {
		return math.MaxUint64
	}
	return m.heap[0].timestamp
}

// PeekSource returns the source index of the next record.
func (m *Merger) PeekSource() int {
	return m.heap[0].source
}

// PopInto copies the next record into buf (reusing its storage) and removes
// it from its source.
func (m *Merger) PopInto(buf []byte) []byte {
	top := heap.Pop(&m.heap).(entry)
	src := m.sources[top.source]
	m.queued[top.source] = false
	if top.lost {
		m.lostQueued--
	}

	raw, ok := src.Peek()
	if !ok {
		return buf[:0]
	}
	buf = append(buf[:0], raw...)
	src.Pop()

	if top.lost {
		var lost bpf.Lost
		count := uint64(1)
		if err := bpf.Decode(buf, &lost); err == nil && lost.Count > 0 {
			count = lost.Count
		}
		m.lostRecords.Add(count)
		m.needsRestart.Store(true)
	}

	m.enqueue(top.source)
	return buf
}

// LostRecords returns the number of records the producer reported as lost.
func (m *Merger) LostRecords() uint64 {
	return m.lostRecords.Load()
}

// NeedsRestart reports whether loss was observed. The flag is sticky.
func (m *Merger) NeedsRestart() bool {
	return m.needsRestart.Load()
}
