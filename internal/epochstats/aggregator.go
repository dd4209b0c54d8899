// Package epochstats accumulates per-socket counter deltas into fixed-length
// epochs and flushes them once an epoch is over.
//
// Storage is a ring of epoch slots, each holding one bucket per socket index.
// Every slot keeps a FIFO of the indices that were dirtied during its epoch,
// so a flush only visits sockets that actually saw traffic.
package epochstats

import (
	"errors"
	"fmt"
)

// DefaultRingSize is the number of epochs that can be pending at once.
const DefaultRingSize = 4

// FlushFunc receives the delta of one socket for one finished epoch.
type FlushFunc func(index uint32, epochStart uint64, delta Counters) error

// Bucket is the accumulated delta of one socket for one epoch.
type Bucket struct {
	Counters Counters
	Valid    bool
}

// Aggregator is not safe for concurrent use.
type Aggregator struct {
	epochLength uint64
	ringSize    uint64
	buckets     [][]Bucket
	dirty       [][]uint32
	last        []Counters

	// current is the oldest epoch that has not been flushed yet.
	current uint64
	started bool

	flush FlushFunc
}

// New creates an aggregator for capacity socket indices. epochLength is in
// nanoseconds.
func New(capacity int, epochLength uint64, ringSize int, flush FlushFunc) (*Aggregator, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid capacity %d", capacity)
	}
	if epochLength == 0 {
		return nil, errors.New("epoch length must be positive")
	}
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}

	a := &Aggregator{
		epochLength: epochLength,
		ringSize:    uint64(ringSize),
		buckets:     make([][]Bucket, ringSize),
		dirty:       make([][]uint32, ringSize),
		last:        make([]Counters, capacity),
		flush:       flush,
	}
	for i := range a.buckets {
		a.buckets[i] = make([]Bucket, capacity)
	}
	return a, nil
}

// EpochLength returns the epoch length in nanoseconds.
func (a *Aggregator) EpochLength() uint64 {
	return a.epochLength
}

// RelativeTimeslot returns how many epochs have elapsed at t since the last
// flushed boundary.
func (a *Aggregator) RelativeTimeslot(t uint64) uint64 {
	epoch := t / a.epochLength
	if !a.started || epoch < a.current {
		return 0
	}
	return epoch - a.current
}

// Update records the cumulative counters of the socket at index as observed at
// t. The difference to the previous observation lands in t's epoch, or in the
// oldest open epoch when t is older than that.
func (a *Aggregator) Update(index uint32, t uint64, cumulative Counters) error {
	if int(index) >= len(a.last) {
		return fmt.Errorf("index %d out of range (capacity %d)", index, len(a.last))
	}

	var err error
	epoch := t / a.epochLength
	if !a.started {
		a.current = epoch
		a.started = true
	}
	if epoch >= a.current+a.ringSize {
		err = a.Advance(t - (a.ringSize-1)*a.epochLength)
	}
	epoch = max(epoch, a.current)

	delta := cumulative.Sub(a.last[index])
	a.last[index] = cumulative
	if delta.IsZero() {
		return err
	}

	slot := epoch % a.ringSize
	b := &a.buckets[slot][index]
	b.Counters = b.Counters.Add(delta)
	if !b.Valid {
		b.Valid = true
		a.dirty[slot] = append(a.dirty[slot], index)
	}
	return err
}

// Advance flushes every epoch that ended at or before t. Flushing continues
// past sink errors; the first one is returned.
func (a *Aggregator) Advance(t uint64) error {
	target := t / a.epochLength
	if !a.started {
		a.current = target
		a.started = true
		return nil
	}
	if target <= a.current {
		return nil
	}

	var firstErr error
	steps := min(target-a.current, a.ringSize)
	for i := uint64(0); i < steps; i++ {
		if err := a.flushSlot(a.current + i); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.current = target
	return firstErr
}

func (a *Aggregator) flushSlot(epoch uint64) error {
	slot := epoch % a.ringSize
	queue := a.dirty[slot]
	a.dirty[slot] = queue[:0]

	var firstErr error
	for _, index := range queue {
		b := &a.buckets[slot][index]
		if !b.Valid {
			continue
		}
		delta := b.Counters
		*b = Bucket{}
		if delta.IsZero() || a.flush == nil {
			continue
		}
		if err := a.flush(index, epoch*a.epochLength, delta); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlushIndex emits every pending bucket of one socket, oldest epoch first,
// and forgets its last observed counters. It is called before the index is
// released so a reused index starts clean.
func (a *Aggregator) FlushIndex(index uint32) error {
	if int(index) >= len(a.last) {
		return fmt.Errorf("index %d out of range (capacity %d)", index, len(a.last))
	}
	a.last[index] = Counters{}
	if !a.started {
		return nil
	}

	var firstErr error
	for i := uint64(0); i < a.ringSize; i++ {
		epoch := a.current + i
		b := &a.buckets[epoch%a.ringSize][index]
		if !b.Valid {
			continue
		}
		delta := b.Counters
		*b = Bucket{}
		if a.flush == nil {
			continue
		}
		if err := a.flush(index, epoch*a.epochLength, delta); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Pending returns the number of dirty entries across all open epochs.
func (a *Aggregator) Pending() int {
	n := 0
	for _, q := range a.dirty {
		n += len(q)
	}
	return n
}
