// Package sockets assigns compact indices to live sockets.
//
// TCP and UDP sockets live in separate Registry instances. Indices are dense
// (0..capacity-1) so that per-socket state elsewhere can be kept in flat
// slices; an index is only handed out again after Erase.
package sockets

import (
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/atomic"
)

var (
	// ErrTableFull is returned by Insert when every index is in use.
	ErrTableFull = errors.New("socket table full")
	// ErrNotFound is returned by Find for unknown socket ids.
	ErrNotFound = errors.New("socket not found")
	// ErrExists is returned by Insert when the id is already registered.
	ErrExists = errors.New("socket already registered")
)

// Index is a dense slot number, unique among live sockets of one registry.
type Index uint32

// Addresses is the addressing of a socket once the probes reported it.
type Addresses struct {
	Local      netip.Addr
	Remote     netip.Addr
	LocalPort  uint16
	RemotePort uint16
}

// Entry is the registry-owned record for a live socket.
type Entry struct {
	Index    Index
	ID       uint64
	PID      uint32
	Protocol uint8
	Addr     Addresses
	Opened   uint64 // timestamp of the new-socket record
	live     bool
}

// Registry maps opaque socket ids to indices.
// Not safe for concurrent use except for EverFull.
type Registry struct {
	name     string
	capacity int
	ids      map[uint64]Index
	entries  []Entry
	free     []Index
	everFull atomic.Bool
}

// NewRegistry creates a registry holding at most capacity live sockets.
func NewRegistry(name string, capacity int) *Registry {
	return &Registry{
		name:     name,
		capacity: capacity,
		ids:      make(map[uint64]Index, capacity),
	}
}

// Name returns the table name, e.g. "tcp".
func (r *Registry) Name() string {
	return r.name
}

// Capacity returns the maximum number of live sockets.
func (r *Registry) Capacity() int {
	return r.capacity
}

// Len returns the number of live sockets.
func (r *Registry) Len() int {
	return len(r.ids)
}

// Insert registers id. When id is already live, its existing index is
// returned along with ErrExists.
func (r *Registry) Insert(id uint64) (Index, error) {
	if idx, ok := r.ids[id]; ok {
		return idx, ErrExists
	}

	var idx Index
	switch {
	case len(r.free) > 0:
		idx = r.free[len(r.free)-1]
		r.free = r.free[:len(r.free)-1]
	case len(r.entries) < r.capacity:
		//nolint:gosec // bounded by capacity
		idx = Index(len(r.entries))
		r.entries = append(r.entries, Entry{})
	default:
		r.everFull.Store(true)
		return 0, fmt.Errorf("%w: %s table holds %d sockets", ErrTableFull, r.name, r.capacity)
	}

	r.entries[idx] = Entry{Index: idx, ID: id, live: true}
	r.ids[id] = idx
	return idx, nil
}

// Find returns the index of a live socket.
func (r *Registry) Find(id uint64) (Index, error) {
	idx, ok := r.ids[id]
	if !ok {
		return 0, ErrNotFound
	}
	return idx, nil
}

// Get returns the entry stored at idx, or nil when the slot is free.
func (r *Registry) Get(idx Index) *Entry {
	if int(idx) >= len(r.entries) || !r.entries[idx].live {
		return nil
	}
	return &r.entries[idx]
}

// Lookup is Find followed by Get.
func (r *Registry) Lookup(id uint64) (*Entry, error) {
	idx, err := r.Find(id)
	if err != nil {
		return nil, err
	}
	return &r.entries[idx], nil
}

// Erase releases the index of id. It reports whether id was live.
func (r *Registry) Erase(id uint64) bool {
	idx, ok := r.ids[id]
	if !ok {
		return false
	}
	delete(r.ids, id)
	r.entries[idx] = Entry{}
	r.free = append(r.free, idx)
	return true
}

// EverFull reports whether an insert ever failed for lack of capacity.
// Once set, lookups of unknown ids are expected: the producer may reference
// sockets that could never be registered. Safe for concurrent use.
func (r *Registry) EverFull() bool {
	return r.everFull.Load()
}
