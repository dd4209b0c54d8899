// Package dnscorrelator pairs DNS requests with their responses.
//
// Requests are keyed by (query id, record type, name, direction). A response
// looks up the key built from its own fields with the direction flipped, so a
// query sent by a local client matches a response it received and a query
// received by a local server matches the response it sent. Responses never
// match speculatively: without a pending request they are dropped.
package dnscorrelator

import (
	"errors"
	"fmt"

	"github.com/mrzor/net-tracer/internal/bpf"
)

// DefaultTimeout is how long a request waits for a response, in nanoseconds.
const DefaultTimeout uint64 = 10_000_000_000

// DefaultMaxPending bounds the number of outstanding requests.
const DefaultMaxPending = 65536

// ErrTooManyPending is returned by Add when the correlator is at capacity.
var ErrTooManyPending = errors.New("too many pending dns requests")

// Key identifies a DNS transaction.
type Key struct {
	QueryID   uint16
	Type      uint16
	Name      string // lower-cased, fully qualified
	Direction uint8  // bpf.DirectionSend or bpf.DirectionRecv
}

// Opposite returns k with the direction flipped.
func (k Key) Opposite() Key {
	if k.Direction == bpf.DirectionSend {
		k.Direction = bpf.DirectionRecv
	} else {
		k.Direction = bpf.DirectionSend
	}
	return k
}

// Value is the state kept for a pending request.
type Value struct {
	Timestamp   uint64
	SocketIndex uint32
	SocketID    uint64
}

type pending struct {
	key   Key
	value Value
	done  bool
}

// Correlator is not safe for concurrent use.
type Correlator struct {
	timeout    uint64
	maxPending int

	byKey map[Key][]*pending
	// order holds entries in insertion order; entries removed by a match stay
	// behind marked done until the sweep reaches them.
	order []*pending
	live  int
}

// New creates a correlator. Zero arguments select the defaults.
func New(timeout uint64, maxPending int) *Correlator {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Correlator{
		timeout:    timeout,
		maxPending: maxPending,
		byKey:      make(map[Key][]*pending),
	}
}

// Timeout returns the request timeout in nanoseconds.
func (c *Correlator) Timeout() uint64 {
	return c.timeout
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	return c.live
}

// Add records a request. Several requests may share a key.
func (c *Correlator) Add(key Key, value Value) error {
	if c.live >= c.maxPending {
		return fmt.Errorf("%w: %d outstanding", ErrTooManyPending, c.live)
	}
	p := &pending{key: key, value: value}
	c.byKey[key] = append(c.byKey[key], p)
	c.order = append(c.order, p)
	c.live++
	return nil
}

// LookupAndRemoveAll removes and returns every pending request stored under
// key, oldest first.
func (c *Correlator) LookupAndRemoveAll(key Key) []Value {
	list, ok := c.byKey[key]
	if !ok {
		return nil
	}
	delete(c.byKey, key)

	values := make([]Value, 0, len(list))
	for _, p := range list {
		p.done = true
		values = append(values, p.value)
	}
	c.live -= len(list)
	return values
}

// Sweep removes every request with now - timestamp >= timeout and reports it
// to expired. It returns the number of expired requests.
func (c *Correlator) Sweep(now uint64, expired func(Key, Value)) int {
	n := 0
	head := 0
	for ; head < len(c.order); head++ {
		p := c.order[head]
		if p.done {
			continue
		}
		if now < p.value.Timestamp || now-p.value.Timestamp < c.timeout {
			break
		}
		c.remove(p)
		n++
		if expired != nil {
			expired(p.key, p.value)
		}
	}

	for i := 0; i < head; i++ {
		c.order[i] = nil
	}
	c.order = c.order[head:]
	if cap(c.order) > 64 && len(c.order) < cap(c.order)/4 {
		c.order = append([]*pending(nil), c.order...)
	}
	return n
}

func (c *Correlator) remove(p *pending) {
	p.done = true
	c.live--

	list := c.byKey[p.key]
	for i, q := range list {
		if q == p {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.byKey, p.key)
	} else {
		c.byKey[p.key] = list
	}
}
