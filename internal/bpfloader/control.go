package bpfloader

import (
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/mrzor/net-tracer/internal/streamreassembler"
)

// controlValue matches struct stream_control in the probe headers.
type controlValue struct {
	EnableSend      uint8
	EnableRecv      uint8
	_               [6]byte
	WindowStartSend uint64
	WindowStartRecv uint64
}

// KeyValueMap is the subset of *ebpf.Map used by Control.
type KeyValueMap interface {
	Lookup(key, valueOut interface{}) error
	Update(key, value interface{}, flags ebpf.MapUpdateFlags) error
}

// Control pushes flow control updates to the probes. Entries are created by
// the probes when a connection becomes eligible for reassembly; Control only
// modifies existing entries so a connection torn down concurrently is never
// resurrected.
type Control struct {
	m KeyValueMap
}

var _ streamreassembler.Controller = (*Control)(nil)

// NewControl wraps m.
func NewControl(m KeyValueMap) *Control {
	return &Control{m: m}
}

// UpdateStream implements streamreassembler.Controller.
func (c *Control) UpdateStream(socketID uint64, update streamreassembler.ControlUpdate) error {
	var v controlValue
	if err := c.m.Lookup(&socketID, &v); err != nil {
		return fmt.Errorf("looking up stream %#x: %w", socketID, err)
	}

	v.EnableSend = boolToU8(update.EnableSend)
	v.EnableRecv = boolToU8(update.EnableRecv)
	v.WindowStartSend = update.WindowStartSend
	v.WindowStartRecv = update.WindowStartRecv

	if err := c.m.Update(&socketID, &v, ebpf.UpdateExist); err != nil {
		return fmt.Errorf("updating stream %#x: %w", socketID, err)
	}
	return nil
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
