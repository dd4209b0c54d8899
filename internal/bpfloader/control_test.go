package bpfloader

import (
	"fmt"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/net-tracer/internal/streamreassembler"
)

type fakeMap struct {
	entries map[uint64]controlValue
	flags   []ebpf.MapUpdateFlags
}

func (m *fakeMap) Lookup(key, valueOut interface{}) error {
	v, ok := m.entries[*key.(*uint64)]
	if !ok {
		return fmt.Errorf("lookup: %w", ebpf.ErrKeyNotExist)
	}
	*valueOut.(*controlValue) = v
	return nil
}

func (m *fakeMap) Update(key, value interface{}, flags ebpf.MapUpdateFlags) error {
	k := *key.(*uint64)
	if _, ok := m.entries[k]; !ok && flags == ebpf.UpdateExist {
		return fmt.Errorf("update: %w", ebpf.ErrKeyNotExist)
	}
	m.entries[k] = *value.(*controlValue)
	m.flags = append(m.flags, flags)
	return nil
}

func TestControl_UpdateStream(t *testing.T) {
	m := &fakeMap{entries: map[uint64]controlValue{
		0xAA: {EnableSend: 1, EnableRecv: 1},
	}}
	c := NewControl(m)

	err := c.UpdateStream(0xAA, streamreassembler.ControlUpdate{
		EnableSend:      true,
		EnableRecv:      false,
		WindowStartSend: 150,
		WindowStartRecv: 40,
	})
	require.NoError(t, err)

	assert.Equal(t, controlValue{EnableSend: 1, EnableRecv: 0, WindowStartSend: 150, WindowStartRecv: 40}, m.entries[0xAA])
	assert.Equal(t, []ebpf.MapUpdateFlags{ebpf.UpdateExist}, m.flags)
}

func TestControl_UpdateStreamGone(t *testing.T) {
	m := &fakeMap{entries: map[uint64]controlValue{}}
	c := NewControl(m)

	err := c.UpdateStream(0xBB, streamreassembler.ControlUpdate{EnableSend: true})
	assert.ErrorIs(t, err, ebpf.ErrKeyNotExist)
	assert.Empty(t, m.entries, "a missing entry is never created")
}
