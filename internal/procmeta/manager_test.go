package procmeta

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_CachesReads(t *testing.T) {
	m := NewManager(8, 0)
	calls := 0
	m.read = func(pid uint32) (*ProcessMetadata, error) {
		calls++
		return &ProcessMetadata{Name: "curl", Args: []string{"curl", "example.com"}}, nil
	}

	md := m.Get(42)
	require.NotNil(t, md)
	assert.Equal(t, "curl", md.Name)
	assert.Same(t, md, m.Get(42))
	assert.Equal(t, 1, calls)

	m.Delete(42)
	m.Get(42)
	assert.Equal(t, 2, calls)
}

func TestManager_CachesFailures(t *testing.T) {
	m := NewManager(8, 0)
	calls := 0
	m.read = func(pid uint32) (*ProcessMetadata, error) {
		calls++
		return nil, errors.New("gone")
	}

	assert.Nil(t, m.Get(7))
	assert.Nil(t, m.Get(7))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, m.Len())
}

func TestManager_NilAndZero(t *testing.T) {
	var m *Manager
	assert.Nil(t, m.Get(1))

	m = NewManager(8, 0)
	m.read = func(uint32) (*ProcessMetadata, error) {
		t.Fatal("pid 0 must not be read")
		return nil, nil
	}
	assert.Nil(t, m.Get(0))
}

func TestRead_Self(t *testing.T) {
	//nolint:gosec // test pid
	md, err := Read(uint32(os.Getpid()))
	require.NoError(t, err)
	assert.NotEmpty(t, md.Name)
	assert.NotEmpty(t, md.Args)
}
