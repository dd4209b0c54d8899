package sockets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_InsertFindErase(t *testing.T) {
	r := NewRegistry("tcp", 4)

	idx, err := r.Insert(0xAA)
	require.NoError(t, err)

	found, err := r.Find(0xAA)
	require.NoError(t, err)
	assert.Equal(t, idx, found)

	entry := r.Get(idx)
	require.NotNil(t, entry)
	assert.Equal(t, uint64(0xAA), entry.ID)

	assert.True(t, r.Erase(0xAA))
	assert.False(t, r.Erase(0xAA))

	_, err = r.Find(0xAA)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, r.Get(idx))
}

func TestRegistry_DuplicateInsertReturnsExistingIndex(t *testing.T) {
	r := NewRegistry("tcp", 4)
	idx, err := r.Insert(1)
	require.NoError(t, err)

	again, err := r.Insert(1)
	assert.ErrorIs(t, err, ErrExists)
	assert.Equal(t, idx, again)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_FullIsSticky(t *testing.T) {
	r := NewRegistry("udp", 2)
	_, err := r.Insert(1)
	require.NoError(t, err)
	_, err = r.Insert(2)
	require.NoError(t, err)
	assert.False(t, r.EverFull())

	_, err = r.Insert(3)
	assert.ErrorIs(t, err, ErrTableFull)
	assert.True(t, r.EverFull())

	r.Erase(1)
	_, err = r.Insert(3)
	require.NoError(t, err)
	assert.True(t, r.EverFull(), "flag stays set after space frees up")
}

func TestRegistry_IndicesStayWithinCapacity(t *testing.T) {
	const capacity = 8
	r := NewRegistry("tcp", capacity)

	live := map[uint64]Index{}
	for id := uint64(0); id < 200; id++ {
		if len(live) == capacity {
			// Erase the smallest live id to make room.
			var victim uint64
			first := true
			for k := range live {
				if first || k < victim {
					victim = k
					first = false
				}
			}
			require.True(t, r.Erase(victim))
			delete(live, victim)
		}
		idx, err := r.Insert(id)
		require.NoError(t, err)
		require.Less(t, int(idx), capacity)
		for other, otherIdx := range live {
			require.NotEqual(t, otherIdx, idx, "index %d reused while %d still live", idx, other)
		}
		live[id] = idx
	}
}
