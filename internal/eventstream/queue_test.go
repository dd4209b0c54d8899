package eventstream

import (
	"testing"

	"github.com/mrzor/net-tracer/internal/bpf"
	"github.com/mrzor/net-tracer/internal/bytering"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkRecord(ts uint64) []byte {
	return bpf.Encode(bpf.KindTCPInit, ts, 0, &bpf.TCPInit{SocketID: ts}, nil)
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(0, 8)

	wasEmpty, ok := q.Push(chunkRecord(1))
	assert.True(t, wasEmpty)
	assert.True(t, ok)
	wasEmpty, _ = q.Push(chunkRecord(2))
	assert.False(t, wasEmpty)

	raw, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(1), bpf.PeekTimestamp(raw))
	q.Pop()

	raw, ok = q.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(2), bpf.PeekTimestamp(raw))
	q.Pop()

	_, ok = q.Peek()
	assert.False(t, ok)
	q.Pop() // no-op on empty

	wasEmpty, _ = q.Push(chunkRecord(3))
	assert.True(t, wasEmpty, "drained queue wakes the consumer again")
}

func TestQueue_OverflowQueuesLostMarker(t *testing.T) {
	q := NewQueue(3, 2)
	_, ok := q.Push(chunkRecord(1))
	require.True(t, ok)
	_, ok = q.Push(chunkRecord(2))
	require.True(t, ok)

	_, ok = q.Push(chunkRecord(3))
	assert.False(t, ok)
	_, ok = q.Push(chunkRecord(4))
	assert.False(t, ok)

	q.Pop()
	_, ok = q.Push(chunkRecord(5))
	assert.False(t, ok, "marker and record need two free slots")

	q.Pop()
	_, ok = q.Push(chunkRecord(6))
	require.True(t, ok)
	require.Equal(t, 2, q.Len())

	raw, _ := q.Peek()
	require.True(t, bpf.IsLost(raw))
	var lost bpf.Lost
	require.NoError(t, bpf.Decode(raw, &lost))
	assert.Equal(t, uint64(3), lost.Count)
	h, err := bpf.ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), h.CPU)

	q.Pop()
	raw, _ = q.Peek()
	assert.Equal(t, uint64(6), bpf.PeekTimestamp(raw))
}

func TestQueue_CompactsLongBacklog(t *testing.T) {
	q := NewQueue(0, 5000)
	for i := uint64(0); i < 3000; i++ {
		_, ok := q.Push(chunkRecord(i))
		require.True(t, ok)
	}
	for i := uint64(0); i < 2000; i++ {
		raw, ok := q.Peek()
		require.True(t, ok)
		require.Equal(t, i, bpf.PeekTimestamp(raw))
		q.Pop()
	}
	assert.Equal(t, 1000, q.Len())
	raw, _ := q.Peek()
	assert.Equal(t, uint64(2000), bpf.PeekTimestamp(raw))
}

func TestQueue_LostMarkerCarriesRingMarkOfLastDrop(t *testing.T) {
	ring := bytering.New(64)
	q := NewQueue(0, 2)
	q.SetRing(ring)

	_, ok := q.Push(chunkRecord(1))
	require.True(t, ok)
	_, ok = q.Push(chunkRecord(2))
	require.True(t, ok)

	require.NoError(t, ring.Write([]byte("orphan")))
	_, ok = q.Push(chunkRecord(3))
	require.False(t, ok)
	mark := ring.Written()

	q.Pop()
	q.Pop()
	require.NoError(t, ring.Write([]byte("later")))
	_, ok = q.Push(chunkRecord(4))
	require.True(t, ok)

	raw, _ := q.Peek()
	require.True(t, bpf.IsLost(raw))
	var lost bpf.Lost
	require.NoError(t, bpf.Decode(raw, &lost))
	assert.Equal(t, uint64(1), lost.Count)
	assert.Equal(t, uint64(6), mark)
	assert.Equal(t, mark, lost.RingMark, "bytes written after the drop stay ahead of the mark")
}
