package streamreassembler

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/mrzor/net-tracer/internal/bpf"
	"github.com/mrzor/net-tracer/internal/facts"
	"github.com/mrzor/net-tracer/internal/protocols"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeController struct {
	updates []ControlUpdate
	err     error
}

func (c *fakeController) UpdateStream(_ uint64, u ControlUpdate) error {
	c.updates = append(c.updates, u)
	return c.err
}

type recorder struct {
	facts []facts.Fact
	err   error
}

func (r *recorder) Emit(f facts.Fact) error {
	r.facts = append(r.facts, f)
	return r.err
}

func newReassembler(t *testing.T, ctrl Controller, rec facts.Emitter) *Reassembler {
	t.Helper()
	return New(Config{
		Controller: ctrl,
		Emitter:    rec,
		Logger:     zaptest.NewLogger(t),
	})
}

func TestReassembler_HTTPExchange(t *testing.T) {
	ctrl := &fakeController{}
	rec := &recorder{}
	r := newReassembler(t, ctrl, rec)

	conn, err := r.Open(0, 0xAA, false)
	require.NoError(t, err)
	assert.Equal(t, "unknown", conn.Handler().Name())

	const t0 = uint64(1_000_000)
	require.NoError(t, r.Write(conn, bpf.DirectionSend, []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"), 0, t0))
	assert.Equal(t, "http", conn.Handler().Name())
	assert.False(t, conn.Streams[bpf.DirectionSend].Enabled)
	require.Len(t, ctrl.updates, 1)
	assert.Equal(t, ControlUpdate{EnableSend: false, EnableRecv: true, WindowStartSend: 37}, ctrl.updates[0])

	require.NoError(t, r.Write(conn, bpf.DirectionRecv, []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"), 0, t0+50000))
	require.Len(t, rec.facts, 1)
	resp, ok := rec.facts[0].(*facts.HTTPResponse)
	require.True(t, ok)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, uint64(50000), resp.Latency)
	assert.Equal(t, facts.RoleClient, resp.Role)

	require.Len(t, ctrl.updates, 2)
	assert.Equal(t, ControlUpdate{WindowStartSend: 37, WindowStartRecv: 12}, ctrl.updates[1])
	assert.Equal(t, uint64(1), r.Stats().Upgrades.Load())
}

func TestReassembler_AcceptedSideMapping(t *testing.T) {
	rec := &recorder{}
	r := newReassembler(t, nil, rec)
	conn, err := r.Open(0, 1, true)
	require.NoError(t, err)

	// Requests arrive on recv and responses leave on send.
	require.NoError(t, r.Write(conn, bpf.DirectionRecv, []byte("POST /submit HTTP/1.1\r\n"), 0, 10))
	require.NoError(t, r.Write(conn, bpf.DirectionSend, []byte("HTTP/1.1 201 Created\r\n"), 0, 30))

	require.Len(t, rec.facts, 1)
	resp := rec.facts[0].(*facts.HTTPResponse)
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, facts.RoleServer, resp.Role)
	assert.Equal(t, uint64(20), resp.Latency)
}

func TestReassembler_ForwardsHandlerWindows(t *testing.T) {
	tests := []struct {
		name     string
		accepted bool
		request  uint8
		response uint8
		want     []ControlUpdate
	}{
		{
			name:     "originating",
			request:  bpf.DirectionSend,
			response: bpf.DirectionRecv,
			want: []ControlUpdate{
				{EnableRecv: true, WindowStartSend: 216},
				{WindowStartSend: 216, WindowStartRecv: 62},
			},
		},
		{
			name:     "accepted",
			accepted: true,
			request:  bpf.DirectionRecv,
			response: bpf.DirectionSend,
			want: []ControlUpdate{
				{EnableSend: true, WindowStartRecv: 216},
				{WindowStartSend: 62, WindowStartRecv: 216},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{}
			r := newReassembler(t, ctrl, &recorder{})
			conn, err := r.Open(0, 1, tt.accepted)
			require.NoError(t, err)

			require.NoError(t, r.Write(conn, tt.request, []byte("GET / HTTP/1.1\r\n"), 200, 1))
			require.NoError(t, r.Write(conn, tt.response, []byte("HTTP/1.1 200 OK\r\n"), 50, 2))

			assert.Equal(t, tt.want, ctrl.updates)
			assert.Equal(t, uint64(216), conn.Streams[tt.request].WindowStart)
			assert.Equal(t, uint64(62), conn.Streams[tt.response].WindowStart)

			// Retransmitted request bytes fall below the window.
			require.NoError(t, r.Write(conn, tt.request, []byte("GET / HTTP/1.1\r\n"), 200, 3))
			assert.Equal(t, uint64(16), r.Stats().SkippedBytes.Load())
		})
	}
}

func TestReassembler_TrimsToWindowStart(t *testing.T) {
	r := newReassembler(t, nil, nil)
	conn, err := r.Open(0, 1, false)
	require.NoError(t, err)

	st := &conn.Streams[bpf.DirectionSend]
	st.Position = 100
	st.WindowStart = 120

	require.NoError(t, r.Write(conn, bpf.DirectionSend, make([]byte, 50), 100, 1))

	assert.Equal(t, uint64(150), st.Position)
	assert.Equal(t, uint64(20), r.Stats().SkippedBytes.Load())
	assert.Equal(t, uint64(30), r.Stats().DispatchedBytes.Load())
}

func TestReassembler_ChunkBeforeWindowOnlyMovesPosition(t *testing.T) {
	r := newReassembler(t, nil, nil)
	conn, err := r.Open(0, 1, false)
	require.NoError(t, err)
	conn.Streams[bpf.DirectionSend].WindowStart = 1000
	before := conn.Handler()

	require.NoError(t, r.Write(conn, bpf.DirectionSend, []byte("garbage that would fail detection"), 0, 1))

	assert.Equal(t, uint64(33), conn.Streams[bpf.DirectionSend].Position)
	assert.Same(t, before, conn.Handler())
	assert.Equal(t, []string{"http"}, before.(*protocols.Unknown).Candidates())
	assert.True(t, conn.Streams[bpf.DirectionSend].Enabled)
	assert.Zero(t, r.Stats().DispatchedBytes.Load())
}

func TestReassembler_UndetectedTrafficDisablesBothDirections(t *testing.T) {
	ctrl := &fakeController{}
	r := newReassembler(t, ctrl, nil)
	conn, err := r.Open(0, 1, false)
	require.NoError(t, err)

	require.NoError(t, r.Write(conn, bpf.DirectionSend, []byte("\x16\x03\x01\x00\xa5"), 0, 1))
	assert.False(t, conn.Streams[bpf.DirectionSend].Enabled)
	assert.False(t, conn.Streams[bpf.DirectionRecv].Enabled)
	require.Len(t, ctrl.updates, 1)

	require.NoError(t, r.Write(conn, bpf.DirectionRecv, []byte("HTTP/1.1 200 OK"), 0, 2))
	assert.Len(t, ctrl.updates, 1, "disabled stream makes no further requests")
	assert.Equal(t, uint64(15), r.Stats().SkippedBytes.Load())
}

func TestReassembler_ControlFailureIsIgnored(t *testing.T) {
	ctrl := &fakeController{err: errors.New("no such key")}
	r := newReassembler(t, ctrl, nil)
	conn, err := r.Open(0, 1, false)
	require.NoError(t, err)

	require.NoError(t, r.Write(conn, bpf.DirectionSend, []byte("GET / HTTP/1.1\r\n"), 0, 1))
	assert.Equal(t, uint64(1), r.Stats().ControlFailures.Load())
	assert.Equal(t, "http", conn.Handler().Name())
}

func TestReassembler_EmitErrorIsReturned(t *testing.T) {
	rec := &recorder{err: errors.New("buffer flush failed")}
	r := newReassembler(t, nil, rec)
	conn, err := r.Open(0, 1, false)
	require.NoError(t, err)

	require.NoError(t, r.Write(conn, bpf.DirectionSend, []byte("GET / HTTP/1.1\r\n"), 0, 1))
	err = r.Write(conn, bpf.DirectionRecv, []byte("HTTP/1.1 500 Internal Server Error\r\n"), 0, 2)
	assert.EqualError(t, err, "buffer flush failed")

	// The error does not leak into later writes.
	assert.NoError(t, r.Write(conn, bpf.DirectionRecv, []byte("more"), 36, 3))
}

func TestReassembler_ByteConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for iter := 0; iter < 20; iter++ {
		r := newReassembler(t, nil, nil)
		conn, err := r.Open(0, 1, rng.Intn(2) == 0)
		require.NoError(t, err)

		var total, offset uint64
		for n := 0; n < 40; n++ {
			//nolint:gosec // test data
			dir := uint8(rng.Intn(2))
			size := rng.Intn(64)
			st := &conn.Streams[dir]
			if rng.Intn(4) == 0 {
				st.WindowStart += uint64(rng.Intn(80))
			}
			require.NoError(t, r.Write(conn, dir, make([]byte, size), offset, uint64(n)))
			offset += uint64(size)
			total += uint64(size)
		}

		s := r.Stats()
		require.Equal(t, total, s.DispatchedBytes.Load()+s.SkippedBytes.Load(), "iteration %d", iter)
		require.Equal(t, total, conn.Streams[0].Position+conn.Streams[1].Position, "iteration %d", iter)
	}
}

func TestReassembler_OpenGetClose(t *testing.T) {
	r := New(Config{MaxConnections: 1})

	_, err := r.Open(2, 10, false)
	require.NoError(t, err)
	_, err = r.Open(2, 11, false)
	assert.ErrorIs(t, err, ErrTooManyConnections)

	replaced, err := r.Open(3, 10, true)
	require.NoError(t, err, "reopening a tracked socket replaces it")
	got, ok := r.Get(10)
	require.True(t, ok)
	assert.Same(t, replaced, got)
	assert.Equal(t, 3, got.SourceIndex)

	assert.True(t, r.Close(10))
	assert.False(t, r.Close(10))
	_, ok = r.Get(10)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestReassembler_RejectsInvalidDirection(t *testing.T) {
	r := New(Config{})
	conn, err := r.Open(0, 1, false)
	require.NoError(t, err)
	assert.Error(t, r.Write(conn, 7, []byte("x"), 0, 1))
}
