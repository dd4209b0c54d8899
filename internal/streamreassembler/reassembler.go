// Package streamreassembler windows the TCP byte streams of traced
// connections and feeds them to the connection's protocol handler.
//
// Each connection tracks two streams, indexed by bpf.DirectionSend and
// bpf.DirectionRecv. Bytes below a stream's window start are skipped without
// reaching the handler. Requests the handler makes during a dispatch (window
// moves, disabling a direction, upgrading to another handler) are applied
// after it returns; window and enable changes are also pushed to the producer
// so it stops copying bytes nobody wants.
package streamreassembler

import (
	"errors"
	"fmt"

	"github.com/mrzor/net-tracer/internal/bpf"
	"github.com/mrzor/net-tracer/internal/facts"
	"github.com/mrzor/net-tracer/internal/protocols"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultMaxConnections bounds the number of tracked connections.
const DefaultMaxConnections = 16384

// ErrTooManyConnections is returned by Open when the table is full.
var ErrTooManyConnections = errors.New("too many tracked connections")

// ControlUpdate is the per-connection flow control state pushed to the
// producer.
type ControlUpdate struct {
	EnableSend      bool
	EnableRecv      bool
	WindowStartSend uint64
	WindowStartRecv uint64
}

// Controller forwards control updates to the producer. Updates race with the
// producer tearing the connection down, so failures are expected.
type Controller interface {
	UpdateStream(socketID uint64, update ControlUpdate) error
}

// StreamState is the state of one direction of a connection.
type StreamState struct {
	// Position is the number of stream bytes consumed so far, whether they
	// were dispatched or skipped.
	Position    uint64
	WindowStart uint64
	Enabled     bool
}

// Connection is a traced TCP connection.
type Connection struct {
	SourceIndex int
	SocketID    uint64
	// Accepted is true when the local socket accepted the connection.
	Accepted bool
	Streams  [2]StreamState

	handler protocols.Handler
}

// Handler returns the active protocol handler.
func (c *Connection) Handler() protocols.Handler {
	return c.handler
}

// side maps a stream direction to the protocol side it carries.
func (c *Connection) side(direction uint8) protocols.Side {
	clientDir := bpf.DirectionSend
	if c.Accepted {
		clientDir = bpf.DirectionRecv
	}
	if direction == clientDir {
		return protocols.SideClient
	}
	return protocols.SideServer
}

// direction is the inverse of side.
func (c *Connection) direction(side protocols.Side) uint8 {
	client := side == protocols.SideClient
	if client != c.Accepted {
		return bpf.DirectionSend
	}
	return bpf.DirectionRecv
}

func (c *Connection) controlUpdate() ControlUpdate {
	send := c.Streams[bpf.DirectionSend]
	recv := c.Streams[bpf.DirectionRecv]
	return ControlUpdate{
		EnableSend:      send.Enabled,
		EnableRecv:      recv.Enabled,
		WindowStartSend: send.WindowStart,
		WindowStartRecv: recv.WindowStart,
	}
}

// Stats are cumulative counters, safe to read from other goroutines.
type Stats struct {
	DispatchedBytes atomic.Uint64
	SkippedBytes    atomic.Uint64
	Upgrades        atomic.Uint64
	ControlUpdates  atomic.Uint64
	ControlFailures atomic.Uint64
}

// Config configures a Reassembler.
type Config struct {
	// Protocols are the detection candidates of new connections.
	Protocols      []protocols.Protocol
	MaxConnections int
	Controller     Controller
	Emitter        facts.Emitter
	Logger         *zap.Logger
}

// Reassembler owns every traced connection. Not safe for concurrent use.
type Reassembler struct {
	conns          map[uint64]*Connection
	protocols      []protocols.Protocol
	maxConnections int
	controller     Controller
	ctx            *protocols.Context
	logger         *zap.Logger
	stats          Stats
}

// New creates a Reassembler.
func New(cfg Config) *Reassembler {
	if cfg.Protocols == nil {
		cfg.Protocols = protocols.DefaultProtocols()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Reassembler{
		conns:          make(map[uint64]*Connection),
		protocols:      cfg.Protocols,
		maxConnections: cfg.MaxConnections,
		controller:     cfg.Controller,
		ctx:            protocols.NewContext(cfg.Emitter),
		logger:         cfg.Logger,
	}
}

// Stats returns the reassembler counters.
func (r *Reassembler) Stats() *Stats {
	return &r.stats
}

// Len returns the number of tracked connections.
func (r *Reassembler) Len() int {
	return len(r.conns)
}

// Open starts tracking a connection with a fresh Unknown handler. An existing
// connection with the same socket id is replaced.
func (r *Reassembler) Open(sourceIndex int, socketID uint64, accepted bool) (*Connection, error) {
	if _, ok := r.conns[socketID]; ok {
		r.logger.Debug("replacing tracked connection", zap.Uint64("socket_id", socketID))
	} else if len(r.conns) >= r.maxConnections {
		return nil, fmt.Errorf("%w: %d tracked", ErrTooManyConnections, len(r.conns))
	}

	conn := &Connection{
		SourceIndex: sourceIndex,
		SocketID:    socketID,
		Accepted:    accepted,
		handler:     protocols.NewUnknown(r.protocols),
	}
	conn.Streams[bpf.DirectionSend].Enabled = true
	conn.Streams[bpf.DirectionRecv].Enabled = true
	r.conns[socketID] = conn
	return conn, nil
}

// Get returns the tracked connection for socketID.
func (r *Reassembler) Get(socketID uint64) (*Connection, bool) {
	conn, ok := r.conns[socketID]
	return conn, ok
}

// Close stops tracking socketID and drops its handler.
func (r *Reassembler) Close(socketID uint64) bool {
	if _, ok := r.conns[socketID]; !ok {
		return false
	}
	delete(r.conns, socketID)
	return true
}

// DisableSource stops both directions of every connection opened on
// sourceIndex and returns how many were disabled. Used after the source lost
// records: their streams may have gaps the handlers cannot detect.
func (r *Reassembler) DisableSource(sourceIndex int) int {
	n := 0
	for _, conn := range r.conns {
		if conn.SourceIndex != sourceIndex {
			continue
		}
		send := &conn.Streams[bpf.DirectionSend]
		recv := &conn.Streams[bpf.DirectionRecv]
		if !send.Enabled && !recv.Enabled {
			continue
		}
		send.Enabled = false
		recv.Enabled = false
		r.push(conn)
		n++
	}
	return n
}

// Write consumes a chunk of the given direction that starts at stream offset
// srcOffset. The returned error is the first failure to emit a fact.
func (r *Reassembler) Write(conn *Connection, direction uint8, data []byte, srcOffset, timestamp uint64) error {
	if direction > bpf.DirectionRecv {
		return fmt.Errorf("invalid stream direction %d", direction)
	}
	st := &conn.Streams[direction]
	total := uint64(len(data))
	st.Position += total

	if !st.Enabled || srcOffset+total <= st.WindowStart {
		r.stats.SkippedBytes.Add(total)
		return nil
	}
	if srcOffset < st.WindowStart {
		trim := st.WindowStart - srcOffset
		data = data[trim:]
		srcOffset = st.WindowStart
		r.stats.SkippedBytes.Add(trim)
	}
	r.stats.DispatchedBytes.Add(uint64(len(data)))

	r.ctx.Reset(timestamp, conn.SocketID, conn.Accepted, srcOffset)
	if conn.side(direction) == protocols.SideClient {
		conn.handler.HandleClientData(r.ctx, data)
	} else {
		conn.handler.HandleServerData(r.ctx, data)
	}
	r.apply(conn)
	return r.ctx.Err()
}

// apply performs the requests recorded during the last dispatch.
func (r *Reassembler) apply(conn *Connection) {
	changed := false
	for _, side := range []protocols.Side{protocols.SideClient, protocols.SideServer} {
		st := &conn.Streams[conn.direction(side)]
		if ws, ok := r.ctx.WindowStart(side); ok && ws > st.WindowStart {
			st.WindowStart = ws
			changed = true
		}
		if r.ctx.Disabled(side) && st.Enabled {
			st.Enabled = false
			changed = true
		}
	}

	if changed {
		r.push(conn)
	}

	if next := r.ctx.Upgraded(); next != nil {
		r.logger.Debug("protocol upgrade",
			zap.Uint64("socket_id", conn.SocketID),
			zap.String("from", conn.handler.Name()),
			zap.String("to", next.Name()))
		conn.handler = next
		r.stats.Upgrades.Inc()
	}
}

// push forwards the connection's control state to the producer.
func (r *Reassembler) push(conn *Connection) {
	if r.controller == nil {
		return
	}
	r.stats.ControlUpdates.Inc()
	if err := r.controller.UpdateStream(conn.SocketID, conn.controlUpdate()); err != nil {
		r.stats.ControlFailures.Inc()
		r.logger.Debug("stream control update failed",
			zap.Uint64("socket_id", conn.SocketID), zap.Error(err))
	}
}
