package protocols

import (
	"github.com/mrzor/net-tracer/internal/facts"
)

// Result is the outcome of a protocol detector.
type Result int

// Detector results.
const (
	Indeterminate Result = iota
	Success
	Fail
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Fail:
		return "fail"
	default:
		return "indeterminate"
	}
}

// Side is a stream direction from the application protocol's point of view.
type Side int

// Sides.
const (
	SideClient Side = 0
	SideServer Side = 1
)

func (s Side) String() string {
	if s == SideServer {
		return "server"
	}
	return "client"
}

// Handler consumes the bytes of one connection.
type Handler interface {
	// Name identifies the variant, e.g. "unknown" or "http".
	Name() string
	// HandleClientData receives bytes sent by the client.
	HandleClientData(ctx *Context, data []byte)
	// HandleServerData receives bytes sent by the server.
	HandleServerData(ctx *Context, data []byte)

	sealed()
}

// Context carries the state of a single dispatch and collects the requests a
// handler makes during it.
type Context struct {
	// Timestamp of the chunk being dispatched.
	Timestamp uint64
	SocketID  uint64
	// Accepted is true when the local socket is the server side.
	Accepted bool
	// StreamOffset is the stream offset of the first dispatched byte.
	StreamOffset uint64

	emitter facts.Emitter
	err     error

	windowStart [2]uint64
	windowSet   [2]bool
	disabled    [2]bool
	upgrade     Handler
}

// NewContext prepares a dispatch context. Facts emitted by handlers go to
// emitter.
func NewContext(emitter facts.Emitter) *Context {
	return &Context{emitter: emitter}
}

// Reset clears the requests of the previous dispatch and sets the chunk
// metadata of the next one.
func (c *Context) Reset(timestamp, socketID uint64, accepted bool, streamOffset uint64) {
	*c = Context{
		Timestamp:    timestamp,
		SocketID:     socketID,
		Accepted:     accepted,
		StreamOffset: streamOffset,
		emitter:      c.emitter,
	}
}

// SetWindowStart asks the producer to stop delivering bytes of side below
// offset. Requests that would move the window backwards are ignored.
func (c *Context) SetWindowStart(side Side, offset uint64) {
	if c.windowSet[side] && offset <= c.windowStart[side] {
		return
	}
	c.windowStart[side] = offset
	c.windowSet[side] = true
}

// Disable asks for side to be ignored from now on.
func (c *Context) Disable(side Side) {
	c.disabled[side] = true
}

// Upgrade asks for h to replace the current handler once the call returns.
func (c *Context) Upgrade(h Handler) {
	c.upgrade = h
}

// Emit forwards f. The first emit error is kept and returned by Err.
func (c *Context) Emit(f facts.Fact) {
	if c.emitter == nil {
		return
	}
	if err := c.emitter.Emit(f); err != nil && c.err == nil {
		c.err = err
	}
}

// Err returns the first error reported while emitting.
func (c *Context) Err() error {
	return c.err
}

// WindowStart returns the window requested for side, if any.
func (c *Context) WindowStart(side Side) (uint64, bool) {
	return c.windowStart[side], c.windowSet[side]
}

// Disabled reports whether side was disabled during the dispatch.
func (c *Context) Disabled(side Side) bool {
	return c.disabled[side]
}

// Upgraded returns the handler requested by Upgrade, or nil.
func (c *Context) Upgraded() Handler {
	return c.upgrade
}
