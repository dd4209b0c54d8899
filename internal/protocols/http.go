package protocols

import (
	"bytes"

	"github.com/mrzor/net-tracer/internal/facts"
)

// statusLineLen is the length of "HTTP/x.y NNN".
const statusLineLen = 12

var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST "),
	[]byte("PUT "),
	[]byte("DELETE "),
	[]byte("HEAD "),
	[]byte("OPTIONS "),
	[]byte("PATCH "),
	[]byte("TRACE "),
	[]byte("CONNECT "),
}

// HTTPProtocol returns the HTTP/1.x detection entry.
func HTTPProtocol() Protocol {
	return Protocol{
		Name:   "http",
		Detect: DetectHTTP,
		New:    func() Handler { return NewHTTP() },
	}
}

// DetectHTTP recognizes a request line by its method token.
func DetectHTTP(prefix []byte) Result {
	partial := false
	for _, m := range httpMethods {
		if bytes.HasPrefix(prefix, m) {
			return Success
		}
		if len(prefix) < len(m) && bytes.HasPrefix(m, prefix) {
			partial = true
		}
	}
	if partial {
		return Indeterminate
	}
	return Fail
}

type httpClientState int

const (
	httpClientStart httpClientState = iota
	httpClientStop
)

type httpServerState int

const (
	httpServerStart httpServerState = iota
	httpServerAwaitStatusLine
	httpServerStop
)

// HTTP follows one request/response exchange. The request line is not parsed;
// only its timestamp is kept.
type HTTP struct {
	client httpClientState
	server httpServerState

	requestSeen bool
	requestTs   uint64
	responseTs  uint64
}

// NewHTTP creates an HTTP handler in its initial state.
func NewHTTP() *HTTP {
	return &HTTP{}
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) sealed() {}

// HandleClientData records the request timestamp and stops the client side.
// The client window moves past the bytes seen.
func (h *HTTP) HandleClientData(ctx *Context, data []byte) {
	if h.client != httpClientStart || len(data) == 0 {
		return
	}
	h.requestTs = ctx.Timestamp
	h.requestSeen = true
	h.client = httpClientStop
	ctx.SetWindowStart(SideClient, ctx.StreamOffset+uint64(len(data)))
	ctx.Disable(SideClient)
}

// HandleServerData records the response timestamp and parses the status line.
// A parsed status line moves the server window past it.
func (h *HTTP) HandleServerData(ctx *Context, data []byte) {
	switch h.server {
	case httpServerStart:
		if len(data) == 0 {
			return
		}
		h.responseTs = ctx.Timestamp
		h.server = httpServerAwaitStatusLine
		fallthrough
	case httpServerAwaitStatusLine:
		h.server = httpServerStop
		ctx.Disable(SideServer)

		version, code, ok := parseStatusLine(data)
		if !ok {
			return
		}
		ctx.SetWindowStart(SideServer, ctx.StreamOffset+statusLineLen)
		ctx.Emit(h.response(ctx, version, code))
	case httpServerStop:
	}
}

func (h *HTTP) response(ctx *Context, version string, code int) *facts.HTTPResponse {
	var latency uint64
	if h.requestSeen && h.responseTs > h.requestTs {
		latency = h.responseTs - h.requestTs
	}
	role := facts.RoleClient
	if ctx.Accepted {
		role = facts.RoleServer
	}
	return &facts.HTTPResponse{
		Timestamp:        h.responseTs,
		RequestTimestamp: h.requestTs,
		Latency:          latency,
		Version:          version,
		StatusCode:       code,
		Role:             role,
		SocketID:         ctx.SocketID,
	}
}

// parseStatusLine parses "HTTP/<major>.<minor> <3-digit code>".
func parseStatusLine(data []byte) (string, int, bool) {
	if len(data) < statusLineLen || !bytes.HasPrefix(data, []byte("HTTP/")) {
		return "", 0, false
	}
	if !isDigit(data[5]) || data[6] != '.' || !isDigit(data[7]) || data[8] != ' ' {
		return "", 0, false
	}
	code := 0
	for _, c := range data[9:12] {
		if !isDigit(c) {
			return "", 0, false
		}
		code = code*10 + int(c-'0')
	}
	return string(data[5:8]), code, true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
