package protocols

// maxDetectPrefix bounds the client bytes kept for detection.
const maxDetectPrefix = 16

// Protocol describes an upgrade target of Unknown.
type Protocol struct {
	Name string
	// Detect inspects the first client bytes of a connection (at most
	// maxDetectPrefix of them).
	Detect func(prefix []byte) Result
	// New creates the handler taking over the connection.
	New func() Handler
}

// DefaultProtocols returns the protocols detected on new connections.
func DefaultProtocols() []Protocol {
	return []Protocol{HTTPProtocol()}
}

// Unknown is the initial handler of every connection.
type Unknown struct {
	candidates []Protocol
	prefix     []byte
}

// NewUnknown creates a handler detecting the given protocols.
func NewUnknown(candidates []Protocol) *Unknown {
	return &Unknown{
		candidates: append([]Protocol(nil), candidates...),
		prefix:     make([]byte, 0, maxDetectPrefix),
	}
}

func (u *Unknown) Name() string { return "unknown" }

func (u *Unknown) sealed() {}

// Candidates returns the names of the protocols still considered.
func (u *Unknown) Candidates() []string {
	names := make([]string, len(u.candidates))
	for i, p := range u.candidates {
		names[i] = p.Name
	}
	return names
}

// HandleClientData runs the remaining detectors over the client prefix.
func (u *Unknown) HandleClientData(ctx *Context, data []byte) {
	if len(u.candidates) == 0 {
		return
	}
	if n := min(len(data), maxDetectPrefix-len(u.prefix)); n > 0 {
		u.prefix = append(u.prefix, data[:n]...)
	}
	full := len(u.prefix) == maxDetectPrefix

	remaining := u.candidates[:0]
	for _, p := range u.candidates {
		switch p.Detect(u.prefix) {
		case Success:
			next := p.New()
			next.HandleClientData(ctx, data)
			ctx.Upgrade(next)
			u.candidates = nil
			return
		case Fail:
			continue
		default:
			if full {
				continue
			}
			remaining = append(remaining, p)
		}
	}
	u.candidates = remaining

	if len(u.candidates) == 0 {
		ctx.Disable(SideClient)
		ctx.Disable(SideServer)
	}
}

// HandleServerData is a no-op: detection only looks at client bytes.
func (u *Unknown) HandleServerData(*Context, []byte) {}
