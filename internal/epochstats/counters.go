package epochstats

// Counters is a set of per-socket traffic counters. The kernel reports them
// cumulatively; the aggregator stores deltas.
type Counters struct {
	BytesSent       uint64 `json:"bytes_sent"`
	BytesReceived   uint64 `json:"bytes_received"`
	PacketsSent     uint64 `json:"packets_sent"`
	PacketsReceived uint64 `json:"packets_received"`
	Retransmits     uint64 `json:"retransmits"`
	Errors          uint64 `json:"errors"`
}

// Sub returns c - old per field. A field that went backwards (counter reset
// or a torn read in the probe) yields zero instead of wrapping.
func (c Counters) Sub(old Counters) Counters {
	return Counters{
		BytesSent:       clampSub(c.BytesSent, old.BytesSent),
		BytesReceived:   clampSub(c.BytesReceived, old.BytesReceived),
		PacketsSent:     clampSub(c.PacketsSent, old.PacketsSent),
		PacketsReceived: clampSub(c.PacketsReceived, old.PacketsReceived),
		Retransmits:     clampSub(c.Retransmits, old.Retransmits),
		Errors:          clampSub(c.Errors, old.Errors),
	}
}

// Add returns the field-wise sum.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		BytesSent:       c.BytesSent + o.BytesSent,
		BytesReceived:   c.BytesReceived + o.BytesReceived,
		PacketsSent:     c.PacketsSent + o.PacketsSent,
		PacketsReceived: c.PacketsReceived + o.PacketsReceived,
		Retransmits:     c.Retransmits + o.Retransmits,
		Errors:          c.Errors + o.Errors,
	}
}

// IsZero reports whether there is nothing worth emitting.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

func clampSub(n, old uint64) uint64 {
	if n < old {
		return 0
	}
	return n - old
}
