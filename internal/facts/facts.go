// Package facts defines the reconstructed domain facts handed to output
// writers.
//
// Timestamps are CLOCK_MONOTONIC nanoseconds as reported by the probes;
// writers convert them to wall clock with timesync when they need to.
package facts

import (
	"github.com/mrzor/net-tracer/internal/epochstats"
)

// Kind names a fact type. It doubles as the NATS subject suffix and the
// "kind" variable of filter expressions.
type Kind string

// Fact kinds.
const (
	KindSocketNew    Kind = "socket_new"
	KindSocketClose  Kind = "socket_close"
	KindEpochStats   Kind = "epoch_stats"
	KindDNSResponse  Kind = "dns_response"
	KindDNSTimeout   Kind = "dns_timeout"
	KindHTTPResponse Kind = "http_response"
	KindLostSamples  Kind = "lost_samples"
)

// Fact is implemented by every reconstructed fact.
type Fact interface {
	Kind() Kind
	// Time is the monotonic timestamp the fact refers to.
	Time() uint64
	// Fields flattens the fact for expression evaluation.
	Fields() map[string]any
}

// Emitter accepts facts. Emit may fail when the downstream sink does.
type Emitter interface {
	Emit(f Fact) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(f Fact) error

// Emit calls fn(f).
func (fn EmitterFunc) Emit(f Fact) error {
	return fn(f)
}

// Socket is the socket description shared by lifecycle facts.
type Socket struct {
	Timestamp   uint64   `json:"timestamp"`
	Protocol    string   `json:"protocol"`
	Index       uint32   `json:"index"`
	ID          uint64   `json:"socket_id"`
	PID         uint32   `json:"pid"`
	LocalAddr   string   `json:"local_addr,omitempty"`
	LocalPort   uint16   `json:"local_port,omitempty"`
	RemoteAddr  string   `json:"remote_addr,omitempty"`
	RemotePort  uint16   `json:"remote_port,omitempty"`
	RemoteNames []string `json:"remote_names,omitempty"`
}

func (s Socket) fields() map[string]any {
	return map[string]any{
		"timestamp":    s.Timestamp,
		"protocol":     s.Protocol,
		"index":        s.Index,
		"socket_id":    s.ID,
		"pid":          s.PID,
		"local_addr":   s.LocalAddr,
		"local_port":   s.LocalPort,
		"remote_addr":  s.RemoteAddr,
		"remote_port":  s.RemotePort,
		"remote_names": s.RemoteNames,
	}
}

// SocketNew is emitted when a socket is registered.
type SocketNew struct {
	Socket
}

func (f *SocketNew) Kind() Kind   { return KindSocketNew }
func (f *SocketNew) Time() uint64 { return f.Timestamp }

func (f *SocketNew) Fields() map[string]any {
	m := f.fields()
	m["kind"] = string(KindSocketNew)
	return m
}

// SocketClose is emitted when a socket is released, after its pending
// statistics.
type SocketClose struct {
	Socket
	OpenedAt uint64 `json:"opened_at"`
	Duration uint64 `json:"duration_ns"`
}

func (f *SocketClose) Kind() Kind   { return KindSocketClose }
func (f *SocketClose) Time() uint64 { return f.Timestamp }

func (f *SocketClose) Fields() map[string]any {
	m := f.fields()
	m["kind"] = string(KindSocketClose)
	m["opened_at"] = f.OpenedAt
	m["duration_ns"] = f.Duration
	return m
}

// EpochStats carries the counter delta of one socket for one epoch.
type EpochStats struct {
	EpochStart  uint64              `json:"epoch_start"`
	EpochLength uint64              `json:"epoch_length_ns"`
	Protocol    string              `json:"protocol"`
	Index       uint32              `json:"index"`
	SocketID    uint64              `json:"socket_id"`
	Delta       epochstats.Counters `json:"delta"`
}

func (f *EpochStats) Kind() Kind   { return KindEpochStats }
func (f *EpochStats) Time() uint64 { return f.EpochStart }

func (f *EpochStats) Fields() map[string]any {
	return map[string]any{
		"kind":             string(KindEpochStats),
		"timestamp":        f.EpochStart,
		"epoch_length_ns":  f.EpochLength,
		"protocol":         f.Protocol,
		"index":            f.Index,
		"socket_id":        f.SocketID,
		"bytes_sent":       f.Delta.BytesSent,
		"bytes_received":   f.Delta.BytesReceived,
		"packets_sent":     f.Delta.PacketsSent,
		"packets_received": f.Delta.PacketsReceived,
		"retransmits":      f.Delta.Retransmits,
		"errors":           f.Delta.Errors,
	}
}

// DNSQuestion identifies a DNS transaction.
type DNSQuestion struct {
	QueryID uint16 `json:"query_id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
}

// DNSResponse pairs a request with its response.
type DNSResponse struct {
	Timestamp        uint64 `json:"timestamp"`
	RequestTimestamp uint64 `json:"request_timestamp"`
	Latency          uint64 `json:"latency_ns"`
	DNSQuestion
	Rcode    string   `json:"rcode"`
	Answers  []string `json:"answers,omitempty"`
	SocketID uint64   `json:"socket_id"`
}

func (f *DNSResponse) Kind() Kind   { return KindDNSResponse }
func (f *DNSResponse) Time() uint64 { return f.Timestamp }

func (f *DNSResponse) Fields() map[string]any {
	return map[string]any{
		"kind":              string(KindDNSResponse),
		"timestamp":         f.Timestamp,
		"request_timestamp": f.RequestTimestamp,
		"latency_ns":        f.Latency,
		"query_id":          f.QueryID,
		"type":              f.Type,
		"name":              f.Name,
		"rcode":             f.Rcode,
		"answers":           f.Answers,
		"socket_id":         f.SocketID,
	}
}

// DNSTimeout reports a request that never saw a response.
type DNSTimeout struct {
	Timestamp        uint64 `json:"timestamp"`
	RequestTimestamp uint64 `json:"request_timestamp"`
	Duration         uint64 `json:"duration_ns"`
	DNSQuestion
	SocketID uint64 `json:"socket_id"`
}

func (f *DNSTimeout) Kind() Kind   { return KindDNSTimeout }
func (f *DNSTimeout) Time() uint64 { return f.Timestamp }

func (f *DNSTimeout) Fields() map[string]any {
	return map[string]any{
		"kind":              string(KindDNSTimeout),
		"timestamp":         f.Timestamp,
		"request_timestamp": f.RequestTimestamp,
		"duration_ns":       f.Duration,
		"query_id":          f.QueryID,
		"type":              f.Type,
		"name":              f.Name,
		"socket_id":         f.SocketID,
	}
}

// HTTP roles, from the point of view of the traced process.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// HTTPResponse is emitted once a response status line was parsed.
type HTTPResponse struct {
	Timestamp        uint64 `json:"timestamp"`
	RequestTimestamp uint64 `json:"request_timestamp"`
	Latency          uint64 `json:"latency_ns"`
	Version          string `json:"version"`
	StatusCode       int    `json:"status_code"`
	Role             string `json:"role"`
	SocketID         uint64 `json:"socket_id"`
}

func (f *HTTPResponse) Kind() Kind   { return KindHTTPResponse }
func (f *HTTPResponse) Time() uint64 { return f.Timestamp }

func (f *HTTPResponse) Fields() map[string]any {
	return map[string]any{
		"kind":              string(KindHTTPResponse),
		"timestamp":         f.Timestamp,
		"request_timestamp": f.RequestTimestamp,
		"latency_ns":        f.Latency,
		"version":           f.Version,
		"status_code":       f.StatusCode,
		"role":              f.Role,
		"socket_id":         f.SocketID,
	}
}

// LostSamples notifies that the producer dropped records on one source.
type LostSamples struct {
	Timestamp uint64 `json:"timestamp"`
	Source    int    `json:"source"`
	Count     uint64 `json:"count"`
}

func (f *LostSamples) Kind() Kind   { return KindLostSamples }
func (f *LostSamples) Time() uint64 { return f.Timestamp }

func (f *LostSamples) Fields() map[string]any {
	return map[string]any{
		"kind":      string(KindLostSamples),
		"timestamp": f.Timestamp,
		"source":    f.Source,
		"count":     f.Count,
	}
}
