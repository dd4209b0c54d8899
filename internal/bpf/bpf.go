// Package bpf describes the binary records emitted by the kernel probes.
//
// Every record starts with a 16 byte Header followed by a fixed-layout payload
// selected by Header.Kind. Layouts match the C structs of the probe program
// (little endian, explicit padding).
package bpf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size in bytes of the common record header.
const HeaderSize = 16

// ErrMalformed reports a record shorter than its declared framing.
var ErrMalformed = errors.New("malformed record")

// Kind selects the payload layout following the header.
type Kind uint16

// Record kinds, matching enum event_kind in the probe headers.
const (
	KindNewSocket   Kind = 1
	KindSetState    Kind = 2
	KindCloseSocket Kind = 3
	KindTCPStats    Kind = 4
	KindUDPStats    Kind = 5
	KindDNSMessage  Kind = 6
	KindTCPInit     Kind = 7
	KindTCPChunk    Kind = 8
	KindLost        Kind = 9
	// KindPayload records carry raw stream bytes. They never reach the merger:
	// readers divert them into the per-CPU payload ring.
	KindPayload Kind = 10
)

func (k Kind) String() string {
	switch k {
	case KindNewSocket:
		return "new_socket"
	case KindSetState:
		return "set_state"
	case KindCloseSocket:
		return "close_socket"
	case KindTCPStats:
		return "tcp_stats"
	case KindUDPStats:
		return "udp_stats"
	case KindDNSMessage:
		return "dns_message"
	case KindTCPInit:
		return "tcp_init"
	case KindTCPChunk:
		return "tcp_chunk"
	case KindLost:
		return "lost"
	case KindPayload:
		return "payload"
	default:
		return fmt.Sprintf("kind_%d", uint16(k))
	}
}

// Protocol numbers as used by the probes (IPPROTO_*).
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// Stream directions relative to the local socket.
const (
	DirectionSend uint8 = 0
	DirectionRecv uint8 = 1
)

// Address families.
const (
	FamilyInet  uint16 = 2
	FamilyInet6 uint16 = 10
)

// Header is the common prefix of every record.
type Header struct {
	Timestamp uint64 // CLOCK_MONOTONIC nanoseconds
	Kind      Kind
	Length    uint16 // payload bytes following the header
	CPU       uint32
}

// NewSocket announces a socket the probes started tracking.
type NewSocket struct {
	SocketID uint64
	PID      uint32
	Protocol uint8
	_        [3]byte
}

// SetState carries the addressing of a socket once it is known.
type SetState struct {
	SocketID uint64
	Saddr    [16]byte
	Daddr    [16]byte
	Sport    uint16
	Dport    uint16
	Family   uint16
	Protocol uint8
	State    uint8
}

// CloseSocket announces that a socket is gone.
type CloseSocket struct {
	SocketID uint64
	Protocol uint8
	_        [7]byte
}

// TCPStats holds cumulative TCP counters read from struct tcp_sock.
type TCPStats struct {
	SocketID      uint64
	BytesAcked    uint64
	BytesReceived uint64
	SegsOut       uint32
	SegsIn        uint32
	TotalRetrans  uint32
	RcvErrors     uint32
}

// UDPStats holds cumulative UDP counters.
type UDPStats struct {
	SocketID        uint64
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint32
	PacketsReceived uint32
	Drops           uint32
	_               uint32
}

// DNSMessage precedes Length bytes of DNS wire data.
type DNSMessage struct {
	SocketID  uint64
	Direction uint8
	Protocol  uint8
	Length    uint16
	_         uint32
}

// TCPInit announces a TCP connection eligible for stream reassembly.
type TCPInit struct {
	SocketID uint64
	Accepted uint8
	_        [7]byte
}

// TCPChunk announces Length stream bytes waiting in the payload channel.
type TCPChunk struct {
	SocketID  uint64
	Offset    uint64
	Length    uint32
	Direction uint8
	_         [3]byte
}

// Lost is synthesized in userspace when records were dropped, by the perf
// buffer or on the way to the processing loop.
type Lost struct {
	Count uint64
	// RingMark is the payload ring's Written() when the loss was detected.
	// Unconsumed ring bytes below it belong to dropped announcements.
	RingMark uint64
}

// dnsMessageSize is the fixed prefix of a KindDNSMessage payload.
var dnsMessageSize = binary.Size(DNSMessage{})

// PeekTimestamp returns the header timestamp without decoding the record.
// Records too short to carry a header report zero so they surface first and
// fail decoding in the consumer.
func PeekTimestamp(raw []byte) uint64 {
	if len(raw) < HeaderSize {
		return 0
	}
	return binary.LittleEndian.Uint64(raw[0:8])
}

// PeekKind returns the header kind without decoding the record.
func PeekKind(raw []byte) Kind {
	if len(raw) < HeaderSize {
		return 0
	}
	return Kind(binary.LittleEndian.Uint16(raw[8:10]))
}

// IsLost reports whether raw is a lost-samples marker.
func IsLost(raw []byte) bool {
	return PeekKind(raw) == KindLost
}

// ParseHeader decodes and validates the header of raw.
func ParseHeader(raw []byte) (Header, error) {
	if len(raw) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, header needs %d", ErrMalformed, len(raw), HeaderSize)
	}
	h := Header{
		Timestamp: binary.LittleEndian.Uint64(raw[0:8]),
		Kind:      Kind(binary.LittleEndian.Uint16(raw[8:10])),
		Length:    binary.LittleEndian.Uint16(raw[10:12]),
		CPU:       binary.LittleEndian.Uint32(raw[12:16]),
	}
	if len(raw) < HeaderSize+int(h.Length) {
		return Header{}, fmt.Errorf("%w: %s declares %d payload bytes, got %d",
			ErrMalformed, h.Kind, h.Length, len(raw)-HeaderSize)
	}
	return h, nil
}

// Payload returns the payload bytes of raw as declared by its header.
func Payload(raw []byte) ([]byte, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}
	return raw[HeaderSize : HeaderSize+int(h.Length)], nil
}

// Decode fills out (a pointer to one of the payload structs) from raw.
func Decode(raw []byte, out any) error {
	payload, err := Payload(raw)
	if err != nil {
		return err
	}
	if size := binary.Size(out); len(payload) < size {
		return fmt.Errorf("%w: %T needs %d bytes, got %d", ErrMalformed, out, size, len(payload))
	}
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// DecodeDNS decodes a KindDNSMessage record and returns the DNS wire bytes.
func DecodeDNS(raw []byte) (DNSMessage, []byte, error) {
	var msg DNSMessage
	if err := Decode(raw, &msg); err != nil {
		return msg, nil, err
	}
	payload, _ := Payload(raw) //nolint:errcheck // already validated by Decode
	data := payload[dnsMessageSize:]
	if len(data) < int(msg.Length) {
		return msg, nil, fmt.Errorf("%w: dns message declares %d bytes, got %d", ErrMalformed, msg.Length, len(data))
	}
	return msg, data[:msg.Length], nil
}

// Encode builds a record of the given kind. It is used for synthesized
// records and by tests.
func Encode(kind Kind, timestamp uint64, cpu uint32, payload any, trailer []byte) []byte {
	var body bytes.Buffer
	if payload != nil {
		_ = binary.Write(&body, binary.LittleEndian, payload) //nolint:errcheck // bytes.Buffer writes do not fail
	}
	body.Write(trailer)

	raw := make([]byte, HeaderSize, HeaderSize+body.Len())
	binary.LittleEndian.PutUint64(raw[0:8], timestamp)
	binary.LittleEndian.PutUint16(raw[8:10], uint16(kind))
	//nolint:gosec // payloads are bounded by the perf sample size
	binary.LittleEndian.PutUint16(raw[10:12], uint16(body.Len()))
	binary.LittleEndian.PutUint32(raw[12:16], cpu)
	return append(raw, body.Bytes()...)
}

// EncodeLost builds a lost-samples marker for cpu.
func EncodeLost(count uint64, cpu uint32, ringMark uint64) []byte {
	return Encode(KindLost, 0, cpu, &Lost{Count: count, RingMark: ringMark}, nil)
}
