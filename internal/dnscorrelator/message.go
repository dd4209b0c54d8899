package dnscorrelator

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

// ErrNoQuestion is returned for messages without a question section.
var ErrNoQuestion = errors.New("dns message has no question")

// Message is the subset of a DNS message needed for correlation.
type Message struct {
	ID       uint16
	Response bool
	Qtype    uint16
	Name     string
	Rcode    int
	Answers  []netip.Addr
	// MinTTL is the smallest TTL among address answers, in seconds.
	MinTTL uint32
}

// ParseMessage decodes DNS wire data. Messages carried over TCP are prefixed
// with a two byte length which is stripped first.
func ParseMessage(data []byte, tcp bool) (*Message, error) {
	if tcp {
		if len(data) < 2 {
			return nil, fmt.Errorf("dns over tcp: %d bytes, missing length prefix", len(data))
		}
		data = data[2:]
	}

	var msg dns.Msg
	if err := msg.Unpack(data); err != nil {
		return nil, fmt.Errorf("failed to unpack dns message: %w", err)
	}
	if len(msg.Question) == 0 {
		return nil, ErrNoQuestion
	}

	q := msg.Question[0]
	out := &Message{
		ID:       msg.Id,
		Response: msg.Response,
		Qtype:    q.Qtype,
		Name:     strings.ToLower(dns.Fqdn(q.Name)),
		Rcode:    msg.Rcode,
	}

	for _, rr := range msg.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A.To4()
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		out.Answers = append(out.Answers, addr)
		if ttl := rr.Header().Ttl; len(out.Answers) == 1 || ttl < out.MinTTL {
			out.MinTTL = ttl
		}
	}
	return out, nil
}

// Key returns the correlation key of m as seen in direction.
func (m *Message) Key(direction uint8) Key {
	return Key{QueryID: m.ID, Type: m.Qtype, Name: m.Name, Direction: direction}
}

// TypeString returns the mnemonic of the question type, e.g. "AAAA".
func (m *Message) TypeString() string {
	return TypeString(m.Qtype)
}

// RcodeString returns the mnemonic of the response code, e.g. "NXDOMAIN".
func (m *Message) RcodeString() string {
	if s, ok := dns.RcodeToString[m.Rcode]; ok {
		return s
	}
	return fmt.Sprintf("RCODE%d", m.Rcode)
}

// TypeString returns the mnemonic of a record type.
func TypeString(qtype uint16) string {
	if s, ok := dns.TypeToString[qtype]; ok {
		return s
	}
	return fmt.Sprintf("TYPE%d", qtype)
}
