package dnscorrelator

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packQuery(t *testing.T, name string) (*dns.Msg, []byte) {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(name, dns.TypeA)
	q.Id = 0x1234
	wire, err := q.Pack()
	require.NoError(t, err)
	return q, wire
}

func TestParseMessage_Query(t *testing.T) {
	_, wire := packQuery(t, "Example.COM.")

	msg, err := ParseMessage(wire, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), msg.ID)
	assert.False(t, msg.Response)
	assert.Equal(t, "example.com.", msg.Name)
	assert.Equal(t, "A", msg.TypeString())
}

func TestParseMessage_ResponseWithAnswers(t *testing.T) {
	q, _ := packQuery(t, "example.com.")
	resp := new(dns.Msg)
	resp.SetReply(q)
	a, err := dns.NewRR("example.com. 300 IN A 93.184.216.34")
	require.NoError(t, err)
	aaaa, err := dns.NewRR("example.com. 60 IN AAAA 2606:2800:220:1::1")
	require.NoError(t, err)
	resp.Answer = append(resp.Answer, a, aaaa)
	wire, err := resp.Pack()
	require.NoError(t, err)

	msg, err := ParseMessage(wire, false)
	require.NoError(t, err)
	assert.True(t, msg.Response)
	assert.Equal(t, "NOERROR", msg.RcodeString())
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("93.184.216.34"),
		netip.MustParseAddr("2606:2800:220:1::1"),
	}, msg.Answers)
	assert.Equal(t, uint32(60), msg.MinTTL)

	assert.Equal(t, Key{QueryID: 0x1234, Type: dns.TypeA, Name: "example.com.", Direction: 1}, msg.Key(1))
}

func TestParseMessage_ZeroTTLAnswerIsMinimum(t *testing.T) {
	q, _ := packQuery(t, "example.com.")
	resp := new(dns.Msg)
	resp.SetReply(q)
	for _, rr := range []string{"example.com. 0 IN A 192.0.2.1", "example.com. 120 IN A 192.0.2.2"} {
		a, err := dns.NewRR(rr)
		require.NoError(t, err)
		resp.Answer = append(resp.Answer, a)
	}
	wire, err := resp.Pack()
	require.NoError(t, err)

	msg, err := ParseMessage(wire, false)
	require.NoError(t, err)
	assert.Len(t, msg.Answers, 2)
	assert.Zero(t, msg.MinTTL)
}

func TestParseMessage_TCPLengthPrefix(t *testing.T) {
	_, wire := packQuery(t, "example.org.")
	framed := append([]byte{byte(len(wire) >> 8), byte(len(wire))}, wire...)

	msg, err := ParseMessage(framed, true)
	require.NoError(t, err)
	assert.Equal(t, "example.org.", msg.Name)

	_, err = ParseMessage([]byte{0}, true)
	assert.Error(t, err)
}

func TestParseMessage_Garbage(t *testing.T) {
	_, err := ParseMessage([]byte{0xde, 0xad}, false)
	assert.Error(t, err)
}

func TestTypeString_Unknown(t *testing.T) {
	assert.Equal(t, "TYPE65000", TypeString(65000))
}
