package eventprocessor

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/mrzor/net-tracer/internal/bpf"
	"github.com/mrzor/net-tracer/internal/bytering"
	"github.com/mrzor/net-tracer/internal/dnscorrelator"
	"github.com/mrzor/net-tracer/internal/epochstats"
	"github.com/mrzor/net-tracer/internal/eventmerge"
	"github.com/mrzor/net-tracer/internal/facts"
	"github.com/mrzor/net-tracer/internal/protocols"
	"github.com/mrzor/net-tracer/internal/reversedns"
	"github.com/mrzor/net-tracer/internal/sockets"
	"github.com/mrzor/net-tracer/internal/streamreassembler"
	"github.com/mrzor/net-tracer/internal/telemetry"
)

// ErrDesync is returned when a chunk announcement finds fewer bytes in its
// payload ring than it declares. The rest of the batch is abandoned.
var ErrDesync = errors.New("payload channel desynchronized")

// Defaults for Config fields left zero.
const (
	DefaultTableCapacity        = 65536
	DefaultEpochLength   uint64 = 10_000_000_000
)

// Sink receives facts and is flushed at the end of every batch.
type Sink interface {
	facts.Emitter
	Flush() error
}

// Config configures a Processor.
type Config struct {
	TCPCapacity    int
	UDPCapacity    int
	EpochLength    uint64 // nanoseconds
	EpochRing      int
	DNSTimeout     uint64 // nanoseconds
	DNSMaxPending  int
	MaxConnections int
	// Protocols are the detection candidates for new TCP connections.
	Protocols  []protocols.Protocol
	Controller streamreassembler.Controller
	// Resolver is fed with DNS answers and names socket peers. Optional.
	Resolver *reversedns.Resolver
	Metrics  *telemetry.Metrics
	Logger   *zap.Logger
}

// table is one protocol's registry with its statistics.
type table struct {
	name     string
	registry *sockets.Registry
	stats    *epochstats.Aggregator
}

// Processor owns every piece of per-socket state. Only ProcessBatch's
// goroutine may use it, except for NeedsRestart, EverFull and LostRecords.
type Processor struct {
	merger   *eventmerge.Merger
	rings    []*bytering.Ring
	tcp      *table
	udp      *table
	dns      *dnscorrelator.Correlator
	streams  *streamreassembler.Reassembler
	sink     Sink
	resolver *reversedns.Resolver
	metrics  *telemetry.Metrics
	logger   *zap.Logger

	record  []byte
	payload []byte

	// sinkErr is the first emit failure of the running batch.
	sinkErr             error
	lastControlFailures uint64
}

// New creates a Processor emitting into sink.
func New(cfg Config, sink Sink) (*Processor, error) {
	if cfg.TCPCapacity <= 0 {
		cfg.TCPCapacity = DefaultTableCapacity
	}
	if cfg.UDPCapacity <= 0 {
		cfg.UDPCapacity = DefaultTableCapacity
	}
	if cfg.EpochLength == 0 {
		cfg.EpochLength = DefaultEpochLength
	}
	if cfg.DNSTimeout == 0 {
		cfg.DNSTimeout = dnscorrelator.DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Processor{
		merger:   eventmerge.New(),
		dns:      dnscorrelator.New(cfg.DNSTimeout, cfg.DNSMaxPending),
		sink:     sink,
		resolver: cfg.Resolver,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}

	var err error
	if p.tcp, err = p.newTable("tcp", cfg.TCPCapacity, cfg); err != nil {
		return nil, err
	}
	if p.udp, err = p.newTable("udp", cfg.UDPCapacity, cfg); err != nil {
		return nil, err
	}

	p.streams = streamreassembler.New(streamreassembler.Config{
		Protocols:      cfg.Protocols,
		MaxConnections: cfg.MaxConnections,
		Controller:     cfg.Controller,
		Emitter:        facts.EmitterFunc(p.emit),
		Logger:         cfg.Logger.Named("streams"),
	})
	return p, nil
}

func (p *Processor) newTable(name string, capacity int, cfg Config) (*table, error) {
	t := &table{
		name:     name,
		registry: sockets.NewRegistry(name, capacity),
	}
	stats, err := epochstats.New(capacity, cfg.EpochLength, cfg.EpochRing, func(index uint32, epochStart uint64, delta epochstats.Counters) error {
		f := &facts.EpochStats{
			EpochStart:  epochStart,
			EpochLength: cfg.EpochLength,
			Protocol:    name,
			Index:       index,
			Delta:       delta,
		}
		if e := t.registry.Get(sockets.Index(index)); e != nil {
			f.SocketID = e.ID
		}
		return p.emit(f)
	})
	if err != nil {
		return nil, fmt.Errorf("%s statistics: %w", name, err)
	}
	t.stats = stats
	return t, nil
}

// AttachSource registers one CPU's record queue and the payload ring filled
// by the same CPU. Sources must be attached in CPU order.
func (p *Processor) AttachSource(src eventmerge.Source, ring *bytering.Ring) int {
	p.rings = append(p.rings, ring)
	return p.merger.Attach(src)
}

// NeedsRestart reports whether the producer lost records.
func (p *Processor) NeedsRestart() bool {
	return p.merger.NeedsRestart()
}

// LostRecords returns the number of records the producer dropped.
func (p *Processor) LostRecords() uint64 {
	return p.merger.LostRecords()
}

// EverFull reports whether either socket table ever rejected an insert.
func (p *Processor) EverFull() bool {
	return p.tcp.registry.EverFull() || p.udp.registry.EverFull()
}

// ProcessBatch handles every queued record stamped at or before
// maxTimestamp, then expires DNS requests, flushes finished epochs and
// flushes the sink.
//
// A malformed record or a desynchronized payload ring abandons the rest of
// the batch; the remaining records are picked up by the next one. Sink
// failures do not stop processing: the facts are dropped and the first
// failure is returned.
func (p *Processor) ProcessBatch(maxTimestamp uint64) error {
	p.metrics.RecordBatch()
	p.sinkErr = nil
	p.merger.BeginBatch(maxTimestamp)

	var batchErr error
	horizon := maxTimestamp
	for p.merger.HasNext() {
		source := p.merger.PeekSource()
		ts := p.merger.PeekTimestamp()
		p.record = p.merger.PopInto(p.record)

		if err := p.handle(source, p.record, maxTimestamp); err != nil {
			batchErr = err
			// Time only advances as far as what was actually seen.
			horizon = min(ts, maxTimestamp)
			break
		}
	}

	p.expire(horizon)

	if n := p.streams.Stats().ControlFailures.Load(); n > p.lastControlFailures {
		p.metrics.RecordControlFailures(n - p.lastControlFailures)
		p.lastControlFailures = n
	}

	flushErr := p.sink.Flush()
	if flushErr != nil {
		p.logger.Warn("dropping facts", zap.Error(flushErr))
	}
	return errors.Join(batchErr, p.sinkErr, flushErr)
}

// expire emits DNS timeouts and the statistics of finished epochs.
func (p *Processor) expire(now uint64) {
	p.sweepDNS(now)

	for _, t := range []*table{p.tcp, p.udp} {
		if err := t.stats.Advance(now); err != nil {
			p.logger.Debug("flushing epoch statistics", zap.String("table", t.name), zap.Error(err))
		}
	}
}

// sweepDNS times out the requests older than the DNS timeout at now.
func (p *Processor) sweepDNS(now uint64) {
	n := p.dns.Sweep(now, func(key dnscorrelator.Key, v dnscorrelator.Value) {
		p.emit(&facts.DNSTimeout{ //nolint:errcheck // recorded in sinkErr
			Timestamp:        now,
			RequestTimestamp: v.Timestamp,
			Duration:         now - v.Timestamp,
			DNSQuestion:      question(key),
			SocketID:         v.SocketID,
		})
	})
	if n > 0 {
		p.metrics.RecordDNSTimeouts(n)
		p.logger.Debug("dns requests timed out", zap.Int("count", n))
	}
}

// emit forwards f to the sink and remembers the first failure of the batch.
func (p *Processor) emit(f facts.Fact) error {
	err := p.sink.Emit(f)
	if err != nil && p.sinkErr == nil {
		p.sinkErr = err
	}
	return err
}

func (p *Processor) handle(source int, raw []byte, maxTimestamp uint64) error {
	h, err := bpf.ParseHeader(raw)
	if err != nil {
		return p.malformed(source, err)
	}
	p.metrics.RecordEvent(h.Kind.String())

	switch h.Kind {
	case bpf.KindNewSocket:
		var ev bpf.NewSocket
		if err := bpf.Decode(raw, &ev); err != nil {
			return p.malformed(source, err)
		}
		p.newSocket(h.Timestamp, &ev)
	case bpf.KindSetState:
		var ev bpf.SetState
		if err := bpf.Decode(raw, &ev); err != nil {
			return p.malformed(source, err)
		}
		p.setState(&ev)
	case bpf.KindCloseSocket:
		var ev bpf.CloseSocket
		if err := bpf.Decode(raw, &ev); err != nil {
			return p.malformed(source, err)
		}
		p.closeSocket(h.Timestamp, &ev)
	case bpf.KindTCPStats:
		var ev bpf.TCPStats
		if err := bpf.Decode(raw, &ev); err != nil {
			return p.malformed(source, err)
		}
		p.updateStats(p.tcp, h.Kind, h.Timestamp, ev.SocketID, epochstats.Counters{
			BytesSent:       ev.BytesAcked,
			BytesReceived:   ev.BytesReceived,
			PacketsSent:     uint64(ev.SegsOut),
			PacketsReceived: uint64(ev.SegsIn),
			Retransmits:     uint64(ev.TotalRetrans),
			Errors:          uint64(ev.RcvErrors),
		})
	case bpf.KindUDPStats:
		var ev bpf.UDPStats
		if err := bpf.Decode(raw, &ev); err != nil {
			return p.malformed(source, err)
		}
		p.updateStats(p.udp, h.Kind, h.Timestamp, ev.SocketID, epochstats.Counters{
			BytesSent:       ev.BytesSent,
			BytesReceived:   ev.BytesReceived,
			PacketsSent:     uint64(ev.PacketsSent),
			PacketsReceived: uint64(ev.PacketsReceived),
			Errors:          uint64(ev.Drops),
		})
	case bpf.KindDNSMessage:
		ev, data, err := bpf.DecodeDNS(raw)
		if err != nil {
			return p.malformed(source, err)
		}
		p.dnsMessage(h.Timestamp, &ev, data)
	case bpf.KindTCPInit:
		var ev bpf.TCPInit
		if err := bpf.Decode(raw, &ev); err != nil {
			return p.malformed(source, err)
		}
		p.tcpInit(source, &ev)
	case bpf.KindTCPChunk:
		var ev bpf.TCPChunk
		if err := bpf.Decode(raw, &ev); err != nil {
			return p.malformed(source, err)
		}
		return p.tcpChunk(source, h.Timestamp, &ev)
	case bpf.KindLost:
		var ev bpf.Lost
		if err := bpf.Decode(raw, &ev); err != nil {
			return p.malformed(source, err)
		}
		p.lost(source, maxTimestamp, &ev)
	default:
		p.logger.Warn("ignoring record of unknown kind", zap.Int("source", source), zap.Stringer("kind", h.Kind))
	}
	return nil
}

func (p *Processor) malformed(source int, err error) error {
	p.metrics.RecordMalformed()
	p.logger.Warn("malformed record, abandoning batch", zap.Int("source", source), zap.Error(err))
	return fmt.Errorf("source %d: %w", source, err)
}

func (p *Processor) table(protocol uint8) *table {
	switch protocol {
	case bpf.ProtoTCP:
		return p.tcp
	case bpf.ProtoUDP:
		return p.udp
	default:
		return nil
	}
}

// missing handles a record that references a socket the table does not know.
// Once the table overflowed such records are expected.
func (p *Processor) missing(t *table, kind bpf.Kind, socketID uint64) {
	p.metrics.RecordMissingKey(t.name)
	if t.registry.EverFull() {
		p.logger.Debug("record for untracked socket",
			zap.String("table", t.name), zap.Stringer("kind", kind), zap.Uint64("socket_id", socketID))
		return
	}
	p.logger.Warn("record for unknown socket",
		zap.String("table", t.name), zap.Stringer("kind", kind), zap.Uint64("socket_id", socketID))
}

func (p *Processor) newSocket(ts uint64, ev *bpf.NewSocket) {
	t := p.table(ev.Protocol)
	if t == nil {
		p.logger.Debug("ignoring socket of unsupported protocol", zap.Uint8("protocol", ev.Protocol))
		return
	}

	wasFull := t.registry.EverFull()
	idx, err := t.registry.Insert(ev.SocketID)
	switch {
	case errors.Is(err, sockets.ErrTableFull):
		p.metrics.RecordTableFull(t.name)
		if !wasFull {
			p.logger.Warn("socket table full, untracked sockets will be ignored",
				zap.String("table", t.name), zap.Int("capacity", t.registry.Capacity()))
		}
		return
	case errors.Is(err, sockets.ErrExists):
		p.logger.Debug("socket registered twice", zap.String("table", t.name), zap.Uint64("socket_id", ev.SocketID))
		return
	case err != nil:
		p.logger.Warn("registering socket", zap.Error(err))
		return
	}

	e := t.registry.Get(idx)
	e.PID = ev.PID
	e.Protocol = ev.Protocol
	e.Opened = ts

	p.emit(&facts.SocketNew{Socket: p.socketFact(t, e, ts)}) //nolint:errcheck // recorded in sinkErr
}

func (p *Processor) setState(ev *bpf.SetState) {
	t := p.table(ev.Protocol)
	if t == nil {
		return
	}
	e, err := t.registry.Lookup(ev.SocketID)
	if err != nil {
		p.missing(t, bpf.KindSetState, ev.SocketID)
		return
	}

	local, remote, ok := addresses(ev.Family, ev.Saddr, ev.Daddr)
	if !ok {
		p.logger.Debug("unsupported address family", zap.Uint16("family", ev.Family))
		return
	}
	e.Addr = sockets.Addresses{
		Local:      local,
		Remote:     remote,
		LocalPort:  ev.Sport,
		RemotePort: ev.Dport,
	}
}

func addresses(family uint16, saddr, daddr [16]byte) (netip.Addr, netip.Addr, bool) {
	switch family {
	case bpf.FamilyInet:
		return netip.AddrFrom4([4]byte(saddr[:4])), netip.AddrFrom4([4]byte(daddr[:4])), true
	case bpf.FamilyInet6:
		return netip.AddrFrom16(saddr).Unmap(), netip.AddrFrom16(daddr).Unmap(), true
	default:
		return netip.Addr{}, netip.Addr{}, false
	}
}

func (p *Processor) closeSocket(ts uint64, ev *bpf.CloseSocket) {
	t := p.table(ev.Protocol)
	if t == nil {
		return
	}
	if t == p.tcp {
		p.streams.Close(ev.SocketID)
	}

	e, err := t.registry.Lookup(ev.SocketID)
	if err != nil {
		p.missing(t, bpf.KindCloseSocket, ev.SocketID)
		return
	}

	if err := t.stats.FlushIndex(uint32(e.Index)); err != nil {
		p.logger.Debug("flushing statistics of closed socket", zap.Uint64("socket_id", ev.SocketID), zap.Error(err))
	}

	p.emit(&facts.SocketClose{ //nolint:errcheck // recorded in sinkErr
		Socket:   p.socketFact(t, e, ts),
		OpenedAt: e.Opened,
		Duration: clampSub(ts, e.Opened),
	})
	t.registry.Erase(ev.SocketID)
}

func (p *Processor) socketFact(t *table, e *sockets.Entry, ts uint64) facts.Socket {
	s := facts.Socket{
		Timestamp: ts,
		Protocol:  t.name,
		Index:     uint32(e.Index),
		ID:        e.ID,
		PID:       e.PID,
	}
	if e.Addr.Remote.IsValid() {
		s.LocalAddr = e.Addr.Local.String()
		s.LocalPort = e.Addr.LocalPort
		s.RemoteAddr = e.Addr.Remote.String()
		s.RemotePort = e.Addr.RemotePort
		if p.resolver != nil {
			s.RemoteNames = p.resolver.Lookup(e.Addr.Remote)
		}
	}
	return s
}

func (p *Processor) updateStats(t *table, kind bpf.Kind, ts, socketID uint64, cumulative epochstats.Counters) {
	idx, err := t.registry.Find(socketID)
	if err != nil {
		p.missing(t, kind, socketID)
		return
	}
	if err := t.stats.Update(uint32(idx), ts, cumulative); err != nil {
		p.logger.Debug("updating statistics", zap.String("table", t.name), zap.Error(err))
	}
}

func (p *Processor) dnsMessage(ts uint64, ev *bpf.DNSMessage, data []byte) {
	msg, err := dnscorrelator.ParseMessage(data, ev.Protocol == bpf.ProtoTCP)
	if err != nil {
		p.metrics.RecordDNSParseError()
		p.logger.Debug("undecodable dns message", zap.Uint64("socket_id", ev.SocketID), zap.Error(err))
		return
	}

	key := msg.Key(ev.Direction)
	if !msg.Response {
		v := dnscorrelator.Value{Timestamp: ts, SocketID: ev.SocketID}
		if t := p.table(ev.Protocol); t != nil {
			if idx, err := t.registry.Find(ev.SocketID); err == nil {
				v.SocketIndex = uint32(idx)
			}
		}
		if err := p.dns.Add(key, v); err != nil {
			p.metrics.RecordDNSRejected()
			p.logger.Debug("dropping dns request", zap.String("name", msg.Name), zap.Error(err))
		}
		return
	}

	// A request that aged out before this response is a timeout, not a match.
	p.sweepDNS(ts)
	matched := p.dns.LookupAndRemoveAll(key.Opposite())
	if len(matched) == 0 {
		p.metrics.RecordDNSUnmatched()
		p.logger.Debug("unmatched dns response", zap.String("name", msg.Name), zap.Uint16("id", msg.ID))
		return
	}

	answers := make([]string, 0, len(msg.Answers))
	for _, a := range msg.Answers {
		answers = append(answers, a.String())
	}
	if p.resolver != nil && len(msg.Answers) > 0 {
		p.resolver.Add(msg.Name, time.Duration(msg.MinTTL)*time.Second, msg.Answers...)
	}

	q := question(key)
	for _, v := range matched {
		p.emit(&facts.DNSResponse{ //nolint:errcheck // recorded in sinkErr
			Timestamp:        ts,
			RequestTimestamp: v.Timestamp,
			Latency:          clampSub(ts, v.Timestamp),
			DNSQuestion:      q,
			Rcode:            msg.RcodeString(),
			Answers:          answers,
			SocketID:         v.SocketID,
		})
	}
}

func question(key dnscorrelator.Key) facts.DNSQuestion {
	return facts.DNSQuestion{
		QueryID: key.QueryID,
		Type:    dnscorrelator.TypeString(key.Type),
		Name:    key.Name,
	}
}

func (p *Processor) tcpInit(source int, ev *bpf.TCPInit) {
	if _, err := p.streams.Open(source, ev.SocketID, ev.Accepted != 0); err != nil {
		p.metrics.RecordTableFull("connections")
		p.logger.Debug("not tracing connection", zap.Uint64("socket_id", ev.SocketID), zap.Error(err))
	}
}

// tcpChunk pulls the announced bytes out of the source's payload ring, even
// for connections that are not traced, so the ring stays aligned.
func (p *Processor) tcpChunk(source int, ts uint64, ev *bpf.TCPChunk) error {
	if source >= len(p.rings) || p.rings[source] == nil {
		return p.desync(source, ev, fmt.Errorf("no payload ring for source %d", source))
	}
	data, err := p.rings[source].ReadInto(p.payload, int(ev.Length))
	if err != nil {
		return p.desync(source, ev, err)
	}
	p.payload = data

	conn, ok := p.streams.Get(ev.SocketID)
	if !ok {
		p.metrics.RecordMissingKey("connections")
		p.logger.Debug("chunk for untraced connection", zap.Uint64("socket_id", ev.SocketID))
		return nil
	}
	if err := p.streams.Write(conn, ev.Direction, data, ev.Offset, ts); err != nil {
		p.logger.Debug("stream write", zap.Uint64("socket_id", ev.SocketID), zap.Error(err))
	}
	return nil
}

func (p *Processor) desync(source int, ev *bpf.TCPChunk, err error) error {
	p.metrics.RecordDesync()
	p.logger.Error("payload channel desynchronized, abandoning batch",
		zap.Int("source", source),
		zap.Uint64("socket_id", ev.SocketID),
		zap.Uint32("length", ev.Length),
		zap.Error(err))
	return fmt.Errorf("%w: source %d: %w", ErrDesync, source, err)
}

// lost realigns the source's payload ring with its announcements: bytes
// written before the marker that no announcement consumed are dropped.
// Connections opened on the source may miss bytes, so they stop being traced.
func (p *Processor) lost(source int, ts uint64, ev *bpf.Lost) {
	p.metrics.RecordLost(ev.Count)

	discarded := 0
	if source < len(p.rings) && p.rings[source] != nil {
		discarded = p.rings[source].DiscardTo(ev.RingMark)
		p.metrics.RecordPayloadDropped(discarded)
	}
	disabled := p.streams.DisableSource(source)

	p.logger.Warn("producer lost records",
		zap.Int("source", source),
		zap.Uint64("count", ev.Count),
		zap.Int("discarded_bytes", discarded),
		zap.Int("disabled_connections", disabled))
	p.emit(&facts.LostSamples{Timestamp: ts, Source: source, Count: ev.Count}) //nolint:errcheck // recorded in sinkErr
}

func clampSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
