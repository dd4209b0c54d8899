// Package eventstream moves probe records from the perf buffers into the
// per-CPU queues and drives the processing loop.
//
// One reader goroutine drains the perf reader. Regular records go to the
// queue of the CPU that produced them; payload records are unwrapped into the
// CPU's byte ring instead. Since both travel through the same per-CPU buffer,
// the payload bytes of a chunk are always in the ring before its
// announcement is queued.
//
// Every chunk announcement must find exactly its announced bytes in the
// ring. When payload bytes were dropped, or bytes were written that no
// announcement claimed, the announcement is dropped instead and a loss marker
// carrying the ring position is queued; the consumer discards the orphaned
// bytes when it reaches the marker.
//
// The processing loop runs a batch on every poll tick and whenever a queue
// goes from empty to non-empty.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf/perf"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrzor/net-tracer/internal/bpf"
	"github.com/mrzor/net-tracer/internal/bytering"
	"github.com/mrzor/net-tracer/internal/eventmerge"
	"github.com/mrzor/net-tracer/internal/telemetry"
	"github.com/mrzor/net-tracer/internal/timesync"
)

// DefaultPollInterval is the period of the low-priority poll.
const DefaultPollInterval = 100 * time.Millisecond

// RecordReader is the subset of *perf.Reader used by Stream.
type RecordReader interface {
	Read() (perf.Record, error)
	Close() error
}

// BatchProcessor consumes the queued records.
type BatchProcessor interface {
	// ProcessBatch handles every queued record stamped at or before
	// maxTimestamp.
	ProcessBatch(maxTimestamp uint64) error
	// NeedsRestart reports whether the producer lost records.
	NeedsRestart() bool
}

// Config configures a Stream.
type Config struct {
	PollInterval time.Duration
	// RestartOnLoss makes Run return eventmerge.ErrLostEvents once the
	// producer reported lost records.
	RestartOnLoss bool
	Logger        *zap.Logger
	Metrics       *telemetry.Metrics
	// Clock returns the current monotonic time in nanoseconds.
	Clock func() (uint64, error)
}

// Stream connects a perf reader to a BatchProcessor.
type Stream struct {
	reader    RecordReader
	queues    []*Queue
	rings     []*bytering.Ring
	processor BatchProcessor
	wake      chan struct{}

	// unclaimed counts ring bytes written since the last announcement of
	// each CPU; short is set when a payload record did not fit.
	unclaimed []uint64
	short     []bool

	pollInterval  time.Duration
	restartOnLoss bool
	clock         func() (uint64, error)
	logger        *zap.Logger
	metrics       *telemetry.Metrics
}

// New creates a Stream. queues and rings are indexed by CPU.
func New(reader RecordReader, queues []*Queue, rings []*bytering.Ring, processor BatchProcessor, cfg Config) *Stream {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = timesync.MonotonicNow
	}
	for i, q := range queues {
		if i < len(rings) {
			q.SetRing(rings[i])
		}
	}
	return &Stream{
		reader:        reader,
		queues:        queues,
		rings:         rings,
		processor:     processor,
		wake:          make(chan struct{}, 1),
		unclaimed:     make([]uint64, len(queues)),
		short:         make([]bool, len(queues)),
		pollInterval:  cfg.PollInterval,
		restartOnLoss: cfg.RestartOnLoss,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
}

// Run reads and processes records until ctx is cancelled, the reader is
// closed, or (with RestartOnLoss) the producer lost records. The reader is
// closed when Run returns.
func (s *Stream) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return s.reader.Close()
	})
	g.Go(func() error {
		return s.readLoop(gctx)
	})
	g.Go(func() error {
		return s.processLoop(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readLoop is the only writer of queues and rings.
func (s *Stream) readLoop(ctx context.Context) error {
	for {
		record, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("perf reader closed: %w", err)
			}
			s.logger.Warn("reading from perf buffer", zap.Error(err))
			continue
		}
		s.dispatch(record)
	}
}

func (s *Stream) dispatch(record perf.Record) {
	if record.CPU < 0 || record.CPU >= len(s.queues) || record.CPU >= len(s.rings) {
		s.logger.Warn("record from unexpected cpu", zap.Int("cpu", record.CPU))
		return
	}
	//nolint:gosec // bounded by the number of queues
	cpu := uint32(record.CPU)
	ring := s.rings[record.CPU]

	if record.LostSamples > 0 {
		s.unclaimed[cpu] = 0
		s.short[cpu] = false
		s.push(record.CPU, bpf.EncodeLost(record.LostSamples, cpu, ring.Written()))
		return
	}

	switch bpf.PeekKind(record.RawSample) {
	case bpf.KindPayload:
		payload, err := bpf.Payload(record.RawSample)
		if err != nil {
			s.metrics.RecordMalformed()
			s.logger.Warn("dropping malformed payload record", zap.Int("cpu", record.CPU), zap.Error(err))
			return
		}
		if s.short[cpu] {
			// The rest of an announcement whose bytes are already incomplete.
			s.metrics.RecordPayloadDropped(len(payload))
			return
		}
		if err := ring.Write(payload); err != nil {
			s.metrics.RecordPayloadDropped(len(payload))
			s.logger.Warn("payload ring full", zap.Int("cpu", record.CPU), zap.Error(err))
			s.short[cpu] = true
			s.push(record.CPU, bpf.EncodeLost(1, cpu, ring.Written()))
			return
		}
		s.unclaimed[cpu] += uint64(len(payload))
		return

	case bpf.KindTCPChunk:
		var chunk bpf.TCPChunk
		if err := bpf.Decode(record.RawSample, &chunk); err == nil {
			claimed := s.unclaimed[cpu]
			short := s.short[cpu]
			s.unclaimed[cpu] = 0
			s.short[cpu] = false
			if short {
				// Already reported when the payload did not fit.
				return
			}
			if claimed != uint64(chunk.Length) {
				s.logger.Warn("chunk announcement does not match its payload, dropping it",
					zap.Int("cpu", record.CPU),
					zap.Uint64("socket_id", chunk.SocketID),
					zap.Uint32("announced", chunk.Length),
					zap.Uint64("buffered", claimed))
				s.push(record.CPU, bpf.EncodeLost(1, cpu, ring.Written()))
				return
			}
		}
	}

	s.push(record.CPU, record.RawSample)
}

func (s *Stream) push(cpu int, raw []byte) {
	wasEmpty, accepted := s.queues[cpu].Push(raw)
	if !accepted {
		s.metrics.RecordQueueDropped()
		return
	}
	if wasEmpty {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (s *Stream) processLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.runBatch()
			return ctx.Err()
		case <-ticker.C:
		case <-s.wake:
		}

		s.runBatch()
		if s.restartOnLoss && s.processor.NeedsRestart() {
			return eventmerge.ErrLostEvents
		}
	}
}

func (s *Stream) runBatch() {
	now, err := s.clock()
	if err != nil {
		s.logger.Error("reading monotonic clock", zap.Error(err))
		return
	}
	if err := s.processor.ProcessBatch(now); err != nil {
		s.logger.Warn("batch aborted", zap.Error(err))
	}
}
