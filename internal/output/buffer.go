package output

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mrzor/net-tracer/internal/attributes"
	"github.com/mrzor/net-tracer/internal/facts"
	"github.com/mrzor/net-tracer/internal/telemetry"
)

// DefaultBufferCapacity is the number of facts held before a forced flush.
const DefaultBufferCapacity = 1024

// ErrSinkFailure is returned when the writer rejected a flush. The facts of
// that flush are gone.
var ErrSinkFailure = errors.New("output sink failure")

// Writer delivers a batch of facts. Implementations must not retain the
// slice after Write returns.
type Writer interface {
	Write(batch []facts.Fact) error
}

// BufferConfig configures a Buffer.
type BufferConfig struct {
	Capacity int
	// Filter drops facts it does not match. Nil keeps everything.
	Filter  *attributes.Filter
	Metrics *telemetry.Metrics
	Logger  *zap.Logger
}

// Buffer is the bounded fact buffer in front of a Writer. It implements
// facts.Emitter and is not safe for concurrent use.
type Buffer struct {
	writer  Writer
	pending []facts.Fact
	filter  *attributes.Filter
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// NewBuffer creates a Buffer writing to w.
func NewBuffer(w Writer, cfg BufferConfig) *Buffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultBufferCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Buffer{
		writer:  w,
		pending: make([]facts.Fact, 0, cfg.Capacity),
		filter:  cfg.Filter,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// Emit queues f, flushing first if the buffer is full.
func (b *Buffer) Emit(f facts.Fact) error {
	keep, err := b.filter.Match(f)
	if err != nil {
		b.logger.Debug("filter rejected fact", zap.Error(err))
	}
	if !keep {
		return nil
	}

	var flushErr error
	if len(b.pending) == cap(b.pending) {
		flushErr = b.Flush()
	}
	b.pending = append(b.pending, f)
	b.metrics.RecordFact(string(f.Kind()))
	return flushErr
}

// Len returns the number of buffered facts.
func (b *Buffer) Len() int {
	return len(b.pending)
}

// Flush writes the buffered facts and empties the buffer, whether or not the
// write succeeded.
func (b *Buffer) Flush() error {
	if len(b.pending) == 0 {
		return nil
	}
	n := len(b.pending)
	err := b.writer.Write(b.pending)

	clear(b.pending)
	b.pending = b.pending[:0]

	if err != nil {
		b.metrics.RecordSinkFailure()
		return fmt.Errorf("%w: dropped %d facts: %w", ErrSinkFailure, n, err)
	}
	return nil
}
