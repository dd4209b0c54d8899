package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mrzor/net-tracer/internal/facts"
)

// DefaultNATSSubject is the subject prefix facts are published under.
const DefaultNATSSubject = "nettracer.facts"

// Publisher is the subset of *nats.Conn used by NATSWriter.
type Publisher interface {
	Publish(subject string, data []byte) error
	Flush() error
}

// NATSWriter publishes each fact as JSON on <prefix>.<kind>.
type NATSWriter struct {
	pub    Publisher
	prefix string
}

// NewNATSWriter creates a NATSWriter.
func NewNATSWriter(pub Publisher, prefix string) *NATSWriter {
	if prefix == "" {
		prefix = DefaultNATSSubject
	}
	return &NATSWriter{pub: pub, prefix: prefix}
}

// Subject returns the subject facts of kind k are published on.
func (w *NATSWriter) Subject(k facts.Kind) string {
	return w.prefix + "." + string(k)
}

// Write publishes the batch and flushes the connection. Facts that fail to
// encode or publish are reported together.
func (w *NATSWriter) Write(batch []facts.Fact) error {
	var errs []error
	for _, f := range batch {
		data, err := json.Marshal(f)
		if err != nil {
			errs = append(errs, fmt.Errorf("encoding %s: %w", f.Kind(), err))
			continue
		}
		if err := w.pub.Publish(w.Subject(f.Kind()), data); err != nil {
			errs = append(errs, fmt.Errorf("publishing %s: %w", f.Kind(), err))
		}
	}
	if err := w.pub.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flushing: %w", err))
	}
	return errors.Join(errs...)
}

// ConnectNATS dials url with reconnects enabled and connection events logged.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("net-tracer"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}
