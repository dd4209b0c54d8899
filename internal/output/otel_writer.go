package output

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/net-tracer/internal/attributes"
	"github.com/mrzor/net-tracer/internal/facts"
	"github.com/mrzor/net-tracer/internal/procmeta"
	"github.com/mrzor/net-tracer/internal/timesync"
)

// OTELWriter turns completed transactions into spans. A socket becomes a span
// when it closes; DNS and HTTP transactions when their response (or DNS
// timeout) is seen. Statistics and loss notifications produce no spans.
type OTELWriter struct {
	tracer    trace.Tracer
	clock     *timesync.Converter
	evaluator *attributes.Evaluator
	processes *procmeta.Manager
}

// NewOTELWriter creates an OTELWriter. evaluator may be nil.
func NewOTELWriter(tracer trace.Tracer, clock *timesync.Converter, evaluator *attributes.Evaluator) *OTELWriter {
	return &OTELWriter{tracer: tracer, clock: clock, evaluator: evaluator}
}

// WithProcesses names the owning process on connection spans.
func (w *OTELWriter) WithProcesses(m *procmeta.Manager) *OTELWriter {
	w.processes = m
	return w
}

func (w *OTELWriter) Write(batch []facts.Fact) error {
	for _, f := range batch {
		switch f := f.(type) {
		case *facts.SocketClose:
			w.socketSpan(f)
		case *facts.DNSResponse:
			w.dnsResponse(f)
		case *facts.DNSTimeout:
			w.dnsTimeout(f)
		case *facts.HTTPResponse:
			w.httpSpan(f)
		}
	}
	return nil
}

func (w *OTELWriter) start(name string, kind trace.SpanKind, ts uint64) trace.Span {
	_, span := w.tracer.Start(context.Background(), name,
		trace.WithSpanKind(kind),
		trace.WithTimestamp(w.clock.MonotonicToWallClock(ts)),
	)
	return span
}

func (w *OTELWriter) end(span trace.Span, f facts.Fact, ts uint64) {
	if custom := w.evaluator.Evaluate(f); len(custom) > 0 {
		span.SetAttributes(custom...)
	}
	span.End(trace.WithTimestamp(w.clock.MonotonicToWallClock(ts)))
}

func (w *OTELWriter) socketSpan(f *facts.SocketClose) {
	span := w.start(f.Protocol+".connection", trace.SpanKindInternal, f.OpenedAt)

	//nolint:gosec // durations fit in int64
	attrs := []attribute.KeyValue{
		attribute.Int("process.pid", int(f.PID)),
		attribute.String("network.transport", f.Protocol),
		attribute.Int64("net.connection.duration_ns", int64(f.Duration)),
		attribute.Int64("net.socket.id", int64(f.ID)),
	}
	if f.LocalAddr != "" {
		attrs = append(attrs,
			attribute.String("network.local.address", f.LocalAddr),
			attribute.Int("network.local.port", int(f.LocalPort)),
			attribute.String("network.peer.address", f.RemoteAddr),
			attribute.Int("network.peer.port", int(f.RemotePort)),
		)
	}
	if md := w.processes.Get(f.PID); md != nil {
		attrs = append(attrs, attribute.String("process.executable.name", md.Name))
		if md.Executable != "" {
			attrs = append(attrs, attribute.String("process.executable.path", md.Executable))
		}
		if md.CmdlineFull != "" {
			attrs = append(attrs, attribute.String("process.command_line", md.CmdlineFull))
		}
	}
	if len(f.RemoteNames) > 0 {
		attrs = append(attrs, attribute.String("network.peer.reverse_dns", strings.Join(f.RemoteNames, ",")))
	}
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Ok, "Connection closed")
	w.end(span, f, f.Timestamp)
}

func (w *OTELWriter) dnsSpan(q facts.DNSQuestion, start, socketID uint64) trace.Span {
	span := w.start("dns.query", trace.SpanKindClient, start)
	//nolint:gosec // socket ids are opaque
	span.SetAttributes(
		attribute.String("dns.question.name", q.Name),
		attribute.String("dns.question.type", q.Type),
		attribute.Int("dns.id", int(q.QueryID)),
		attribute.Int64("net.socket.id", int64(socketID)),
	)
	return span
}

func (w *OTELWriter) dnsResponse(f *facts.DNSResponse) {
	span := w.dnsSpan(f.DNSQuestion, f.RequestTimestamp, f.SocketID)
	span.SetAttributes(attribute.String("dns.response_code", f.Rcode))
	if len(f.Answers) > 0 {
		span.SetAttributes(attribute.StringSlice("dns.answers", f.Answers))
	}
	if f.Rcode != "NOERROR" {
		span.SetStatus(codes.Error, f.Rcode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	w.end(span, f, f.Timestamp)
}

func (w *OTELWriter) dnsTimeout(f *facts.DNSTimeout) {
	span := w.dnsSpan(f.DNSQuestion, f.RequestTimestamp, f.SocketID)
	span.SetStatus(codes.Error, "no response")
	w.end(span, f, f.Timestamp)
}

func (w *OTELWriter) httpSpan(f *facts.HTTPResponse) {
	kind := trace.SpanKindClient
	if f.Role == facts.RoleServer {
		kind = trace.SpanKindServer
	}
	start := f.RequestTimestamp
	if start == 0 {
		start = f.Timestamp
	}

	span := w.start("http.request", kind, start)
	//nolint:gosec // latencies fit in int64
	span.SetAttributes(
		attribute.Int("http.response.status_code", f.StatusCode),
		attribute.String("network.protocol.name", "http"),
		attribute.String("network.protocol.version", f.Version),
		attribute.Int64("http.latency_ns", int64(f.Latency)),
		attribute.Int64("net.socket.id", int64(f.SocketID)),
	)

	// Servers fail on 5xx only, clients on 4xx too.
	if f.StatusCode >= 500 || (kind == trace.SpanKindClient && f.StatusCode >= 400) {
		span.SetStatus(codes.Error, "")
	}
	w.end(span, f, f.Timestamp)
}
