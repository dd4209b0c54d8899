// Package telemetry holds the agent's own Prometheus counters.
//
// All recording methods are safe on a nil *Metrics, which disables metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "net_tracer"

// Metrics are the ingestion counters.
type Metrics struct {
	events          *prometheus.CounterVec // by record kind
	facts           *prometheus.CounterVec // by fact kind
	lostEvents      prometheus.Counter
	tableFull       *prometheus.CounterVec // by table
	missingKeys     *prometheus.CounterVec // by table
	malformed       prometheus.Counter
	desyncs         prometheus.Counter
	sinkFailures    prometheus.Counter
	dnsUnmatched    prometheus.Counter
	dnsTimeouts     prometheus.Counter
	dnsRejected     prometheus.Counter
	dnsParseErrors  prometheus.Counter
	payloadDropped  prometheus.Counter
	queueDropped    prometheus.Counter
	controlFailures prometheus.Counter
	batches         prometheus.Counter
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(subsystem, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Records processed, by kind",
		}, []string{"kind"}),
		facts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "facts_total",
			Help:      "Facts emitted, by kind",
		}, []string{"kind"}),
		lostEvents: counter("ingest", "lost_events_total", "Records the producer reported as lost"),
		tableFull: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sockets",
			Name:      "table_full_total",
			Help:      "Socket inserts rejected because the table was full",
		}, []string{"table"}),
		missingKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sockets",
			Name:      "missing_keys_total",
			Help:      "Lookups of sockets that are not registered",
		}, []string{"table"}),
		malformed:       counter("ingest", "malformed_total", "Records shorter than their declared framing"),
		desyncs:         counter("ingest", "payload_desync_total", "Chunk announcements without matching payload bytes"),
		sinkFailures:    counter("output", "sink_failures_total", "Output flushes that failed"),
		dnsUnmatched:    counter("dns", "unmatched_responses_total", "DNS responses without a pending request"),
		dnsTimeouts:     counter("dns", "timeouts_total", "DNS requests that timed out"),
		dnsRejected:     counter("dns", "rejected_requests_total", "DNS requests dropped because too many were pending"),
		dnsParseErrors:  counter("dns", "parse_errors_total", "DNS payloads that failed to decode"),
		payloadDropped:  counter("ingest", "payload_dropped_bytes_total", "Payload bytes dropped because the ring was full or no chunk claimed them"),
		queueDropped:    counter("ingest", "queue_dropped_total", "Records dropped because a source queue was full"),
		controlFailures: counter("stream", "control_failures_total", "Stream control updates the producer rejected"),
		batches:         counter("ingest", "batches_total", "Processed merge batches"),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.events, m.facts, m.lostEvents, m.tableFull, m.missingKeys, m.malformed,
		m.desyncs, m.sinkFailures, m.dnsUnmatched, m.dnsTimeouts, m.dnsRejected,
		m.dnsParseErrors, m.payloadDropped, m.queueDropped, m.controlFailures, m.batches,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordEvent counts one processed record of the given kind.
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// RecordFact counts one emitted fact of the given kind.
func (m *Metrics) RecordFact(kind string) {
	if m == nil {
		return
	}
	m.facts.WithLabelValues(kind).Inc()
}

// RecordLost adds n records lost by the producer.
func (m *Metrics) RecordLost(n uint64) {
	if m == nil {
		return
	}
	m.lostEvents.Add(float64(n))
}

// RecordTableFull counts a rejected insert into table.
func (m *Metrics) RecordTableFull(table string) {
	if m == nil {
		return
	}
	m.tableFull.WithLabelValues(table).Inc()
}

// RecordMissingKey counts a lookup of an unknown socket in table.
func (m *Metrics) RecordMissingKey(table string) {
	if m == nil {
		return
	}
	m.missingKeys.WithLabelValues(table).Inc()
}

// RecordMalformed counts a record that failed framing checks.
func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// RecordDesync counts a payload channel desynchronization.
func (m *Metrics) RecordDesync() {
	if m == nil {
		return
	}
	m.desyncs.Inc()
}

// RecordSinkFailure counts a failed output flush.
func (m *Metrics) RecordSinkFailure() {
	if m == nil {
		return
	}
	m.sinkFailures.Inc()
}

// RecordDNSUnmatched counts a dropped DNS response.
func (m *Metrics) RecordDNSUnmatched() {
	if m == nil {
		return
	}
	m.dnsUnmatched.Inc()
}

// RecordDNSTimeouts adds n timed out DNS requests.
func (m *Metrics) RecordDNSTimeouts(n int) {
	if m == nil || n == 0 {
		return
	}
	m.dnsTimeouts.Add(float64(n))
}

// RecordDNSRejected counts a DNS request that could not be tracked.
func (m *Metrics) RecordDNSRejected() {
	if m == nil {
		return
	}
	m.dnsRejected.Inc()
}

// RecordDNSParseError counts an undecodable DNS payload.
func (m *Metrics) RecordDNSParseError() {
	if m == nil {
		return
	}
	m.dnsParseErrors.Inc()
}

// RecordPayloadDropped adds n payload bytes dropped before reaching a stream.
func (m *Metrics) RecordPayloadDropped(n int) {
	if m == nil {
		return
	}
	m.payloadDropped.Add(float64(n))
}

// RecordQueueDropped counts a record lost to a full source queue.
func (m *Metrics) RecordQueueDropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}

// RecordControlFailures adds n failed stream control updates.
func (m *Metrics) RecordControlFailures(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.controlFailures.Add(float64(n))
}

// RecordBatch counts a processed batch.
func (m *Metrics) RecordBatch() {
	if m == nil {
		return
	}
	m.batches.Inc()
}
