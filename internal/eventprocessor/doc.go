// Package eventprocessor turns the merged probe records into facts.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│   per-CPU queues + payload rings        │
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventmerge.Merger                     │  ← timestamp order
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   Processor                             │  ← routing by kind
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ socket lifecycle ─→ sockets.Registry (tcp, udp)
//	          │                        - index per live socket
//	          │                        - addresses, reverse DNS names
//	          │
//	          ├──→ tcp/udp stats ────→ epochstats.Aggregator
//	          │                        - per-epoch deltas
//	          │
//	          ├──→ DNS messages ─────→ dnscorrelator.Correlator
//	          │                        - request/response pairing
//	          │                        - timeouts at batch end
//	          │
//	          └──→ TCP init/chunks ──→ streamreassembler.Reassembler
//	                                   - bytes pulled from the payload ring
//	                                   - protocol detection and parsing
//
// Every component emits into the same Sink, flushed once per batch.
package eventprocessor
