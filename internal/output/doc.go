// Package output delivers facts to the configured sink.
//
// Components emit facts into a Buffer, which filters them, holds at most a
// fixed number and hands them to a Writer in one call when full or when the
// batch ends. A failed write drops the buffered facts; delivery is
// at-most-once.
//
// Writers:
//   - LogWriter: one structured log line per fact
//   - OTELWriter: spans for socket lifetimes, DNS and HTTP transactions
//   - NATSWriter: JSON messages on <subject>.<kind>
package output
