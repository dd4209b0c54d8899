// Package protocols implements the application protocol state machines fed by
// the stream reassembler.
//
// A connection always has exactly one Handler. It starts as Unknown, which
// runs protocol detectors over the first client bytes and asks for an upgrade
// once one of them recognizes the traffic. Handlers never replace themselves:
// they record requests (upgrade, window moves, disabling a direction) on the
// Context, and the reassembler applies them after the call returns.
//
// Handler is sealed; the set of variants is fixed by this package.
package protocols
