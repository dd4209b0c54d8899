// Package attributes evaluates user expressions against facts.
//
// Expressions use the expr language and see the flattened fields of a fact
// (kind, timestamp, socket_id, name, status_code, ...) as variables.
//
// Two evaluators:
//   - Evaluator: computes custom attributes attached to exported spans
//   - Filter: decides whether a fact is emitted at all
//
// Variables a fact does not carry evaluate to nil, so one expression can be
// applied to every fact kind.
package attributes
