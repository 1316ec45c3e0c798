// Package attributes evaluates user expressions against drained event
// records using the expr language.
//
// Every expression sees the same environment:
//
//	site        site name
//	site_id     site id
//	cpu         execution context that produced the record
//	key         correlation key
//	latency_ns  latency in nanoseconds, 0 when the record has no start
//	latency_us  latency_ns / 1e3
//	latency_ms  latency_ns / 1e6
//	value       site payload, e.g. a byte count
//	timestamp   monotonic completion time in nanoseconds
//
// Two evaluators:
//   - Filter: a boolean expression deciding whether a record reaches sinks
//   - Evaluator: custom span attribute expressions; map results expand to
//     one attribute per key
package attributes
