// Package pipeline owns the shared aggregation state of a probe session and
// its attach/detach lifecycle.
//
// Start allocates the correlation stores, histogram, counter table, rate
// counters and emitter, then attaches one producer handler per site. Every
// handler is wrapped in a guard that registers the producer as in flight
// and checks the pipeline generation before touching any structure.
//
// Stop detaches every site, bumps the generation so late invocations return
// immediately, and waits until no producer is in flight. Only then is the
// state released; Collect afterwards fails with ErrStopped.
//
// Handlers by role:
//
//	start      correlate.OnStart(key, ts)
//	end        correlate.OnEnd(key, ts) → histogram.Record, emitter.Emit
//	interval   OnEnd then OnStart on a separate store → histogram, emit if < max interval
//	count      rate counter of the site += 1
//	traffic_*  counters.Increment(cpu, entity=key, dir, 1, len)
package pipeline
