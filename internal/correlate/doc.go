// Package correlate matches the start of an in-flight operation to its end.
//
// Store is a fixed-capacity, open-addressed table written concurrently by
// producer contexts without locks. Each key hashes to a probe window of
// consecutive slots; a slot is bound to a key by a compare-and-swap on its
// key word and holds the start timestamp of the pending operation.
//
// Outcomes of racing operations on the same key:
//
//	OnStart / OnStart  last start wins (a transient duplicate claim collapses
//	                   onto the lower slot, keeping the later timestamp)
//	OnEnd / OnEnd      the first successful delete wins, the other misses
//	OnStart / OnEnd    the end observes either the old or the new start
//
// When the probe window of a key holds no free slot the new start is
// rejected and counted; the table never grows. Entries whose end never
// arrives stay until their key is reused.
package correlate
