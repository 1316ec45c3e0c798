// Package eventprocessor routes probe events to the handlers attached to
// their sites.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│  ring buffer (eventstream.Stream)       │
//	│  or in-process producers (simulate)     │
//	└─────────────────┬───────────────────────┘
//	                  │ probe.Event
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor.Processor              │  ← Event routing
//	│   - Routes by site id                   │
//	│   - Counts unrouted events              │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ start/end sites ──→ correlate.Store
//	          │                        - Matches start to end
//	          │                        - Latency → histogram, emitter
//	          │
//	          ├──→ interval sites ───→ correlate.Store + histogram
//	          │
//	          ├──→ count sites ──────→ counters.Counter
//	          │
//	          └──→ traffic sites ────→ counters.Table
//
// The routing table is copy-on-write: Attach and Detach build a new table
// under a mutex and publish it atomically, so Dispatch never takes a lock.
package eventprocessor
