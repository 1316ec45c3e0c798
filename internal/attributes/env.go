package attributes

import "github.com/mrzor/probestat/internal/emitter"

// RecordEnv builds the expression environment for r.
func RecordEnv(r emitter.Record, site string) map[string]interface{} {
	return map[string]interface{}{
		"site":       site,
		"site_id":    r.Site,
		"cpu":        r.CPU,
		"key":        r.Key,
		"latency_ns": r.Latency,
		"latency_us": float64(r.Latency) / 1e3,
		"latency_ms": float64(r.Latency) / 1e6,
		"value":      r.Value,
		"timestamp":  r.Timestamp,
	}
}

// typeEnv is used to type-check expressions at compile time.
var typeEnv = RecordEnv(emitter.Record{}, "")
