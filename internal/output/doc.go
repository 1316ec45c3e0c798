// Package output renders and ships what the pipeline produces.
//
// Exporters take a report.Report once per poller tick:
//
//	TextExporter   log2 histogram rows, traffic counters and rates as text
//	LogExporter    one structured log line per report
//	PromCollector  prometheus metrics served from the latest report
//	Multi          fan-out to several exporters
//
// Sinks take individual records from the drainer:
//
//	SpanSink       one OpenTelemetry span per correlated record
//	QuantileSink   p50/p95/p99 over the records drained between reports
package output
