// Package metrics exposes the pipeline's Prometheus metrics and the
// aggregator that samples stream depths, job states, and store throughput on
// an interval. Counters are incremented at the point of work; gauges are
// owned by the aggregator.
package metrics
