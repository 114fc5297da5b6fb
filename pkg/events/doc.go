// Package events provides an in-memory pub/sub broker for pipeline lifecycle
// events: job start and completion, dropped batches, and consumer halts.
// Publishing is non-blocking; slow subscribers miss events rather than stall
// the pipeline.
package events
