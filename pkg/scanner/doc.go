// Package scanner walks a source tree into the ordered, classified file list
// the Batch Producer shards into batches. The walk is deterministic: identical
// trees always produce identical orderings, so a rerun regenerates the same
// batches.
package scanner
