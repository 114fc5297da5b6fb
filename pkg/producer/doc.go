// Package producer turns a directory into a batch-indexing job: scan, shard,
// initialize the Status Record, and append one message per batch to the
// repository's batch stream. One non-terminal job per repository label is
// enforced through the job lock.
package producer
