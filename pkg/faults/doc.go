// Package faults classifies processing failures and computes retry backoff.
// The taxonomy distinguishes batch-level failures (retry the message),
// invalid messages (acknowledge and drop), and system-level failures
// (halt the consumer for operator intervention).
package faults
