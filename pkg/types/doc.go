// Package types defines the core data model shared across Quarry components:
// stream message payloads, job status records, worker results, and chunk rows.
package types
