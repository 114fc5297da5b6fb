// Package status implements the per-repository Job Status Record: a field map
// with atomic counter increments, a bounded append-only error log, an
// exactly-once terminal transition, and the per-repository job lock.
// Retention TTL is refreshed on every mutation.
package status
