package faults

import (
	"strings"
	"time"
)

// Class identifies a failure category. File-level failures never surface here;
// they stay inside the worker as counters.
type Class string

const (
	// Batch-level: the message is left pending and retried
	ClassSubprocessTimeout Class = "SubprocessTimeout"
	ClassSubprocessCrash   Class = "SubprocessCrash"
	ClassDbConnection      Class = "DbConnectionError"

	// Message-level: the message is acknowledged and dropped with a log entry
	ClassInvalidMessage Class = "InvalidMessage"

	// System-level: the consumer loop halts; messages stay pending for a new replica
	ClassSubstrateUnavailable Class = "SubstrateUnavailable"
	ClassOutOfMemory          Class = "OutOfMemory"
	ClassCritical             Class = "CriticalError"
)

// Severity decides what the consumer does with the message
type Severity int

const (
	// SeverityRetry leaves the message pending; claim-stale redelivers it
	SeverityRetry Severity = iota
	// SeverityDrop acknowledges the message and records the failure
	SeverityDrop
	// SeverityStop halts the consumer loop for operator intervention
	SeverityStop
)

// Severity maps a class onto the consumer's reaction
func (c Class) Severity() Severity {
	switch c {
	case ClassSubprocessTimeout, ClassSubprocessCrash, ClassDbConnection:
		return SeverityRetry
	case ClassInvalidMessage:
		return SeverityDrop
	default:
		return SeverityStop
	}
}

// Retryable reports whether the class is retryable at message granularity
func (c Class) Retryable() bool {
	return c.Severity() == SeverityRetry
}

// ClassifyStderr classifies a subprocess failure by substring match on its
// captured stderr. Matching is ordered: the more specific categories win.
func ClassifyStderr(stderr string) Class {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "timeout"):
		return ClassSubprocessTimeout
	case strings.Contains(s, "connection"), strings.Contains(s, "database"):
		return ClassDbConnection
	case strings.Contains(s, "memory"), strings.Contains(s, "oom"):
		return ClassOutOfMemory
	case strings.Contains(s, "subprocess"), strings.Contains(s, "process"):
		return ClassSubprocessCrash
	default:
		return ClassCritical
	}
}

const (
	backoffBase = 5 * time.Second
	backoffCap  = 60 * time.Second
)

// Backoff returns the delay before re-dispatching a reclaimed message on its
// n-th attempt (1-based): min(5 * 2^(attempt-1), 60) seconds.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// Error wraps an underlying error with its classification so callers can
// branch on severity while preserving the cause chain.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with class
func New(class Class, err error) *Error {
	return &Error{Class: class, Err: err}
}
