// Package api serves the HTTP surface: job start and status, auto-save
// enqueue, the auto-save health view, and the liveness, readiness, and metrics
// endpoints. Handlers append or read; they never block on downstream
// processing.
package api
