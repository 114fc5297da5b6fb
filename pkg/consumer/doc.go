// Package consumer runs the long-lived stream loops: the single-dispatch batch
// loop that feeds the worker supervisor, and the bounded-parallel auto-save
// loop. Each loop owns its consumer-group membership, its claim-stale passes,
// and the halt decision on system errors.
package consumer
