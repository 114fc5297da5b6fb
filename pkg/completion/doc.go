// Package completion closes out indexing jobs. The trigger runs after every
// Status Record update and performs the exactly-once terminal transition; the
// watchdog sweeps for stalled jobs and force-fails them without firing the
// downstream hook.
package completion
