// Package supervisor dispatches dequeued batch messages to Isolated Worker
// subprocesses and folds their outcomes back into the Status Record. It owns
// the subprocess lifecycle (spawn, timeout, termination), the stderr failure
// classification, and the retry budget; the consumer loop only acts on the
// disposition it returns.
package supervisor
