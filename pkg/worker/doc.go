// Package worker is the isolated per-batch worker: read each file, chunk it,
// embed the chunks, and upsert them into the store. One file's failure never
// aborts the batch; the worker counts it and continues. The process result is
// reported as a single JSON object on the last line of standard output.
package worker
