// Package scheduler drives a run to completion. An event loop admits job
// instances as their dependencies turn terminal, subject to the worker
// limit, per-job max-parallel, and concurrency groups; each admitted
// instance executes its steps sequentially in its own goroutine and
// reports back over a channel.
package scheduler
