// Package app wires the executor together: it owns the logger, selects
// the sandbox and stores from configuration, and drives the
// load → lint → plan → schedule → report pipeline.
package app
