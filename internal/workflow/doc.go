// Package workflow defines the in-memory model of a CI workflow (jobs,
// steps, dependencies) and the parsers that produce it from YAML or HCL
// documents. The model is immutable after parse; all runtime state lives
// in the runctx package.
package workflow
