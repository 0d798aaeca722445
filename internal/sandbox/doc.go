// Package sandbox executes shell commands on behalf of the step runner.
//
// A Sandbox turns a Spec into a running process and hands back a Handle
// whose stdout/stderr streams can be consumed while the command runs.
// Two implementations exist: Local runs commands on the host via the
// shell, Docker runs them inside a container.
package sandbox
