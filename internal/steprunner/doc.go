// Package steprunner executes a single workflow step: it evaluates the
// step's condition, assembles the process environment, interpolates
// expressions, dispatches the command to a sandbox, and harvests workflow
// commands (outputs, masks) from the live output stream.
package steprunner
