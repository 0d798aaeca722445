// Package cli turns command-line arguments into an app.Config, keeping
// flag parsing and validation out of the application core.
package cli
