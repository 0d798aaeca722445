// Package runctx is the mutable state store for one workflow run: the
// status, outputs, timing and captured logs of every job instance and
// step. Writes go through guarded transitions so a status can only move
// forward, and every stored log line or error detail is redacted against
// the run's registered secrets first.
package runctx
