// Package liveness answers whether the process behind a registration is
// still running. Records are trusted only while their pid is alive; a
// crashed agent leaves a record behind and this probe is what lets peers
// treat it as garbage.
package liveness

// Probe reports whether a pid belongs to a running process. Consumers take
// a Probe so tests can substitute fixed answers; production code passes
// Alive.
type Probe func(pid int) bool

// Alive reports whether pid refers to a running process. A pid that exists
// but belongs to another user counts as alive: permission denied proves the
// process is there.
func Alive(pid int) bool {
	return alive(pid)
}
