// Package emu defines the deterministic emulator oracle the search engine
// drives: a save/load/step/read-memory state machine. The real emulator runs
// as an external process (see Remote); Toy is a small built-in machine for
// tests and demo runs.
package emu

// MemorySize is the number of bytes in a memory snapshot.
const MemorySize = 0x800

// Emulator is a deterministic state-transition oracle. Implementations are
// not safe for concurrent use; each evaluator owns its own instance.
type Emulator interface {
	// Step advances the machine by one frame with the given input.
	Step(input byte) error
	// Save returns an opaque snapshot of the full machine state.
	Save() ([]byte, error)
	// Load restores a snapshot produced by Save.
	Load(state []byte) error
	// Memory returns the current MemorySize-byte memory snapshot.
	// The returned slice must not be retained across Step/Load calls.
	Memory() ([]byte, error)
}
