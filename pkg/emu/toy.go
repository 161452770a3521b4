package emu

import (
	"fmt"

	"github.com/ddugovic/tasbot/pkg/input"
)

// Well-known Toy memory offsets, used by tests and demo objective files.
const (
	ToyPosLo    = 0x00 // low byte of horizontal position
	ToyPosHi    = 0x01 // high byte of horizontal position
	ToyScore    = 0x02 // increments on each fresh A press
	ToyDamage   = 0x03 // increments while Down is held
	ToyFrameCtr = 0x10 // frame counter, wraps
	ToyLastIn   = 0x11 // previous frame's input
)

// Toy is a tiny deterministic machine with NES-sized memory. Holding Right
// advances a 16-bit position, Left retreats it, fresh A presses bump a score
// counter, and holding Down accumulates damage. It exists so the search loop
// and its tests have an oracle with learnable structure.
type Toy struct {
	ram [MemorySize]byte
}

// NewToy returns a Toy machine in its power-on state.
func NewToy() *Toy {
	return &Toy{}
}

// Step advances one frame.
func (t *Toy) Step(inp byte) error {
	pos := uint16(t.ram[ToyPosLo]) | uint16(t.ram[ToyPosHi])<<8
	if inp&input.Right != 0 && pos < 0xFFFF {
		pos++
	}
	if inp&input.Left != 0 && pos > 0 {
		pos--
	}
	t.ram[ToyPosLo] = byte(pos)
	t.ram[ToyPosHi] = byte(pos >> 8)

	if inp&input.A != 0 && t.ram[ToyLastIn]&input.A == 0 {
		t.ram[ToyScore]++
	}
	if inp&input.Down != 0 {
		t.ram[ToyDamage]++
	}
	t.ram[ToyFrameCtr]++
	t.ram[ToyLastIn] = inp
	return nil
}

// Save snapshots the full machine state.
func (t *Toy) Save() ([]byte, error) {
	out := make([]byte, MemorySize)
	copy(out, t.ram[:])
	return out, nil
}

// Load restores a snapshot produced by Save.
func (t *Toy) Load(state []byte) error {
	if len(state) != MemorySize {
		return fmt.Errorf("toy: bad state size %d, want %d", len(state), MemorySize)
	}
	copy(t.ram[:], state)
	return nil
}

// Memory returns the current memory snapshot.
func (t *Toy) Memory() ([]byte, error) {
	out := make([]byte, MemorySize)
	copy(out, t.ram[:])
	return out, nil
}
