// Package input defines the one-byte button bitmask used for every frame of
// play, plus the pure sequence transforms the search engine applies when
// mutating or repairing input history.
package input

import (
	"math"
	"math/rand"
)

// Button bits, one frame of input per byte.
const (
	A      byte = 1 << 0
	B      byte = 1 << 1
	Select byte = 1 << 2
	Start  byte = 1 << 3
	Up     byte = 1 << 4
	Down   byte = 1 << 5
	Left   byte = 1 << 6
	Right  byte = 1 << 7
)

// Dualize swaps each directional and action button for its counterpart
// (left/right, up/down, start/select, a/b) over v[start:start+length], in
// place. Applying it twice restores the original inputs.
func Dualize(v []byte, start, length int) {
	for i := start; i < start+length; i++ {
		in := v[i]
		var out byte
		if in&Right != 0 {
			out |= Left
		}
		if in&Left != 0 {
			out |= Right
		}
		if in&Down != 0 {
			out |= Up
		}
		if in&Up != 0 {
			out |= Down
		}
		if in&Start != 0 {
			out |= Select
		}
		if in&Select != 0 {
			out |= Start
		}
		if in&B != 0 {
			out |= A
		}
		if in&A != 0 {
			out |= B
		}
		v[i] = out
	}
}

// ReverseSpan reverses v[start:start+length] in place.
func ReverseSpan(v []byte, start, length int) {
	for i, j := start, start+length-1; i < j; i, j = i+1, j-1 {
		v[i], v[j] = v[j], v[i]
	}
}

// ChopSpan returns a copy of v with v[start:start+length] removed.
func ChopSpan(v []byte, start, length int) []byte {
	out := make([]byte, 0, len(v)-length)
	out = append(out, v[:start]...)
	out = append(out, v[start+length:]...)
	return out
}

// ShuffleSpan permutes v[start:start+length] in place using rng.
func ShuffleSpan(v []byte, start, length int, rng *rand.Rand) {
	rng.Shuffle(length, func(i, j int) {
		v[start+i], v[start+j] = v[start+j], v[start+i]
	})
}

// AblateSpan masks inputs in v[start:start+length] down to the retained bits
// in mask, each position independently with probability prob.
func AblateSpan(v []byte, start, length int, mask byte, prob float64, rng *rand.Rand) {
	for i := start; i < start+length; i++ {
		if rng.Float64() < prob {
			v[i] &= mask
		}
	}
}

// RandomSpan picks a span of v with length drawn from an exponent-biased
// distribution. Larger exponents favor shorter spans. The returned length is
// at least 1 unless v is empty.
func RandomSpan(n int, exponent float64, rng *rand.Rand) (start, length int) {
	if n == 0 {
		return 0, 0
	}
	d := math.Pow(rng.Float64(), exponent)
	length = int(d*float64(n-1)) + 1
	start = int(rng.Float64() * float64(n-length))
	return start, length
}
