// Package motif implements the weighted dictionary of fixed-length input
// chunks the search engine samples candidates and futures from. Weights are
// reinforced continuously during search; content is fixed after load.
package motif

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ChunkSize is the fixed motif length in inputs.
const ChunkSize = 10

// HistoryPoint records a motif's weight at a movie frame, for diagnostics.
type HistoryPoint struct {
	Frame  int
	Weight float64
}

// Info carries a motif's mutable weight and diagnostics.
type Info struct {
	Weight  float64
	Picked  int
	History []HistoryPoint
}

// Library maps motif content to Info. Iteration and sampling order is the
// lexicographic order of content, so runs with a fixed seed are reproducible.
type Library struct {
	motifs map[string]*Info
	keys   []string // sorted content keys
	rng    *rand.Rand
}

// New returns an empty Library using rng for sampling.
func New(rng *rand.Rand) *Library {
	return &Library{motifs: make(map[string]*Info), rng: rng}
}

// AddInputs partitions inputs[skip:] into non-overlapping ChunkSize chunks
// and inserts each distinct chunk once at weight 1. Repeats are ignored, not
// reinforced. A tail shorter than ChunkSize is dropped.
func (l *Library) AddInputs(inputs []byte, skip int) {
	if skip > len(inputs) {
		return
	}
	rest := inputs[skip:]
	for i := 0; i+ChunkSize <= len(rest); i += ChunkSize {
		key := string(rest[i : i+ChunkSize])
		if _, ok := l.motifs[key]; ok {
			continue
		}
		l.insert(key, &Info{Weight: 1.0})
	}
}

// Len returns the number of stored motifs.
func (l *Library) Len() int { return len(l.motifs) }

// Random returns a uniformly sampled motif, or ok=false when empty.
func (l *Library) Random() ([]byte, bool) {
	if len(l.keys) == 0 {
		return nil, false
	}
	return []byte(l.keys[l.rng.Intn(len(l.keys))]), true
}

// RandomWeighted returns a weight-proportionally sampled motif, or ok=false
// when empty. Linear time: a cumulative scan against one uniform draw.
func (l *Library) RandomWeighted() ([]byte, bool) {
	return l.randomWeightedWith(l.rng, nil)
}

// RandomWeightedWith samples like RandomWeighted but draws from the caller's
// generator, so stateless request handlers can stay reproducible per seed.
func (l *Library) RandomWeightedWith(rng *rand.Rand) ([]byte, bool) {
	return l.randomWeightedWith(rng, nil)
}

// RandomWeightedNotIn samples as RandomWeighted but only among motifs whose
// content is not in exclude (keyed by raw content string). Returns ok=false
// when no eligible motif remains.
func (l *Library) RandomWeightedNotIn(exclude map[string]bool) ([]byte, bool) {
	return l.randomWeightedWith(l.rng, exclude)
}

func (l *Library) randomWeightedWith(rng *rand.Rand, exclude map[string]bool) ([]byte, bool) {
	total := 0.0
	eligible := 0
	for _, key := range l.keys {
		if exclude[key] {
			continue
		}
		total += l.motifs[key].Weight
		eligible++
	}
	if eligible == 0 {
		return nil, false
	}

	sample := rng.Float64() * total
	var last string
	for _, key := range l.keys {
		if exclude[key] {
			continue
		}
		if sample <= l.motifs[key].Weight {
			return []byte(key), true
		}
		sample -= l.motifs[key].Weight
		last = key
	}
	// Floating point slop; fall back to the final eligible motif.
	return []byte(last), true
}

// IsMotif reports whether the content is in the library.
func (l *Library) IsMotif(m []byte) bool {
	_, ok := l.motifs[string(m)]
	return ok
}

// Pick increments the diagnostic pick counter for the motif.
func (l *Library) Pick(m []byte) {
	if info, ok := l.motifs[string(m)]; ok {
		info.Picked++
	}
}

// Weight returns the motif's current weight, or ok=false if not present.
func (l *Library) Weight(m []byte) (float64, bool) {
	info, ok := l.motifs[string(m)]
	if !ok {
		return 0, false
	}
	return info.Weight, true
}

// SetWeight updates the motif's weight, keyed by content. Returns false if
// the motif is not present.
func (l *Library) SetWeight(m []byte, w float64) bool {
	info, ok := l.motifs[string(m)]
	if !ok {
		return false
	}
	info.Weight = w
	return true
}

// TotalWeight returns the sum of all motif weights, so one weight can be
// read as a fraction of the total when clamping.
func (l *Library) TotalWeight() float64 {
	total := 0.0
	for _, info := range l.motifs {
		total += info.Weight
	}
	return total
}

// All returns copies of every motif's content, in sampling order.
func (l *Library) All() [][]byte {
	out := make([][]byte, len(l.keys))
	for i, key := range l.keys {
		out[i] = []byte(key)
	}
	return out
}

// Checkpoint appends (frame, weight) to every motif's history. Frames must
// be monotonically increasing across calls.
func (l *Library) Checkpoint(frame int) {
	for _, info := range l.motifs {
		info.History = append(info.History, HistoryPoint{Frame: frame, Weight: info.Weight})
	}
}

// Each calls fn for every motif in sampling order with a copy of its Info
// (history shared; callers must not mutate it).
func (l *Library) Each(fn func(content []byte, info Info)) {
	for _, key := range l.keys {
		fn([]byte(key), *l.motifs[key])
	}
}

// Save writes the library as text, one motif per line:
// "<weight> <picked> <hex content>". Histories are not saved.
func (l *Library) Save(path string) error {
	var buf bytes.Buffer
	for _, key := range l.keys {
		info := l.motifs[key]
		fmt.Fprintf(&buf, "%f %d %s\n", info.Weight, info.Picked, hex.EncodeToString([]byte(key)))
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("motifs: save: %w", err)
	}
	return nil
}

// Load reads a library saved by Save.
func Load(path string, rng *rand.Rand) (*Library, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("motifs: %w", err)
	}
	defer f.Close()

	l := New(rng)
	sc := bufio.NewScanner(f)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("motifs: %s:%d: want weight, picked, content", path, lineno)
		}
		w, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("motifs: %s:%d: bad weight: %w", path, lineno, err)
		}
		picked, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("motifs: %s:%d: bad pick count: %w", path, lineno, err)
		}
		content, err := hex.DecodeString(fields[2])
		if err != nil {
			return nil, fmt.Errorf("motifs: %s:%d: bad content: %w", path, lineno, err)
		}
		if len(content) != ChunkSize {
			return nil, fmt.Errorf("motifs: %s:%d: content length %d, want %d", path, lineno, len(content), ChunkSize)
		}
		l.insert(string(content), &Info{Weight: w, Picked: picked})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("motifs: read %s: %w", path, err)
	}
	return l, nil
}

// insert adds a motif keeping keys sorted.
func (l *Library) insert(key string, info *Info) {
	if _, ok := l.motifs[key]; ok {
		return
	}
	l.motifs[key] = info
	idx := sort.SearchStrings(l.keys, key)
	l.keys = append(l.keys, "")
	copy(l.keys[idx+1:], l.keys[idx:])
	l.keys[idx] = key
}
