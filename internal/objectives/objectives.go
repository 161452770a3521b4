// Package objectives implements the weighted ordering-based scoring model:
// each objective is an ordered list of memory offsets that defines a progress
// comparison over memory snapshots, with a learned non-negative weight and a
// bounded sample of previously observed value tuples for rank normalization.
package objectives

import (
	"bufio"
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ddugovic/tasbot/pkg/emu"
)

// maxObservations caps the per-objective observation sample. Once full, a
// uniformly random entry is overwritten, approximating reservoir sampling.
const maxObservations = 64

type objective struct {
	offsets []int
	weight  float64
	// observations holds value tuples (one byte per offset), sorted
	// ascending, duplicates allowed, at most maxObservations entries.
	observations [][]byte
}

// Set holds the full weighted objective collection. It is owned by a single
// goroutine; none of its methods are safe for concurrent use.
type Set struct {
	objs []*objective
	rng  *rand.Rand
}

// New builds a Set from offset orderings, each at weight 1. Orderings must be
// non-empty with offsets inside the memory snapshot; duplicates (by exact
// offset sequence) are collapsed.
func New(orderings [][]int, rng *rand.Rand) (*Set, error) {
	s := &Set{rng: rng}
	seen := make(map[string]bool)
	for _, ord := range orderings {
		if len(ord) == 0 {
			return nil, fmt.Errorf("objectives: empty ordering")
		}
		for _, off := range ord {
			if off < 0 || off >= emu.MemorySize {
				return nil, fmt.Errorf("objectives: offset %d out of range [0, %d)", off, emu.MemorySize)
			}
		}
		key := orderingKey(ord)
		if seen[key] {
			continue
		}
		seen[key] = true
		s.objs = append(s.objs, &objective{
			offsets: append([]int(nil), ord...),
			weight:  1.0,
		})
	}
	return s, nil
}

// Load reads a Set from its text form: one objective per line,
// "<weight> <offset> <offset> ...".
func Load(path string, rng *rand.Rand) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("objectives: %w", err)
	}
	defer f.Close()

	s := &Set{rng: rng}
	sc := bufio.NewScanner(f)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("objectives: %s:%d: want weight and offsets, got %q", path, lineno, line)
		}
		w, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("objectives: %s:%d: bad weight: %w", path, lineno, err)
		}
		offsets := make([]int, 0, len(fields)-1)
		for _, f := range fields[1:] {
			off, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("objectives: %s:%d: bad offset: %w", path, lineno, err)
			}
			if off < 0 || off >= emu.MemorySize {
				return nil, fmt.Errorf("objectives: %s:%d: offset %d out of range [0, %d)", path, lineno, off, emu.MemorySize)
			}
			offsets = append(offsets, off)
		}
		s.objs = append(s.objs, &objective{offsets: offsets, weight: w})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("objectives: read %s: %w", path, err)
	}
	return s, nil
}

// Save writes the Set in its text form, keeping only objectives with
// positive weight. Disabled (weight 0) objectives are dropped by design.
func (s *Set) Save(path string) error {
	var buf bytes.Buffer
	for _, o := range s.objs {
		if o.weight <= 0 {
			continue
		}
		fmt.Fprintf(&buf, "%f", o.weight)
		for _, off := range o.offsets {
			fmt.Fprintf(&buf, " %d", off)
		}
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("objectives: save: %w", err)
	}
	return nil
}

// Len returns the number of objectives, enabled or not.
func (s *Set) Len() int { return len(s.objs) }

// order folds the offset list from last to first, at each step adding the
// memory delta and halving the running value, so offsets earlier in the
// ordering dominate.
func order(mem1, mem2 []byte, offsets []int) float64 {
	val := 0.0
	for i := len(offsets) - 1; i >= 0; i-- {
		o := offsets[i]
		val += float64(mem2[o]) - float64(mem1[o])
		val /= 2
	}
	return val
}

// lessObjective reports whether mem1 is lexicographically less than mem2
// under the objective's offset order.
func lessObjective(mem1, mem2 []byte, offsets []int) bool {
	for _, o := range offsets {
		if mem1[o] > mem2[o] {
			return false
		}
		if mem1[o] < mem2[o] {
			return true
		}
	}
	return false
}

// Evaluate scores the transition from mem1 to mem2: the weighted sum of each
// objective's order value. Evaluate(m, m) is exactly 0.
func (s *Set) Evaluate(mem1, mem2 []byte) float64 {
	score := 0.0
	for _, o := range s.objs {
		score += o.weight * order(mem1, mem2, o.offsets)
	}
	return score
}

// WeightedLess sums the weights of objectives under which mem1 is strictly
// less than mem2. The result is always non-negative.
func (s *Set) WeightedLess(mem1, mem2 []byte) float64 {
	score := 0.0
	for _, o := range s.objs {
		if lessObjective(mem1, mem2, o.offsets) {
			score += o.weight
		}
	}
	return score
}

// Observe records the value tuple of every objective at this memory snapshot
// into its bounded, sorted observation sample.
func (s *Set) Observe(memory []byte) {
	for _, o := range s.objs {
		tuple := valuesAt(memory, o.offsets)
		if len(o.observations) < maxObservations {
			o.observations = append(o.observations, tuple)
		} else {
			o.observations[s.rng.Intn(len(o.observations))] = tuple
		}
		sort.Slice(o.observations, func(i, j int) bool {
			return bytes.Compare(o.observations[i], o.observations[j]) < 0
		})
	}
}

// NormalizedValue ranks the snapshot's value tuple for each objective among
// that objective's distinct observed tuples, and averages the rank fractions.
// The result is in [0, 1] once every objective has an observation.
func (s *Set) NormalizedValue(memory []byte) float64 {
	if len(s.objs) == 0 {
		return 0
	}
	sum := 0.0
	for _, o := range s.objs {
		tuple := valuesAt(memory, o.offsets)
		sum += rankFraction(distinct(o.observations), tuple)
	}
	return sum / float64(len(s.objs))
}

// WeightByExamples learns weights from an ordered reference trace: each
// objective's weight becomes the rank fraction of the final snapshot minus
// that of the first, over the trace's distinct values, clamped at 0. An
// objective that shows no net improvement is disabled, not removed.
func (s *Set) WeightByExamples(examples [][]byte) error {
	if len(examples) == 0 {
		return fmt.Errorf("objectives: no example memories")
	}
	for _, o := range s.objs {
		values := make([][]byte, 0, len(examples))
		for _, mem := range examples {
			values = append(values, valuesAt(mem, o.offsets))
		}
		sort.Slice(values, func(i, j int) bool {
			return bytes.Compare(values[i], values[j]) < 0
		})
		uniq := distinct(values)

		first := rankFraction(uniq, valuesAt(examples[0], o.offsets))
		last := rankFraction(uniq, valuesAt(examples[len(examples)-1], o.offsets))
		score := last - first
		if score <= 0 {
			o.weight = 0
		} else {
			o.weight = score
		}
	}
	return nil
}

// valuesAt extracts the objective's value tuple from a memory snapshot.
func valuesAt(memory []byte, offsets []int) []byte {
	out := make([]byte, len(offsets))
	for i, o := range offsets {
		out[i] = memory[o]
	}
	return out
}

// distinct collapses a sorted tuple slice to its distinct values.
func distinct(sorted [][]byte) [][]byte {
	out := make([][]byte, 0, len(sorted))
	for i, v := range sorted {
		if i == 0 || !bytes.Equal(v, sorted[i-1]) {
			out = append(out, v)
		}
	}
	return out
}

// rankFraction binary-searches the tuple's rank among distinct sorted values
// and normalizes by the distinct count.
func rankFraction(uniq [][]byte, tuple []byte) float64 {
	if len(uniq) == 0 {
		return 0
	}
	idx := sort.Search(len(uniq), func(i int) bool {
		return bytes.Compare(uniq[i], tuple) >= 0
	})
	return float64(idx) / float64(len(uniq))
}

func orderingKey(ord []int) string {
	var b strings.Builder
	for i, o := range ord {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(o))
	}
	return b.String()
}
