package search

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/ddugovic/tasbot/internal/motif"
	"github.com/ddugovic/tasbot/internal/movie"
	"github.com/ddugovic/tasbot/pkg/emu"
	"github.com/ddugovic/tasbot/pkg/input"
)

const warmupFrames = 20

// newTestEngine builds an engine on the toy machine with a position
// objective and a small motif library, warmed up over idle frames.
func newTestEngine(t *testing.T, moviePath string) *Engine {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	motifs := motif.New(rng)
	seed := make([]byte, warmupFrames)
	seed = append(seed, repeat(input.Right, motif.ChunkSize)...)
	seed = append(seed, repeat(input.Right|input.A, motif.ChunkSize)...)
	seed = append(seed, repeat(0, motif.ChunkSize)...)
	motifs.AddInputs(seed, warmupFrames)

	engine, err := New(Options{
		Game:       "toy",
		MoviePath:  moviePath,
		Emu:        emu.NewToy(),
		Objectives: positionObjectives(t, rng),
		Motifs:     motifs,
		Seed:       99,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Warmup(seed, warmupFrames); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	return engine
}

func enginePosition(t *testing.T, e *Engine) int {
	t.Helper()
	return int(e.mem[emu.ToyPosLo]) | int(e.mem[emu.ToyPosHi])<<8
}

func TestWarmup_EstablishesWatermark(t *testing.T) {
	e := newTestEngine(t, "")
	if e.Watermark() != warmupFrames {
		t.Errorf("expected watermark %d, got %d", warmupFrames, e.Watermark())
	}
	if got := len(e.Movie()); got != warmupFrames {
		t.Errorf("expected %d committed frames, got %d", warmupFrames, got)
	}
	if len(e.futures) != NumFutures {
		t.Errorf("expected %d futures after warmup, got %d", NumFutures, len(e.futures))
	}
}

func TestWarmup_RejectsNonIdleStart(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	motifs := motif.New(rng)
	motifs.AddInputs(repeat(input.Right, motif.ChunkSize), 0)
	e, err := New(Options{
		Emu:        emu.NewToy(),
		Objectives: positionObjectives(t, rng),
		Motifs:     motifs,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Warmup(repeat(input.Right, 10), 10); err == nil {
		t.Error("expected error for a seed movie with no leading idle frame")
	}
}

func TestRound_CommitsAndAdvances(t *testing.T) {
	e := newTestEngine(t, "")
	start := enginePosition(t, e)

	const rounds = 3
	for i := 0; i < rounds; i++ {
		if err := e.Round(context.Background()); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}

	want := warmupFrames + rounds*motif.ChunkSize
	if got := len(e.Movie()); got != want {
		t.Errorf("expected %d committed frames, got %d", want, got)
	}
	if pos := enginePosition(t, e); pos <= start {
		t.Errorf("expected the position objective to pull the search right, got %d from %d", pos, start)
	}
	if e.Rounds() != rounds {
		t.Errorf("expected %d rounds, got %d", rounds, e.Rounds())
	}
	// Futures stay fully populated after churn.
	if len(e.futures) != NumFutures {
		t.Errorf("expected %d futures, got %d", NumFutures, len(e.futures))
	}
	weighted := 0
	for _, f := range e.futures {
		if f.Weighted {
			weighted++
		}
		if len(f.Inputs) == 0 {
			t.Error("expected every future refilled")
		}
	}
	// Drops and mutant flips can dip below the target between rounds, but
	// weighted futures must stay the clear majority.
	if weighted <= NumFutures/2 {
		t.Errorf("expected mostly weighted futures, got %d of %d", weighted, len(e.futures))
	}
}

func TestMakeNexts_DistinctChunks(t *testing.T) {
	e := newTestEngine(t, "")
	nexts := e.makeNexts()
	if len(nexts) == 0 {
		t.Fatal("expected candidates")
	}
	seen := make(map[string]bool)
	for _, n := range nexts {
		if len(n) != motif.ChunkSize {
			t.Errorf("expected length %d candidate, got %d", motif.ChunkSize, len(n))
		}
		if seen[string(n)] {
			t.Errorf("expected distinct candidates, got %v twice", n)
		}
		seen[string(n)] = true
	}
}

func TestCommit_CheckpointAndObserveCadence(t *testing.T) {
	e := newTestEngine(t, "")
	for len(e.inputs) < 2*CheckpointEvery {
		if err := e.commit(input.Right, "test"); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	if len(e.checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(e.checkpoints))
	}
	if e.checkpoints[0].Movenum != CheckpointEvery || e.checkpoints[1].Movenum != 2*CheckpointEvery {
		t.Errorf("expected checkpoints at %d and %d, got %d and %d",
			CheckpointEvery, 2*CheckpointEvery, e.checkpoints[0].Movenum, e.checkpoints[1].Movenum)
	}
	if want := 2 * CheckpointEvery / ObserveEvery; len(e.memories) != want {
		t.Errorf("expected %d observations, got %d", want, len(e.memories))
	}
}

func TestRewind(t *testing.T) {
	e := newTestEngine(t, "")
	for len(e.inputs) < 250 {
		if err := e.commit(input.Right, "test"); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	if err := e.rewind(150); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if len(e.inputs) != 150 || len(e.subtitles) != 150 {
		t.Errorf("expected 150 frames after rewind, got %d inputs, %d subtitles",
			len(e.inputs), len(e.subtitles))
	}
	for _, ck := range e.checkpoints {
		if ck.Movenum > 150 {
			t.Errorf("expected checkpoints past the rewind dropped, found one at %d", ck.Movenum)
		}
	}

	if err := e.rewind(e.Watermark() - 1); err == nil {
		t.Error("expected error rewinding below the watermark")
	}
	if err := e.rewind(len(e.inputs) + 1); err == nil {
		t.Error("expected error rewinding past the end")
	}
}

func TestRecentCheckpoint(t *testing.T) {
	e := newTestEngine(t, "")
	e.inputs = make([]byte, 520)
	e.checkpoints = []Checkpoint{
		{Movenum: 100}, {Movenum: 200}, {Movenum: 300}, {Movenum: 400}, {Movenum: 500},
	}

	ck, ok := e.recentCheckpoint()
	if !ok {
		t.Fatal("expected a checkpoint")
	}
	if ck.Movenum != 200 {
		t.Errorf("expected the newest checkpoint at least %d behind, got %d", MinBacktrackDistance, ck.Movenum)
	}

	// Nothing old enough above the watermark.
	e.watermark = 250
	if _, ok := e.recentCheckpoint(); ok {
		t.Error("expected no eligible checkpoint below the watermark")
	}
}

func TestBacktrack_RepairsRetreatingHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toy.movie")
	e := newTestEngine(t, path)

	// Commit a history that advances and then retreats; the retreating
	// suffix is exactly what the repair strategies should cut out.
	for i := 0; i < 300; i++ {
		if err := e.commit(input.Right, "advance"); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	for i := 0; i < 100; i++ {
		if err := e.commit(input.Left, "retreat"); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	state, err := e.emu.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	mem, err := e.emu.Memory()
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	e.state, e.mem = state, mem

	posBefore := enginePosition(t, e)
	lenBefore := len(e.inputs)

	if err := e.maybeBacktrack(context.Background()); err != nil {
		t.Fatalf("backtrack: %v", err)
	}

	if pos := enginePosition(t, e); pos <= posBefore {
		t.Errorf("expected the repair to improve the position, got %d from %d", pos, posBefore)
	}
	if len(e.inputs) > lenBefore {
		t.Errorf("expected the repair not to lengthen the movie, got %d from %d", len(e.inputs), lenBefore)
	}
	if e.lastBacktrack != len(e.inputs) {
		t.Errorf("expected the backtrack marker at %d, got %d", len(e.inputs), e.lastBacktrack)
	}
	if len(e.inputs) != len(e.subtitles) {
		t.Errorf("expected %d subtitles, got %d", len(e.inputs), len(e.subtitles))
	}
	for _, ck := range e.checkpoints {
		if ck.Movenum > len(e.inputs) {
			t.Errorf("expected no checkpoint past the movie end, found one at %d", ck.Movenum)
		}
	}

	// The repaired movie is snapshotted alongside the main one.
	snapshot, err := movie.ReadInputs(path + ".backtrack")
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(snapshot) != len(e.inputs) {
		t.Errorf("expected a %d frame snapshot, got %d", len(e.inputs), len(snapshot))
	}

	// The engine keeps searching normally afterwards.
	if err := e.Round(context.Background()); err != nil {
		t.Fatalf("round after backtrack: %v", err)
	}
}

func TestReweightMotif(t *testing.T) {
	e := newTestEngine(t, "")
	m := repeat(input.Right, motif.ChunkSize)
	w0, ok := e.motifs.Weight(m)
	if !ok {
		t.Fatal("expected the motif present")
	}

	e.reweightMotif(m, 0.8, 0.2)
	w1, _ := e.motifs.Weight(m)
	if w1 >= w0 {
		t.Errorf("expected decay without improvement, got %f from %f", w1, w0)
	}

	// Decay until the weight sits below the reinforcement cap, then
	// confirm an improvement grows it again.
	for {
		w, _ := e.motifs.Weight(m)
		if w < e.motifs.TotalWeight()*MotifMaxFrac {
			break
		}
		e.reweightMotif(m, 0.8, 0.2)
	}
	w2, _ := e.motifs.Weight(m)
	e.reweightMotif(m, 0.2, 0.8)
	w3, _ := e.motifs.Weight(m)
	if w3 <= w2 {
		t.Errorf("expected reinforcement on improvement, got %f from %f", w3, w2)
	}

	// Decay is clamped to a fraction of the total weight.
	for i := 0; i < 200; i++ {
		e.reweightMotif(m, 0.8, 0.2)
	}
	w4, _ := e.motifs.Weight(m)
	if min := e.motifs.TotalWeight() * MotifMinFrac; w4 < min {
		t.Errorf("expected weight clamped above %f, got %f", min, w4)
	}
}

func TestReweightMotif_AboveCapStaysPut(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	motifs := motif.New(rng)
	m := repeat(input.Right, motif.ChunkSize)
	motifs.AddInputs(m, 0)
	e := &Engine{motifs: motifs}

	// A single-motif library holds the entire weight, far above the cap
	// fraction; an improvement must leave it alone, not drag it down.
	w0, _ := motifs.Weight(m)
	e.reweightMotif(m, 0.2, 0.8)
	w1, _ := motifs.Weight(m)
	if w1 != w0 {
		t.Errorf("expected weight unchanged at %f, got %f", w0, w1)
	}
}

func TestSaveMovie_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toy.movie")
	e := newTestEngine(t, path)
	if err := e.Round(context.Background()); err != nil {
		t.Fatalf("round: %v", err)
	}
	if err := e.SaveMovie(); err != nil {
		t.Fatalf("save movie: %v", err)
	}

	inputs, err := movie.ReadInputs(path)
	if err != nil {
		t.Fatalf("read movie: %v", err)
	}
	want := e.Movie()
	if len(inputs) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(inputs))
	}
	for i := range want {
		if inputs[i] != want[i] {
			t.Fatalf("frame %d: expected %02x, got %02x", i, want[i], inputs[i])
		}
	}
}
