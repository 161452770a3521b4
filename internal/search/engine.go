package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog/log"

	"github.com/ddugovic/tasbot/internal/diag"
	"github.com/ddugovic/tasbot/internal/motif"
	"github.com/ddugovic/tasbot/internal/movie"
	"github.com/ddugovic/tasbot/internal/objectives"
	"github.com/ddugovic/tasbot/pkg/emu"
	"github.com/ddugovic/tasbot/pkg/input"
)

// Tuning constants for the round loop.
const (
	// NumFutures is the size of the lookahead pool; NumWeightedFutures of
	// them are refilled from weighted motif sampling, the rest uniformly.
	NumFutures         = 40
	NumWeightedFutures = 35

	// Each round drops the DropFutures+MutateFutures worst futures, then
	// spawns MutateFutures mutants of the best survivor.
	DropFutures   = 5
	MutateFutures = 7

	MinFutureLength = 50
	MaxFutureLength = 800

	// Committed-input cadences.
	CheckpointEvery      = 100
	ObserveEvery         = 10
	TryBacktrackEvery    = 180
	MinBacktrackDistance = 300

	// SaveEvery is in rounds.
	SaveEvery = 5

	// Motif reweighting: multiply or divide by MotifAlpha, clamped to keep
	// any single weight within [MotifMinFrac, MotifMaxFrac] of the total.
	MotifAlpha   = 0.8
	MotifMaxFrac = 0.1
	MotifMinFrac = 0.00001
)

// Options configures an Engine. Emu, Objectives and Motifs are required.
// Dispatcher defaults to sequential in-process evaluation; Archive and Diag
// may be nil.
type Options struct {
	Game       string
	MoviePath  string
	Emu        emu.Emulator
	Objectives *objectives.Set
	Motifs     *motif.Library
	Dispatcher Dispatcher
	Archive    Archiver
	Diag       *diag.Recorder
	Seed       int64
}

// Engine owns all mutable search state and mutates it only from its own
// round loop. Parallelism happens strictly behind the Dispatcher, over
// self-contained requests.
type Engine struct {
	game      string
	moviePath string

	emu        emu.Emulator
	objectives *objectives.Set
	motifs     *motif.Library
	dispatcher Dispatcher
	local      *Local
	archive    Archiver
	diag       *diag.Recorder
	rng        *rand.Rand

	inputs      []byte
	subtitles   []string
	checkpoints []Checkpoint
	memories    [][]byte
	futures     []*Future

	// state and mem track the emulator at the end of the committed movie.
	state []byte
	mem   []byte

	watermark     int
	lastBacktrack int
	round         uint64
}

// New builds an Engine. The emulator must already be at its initial state;
// call Warmup before Run to establish the watermark.
func New(opts Options) (*Engine, error) {
	if opts.Emu == nil || opts.Objectives == nil || opts.Motifs == nil {
		return nil, errors.New("search: emulator, objectives and motifs are required")
	}
	e := &Engine{
		game:       opts.Game,
		moviePath:  opts.MoviePath,
		emu:        opts.Emu,
		objectives: opts.Objectives,
		motifs:     opts.Motifs,
		archive:    opts.Archive,
		diag:       opts.Diag,
		rng:        rand.New(rand.NewSource(opts.Seed)),
	}
	e.local = &Local{Eval: &Evaluator{
		Objectives: opts.Objectives,
		Motifs:     opts.Motifs,
		Emu:        opts.Emu,
	}}
	e.dispatcher = opts.Dispatcher
	if e.dispatcher == nil {
		e.dispatcher = e.local
	}

	state, err := opts.Emu.Save()
	if err != nil {
		return nil, fmt.Errorf("search: initial save: %w", err)
	}
	mem, err := opts.Emu.Memory()
	if err != nil {
		return nil, fmt.Errorf("search: initial memory: %w", err)
	}
	e.state, e.mem = state, mem
	return e, nil
}

// Warmup commits the seed movie's leading idle frames, then keeps committing
// until the fast-forward offset. Everything committed here sits below the
// watermark and can never be rewound. The seed must begin with at least one
// idle frame.
func (e *Engine) Warmup(seed []byte, fastforward int) error {
	start := 0
	for start < len(seed) && seed[start] == 0 {
		if err := e.commit(seed[start], "warmup"); err != nil {
			return err
		}
		e.watermark++
		start++
	}
	if start == 0 {
		return errors.New("search: seed movie must begin with an idle frame")
	}
	for start < fastforward && start < len(seed) {
		if err := e.commit(seed[start], "warmup"); err != nil {
			return err
		}
		e.watermark++
		start++
	}

	state, err := e.emu.Save()
	if err != nil {
		return err
	}
	mem, err := e.emu.Memory()
	if err != nil {
		return err
	}
	e.state, e.mem = state, mem
	e.lastBacktrack = len(e.inputs)
	e.populateFutures()
	log.Info().
		Int("frames", len(e.inputs)).
		Int("watermark", e.watermark).
		Msg("Warmup complete")
	return nil
}

// Run executes rounds until the context is canceled, persisting the movie
// and diagnostics every SaveEvery rounds.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := e.Round(ctx); err != nil {
			return err
		}
		if e.round%SaveEvery == 0 {
			if err := e.SaveMovie(); err != nil {
				log.Error().Err(err).Msg("Periodic movie save failed")
			}
			if err := e.diag.Flush(); err != nil {
				log.Error().Err(err).Msg("Diagnostics flush failed")
			}
		}
	}
}

// Round runs one iteration of the search loop: generate candidates, pick
// and commit the best one, then periodically attempt a backtracking repair.
func (e *Engine) Round(ctx context.Context) error {
	e.round++
	e.motifs.Checkpoint(len(e.inputs))

	nexts := e.makeNexts()
	if len(nexts) == 0 {
		return errors.New("search: no candidates, motif library is empty")
	}
	if err := e.takeBestAmong(ctx, nexts, true); err != nil {
		return err
	}
	if len(e.inputs)-e.lastBacktrack >= TryBacktrackEvery {
		if err := e.maybeBacktrack(ctx); err != nil {
			return err
		}
	}
	return nil
}

// makeNexts builds up to NumFutures distinct candidates: the head chunk of
// every live future, then weighted motifs not already chosen.
func (e *Engine) makeNexts() [][]byte {
	seen := make(map[string]bool)
	var nexts [][]byte
	for _, f := range e.futures {
		if len(f.Inputs) < motif.ChunkSize {
			continue
		}
		key := string(f.Inputs[:motif.ChunkSize])
		if seen[key] {
			continue
		}
		seen[key] = true
		nexts = append(nexts, []byte(key))
	}
	for len(nexts) < NumFutures {
		m, ok := e.motifs.RandomWeightedNotIn(seen)
		if !ok {
			break
		}
		seen[string(m)] = true
		nexts = append(nexts, m)
	}
	return nexts
}

// takeBestAmong scores every candidate against the futures pool, commits
// the winner, and churns the pool. Selection requires a result for every
// candidate; a candidate nobody could evaluate is a fatal error. chop
// truncates the winner's prefix off every future, which is wrong right
// after a rewind since the futures were built for the abandoned suffix.
func (e *Engine) takeBestAmong(ctx context.Context, candidates [][]byte, chop bool) error {
	futureInputs := make([][]byte, len(e.futures))
	for i, f := range e.futures {
		futureInputs[i] = f.Inputs
	}
	reqs := make([]Request, len(candidates))
	for i, c := range candidates {
		reqs[i] = &ScoreRequest{State: e.state, Candidate: c, Futures: futureInputs}
	}
	results := e.dispatchAll(ctx, reqs)

	futureTotals := make([]float64, len(e.futures))
	totals := make([]float64, len(candidates))
	best := -1
	bestScore := math.Inf(-1)
	var bestResp *ScoreResponse
	for i, res := range results {
		if res.Err != nil || res.Score == nil {
			return fmt.Errorf("search: candidate %d unevaluated: %w", i, res.Err)
		}
		resp := res.Score
		totals[i] = resp.Immediate + resp.FutureScore
		for j, fs := range resp.FutureScores {
			if j < len(futureTotals) {
				futureTotals[j] += fs
			}
		}
		if totals[i] > bestScore {
			best, bestScore, bestResp = i, totals[i], resp
		}
	}
	winner := candidates[best]
	e.diag.RecordScores(e.round, len(e.inputs), totals)
	log.Debug().
		Uint64("round", e.round).
		Int("movenum", len(e.inputs)).
		Int("candidates", len(candidates)).
		Float64("score", bestScore).
		Msg("Selected candidate")

	// Churn the pool: chop the evaluated prefix, drop the worst, mutate
	// the best survivor, then refill.
	if chop {
		for _, f := range e.futures {
			if len(f.Inputs) >= len(winner) {
				f.Inputs = f.Inputs[len(winner):]
			} else {
				f.Inputs = nil
			}
		}
	}
	futureTotals = e.dropWorstFutures(futureTotals)
	for _, f := range e.futures {
		f.RoundsSurvived++
	}
	if len(e.futures) > 0 {
		bi := 0
		for j := 1; j < len(futureTotals); j++ {
			if futureTotals[j] > futureTotals[bi] {
				bi = j
			}
		}
		src := e.futures[bi]
		for i := 0; i < MutateFutures && len(e.futures) < NumFutures; i++ {
			e.futures = append(e.futures, e.mutateFuture(src))
		}
	}
	e.populateFutures()
	e.recordFutures()

	// Commit the winner from the current end-of-movie state.
	before := e.objectives.NormalizedValue(e.mem)
	if err := e.emu.Load(e.state); err != nil {
		return err
	}
	subtitle := fmt.Sprintf("r%d %.3f", e.round, bestScore)
	for _, in := range winner {
		if err := e.commit(in, subtitle); err != nil {
			return err
		}
	}
	state, err := e.emu.Save()
	if err != nil {
		return err
	}
	mem, err := e.emu.Memory()
	if err != nil {
		return err
	}
	e.state, e.mem = state, mem

	if e.motifs.IsMotif(winner) {
		e.motifs.Pick(winner)
		e.reweightMotif(winner, before, bestResp.Normalized)
	}

	if e.archive != nil {
		method := "search"
		if !chop {
			method = "backtrack"
		}
		rec := RoundRecord{
			Round:      e.round,
			MovieLen:   len(e.inputs),
			BestScore:  bestScore,
			Candidates: len(candidates),
			Method:     method,
		}
		if err := e.archive.SaveRound(ctx, rec); err != nil {
			log.Error().Err(err).Msg("Round archive failed")
		}
	}
	return nil
}

// dispatchAll runs the batch through the dispatcher and evaluates any
// unanswered request locally so selection always sees a complete result set.
func (e *Engine) dispatchAll(ctx context.Context, reqs []Request) []Result {
	results := e.dispatcher.Dispatch(ctx, reqs)
	for i := range results {
		if results[i].Err == nil && (results[i].Score != nil || results[i].Improve != nil) {
			continue
		}
		if results[i].Err != nil {
			log.Warn().
				Err(results[i].Err).
				Int("request", i).
				Msg("Request unanswered, evaluating locally")
		}
		results[i] = e.local.one(reqs[i])
	}
	return results
}

// dropWorstFutures removes the DropFutures+MutateFutures lowest-total
// futures by swap-delete, keeping totals aligned, and returns the surviving
// totals. Ties keep the earliest-encountered future.
func (e *Engine) dropWorstFutures(totals []float64) []float64 {
	for n := 0; n < DropFutures+MutateFutures && len(e.futures) > 0; n++ {
		worst := 0
		for j := 1; j < len(e.futures); j++ {
			if totals[j] < totals[worst] {
				worst = j
			}
		}
		last := len(e.futures) - 1
		e.futures[worst] = e.futures[last]
		e.futures = e.futures[:last]
		totals[worst] = totals[last]
		totals = totals[:last]
	}
	return totals
}

// mutateFuture derives a new future from src: truncate to half the desired
// length (at least MinFutureLength), occasionally flip its sampling origin,
// occasionally invert the directional inputs of the whole prefix.
func (e *Engine) mutateFuture(src *Future) *Future {
	f := &Future{
		Inputs:        append([]byte(nil), src.Inputs...),
		Weighted:      src.Weighted,
		DesiredLength: src.DesiredLength,
		Mutant:        true,
	}
	if e.rng.Intn(8) == 0 {
		f.Weighted = !f.Weighted
	}
	maxlen := f.DesiredLength / 2
	if maxlen < MinFutureLength {
		maxlen = MinFutureLength
	}
	if len(f.Inputs) > maxlen {
		f.Inputs = f.Inputs[:maxlen]
	}
	if e.rng.Intn(8) == 0 {
		input.Dualize(f.Inputs, 0, len(f.Inputs))
	}
	return f
}

// populateFutures fills the pool back up to NumFutures, keeping
// NumWeightedFutures weighted-origin slots, then extends every future's
// inputs to its desired length from the motif library.
func (e *Engine) populateFutures() {
	weighted := 0
	for _, f := range e.futures {
		if f.Weighted {
			weighted++
		}
	}
	for len(e.futures) < NumFutures {
		f := &Future{
			DesiredLength: MinFutureLength + e.rng.Intn(MaxFutureLength-MinFutureLength+1),
			Weighted:      weighted < NumWeightedFutures,
		}
		if f.Weighted {
			weighted++
		}
		e.futures = append(e.futures, f)
	}
	for _, f := range e.futures {
		for len(f.Inputs) < f.DesiredLength {
			var m []byte
			var ok bool
			if f.Weighted {
				m, ok = e.motifs.RandomWeighted()
			} else {
				m, ok = e.motifs.Random()
			}
			if !ok {
				break
			}
			if needed := f.DesiredLength - len(f.Inputs); len(m) > needed {
				m = m[:needed]
			}
			f.Inputs = append(f.Inputs, m...)
		}
	}
}

func (e *Engine) recordFutures() {
	if e.diag == nil {
		return
	}
	lengths := make([]int, len(e.futures))
	weighted, mutants := 0, 0
	for i, f := range e.futures {
		lengths[i] = len(f.Inputs)
		if f.Weighted {
			weighted++
		}
		if f.Mutant {
			mutants++
		}
	}
	e.diag.RecordFutures(e.round, lengths, weighted, mutants)
}

// reweightMotif reinforces or decays the committed motif's weight by
// comparing the normalized objective value before and after the commit.
func (e *Engine) reweightMotif(m []byte, before, after float64) {
	w, ok := e.motifs.Weight(m)
	if !ok {
		return
	}
	total := e.motifs.TotalWeight()
	limit := total * MotifMaxFrac
	switch {
	case after > before && w >= limit:
		// Already holds the cap fraction of the library; skip the
		// increase rather than pull the weight down to the cap.
		return
	case after > before:
		w = math.Min(w/MotifAlpha, limit)
	default:
		w = math.Max(w*MotifAlpha, total*MotifMinFrac)
	}
	e.motifs.SetWeight(m, w)
}

// commit steps the emulator by one input and appends it to the movie,
// capturing a checkpoint every CheckpointEvery frames and an objective
// observation every ObserveEvery frames.
func (e *Engine) commit(in byte, subtitle string) error {
	if err := e.emu.Step(in); err != nil {
		return fmt.Errorf("search: commit frame %d: %w", len(e.inputs), err)
	}
	e.inputs = append(e.inputs, in)
	e.subtitles = append(e.subtitles, subtitle)
	if len(e.inputs)%CheckpointEvery == 0 {
		state, err := e.emu.Save()
		if err != nil {
			return err
		}
		e.checkpoints = append(e.checkpoints, Checkpoint{Save: state, Movenum: len(e.inputs)})
	}
	if len(e.inputs)%ObserveEvery == 0 {
		mem, err := e.emu.Memory()
		if err != nil {
			return err
		}
		e.memories = append(e.memories, mem)
		e.objectives.Observe(mem)
	}
	return nil
}

// rewind truncates the movie back to movenum and pops checkpoints past it.
// Rewinding below the watermark or past the end is a hard error.
func (e *Engine) rewind(movenum int) error {
	if movenum < e.watermark || movenum > len(e.inputs) {
		return fmt.Errorf("search: rewind to %d out of range [%d, %d]",
			movenum, e.watermark, len(e.inputs))
	}
	e.inputs = e.inputs[:movenum]
	e.subtitles = e.subtitles[:movenum]
	for len(e.checkpoints) > 0 && e.checkpoints[len(e.checkpoints)-1].Movenum > movenum {
		e.checkpoints = e.checkpoints[:len(e.checkpoints)-1]
	}
	return nil
}

// SaveMovie writes the committed movie to the configured path. No-op when
// no path was configured.
func (e *Engine) SaveMovie() error {
	if e.moviePath == "" {
		return nil
	}
	if err := movie.Write(e.moviePath, e.inputs, e.subtitles); err != nil {
		return err
	}
	log.Info().
		Str("path", e.moviePath).
		Int("frames", len(e.inputs)).
		Uint64("round", e.round).
		Msg("Movie saved")
	return nil
}

// Movie returns a copy of the committed inputs.
func (e *Engine) Movie() []byte {
	return append([]byte(nil), e.inputs...)
}

// Watermark returns the frame index below which rewinding is forbidden.
func (e *Engine) Watermark() int { return e.watermark }

// Rounds returns the number of completed rounds.
func (e *Engine) Rounds() uint64 { return e.round }
