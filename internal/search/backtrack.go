package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/ddugovic/tasbot/internal/movie"
)

// Backtracking fan-out: one dualize instance plus improveInstances of each
// other strategy, each given improveIters chained iterations and returning
// at most improveMaxBest replacements.
const (
	improveInstances = 10
	improveIters     = 200
	improveMaxBest   = 2
)

// Improvability thresholds for logging how malleable recent history is.
const (
	improvabilityLow  = 0.05
	improvabilityHigh = 0.30
)

// maybeBacktrack tries to repair recent history: fan improve requests out
// over the suffix since a sufficiently old checkpoint, and if any strategy
// found a strictly better sequence, rewind and let the normal selection
// procedure choose between the original suffix and the replacements.
func (e *Engine) maybeBacktrack(ctx context.Context) error {
	fromFrame := len(e.inputs)
	defer func() { e.lastBacktrack = len(e.inputs) }()

	ck, ok := e.recentCheckpoint()
	if !ok {
		log.Debug().Int("movenum", fromFrame).Msg("No checkpoint old enough to backtrack to")
		return nil
	}
	improveme := append([]byte(nil), e.inputs[ck.Movenum:]...)
	endIntegral, _, err := e.local.Eval.PathIntegral(ck.Save, improveme)
	if err != nil {
		return fmt.Errorf("search: backtrack baseline: %w", err)
	}

	var reqs []Request
	add := func(a Approach, n int) {
		for i := 0; i < n; i++ {
			reqs = append(reqs, &ImproveRequest{
				Approach:    a,
				StartState:  ck.Save,
				EndState:    e.state,
				Improveme:   improveme,
				EndIntegral: endIntegral,
				Iters:       improveIters,
				MaxBest:     improveMaxBest,
				Seed:        e.rng.Int63(),
			})
		}
	}
	add(ApproachDualize, 1)
	add(ApproachAblate, improveInstances)
	add(ApproachChop, improveInstances)
	add(ApproachShuffle, improveInstances)
	add(ApproachRandom, improveInstances)

	results := e.dispatchAll(ctx, reqs)

	tried, better := 0, 0
	bestByContent := make(map[string]Replacement)
	for ri, res := range results {
		if res.Err != nil || res.Improve == nil {
			log.Warn().Err(res.Err).Int("request", ri).Msg("Improve request unanswered")
			continue
		}
		tried += res.Improve.ItersTried
		better += res.Improve.ItersBetter
		method := string(reqs[ri].(*ImproveRequest).Approach)
		for i, inputs := range res.Improve.Inputs {
			key := string(inputs)
			if prev, ok := bestByContent[key]; ok && prev.Score >= res.Improve.Scores[i] {
				continue
			}
			bestByContent[key] = Replacement{
				Inputs: inputs,
				Score:  res.Improve.Scores[i],
				Method: method,
			}
		}
	}
	delete(bestByContent, string(improveme))

	improvability := 0.0
	if tried > 0 {
		improvability = float64(better) / float64(tried)
	}
	ev := log.Info().
		Int("from", fromFrame).
		Int("to", ck.Movenum).
		Int("replacements", len(bestByContent)).
		Float64("improvability", improvability)
	switch {
	case improvability < improvabilityLow:
		ev.Msg("Backtrack: recent history looks hard to improve")
	case improvability > improvabilityHigh:
		ev.Msg("Backtrack: recent history is highly improvable")
	default:
		ev.Msg("Backtrack attempt")
	}

	if e.archive != nil {
		rec := BacktrackRecord{
			Round:         e.round,
			FromFrame:     fromFrame,
			ToFrame:       ck.Movenum,
			Replacements:  len(bestByContent),
			Improvability: improvability,
		}
		if err := e.archive.SaveBacktrack(ctx, rec); err != nil {
			log.Error().Err(err).Msg("Backtrack archive failed")
		}
	}

	if len(bestByContent) == 0 {
		return nil
	}

	if err := e.rewind(ck.Movenum); err != nil {
		return err
	}
	if err := e.emu.Load(ck.Save); err != nil {
		return err
	}
	e.state = append([]byte(nil), ck.Save...)
	mem, err := e.emu.Memory()
	if err != nil {
		return err
	}
	e.mem = mem

	// Full lookahead decides the actual winner, not the local repair
	// score. The futures pool still targets the abandoned suffix, so the
	// winner's prefix must not be chopped off it.
	keys := make([]string, 0, len(bestByContent))
	for key := range bestByContent {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	candidates := [][]byte{improveme}
	for _, key := range keys {
		candidates = append(candidates, bestByContent[key].Inputs)
	}
	if err := e.takeBestAmong(ctx, candidates, false); err != nil {
		return err
	}

	if e.moviePath != "" {
		path := e.moviePath + ".backtrack"
		if err := movie.Write(path, e.inputs, e.subtitles); err != nil {
			log.Error().Err(err).Str("path", path).Msg("Backtrack movie save failed")
		}
	}
	return nil
}

// recentCheckpoint returns the newest checkpoint at least
// MinBacktrackDistance frames behind the movie end and at or after the
// watermark.
func (e *Engine) recentCheckpoint() (Checkpoint, bool) {
	cutoff := len(e.inputs) - MinBacktrackDistance
	for i := len(e.checkpoints) - 1; i >= 0; i-- {
		ck := e.checkpoints[i]
		if ck.Movenum <= cutoff && ck.Movenum >= e.watermark {
			return ck, true
		}
	}
	return Checkpoint{}, false
}
