package search

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/ddugovic/tasbot/internal/motif"
	"github.com/ddugovic/tasbot/internal/objectives"
	"github.com/ddugovic/tasbot/pkg/emu"
	"github.com/ddugovic/tasbot/pkg/input"
)

// spanExponent biases backtracking span selection toward short spans.
const spanExponent = 2.0

// Evaluator executes one self-contained request against its own emulator.
// It is shared by the local dispatcher and by worker processes; it never
// touches engine state, only what a request carries.
type Evaluator struct {
	Objectives *objectives.Set
	Motifs     *motif.Library
	Emu        emu.Emulator
}

// PathIntegral replays inputs from startState and sums the per-step
// Evaluate deltas across every intermediate memory snapshot, returning the
// sum and the final memory.
func (e *Evaluator) PathIntegral(startState []byte, inputs []byte) (float64, []byte, error) {
	if err := e.Emu.Load(startState); err != nil {
		return 0, nil, err
	}
	prev, err := e.Emu.Memory()
	if err != nil {
		return 0, nil, err
	}
	sum := 0.0
	for _, in := range inputs {
		if err := e.Emu.Step(in); err != nil {
			return 0, nil, err
		}
		next, err := e.Emu.Memory()
		if err != nil {
			return 0, nil, err
		}
		sum += e.Objectives.Evaluate(prev, next)
		prev = next
	}
	return sum, prev, nil
}

// Score evaluates one candidate: its immediate score from the shipped state,
// plus a future score folded from the length-normalized path integral of
// every future (and one synthetic future that holds the candidate's last
// input for the average future length).
func (e *Evaluator) Score(req *ScoreRequest) (*ScoreResponse, error) {
	if err := e.Emu.Load(req.State); err != nil {
		return nil, err
	}
	currentMem, err := e.Emu.Memory()
	if err != nil {
		return nil, err
	}
	for _, in := range req.Candidate {
		if err := e.Emu.Step(in); err != nil {
			return nil, err
		}
	}
	newMem, err := e.Emu.Memory()
	if err != nil {
		return nil, err
	}
	newState, err := e.Emu.Save()
	if err != nil {
		return nil, err
	}

	resp := &ScoreResponse{
		Immediate:    e.Objectives.Evaluate(currentMem, newMem),
		Normalized:   e.Objectives.NormalizedValue(newMem),
		BestFuture:   math.Inf(-1),
		WorstFuture:  math.Inf(1),
		FutureScores: make([]float64, len(req.Futures)),
	}

	futures := req.Futures
	if len(req.Candidate) > 0 && len(req.Futures) > 0 {
		// Synthetic future: keep holding the candidate's last input for
		// the average future length.
		total := 0
		for _, f := range req.Futures {
			total += len(f)
		}
		avg := total / len(req.Futures)
		hold := make([]byte, avg)
		for i := range hold {
			hold[i] = req.Candidate[len(req.Candidate)-1]
		}
		futures = append(append([][]byte(nil), req.Futures...), hold)
	}

	integrals := make([]float64, 0, len(futures))
	for fi, f := range futures {
		integral, futureMem, err := e.PathIntegral(newState, f)
		if err != nil {
			return nil, err
		}
		if len(f) > 0 {
			integral /= float64(len(f))
		}
		positive := e.Objectives.WeightedLess(newMem, futureMem)
		negative := -e.Objectives.WeightedLess(futureMem, newMem)

		// Real futures accumulate their own health score, used by the
		// engine to cull poor performers after the round.
		if fi < len(req.Futures) {
			resp.FutureScores[fi] = integral + positive + negative
		}
		integrals = append(integrals, integral)

		if positive > resp.BestFuture {
			resp.BestFuture = positive
		}
		if negative < resp.WorstFuture {
			resp.WorstFuture = negative
		}
	}

	// Fold sorted integrals so larger ones dominate while any very poor
	// future still drags the total down.
	sort.Float64s(integrals)
	for _, v := range integrals {
		resp.FutureScore = resp.FutureScore/2 + v/2
	}
	return resp, nil
}

// Improve runs one backtracking strategy instance: repeatedly transform a
// random span of the shipped input sequence, keep candidates that strictly
// improve on it, and chain deeper variants of an improvement until the
// iteration budget runs out.
func (e *Evaluator) Improve(req *ImproveRequest) (*ImproveResponse, error) {
	rng := rand.New(rand.NewSource(req.Seed))

	if err := e.Emu.Load(req.EndState); err != nil {
		return nil, err
	}
	endMem, err := e.Emu.Memory()
	if err != nil {
		return nil, err
	}
	type scored struct {
		score  float64
		inputs []byte
	}
	var repls []scored
	tried := make(map[string]bool)

	for i := 0; i < req.Iters; i++ {
		inputs := append([]byte(nil), req.Improveme...)
		for depth := 1; i < req.Iters; i, depth = i+1, depth+1 {
			inputs, err = e.transform(req.Approach, inputs, req.Improveme, rng)
			if err != nil {
				return nil, err
			}
			if len(inputs) < motif.ChunkSize || tried[string(inputs)] {
				break
			}
			ok, score, err := e.IsImprovement(req.StartState, inputs, endMem, req.EndIntegral)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			log.Debug().
				Str("approach", string(req.Approach)).
				Int("depth", depth).
				Float64("score", score).
				Msg("Backtrack candidate improved")
			repls = append(repls, scored{score: score, inputs: append([]byte(nil), inputs...)})
			tried[string(inputs)] = true
		}
	}

	better := len(repls)
	sort.SliceStable(repls, func(a, b int) bool { return repls[a].score > repls[b].score })
	if len(repls) > req.MaxBest {
		repls = repls[:req.MaxBest]
	}

	resp := &ImproveResponse{ItersTried: req.Iters, ItersBetter: better}
	for _, r := range repls {
		resp.Inputs = append(resp.Inputs, r.inputs)
		resp.Scores = append(resp.Scores, r.score)
	}
	return resp, nil
}

// transform applies one strategy step to inputs, returning the mutated
// sequence. Strategies other than random mutate a span chosen with an
// exponent-biased short-span preference.
func (e *Evaluator) transform(approach Approach, inputs, original []byte, rng *rand.Rand) ([]byte, error) {
	start, length := input.RandomSpan(len(inputs), spanExponent, rng)
	switch approach {
	case ApproachRandom:
		return e.RandomInputs(rng, len(original)), nil
	case ApproachDualize:
		input.Dualize(inputs, start, length)
		if rng.Intn(2) == 0 {
			input.ReverseSpan(inputs, start, length)
		}
		return inputs, nil
	case ApproachAblate:
		mask := byte(rng.Intn(0xFF)) // never 0xFF, that would keep everything
		input.AblateSpan(inputs, start, length, mask, rng.Float64(), rng)
		return inputs, nil
	case ApproachChop:
		return input.ChopSpan(inputs, start, length), nil
	case ApproachShuffle:
		input.ShuffleSpan(inputs, start, length, rng)
		return inputs, nil
	default:
		return nil, fmt.Errorf("unknown improve approach %q", approach)
	}
}

// IsImprovement decides whether candidate beats the original suffix: its
// path integral from the start state must exceed the original's, and the
// candidate's end memory must strictly beat the original end memory under
// Evaluate. The returned score combines both margins.
func (e *Evaluator) IsImprovement(startState, candidate, endMem []byte, endIntegral float64) (bool, float64, error) {
	nMinusS, newMem, err := e.PathIntegral(startState, candidate)
	if err != nil {
		return false, 0, err
	}
	nMinusE := e.Objectives.Evaluate(endMem, newMem)
	if nMinusE <= 0 {
		return false, 0, nil
	}
	return true, (nMinusS - endIntegral) + nMinusE, nil
}

// RandomInputs builds a length-n sequence by concatenating weighted motifs,
// truncating the last one to fit.
func (e *Evaluator) RandomInputs(rng *rand.Rand, n int) []byte {
	inputs := make([]byte, 0, n)
	for len(inputs) < n {
		m, ok := e.Motifs.RandomWeightedWith(rng)
		if !ok {
			break
		}
		needed := n - len(inputs)
		if len(m) > needed {
			m = m[:needed]
		}
		inputs = append(inputs, m...)
	}
	return inputs
}
