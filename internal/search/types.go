// Package search implements the lookahead search loop: candidate generation
// from the motif library, multi-future scoring, future churn, motif
// reweighting, and checkpoint-based backtracking repair.
package search

import "context"

// Future is a tentative longer input continuation used for lookahead
// scoring. Futures are continuously truncated, dropped, mutated, and
// refilled across rounds.
type Future struct {
	Inputs []byte
	// Weighted marks futures refilled from weighted motif sampling rather
	// than uniform sampling.
	Weighted       bool
	DesiredLength  int
	RoundsSurvived int
	Mutant         bool
}

// Checkpoint pairs an emulator state snapshot with the movie length at
// capture: replaying the movie to Movenum from the initial state reproduces
// Save.
type Checkpoint struct {
	Save    []byte
	Movenum int
}

// Replacement is an alternative input sequence found during backtracking,
// tagged with the strategy that generated it.
type Replacement struct {
	Inputs []byte
	Score  float64
	Method string
}

// Approach names a backtracking repair strategy.
type Approach string

const (
	ApproachRandom  Approach = "random"
	ApproachDualize Approach = "dualize"
	ApproachAblate  Approach = "ablate"
	ApproachChop    Approach = "chop"
	ApproachShuffle Approach = "shuffle"
)

// Request is one unit of dispatchable work: exactly one of the two concrete
// kinds below. Code consuming requests must switch exhaustively and reject
// unknown kinds.
type Request interface {
	isRequest()
}

// ScoreRequest evaluates one candidate against the round's futures,
// independently from the shipped emulator state. Fully self-contained.
type ScoreRequest struct {
	State     []byte   `json:"state"`
	Candidate []byte   `json:"candidate"`
	Futures   [][]byte `json:"futures"`
}

func (*ScoreRequest) isRequest() {}

// ImproveRequest applies one backtracking strategy instance to Improveme and
// returns its best replacements. Fully self-contained.
type ImproveRequest struct {
	Approach    Approach `json:"approach"`
	StartState  []byte   `json:"start_state"`
	EndState    []byte   `json:"end_state"`
	Improveme   []byte   `json:"improveme"`
	EndIntegral float64  `json:"end_integral"`
	Iters       int      `json:"iters"`
	MaxBest     int      `json:"max_best"`
	Seed        int64    `json:"seed"`
}

func (*ImproveRequest) isRequest() {}

// ScoreResponse carries one candidate's scores.
type ScoreResponse struct {
	Immediate   float64 `json:"immediate"`
	Normalized  float64 `json:"normalized"`
	BestFuture  float64 `json:"best_future"`
	WorstFuture float64 `json:"worst_future"`
	FutureScore float64 `json:"future_score"`
	// FutureScores aligns with the request's futures: each future's
	// integral+positive+negative contribution from this candidate.
	FutureScores []float64 `json:"future_scores"`
}

// ImproveResponse carries a strategy's surviving replacements, best first.
type ImproveResponse struct {
	Inputs      [][]byte  `json:"inputs"`
	Scores      []float64 `json:"scores"`
	ItersTried  int       `json:"iters_tried"`
	ItersBetter int       `json:"iters_better"`
}

// Result is the outcome of one dispatched request. Exactly one of Score and
// Improve is set on success; Err marks a missing or failed response so the
// caller can distinguish "no answer" from "worker declined".
type Result struct {
	Score   *ScoreResponse
	Improve *ImproveResponse
	Err     error
}

// Dispatcher executes one round's batch of requests and gathers all results
// before returning. The result slice aligns 1:1 with the request slice.
type Dispatcher interface {
	Dispatch(ctx context.Context, reqs []Request) []Result
}

// RoundRecord summarizes one committed round for the run archive.
type RoundRecord struct {
	Round      uint64
	MovieLen   int
	BestScore  float64
	Candidates int
	Method     string
}

// BacktrackRecord summarizes one backtracking attempt for the run archive.
type BacktrackRecord struct {
	Round         uint64
	FromFrame     int
	ToFrame       int
	Replacements  int
	Improvability float64
}

// Archiver persists run records. Implementations must tolerate being called
// from the engine's single round-loop goroutine only.
type Archiver interface {
	SaveRound(ctx context.Context, rec RoundRecord) error
	SaveBacktrack(ctx context.Context, rec BacktrackRecord) error
}
