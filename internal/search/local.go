package search

import (
	"context"
	"fmt"
)

// Local is a Dispatcher that evaluates every request sequentially in-process
// against a single Evaluator. It is the fallback when no workers are
// connected and the backstop for requests workers failed to answer.
type Local struct {
	Eval *Evaluator
}

// Dispatch evaluates reqs in order. The context aborts between requests,
// never mid-request.
func (l *Local) Dispatch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			results[i] = Result{Err: err}
			continue
		}
		results[i] = l.one(req)
	}
	return results
}

func (l *Local) one(req Request) Result {
	switch r := req.(type) {
	case *ScoreRequest:
		resp, err := l.Eval.Score(r)
		return Result{Score: resp, Err: err}
	case *ImproveRequest:
		resp, err := l.Eval.Improve(r)
		return Result{Improve: resp, Err: err}
	default:
		return Result{Err: fmt.Errorf("unknown request kind %T", req)}
	}
}
