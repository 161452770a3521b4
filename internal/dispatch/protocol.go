// Package dispatch fans score and improve requests out to stateless worker
// processes over WebSocket, gathering every result before the round
// proceeds. Workers cache responses so retries are cheap.
package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/ddugovic/tasbot/internal/search"
)

// Request kinds on the wire.
const (
	KindScore   = "score"
	KindImprove = "improve"
)

// Envelope is the wire form of one dispatched request. Exactly one of the
// payload fields matches Kind.
type Envelope struct {
	ID      uint64                 `json:"id"`
	Kind    string                 `json:"kind"`
	Score   *search.ScoreRequest   `json:"score,omitempty"`
	Improve *search.ImproveRequest `json:"improve,omitempty"`
}

// ResponseEnvelope is the wire form of one result. Error is set when the
// worker could not evaluate the request.
type ResponseEnvelope struct {
	ID      uint64                  `json:"id"`
	Error   string                  `json:"error,omitempty"`
	Score   *search.ScoreResponse   `json:"score,omitempty"`
	Improve *search.ImproveResponse `json:"improve,omitempty"`
}

// NewEnvelope wraps a request for the wire. The ID is assigned at send time.
func NewEnvelope(req search.Request) (*Envelope, error) {
	switch r := req.(type) {
	case *search.ScoreRequest:
		return &Envelope{Kind: KindScore, Score: r}, nil
	case *search.ImproveRequest:
		return &Envelope{Kind: KindImprove, Improve: r}, nil
	default:
		return nil, fmt.Errorf("dispatch: unknown request kind %T", req)
	}
}

// CacheKey returns a stable content key for the envelope, independent of its
// ID, so identical resubmitted requests hit the worker cache.
func (e *Envelope) CacheKey() (string, error) {
	clone := *e
	clone.ID = 0
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("dispatch: cache key: %w", err)
	}
	return string(data), nil
}

// Result converts a response envelope into a search.Result.
func (r *ResponseEnvelope) Result() search.Result {
	if r.Error != "" {
		return search.Result{Err: fmt.Errorf("dispatch: worker declined: %s", r.Error)}
	}
	return search.Result{Score: r.Score, Improve: r.Improve}
}
