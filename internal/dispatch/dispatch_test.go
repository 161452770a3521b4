package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ddugovic/tasbot/internal/motif"
	"github.com/ddugovic/tasbot/internal/objectives"
	"github.com/ddugovic/tasbot/internal/search"
	"github.com/ddugovic/tasbot/pkg/emu"
	"github.com/ddugovic/tasbot/pkg/input"
)

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func newTestEvaluator(t *testing.T) *search.Evaluator {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	objs, err := objectives.New([][]int{{emu.ToyPosHi, emu.ToyPosLo}}, rng)
	if err != nil {
		t.Fatalf("objectives: %v", err)
	}
	motifs := motif.New(rng)
	motifs.AddInputs(repeat(input.Right, motif.ChunkSize), 0)
	return &search.Evaluator{Objectives: objs, Motifs: motifs, Emu: emu.NewToy()}
}

func toyState(t *testing.T) []byte {
	t.Helper()
	state, err := emu.NewToy().Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	return state
}

// ----------------------------------------------------------------------

func TestLRUCache(t *testing.T) {
	c := newLRUCache[string, int](2)
	c.put("a", 1)
	c.put("b", 2)
	if v, ok := c.get("a"); !ok || v != 1 {
		t.Fatalf("expected a=1, got %d ok=%v", v, ok)
	}

	// "b" is now least recently used and must be the one evicted.
	c.put("c", 3)
	if _, ok := c.get("b"); ok {
		t.Error("expected b evicted")
	}
	if _, ok := c.get("a"); !ok {
		t.Error("expected a retained")
	}
	if _, ok := c.get("c"); !ok {
		t.Error("expected c retained")
	}
	if c.len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.len())
	}
}

func TestLRUCache_UpdateExisting(t *testing.T) {
	c := newLRUCache[string, int](2)
	c.put("a", 1)
	c.put("a", 5)
	if v, _ := c.get("a"); v != 5 {
		t.Errorf("expected updated value 5, got %d", v)
	}
	if c.len() != 1 {
		t.Errorf("expected 1 entry, got %d", c.len())
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	req := &search.ScoreRequest{
		State:     toyState(t),
		Candidate: repeat(input.Right, 10),
		Futures:   [][]byte{repeat(input.Right, 20)},
	}
	env, err := NewEnvelope(req)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.ID = 42

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != 42 || decoded.Kind != KindScore {
		t.Errorf("expected id 42 kind score, got %d %q", decoded.ID, decoded.Kind)
	}
	if decoded.Score == nil || len(decoded.Score.Candidate) != 10 {
		t.Fatalf("expected candidate preserved, got %+v", decoded.Score)
	}
}

func TestEnvelope_CacheKeyIgnoresID(t *testing.T) {
	req := &search.ImproveRequest{Approach: search.ApproachChop, Improveme: repeat(0, 20), Seed: 3}
	a, err := NewEnvelope(req)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	b, _ := NewEnvelope(req)
	a.ID, b.ID = 1, 2

	ka, err := a.CacheKey()
	if err != nil {
		t.Fatalf("cache key: %v", err)
	}
	kb, _ := b.CacheKey()
	if ka != kb {
		t.Error("expected identical cache keys for identical payloads")
	}
}

func TestTokenManager(t *testing.T) {
	m := NewTokenManager("secret")
	token, err := m.Generate("worker-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.WorkerID != "worker-1" {
		t.Errorf("expected worker-1, got %q", claims.WorkerID)
	}

	if _, err := m.Validate(""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
	if _, err := NewTokenManager("other").Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

// ----------------------------------------------------------------------

func TestWorker_ResponseCache(t *testing.T) {
	w := NewWorker("w1", newTestEvaluator(t), nil)
	req := &search.ScoreRequest{State: toyState(t), Candidate: repeat(input.Right, 5)}
	env, err := NewEnvelope(req)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}

	env.ID = 1
	first, _ := json.Marshal(env)
	env.ID = 2
	second, _ := json.Marshal(env)

	var resp1, resp2 ResponseEnvelope
	if err := json.Unmarshal(w.handle(context.Background(), first), &resp1); err != nil {
		t.Fatalf("first response: %v", err)
	}
	if err := json.Unmarshal(w.handle(context.Background(), second), &resp2); err != nil {
		t.Fatalf("second response: %v", err)
	}

	if resp1.ID != 1 || resp2.ID != 2 {
		t.Errorf("expected response ids 1 and 2, got %d and %d", resp1.ID, resp2.ID)
	}
	if resp1.Score == nil || resp2.Score == nil {
		t.Fatal("expected score responses")
	}
	if resp1.Score.Immediate != resp2.Score.Immediate {
		t.Errorf("expected identical cached score, got %f vs %f",
			resp1.Score.Immediate, resp2.Score.Immediate)
	}
	if hits, misses := w.Stats(); hits != 1 || misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %d and %d", hits, misses)
	}
}

func TestWorker_UnknownKind(t *testing.T) {
	w := NewWorker("w1", newTestEvaluator(t), nil)
	data, _ := json.Marshal(&Envelope{ID: 9, Kind: "bogus"})
	var resp ResponseEnvelope
	if err := json.Unmarshal(w.handle(context.Background(), data), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp.ID != 9 || resp.Error == "" {
		t.Errorf("expected error response for unknown kind, got %+v", resp)
	}
}

// ----------------------------------------------------------------------

func startHub(t *testing.T, secret string) (*Hub, string) {
	t.Helper()
	tokens := NewTokenManager(secret)
	hub := NewHub(tokens)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return hub, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func waitForWorkers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.WorkerCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d workers, got %d", n, hub.WorkerCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHub_DispatchNoWorkers(t *testing.T) {
	hub, _ := startHub(t, "secret")
	results := hub.Dispatch(context.Background(), []search.Request{
		&search.ScoreRequest{State: toyState(t)},
	})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !errors.Is(results[0].Err, ErrNoWorkers) {
		t.Errorf("expected ErrNoWorkers, got %v", results[0].Err)
	}
}

func TestHub_EndToEnd(t *testing.T) {
	hub, url := startHub(t, "secret")
	token, err := NewTokenManager("secret").Generate("w1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewWorker("w1", newTestEvaluator(t), nil)
	go worker.Run(ctx, url, token)
	waitForWorkers(t, hub, 1)

	state := toyState(t)
	reqs := []search.Request{
		&search.ScoreRequest{
			State:     state,
			Candidate: repeat(input.Right, 10),
			Futures:   [][]byte{repeat(input.Right, 20)},
		},
		&search.ImproveRequest{
			Approach:    search.ApproachRandom,
			StartState:  state,
			EndState:    state,
			Improveme:   repeat(0, 20),
			EndIntegral: 0,
			Iters:       20,
			MaxBest:     2,
			Seed:        5,
		},
	}
	results := hub.Dispatch(context.Background(), reqs)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Err != nil || results[0].Score == nil {
		t.Fatalf("expected score result, got %+v", results[0])
	}
	if results[0].Score.Immediate <= 0 {
		t.Errorf("expected positive immediate score, got %f", results[0].Score.Immediate)
	}
	if results[1].Err != nil || results[1].Improve == nil {
		t.Fatalf("expected improve result, got %+v", results[1])
	}
	if results[1].Improve.ItersTried != 20 {
		t.Errorf("expected 20 iters tried, got %d", results[1].Improve.ItersTried)
	}
}

func TestHub_RejectsBadToken(t *testing.T) {
	hub, url := startHub(t, "secret")
	token, _ := NewTokenManager("wrong-secret").Generate("w1")

	worker := NewWorker("w1", newTestEvaluator(t), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := worker.Run(ctx, url, token); err == nil {
		t.Error("expected connection rejected for bad token")
	}
	if hub.WorkerCount() != 0 {
		t.Errorf("expected no registered workers, got %d", hub.WorkerCount())
	}
}
