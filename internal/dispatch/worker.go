package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ddugovic/tasbot/internal/search"
)

// Worker connects to a Hub and evaluates one request at a time against its
// own evaluator. Responses go through a small local LRU and an optional
// shared Redis cache, so resubmitted requests come back without
// recomputation.
type Worker struct {
	id     string
	eval   *search.Evaluator
	shared *SharedCache
	cache  *lruCache[string, *ResponseEnvelope]

	hits, misses uint64
}

// NewWorker creates a Worker. shared may be nil.
func NewWorker(id string, eval *search.Evaluator, shared *SharedCache) *Worker {
	return &Worker{
		id:     id,
		eval:   eval,
		shared: shared,
		cache:  newLRUCache[string, *ResponseEnvelope](workerCacheSize),
	}
}

// Run dials the hub and serves requests until the connection drops or the
// context is canceled.
func (w *Worker) Run(ctx context.Context, serverURL, token string) error {
	u := serverURL + "?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dispatch: dial %s: %w", serverURL, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	log.Info().Str("workerId", w.id).Str("server", serverURL).Msg("Worker connected")
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("dispatch: read: %w", err)
		}
		// One request at a time keeps the evaluator's emulator safe to
		// share across requests.
		conn.SetReadDeadline(time.Time{})
		resp := w.handle(ctx, message)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
			return fmt.Errorf("dispatch: write: %w", err)
		}
	}
}

func (w *Worker) handle(ctx context.Context, message []byte) []byte {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		data, _ := json.Marshal(&ResponseEnvelope{Error: "bad request: " + err.Error()})
		return data
	}
	resp := w.respond(ctx, &env)
	out := *resp
	out.ID = env.ID
	data, err := json.Marshal(&out)
	if err != nil {
		data, _ = json.Marshal(&ResponseEnvelope{ID: env.ID, Error: err.Error()})
	}
	return data
}

// respond checks the local then the shared cache before computing. Cached
// entries are stored without an ID so they can answer any resubmission.
func (w *Worker) respond(ctx context.Context, env *Envelope) *ResponseEnvelope {
	key, keyErr := env.CacheKey()
	if keyErr == nil {
		if cached, ok := w.cache.get(key); ok {
			w.hits++
			log.Debug().Str("workerId", w.id).Str("kind", env.Kind).Msg("Response cache hit")
			return cached
		}
		if data, ok := w.shared.Get(ctx, key); ok {
			var resp ResponseEnvelope
			if json.Unmarshal(data, &resp) == nil && resp.Error == "" {
				w.hits++
				resp.ID = 0
				w.cache.put(key, &resp)
				return &resp
			}
		}
	}
	w.misses++

	resp := w.compute(env)
	if keyErr == nil && resp.Error == "" {
		w.cache.put(key, resp)
		if data, err := json.Marshal(resp); err == nil {
			w.shared.Put(ctx, key, data)
		}
	}
	return resp
}

func (w *Worker) compute(env *Envelope) *ResponseEnvelope {
	switch env.Kind {
	case KindScore:
		if env.Score == nil {
			return &ResponseEnvelope{Error: "score request missing payload"}
		}
		resp, err := w.eval.Score(env.Score)
		if err != nil {
			return &ResponseEnvelope{Error: err.Error()}
		}
		return &ResponseEnvelope{Score: resp}
	case KindImprove:
		if env.Improve == nil {
			return &ResponseEnvelope{Error: "improve request missing payload"}
		}
		resp, err := w.eval.Improve(env.Improve)
		if err != nil {
			return &ResponseEnvelope{Error: err.Error()}
		}
		return &ResponseEnvelope{Improve: resp}
	default:
		return &ResponseEnvelope{Error: "unknown request kind " + env.Kind}
	}
}

// Stats returns the cache hit and miss counts.
func (w *Worker) Stats() (hits, misses uint64) {
	return w.hits, w.misses
}
