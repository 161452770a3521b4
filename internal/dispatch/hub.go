package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ddugovic/tasbot/internal/search"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second // must be less than pongWait

	// Serialized emulator states ride inside requests, so frames are big.
	maxMsgSize  = 32 << 20
	sendBufSize = 64

	// requestTimeout bounds one send/receive attempt so a dead worker
	// cannot stall a round's gather.
	requestTimeout = 2 * time.Minute
)

// ErrNoWorkers is returned per request when no worker is connected; the
// engine evaluates those requests locally.
var ErrNoWorkers = errors.New("dispatch: no workers connected")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // workers authenticate with a token, not an origin
	},
}

// workerConn wraps one worker's WebSocket connection.
type workerConn struct {
	conn     *websocket.Conn
	workerID string
	send     chan []byte
}

// Hub accepts worker connections and implements search.Dispatcher by
// scattering requests across them and gathering every response.
type Hub struct {
	tokens  *TokenManager
	timeout time.Duration

	mu      sync.RWMutex
	workers []*workerConn

	nextID atomic.Uint64
	rr     atomic.Uint64

	pmu     sync.Mutex
	pending map[uint64]chan *ResponseEnvelope
}

// NewHub creates a Hub validating workers against tokens.
func NewHub(tokens *TokenManager) *Hub {
	return &Hub{
		tokens:  tokens,
		timeout: requestTimeout,
		pending: make(map[uint64]chan *ResponseEnvelope),
	}
}

// WorkerCount returns the number of connected workers.
func (h *Hub) WorkerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.workers)
}

// ServeWS handles GET /ws, upgrading authenticated workers. Auth is via the
// ?token= query parameter since WebSocket clients can't set headers portably.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.Validate(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, `{"error":"invalid or missing token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	wc := &workerConn{
		conn:     conn,
		workerID: claims.WorkerID,
		send:     make(chan []byte, sendBufSize),
	}
	h.register(wc)
	go h.writePump(wc)
	go h.readPump(wc)
	log.Info().
		Str("workerId", claims.WorkerID).
		Int("total", h.WorkerCount()).
		Msg("Worker connected")
}

func (h *Hub) register(wc *workerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workers = append(h.workers, wc)
}

func (h *Hub) unregister(wc *workerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, w := range h.workers {
		if w == wc {
			h.workers = append(h.workers[:i], h.workers[i+1:]...)
			close(wc.send)
			return
		}
	}
}

// Dispatch implements search.Dispatcher. Requests fan out over the
// connected workers with bounded concurrency; every slot in the returned
// slice is filled, with Err marking requests nobody answered.
func (h *Hub) Dispatch(ctx context.Context, reqs []search.Request) []search.Result {
	results := make([]search.Result, len(reqs))
	n := h.WorkerCount()
	if n == 0 {
		for i := range results {
			results[i] = search.Result{Err: ErrNoWorkers}
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(n * 4)
	for i := range reqs {
		i := i
		g.Go(func() error {
			results[i] = h.dispatchOne(ctx, reqs[i])
			return nil
		})
	}
	g.Wait()
	return results
}

// dispatchOne sends one request: retry once against the same worker, where
// its response cache makes the retry cheap, then once against another.
func (h *Hub) dispatchOne(ctx context.Context, req search.Request) search.Result {
	env, err := NewEnvelope(req)
	if err != nil {
		return search.Result{Err: err}
	}
	w := h.pickWorker(nil)
	if w == nil {
		return search.Result{Err: ErrNoWorkers}
	}
	resp, err := h.sendAndWait(ctx, w, env)
	if err != nil {
		log.Warn().Err(err).Str("workerId", w.workerID).Msg("Request failed, retrying")
		resp, err = h.sendAndWait(ctx, w, env)
	}
	if err != nil {
		if other := h.pickWorker(w); other != nil {
			resp, err = h.sendAndWait(ctx, other, env)
		}
	}
	if err != nil {
		return search.Result{Err: err}
	}
	return resp.Result()
}

// pickWorker round-robins over connected workers, skipping avoid when
// another choice exists.
func (h *Hub) pickWorker(avoid *workerConn) *workerConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.workers) == 0 {
		return nil
	}
	idx := int(h.rr.Add(1)) % len(h.workers)
	w := h.workers[idx]
	if w == avoid && len(h.workers) > 1 {
		w = h.workers[(idx+1)%len(h.workers)]
	}
	if w == avoid {
		return nil
	}
	return w
}

func (h *Hub) sendAndWait(ctx context.Context, w *workerConn, env *Envelope) (*ResponseEnvelope, error) {
	id := h.nextID.Add(1)
	sent := *env
	sent.ID = id
	data, err := json.Marshal(&sent)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode request: %w", err)
	}

	ch := make(chan *ResponseEnvelope, 1)
	h.pmu.Lock()
	h.pending[id] = ch
	h.pmu.Unlock()
	defer func() {
		h.pmu.Lock()
		delete(h.pending, id)
		h.pmu.Unlock()
	}()

	select {
	case w.send <- data:
	default:
		return nil, fmt.Errorf("dispatch: worker %s send buffer full", w.workerID)
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("dispatch: worker %s timed out", w.workerID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readPump routes responses back to their waiting senders.
func (h *Hub) readPump(wc *workerConn) {
	defer func() {
		h.unregister(wc)
		wc.conn.Close()
		log.Info().Str("workerId", wc.workerID).Msg("Worker disconnected")
	}()

	wc.conn.SetReadLimit(maxMsgSize)
	wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("workerId", wc.workerID).Msg("Worker unexpected close")
			}
			return
		}
		var resp ResponseEnvelope
		if err := json.Unmarshal(message, &resp); err != nil {
			log.Warn().Err(err).Str("workerId", wc.workerID).Msg("Bad worker response")
			continue
		}
		h.pmu.Lock()
		ch, ok := h.pending[resp.ID]
		delete(h.pending, resp.ID)
		h.pmu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (h *Hub) writePump(wc *workerConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wc.conn.Close()
	}()

	for {
		select {
		case message, ok := <-wc.send:
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := wc.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
