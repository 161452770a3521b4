package emu

import (
	"crypto/sha256"

	"github.com/rs/zerolog/log"
)

// stepKey identifies a (state, input) transition.
type stepKey struct {
	state [sha256.Size]byte
	input byte
}

// Caching wraps an Emulator and memoizes Step transitions on the exact
// (state, input) pair, so replaying a committed prefix or re-evaluating a
// cached candidate costs a state load instead of emulation.
type Caching struct {
	inner Emulator
	cap   int

	cur    []byte // current state snapshot, nil when unknown
	steps  map[stepKey][]byte
	hits   uint64
	misses uint64
}

// NewCaching wraps inner with a step cache holding at most capacity entries.
func NewCaching(inner Emulator, capacity int) *Caching {
	return &Caching{
		inner: inner,
		cap:   capacity,
		steps: make(map[stepKey][]byte),
	}
}

// Step advances one frame, consulting the transition cache first.
func (c *Caching) Step(inp byte) error {
	cur, err := c.state()
	if err != nil {
		return err
	}
	key := stepKey{state: sha256.Sum256(cur), input: inp}
	if next, ok := c.steps[key]; ok {
		c.hits++
		if err := c.inner.Load(next); err != nil {
			return err
		}
		c.cur = next
		return nil
	}
	c.misses++
	if err := c.inner.Step(inp); err != nil {
		return err
	}
	next, err := c.inner.Save()
	if err != nil {
		return err
	}
	if len(c.steps) >= c.cap {
		c.evict()
	}
	c.steps[key] = next
	c.cur = next
	return nil
}

// Save returns the current state snapshot.
func (c *Caching) Save() ([]byte, error) {
	cur, err := c.state()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(cur))
	copy(out, cur)
	return out, nil
}

// Load restores a snapshot.
func (c *Caching) Load(state []byte) error {
	if err := c.inner.Load(state); err != nil {
		return err
	}
	c.cur = append([]byte(nil), state...)
	return nil
}

// Memory returns the current memory snapshot.
func (c *Caching) Memory() ([]byte, error) {
	return c.inner.Memory()
}

// Stats returns cache hit and miss counts since creation.
func (c *Caching) Stats() (hits, misses uint64) {
	return c.hits, c.misses
}

// LogStats emits a debug line with the cache hit rate.
func (c *Caching) LogStats() {
	total := c.hits + c.misses
	if total == 0 {
		return
	}
	log.Debug().
		Uint64("hits", c.hits).
		Uint64("misses", c.misses).
		Int("entries", len(c.steps)).
		Float64("hitRate", float64(c.hits)/float64(total)).
		Msg("Emulator step cache")
}

func (c *Caching) state() ([]byte, error) {
	if c.cur != nil {
		return c.cur, nil
	}
	cur, err := c.inner.Save()
	if err != nil {
		return nil, err
	}
	c.cur = cur
	return cur, nil
}

// evict drops a handful of entries. Map iteration order is effectively
// random, which is good enough for a transition cache.
func (c *Caching) evict() {
	dropped := 0
	for k := range c.steps {
		delete(c.steps, k)
		dropped++
		if dropped >= c.cap/10+1 {
			return
		}
	}
}
