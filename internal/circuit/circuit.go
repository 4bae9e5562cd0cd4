// Package circuit is a keyed consecutive-failure circuit breaker with
// exponential cooldown.
//
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= Trip,
//     opens the circuit for an exponentially increasing cooldown.
package circuit

import (
	"strings"
	"sync"
	"time"
)

type Config struct {
	Trip       int           // consecutive failures before opening; <0 disables
	BaseDelay  time.Duration // first cooldown
	MaxDelay   time.Duration
	ResetAfter time.Duration // forget failures older than this
}

func (c Config) withDefaults() Config {
	if c.Trip == 0 {
		c.Trip = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

type state struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type Breaker struct {
	cfg Config
	now func() time.Time

	mu sync.Mutex
	m  map[string]*state
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), now: time.Now, m: map[string]*state{}}
}

// WithClock is for tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func (b *Breaker) get(key string) *state {
	k := strings.TrimSpace(key)
	st := b.m[k]
	if st == nil {
		st = &state{}
		b.m[k] = st
	}
	return st
}

// resetStale forgets failures that are older than ResetAfter. Caller holds mu.
func (b *Breaker) resetStale(st *state, now time.Time) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > b.cfg.ResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

// Allow reports whether key may be tried now, and when it reopens otherwise.
func (b *Breaker) Allow(key string) (bool, time.Time) {
	if b == nil || b.cfg.Trip < 0 {
		return true, time.Time{}
	}
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(key)
	b.resetStale(st, now)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return false, st.openUntil
	}
	return true, time.Time{}
}

func (b *Breaker) Record(key string, err error) {
	if b == nil || b.cfg.Trip < 0 {
		return
	}
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(key)
	b.resetStale(st, now)

	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < b.cfg.Trip {
		return
	}

	d := b.cfg.BaseDelay
	for i := 0; i < st.fails-b.cfg.Trip; i++ {
		d *= 2
		if d >= b.cfg.MaxDelay {
			break
		}
	}
	st.openUntil = now.Add(min(d, b.cfg.MaxDelay))
}

// Open counts keys whose circuit is open right now.
func (b *Breaker) Open() int {
	if b == nil {
		return 0
	}
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, st := range b.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			n++
		}
	}
	return n
}
