// Package queue drains queued outbound messages through ready instances,
// inside a work-hours window, with a bounded number of retry tiers.
package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"warmline/internal/circuit"
	"warmline/internal/eventbus"
	"warmline/internal/instance"
	"warmline/internal/storage"
	"warmline/internal/transport"
	logx "warmline/pkg/logx"
)

var (
	ErrOutOfHours     = errors.New("outside work hours")
	ErrNoCapacity     = errors.New("no ready instance available")
	ErrAlreadySending = errors.New("queue is already sending")
)

// Registry is the part of instance.Registry the processor sends through.
type Registry interface {
	List(f instance.Filter) []string
	Acquire(id, holder string) bool
	Release(id, holder string)
	Send(ctx context.Context, from, to string, c transport.Content) (transport.MessageKey, error)
}

type Store interface {
	storage.QueueStore
	storage.SuppressionStore
	storage.OutreachStore
}

type Config struct {
	WorkHours     WorkHours
	MaxAttempts   int
	RatePerMinute int // 0 = unlimited
	SendDelayMin  time.Duration
	SendDelayMax  time.Duration
	RequireWarmed bool
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SendDelayMax < c.SendDelayMin {
		c.SendDelayMax = c.SendDelayMin
	}
	if c.WorkHours.Location == nil {
		c.WorkHours, _ = ParseWorkHours("", "", nil, time.Local)
	}
	return c
}

func (c Config) limit() rate.Limit {
	if c.RatePerMinute <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(c.RatePerMinute) / 60)
}

// State is the observable run state.
type State struct {
	IsSending    bool   `json:"isSending"`
	MessageCount int    `json:"messageCount"` // pending when the run started
	MessagePass  int    `json:"messagePass"`  // sent in this run
	Attempt      int    `json:"attempt"`      // current tier
	LastError    string `json:"lastError,omitempty"`
}

type Option func(*Processor)

func WithLogger(log logx.Logger) Option { return func(p *Processor) { p.log = log } }

func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

func WithRand(rng *rand.Rand) Option { return func(p *Processor) { p.rng = rng } }

// WithBreaker shares a per-instance circuit breaker.
func WithBreaker(b *circuit.Breaker) Option { return func(p *Processor) { p.breaker = b } }

// busyWait is how long a run waits when every ready instance is leased.
const busyWait = time.Second

type Processor struct {
	reg     Registry
	store   Store
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	breaker *circuit.Breaker
	limiter *rate.Limiter

	rngMu sync.Mutex
	rng   *rand.Rand

	mu    sync.Mutex
	cfg   Config
	base  context.Context
	state State
	stop  chan struct{}
	done  chan struct{}
}

func New(reg Registry, store Store, bus eventbus.Bus, cfg Config, opts ...Option) *Processor {
	cfg = cfg.withDefaults()
	p := &Processor{
		reg:     reg,
		store:   store,
		bus:     bus,
		now:     time.Now,
		cfg:     cfg,
		base:    context.Background(),
		limiter: rate.NewLimiter(cfg.limit(), 1),
	}
	for _, o := range opts {
		o(p)
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if p.breaker == nil {
		p.breaker = circuit.New(circuit.Config{Trip: 3, BaseDelay: time.Minute, MaxDelay: 30 * time.Minute})
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	if p.bus == nil {
		p.bus = eventbus.Nop{}
	}
	p.log = p.log.With(logx.String("comp", "queue"))
	return p
}

// Bind sets the context runs started later execute under.
func (p *Processor) Bind(ctx context.Context) {
	p.mu.Lock()
	p.base = ctx
	p.mu.Unlock()
}

// SetConfig applies reloaded settings. A running run picks them up on its
// next iteration.
func (p *Processor) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	p.limiter.SetLimit(cfg.limit())
}

func (p *Processor) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// candidates lists instances allowed to send (ignoring leases).
func (p *Processor) candidates(cfg Config) []string {
	active := true
	f := instance.Filter{Active: &active, Ready: true}
	if cfg.RequireWarmed {
		warmed := true
		f.Warmed = &warmed
	}
	var out []string
	for _, id := range p.reg.List(f) {
		if ok, _ := p.breaker.Allow(id); ok {
			out = append(out, id)
		}
	}
	return out
}

// Start begins a run. Rejections are checked in order: a run in progress,
// the work-hours window, then capacity.
func (p *Processor) Start(ctx context.Context) error {
	cfg := p.config()
	p.mu.Lock()
	if p.state.IsSending || (p.done != nil && !closed(p.done)) {
		p.mu.Unlock()
		return ErrAlreadySending
	}
	p.mu.Unlock()

	if !cfg.WorkHours.Contains(p.now()) {
		return ErrOutOfHours
	}
	if len(p.candidates(cfg)) == 0 {
		return ErrNoCapacity
	}
	pending, err := p.store.CountPending(ctx, cfg.MaxAttempts)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.state.IsSending || (p.done != nil && !closed(p.done)) {
		p.mu.Unlock()
		return ErrAlreadySending
	}
	p.state = State{IsSending: true, MessageCount: pending}
	stop, done := make(chan struct{}), make(chan struct{})
	p.stop, p.done = stop, done
	base := p.base
	p.mu.Unlock()

	p.log.Info("queue run started", logx.Int("pending", pending), logx.String("window", cfg.WorkHours.String()))
	p.progress()
	go func() {
		defer close(done)
		p.run(base, stop)
	}()
	return nil
}

// Stop ends the current run after the in-flight send. It reports whether a
// run was active.
func (p *Processor) Stop() bool {
	p.mu.Lock()
	if !p.state.IsSending {
		p.mu.Unlock()
		return false
	}
	p.state.IsSending = false
	close(p.stop)
	p.mu.Unlock()
	p.log.Info("queue run stop requested")
	p.progress()
	return true
}

// Wait blocks until the last run's goroutine has exited.
func (p *Processor) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear deletes every unsent message, stopping a run first.
func (p *Processor) Clear(ctx context.Context) (int, error) {
	p.Stop()
	n, err := p.store.ClearPending(ctx)
	if err != nil {
		return 0, err
	}
	p.log.Info("queue cleared", logx.Int("deleted", n))
	return n, nil
}

// ResetExhausted makes messages that failed every tier eligible again.
func (p *Processor) ResetExhausted(ctx context.Context) (int, error) {
	return p.store.ResetExhausted(ctx, p.config().MaxAttempts)
}

func (p *Processor) Remove(ctx context.Context, id string) error {
	return p.store.DeleteQueued(ctx, id)
}

func (p *Processor) List(ctx context.Context, limit int) ([]storage.QueuedMessage, error) {
	return p.store.ListQueued(ctx, limit)
}

// Autostart is the cron entry point; rejections are only logged.
func (p *Processor) Autostart() {
	p.mu.Lock()
	ctx := p.base
	p.mu.Unlock()
	if err := p.Start(ctx); err != nil {
		p.log.Info("queue autostart skipped", logx.Err(err))
	}
}

func (p *Processor) progress() {
	st := p.State()
	p.bus.Publish(eventbus.Event{Type: eventbus.QueueProgress, Data: eventbus.QueueProgressData{
		MessageCount: st.MessageCount,
		MessagePass:  st.MessagePass,
		IsSending:    st.IsSending,
		Attempt:      st.Attempt,
	}})
}

func (p *Processor) run(ctx context.Context, stop <-chan struct{}) {
	start := time.Now()
	defer func() {
		p.mu.Lock()
		p.state.IsSending = false
		st := p.state
		p.mu.Unlock()
		p.progress()
		p.log.Info("queue run finished",
			logx.Int("sent", st.MessagePass), logx.Int("pending_at_start", st.MessageCount),
			logx.Duration("dur", time.Since(start)))
	}()

	first := true
	for tier := 0; tier < p.config().MaxAttempts; tier++ {
		p.mu.Lock()
		p.state.Attempt = tier
		p.mu.Unlock()

		for {
			// fast-exit so stop wins over queued work
			if stopped(stop) || ctx.Err() != nil {
				return
			}
			cfg := p.config()
			if !cfg.WorkHours.Contains(p.now()) {
				p.log.Info("work window closed; ending run")
				return
			}

			msg, ok, err := p.store.SampleOneAtTier(ctx, tier)
			if err != nil {
				p.log.Error("sample queued message failed", logx.Err(err))
				return
			}
			if !ok {
				break
			}

			if !first {
				if err := p.pace(ctx, stop, cfg); err != nil {
					return
				}
			}
			first = false

			inst, ok := p.lease(ctx, stop, cfg)
			if !ok {
				return
			}
			if err := p.deliver(ctx, inst, msg); err != nil {
				p.log.Error("queue store update failed; ending run", logx.String("msg", msg.ID), logx.Err(err))
				return
			}
		}
	}
}

// pace waits for the rate limiter and a random human-like gap.
func (p *Processor) pace(ctx context.Context, stop <-chan struct{}, cfg Config) error {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-lctx.Done():
		}
	}()
	if err := p.limiter.Wait(lctx); err != nil {
		return err
	}
	return wait(ctx, stop, p.between(cfg.SendDelayMin, cfg.SendDelayMax))
}

// lease picks a random sendable instance and leases it. It waits while every
// candidate is busy and gives up when none is left at all.
func (p *Processor) lease(ctx context.Context, stop <-chan struct{}, cfg Config) (string, bool) {
	for {
		cands := p.candidates(cfg)
		if len(cands) == 0 {
			p.log.Warn("no sendable instance left; ending run")
			p.mu.Lock()
			p.state.LastError = ErrNoCapacity.Error()
			p.mu.Unlock()
			return "", false
		}
		p.rngMu.Lock()
		p.rng.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
		p.rngMu.Unlock()
		for _, id := range cands {
			if p.reg.Acquire(id, instance.HolderQueue) {
				return id, true
			}
		}
		if wait(ctx, stop, busyWait) != nil {
			return "", false
		}
	}
}

// deliver sends one message and records the outcome. Only store failures
// are returned; send failures move the message to the next tier.
func (p *Processor) deliver(ctx context.Context, inst string, msg storage.QueuedMessage) error {
	_, sendErr := p.reg.Send(ctx, inst, msg.Recipient, transport.Content{Text: msg.Text, TTS: msg.TTS})
	p.reg.Release(inst, instance.HolderQueue)
	p.breaker.Record(inst, sendErr)

	status := eventbus.QueueMessageStatusData{ID: msg.ID, To: msg.Recipient, InstanceID: inst, Attempt: msg.Attempt}
	if sendErr != nil {
		if err := p.store.MarkFailed(ctx, msg.ID, sendErr.Error()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		p.mu.Lock()
		p.state.LastError = sendErr.Error()
		p.mu.Unlock()
		p.log.Warn("queued send failed", logx.String("msg", msg.ID), logx.String("instance", inst),
			logx.Int("attempt", msg.Attempt+1), logx.Err(sendErr))
		status.Attempt, status.Error = msg.Attempt+1, sendErr.Error()
		p.bus.Publish(eventbus.Event{Type: eventbus.QueueMessageStatus, Data: status})
		return nil
	}

	now := p.now()
	if err := p.store.MarkSent(ctx, msg.ID, inst, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := p.store.SaveOutreach(ctx, storage.Outreach{
		ID: uuid.NewString(), QueueID: msg.ID, InstanceID: inst, Peer: msg.Recipient, Text: msg.Text, SentAt: now,
	}); err != nil {
		p.log.Warn("save outreach failed", logx.String("msg", msg.ID), logx.Err(err))
	}
	p.mu.Lock()
	p.state.MessagePass++
	p.mu.Unlock()
	status.Sent = true
	p.bus.Publish(eventbus.Event{Type: eventbus.QueueMessageStatus, Data: status})
	p.progress()
	return nil
}

func (p *Processor) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return lo + time.Duration(p.rng.Int63n(int64(hi-lo)+1))
}

func wait(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errStopped
	case <-t.C:
		return nil
	}
}

var errStopped = errors.New("stopped")

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func closed(ch chan struct{}) bool { return stopped(ch) }
