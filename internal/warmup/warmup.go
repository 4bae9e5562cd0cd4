// Package warmup keeps instances exchanging organic-looking messages with each
// other before (and while) they are trusted for bulk sending.
package warmup

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"warmline/internal/eventbus"
	"warmline/internal/instance"
	"warmline/internal/transport"
	logx "warmline/pkg/logx"
)

var ErrAlreadyWarming = errors.New("warm-up already running")

// Registry is the part of instance.Registry the scheduler drives.
type Registry interface {
	List(f instance.Filter) []string
	Get(id string) (instance.Instance, bool)
	Acquire(id, holder string) bool
	Release(id, holder string)
	Send(ctx context.Context, from, to string, c transport.Content) (transport.MessageKey, error)
	Read(ctx context.Context, id string, keys []transport.MessageKey) error
	RecordWarmUp(ctx context.Context, id string, d instance.WarmUpDelta)
}

type Config struct {
	IntervalMin             time.Duration
	IntervalMax             time.Duration
	MessagesPerConversation int
	ReplyDelayMin           time.Duration
	ReplyDelayMax           time.Duration
	DailyConversationLimit  int // per instance
	PairDailyLimit          int // per pair of instances
	Location                *time.Location
}

func (c Config) withDefaults() Config {
	if c.IntervalMin <= 0 {
		c.IntervalMin = 5 * time.Minute
	}
	if c.IntervalMax < c.IntervalMin {
		c.IntervalMax = c.IntervalMin
	}
	if c.MessagesPerConversation <= 0 {
		c.MessagesPerConversation = 4
	}
	if c.ReplyDelayMax < c.ReplyDelayMin {
		c.ReplyDelayMax = c.ReplyDelayMin
	}
	if c.DailyConversationLimit <= 0 {
		c.DailyConversationLimit = 20
	}
	if c.PairDailyLimit <= 0 {
		c.PairDailyLimit = 3
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Schedule is the announced warm-up state.
type Schedule struct {
	IsWarming  bool       `json:"isWarming"`
	NextWarmAt *time.Time `json:"nextWarmAt"`
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithRand makes pair choice and scripts deterministic.
func WithRand(rng *rand.Rand) Option { return func(s *Scheduler) { s.rng = rng } }

// WithSleep replaces the delay used between scripted replies.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

type pairCount struct {
	day string
	n   int
}

type Scheduler struct {
	reg   Registry
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	cfg     Config
	base    context.Context
	warming bool
	next    *time.Time
	stop    chan struct{}
	done    chan struct{}
	active  map[string]eventbus.WarmConversation
	pairs   map[string]pairCount
}

func New(reg Registry, bus eventbus.Bus, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		reg:    reg,
		bus:    bus,
		now:    time.Now,
		sleep:  sleepCtx,
		cfg:    cfg.withDefaults(),
		base:   context.Background(),
		active: map[string]eventbus.WarmConversation{},
		pairs:  map[string]pairCount{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.bus == nil {
		s.bus = eventbus.Nop{}
	}
	s.log = s.log.With(logx.String("comp", "warmup"))
	return s
}

// Bind sets the context loops started later run under.
func (s *Scheduler) Bind(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
}

// SetConfig applies reloaded limits; the next tick uses them.
func (s *Scheduler) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Enable starts the warm-up loop. A loop that was disabled but is still
// finishing its conversation counts as running.
func (s *Scheduler) Enable() error {
	s.mu.Lock()
	if s.warming || (s.done != nil && !stopped(s.done)) {
		s.mu.Unlock()
		return ErrAlreadyWarming
	}
	s.warming = true
	stop, done := make(chan struct{}), make(chan struct{})
	s.stop, s.done = stop, done
	ctx := s.base
	s.mu.Unlock()

	s.log.Info("warm-up enabled")
	go func() {
		defer close(done)
		s.loop(ctx, stop)
	}()
	return nil
}

// Disable stops the loop after the current conversation (if any) finishes.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	if !s.warming {
		s.mu.Unlock()
		return
	}
	s.warming = false
	s.next = nil
	close(s.stop)
	s.mu.Unlock()
	s.log.Info("warm-up disabled")
	s.announce()
}

// Wait blocks until a disabled loop has fully exited.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
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

func (s *Scheduler) Schedule() Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Schedule{IsWarming: s.warming}
	if s.next != nil {
		t := *s.next
		out.NextWarmAt = &t
	}
	return out
}

// Active lists conversations in progress.
func (s *Scheduler) Active() []eventbus.WarmConversation {
	s.mu.Lock()
	out := make([]eventbus.WarmConversation, 0, len(s.active))
	for _, c := range s.active {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) announce() {
	sc := s.Schedule()
	s.bus.Publish(eventbus.Event{Type: eventbus.WarmUpSchedule, Data: eventbus.WarmSchedule{
		IsWarming: sc.IsWarming, NextWarmAt: sc.NextWarmAt,
	}})
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	for {
		wait := s.interval()
		next := s.now().Add(wait)
		s.mu.Lock()
		if stopped(stop) {
			s.mu.Unlock()
			return
		}
		s.next = &next
		s.mu.Unlock()
		s.announce()
		s.log.Debug("next warm-up tick", logx.Time("at", next))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-stop:
			t.Stop()
			return
		case <-t.C:
		}
		s.Tick(ctx)
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	lo, hi := s.cfg.IntervalMin, s.cfg.IntervalMax
	s.mu.Unlock()
	return s.between(lo, hi)
}

func (s *Scheduler) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return lo + time.Duration(s.rng.Int63n(int64(hi-lo)+1))
}

// Tick runs one warm-up round: pick a pair, hold a conversation.
// It reports whether a conversation was attempted.
func (s *Scheduler) Tick(ctx context.Context) bool {
	a, b, ok := s.pickPair()
	if !ok {
		s.log.Debug("no eligible warm-up pair")
		return false
	}
	s.converse(ctx, a, b)
	return true
}

func (s *Scheduler) today() string {
	s.mu.Lock()
	loc := s.cfg.Location
	s.mu.Unlock()
	return s.now().In(loc).Format("2006-01-02")
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// pickPair leases two ready, idle instances with budget left. Pairs are
// drawn uniformly among those that have not hit their daily limit.
func (s *Scheduler) pickPair() (string, string, bool) {
	today := s.today()
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	active := true
	var ids []string
	for _, id := range s.reg.List(instance.Filter{Active: &active, Ready: true}) {
		in, ok := s.reg.Get(id)
		if !ok || in.Holder != "" || in.DailyWarmConversationCount >= cfg.DailyConversationLimit {
			continue
		}
		ids = append(ids, id)
	}

	type pair struct{ a, b string }
	var cands []pair
	s.mu.Lock()
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			pc := s.pairs[pairKey(ids[i], ids[j])]
			if pc.day == today && pc.n >= cfg.PairDailyLimit {
				continue
			}
			cands = append(cands, pair{ids[i], ids[j]})
		}
	}
	s.mu.Unlock()

	s.rngMu.Lock()
	s.rng.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
	for _, p := range cands {
		if s.rng.Intn(2) == 1 {
			p.a, p.b = p.b, p.a
		}
		if !s.reg.Acquire(p.a, instance.HolderWarmUp) {
			continue
		}
		if !s.reg.Acquire(p.b, instance.HolderWarmUp) {
			s.reg.Release(p.a, instance.HolderWarmUp)
			continue
		}
		s.rngMu.Unlock()
		return p.a, p.b, true
	}
	s.rngMu.Unlock()
	return "", "", false
}

func (s *Scheduler) converse(ctx context.Context, a, b string) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	defer s.reg.Release(a, instance.HolderWarmUp)
	defer s.reg.Release(b, instance.HolderWarmUp)

	total := cfg.MessagesPerConversation
	s.rngMu.Lock()
	lines := script(s.rng, total)
	s.rngMu.Unlock()

	conv := eventbus.WarmConversation{ID: uuid.NewString(), A: a, B: b, Total: total}
	s.setActive(conv)
	s.bus.Publish(eventbus.Event{Type: eventbus.WarmUpConvStarted, Data: conv})
	log := s.log.With(logx.String("conv", conv.ID), logx.String("a", a), logx.String("b", b))
	log.Info("warm-up conversation started", logx.Int("messages", total))

	var (
		sent    int
		perSide = map[string]int{}
		last    transport.MessageKey
		err     error
	)
	for i := 0; i < total; i++ {
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		if i > 0 {
			// The receiver of the previous line reads it, then answers after a pause.
			if rerr := s.reg.Read(ctx, from, []transport.MessageKey{last}); rerr != nil {
				log.Debug("mark read failed", logx.Err(rerr))
			}
			if err = s.sleep(ctx, s.between(cfg.ReplyDelayMin, cfg.ReplyDelayMax)); err != nil {
				break
			}
		}
		var key transport.MessageKey
		key, err = s.reg.Send(ctx, from, to, transport.Content{Text: lines[i]})
		if err != nil {
			break
		}
		sent++
		perSide[from]++
		last = transport.MessageKey{ID: key.ID, Peer: from}

		conv.From, conv.To, conv.Index, conv.SentMessages = from, to, i+1, sent
		s.setActive(conv)
		s.bus.Publish(eventbus.Event{Type: eventbus.WarmUpConvActive, Data: conv})
	}

	s.mu.Lock()
	delete(s.active, conv.ID)
	s.mu.Unlock()

	conv.From, conv.To = "", ""
	if err != nil {
		conv.OK, conv.SentMessages, conv.Failed = false, 0, total-sent
		conv.Error = err.Error()
		log.Warn("warm-up conversation failed", logx.Int("sent", sent), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.WarmUpConvEnded, Data: conv})
		return
	}

	// The final receiver reads the last line too.
	if rerr := s.reg.Read(ctx, lastReceiver(a, b, total), []transport.MessageKey{last}); rerr != nil {
		log.Debug("mark read failed", logx.Err(rerr))
	}
	today := s.today()
	s.mu.Lock()
	k := pairKey(a, b)
	pc := s.pairs[k]
	if pc.day != today {
		pc = pairCount{day: today}
	}
	pc.n++
	s.pairs[k] = pc
	s.mu.Unlock()

	s.reg.RecordWarmUp(ctx, a, instance.WarmUpDelta{Messages: perSide[a], Conversations: 1})
	s.reg.RecordWarmUp(ctx, b, instance.WarmUpDelta{Messages: perSide[b], Conversations: 1})
	conv.OK, conv.SentMessages = true, sent
	log.Info("warm-up conversation ended", logx.Int("sent", sent))
	s.bus.Publish(eventbus.Event{Type: eventbus.WarmUpConvEnded, Data: conv})
}

// lastReceiver returns who received the last of n alternating lines started by a.
func lastReceiver(a, b string, n int) string {
	if n%2 == 1 {
		return b
	}
	return a
}

func (s *Scheduler) setActive(c eventbus.WarmConversation) {
	s.mu.Lock()
	s.active[c.ID] = c
	s.mu.Unlock()
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
