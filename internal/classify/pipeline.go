// Package classify turns inbound replies to outreach messages into verdicts.
//
// Replies are debounced per outreach message, so a burst of fragments is
// classified once using the whole recent conversation. The model verdict is
// then passed through deterministic rules before it is stored and acted on.
package classify

import (
	"context"
	"sync"
	"time"

	"warmline/internal/eventbus"
	"warmline/internal/storage"
	"warmline/internal/transport"
	logx "warmline/pkg/logx"
)

type Registry interface {
	Managed(id string) bool
	Send(ctx context.Context, from, to string, c transport.Content) (transport.MessageKey, error)
}

type Store interface {
	storage.ChatStore
	storage.OutreachStore
	storage.SuppressionStore
}

type Config struct {
	Enabled   bool
	Debounce  time.Duration
	Window    time.Duration // how far back the conversation is read
	MaxTurns  int
	Locale    string
	Location  *time.Location
	AutoReply bool
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = time.Minute
	}
	if c.Window <= 0 {
		c.Window = 72 * time.Hour
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 30
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type Option func(*Pipeline)

func WithLogger(log logx.Logger) Option { return func(p *Pipeline) { p.log = log } }

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

type Pipeline struct {
	reg        Registry
	store      Store
	bus        eventbus.Bus
	classifier Classifier
	log        logx.Logger
	now        func() time.Time
	debounce   *Debouncer

	mu   sync.Mutex
	cfg  Config
	base context.Context
}

func New(reg Registry, store Store, bus eventbus.Bus, c Classifier, cfg Config, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		reg:        reg,
		store:      store,
		bus:        bus,
		classifier: c,
		now:        time.Now,
		cfg:        cfg,
		base:       context.Background(),
		debounce:   NewDebouncer(cfg.Debounce),
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	if p.bus == nil {
		p.bus = eventbus.Nop{}
	}
	p.log = p.log.With(logx.String("comp", "classify"))
	return p
}

func (p *Pipeline) Bind(ctx context.Context) {
	p.mu.Lock()
	p.base = ctx
	p.mu.Unlock()
}

func (p *Pipeline) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	p.debounce.SetDelay(cfg.Debounce)
}

// SetClassifier swaps the backend, e.g. after the API key changed.
func (p *Pipeline) SetClassifier(c Classifier) {
	p.mu.Lock()
	p.classifier = c
	p.mu.Unlock()
}

func (p *Pipeline) snapshot() (Config, Classifier, context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg, p.classifier, p.base
}

// Run consumes inbound messages from the bus until ctx ends.
func (p *Pipeline) Run(ctx context.Context) error {
	p.Bind(ctx)
	ch, unsub := p.bus.Subscribe(256, eventbus.MessageIncoming)
	defer unsub()
	defer p.debounce.Stop()
	p.log.Info("classification pipeline started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if m, ok := ev.Data.(eventbus.ChatMessage); ok {
				p.Observe(ctx, m)
			}
		}
	}
}

// Observe (re)arms the debounce timer for the outreach message m replies to.
// It reports whether a classification was scheduled.
func (p *Pipeline) Observe(ctx context.Context, m eventbus.ChatMessage) bool {
	cfg, c, _ := p.snapshot()
	if !cfg.Enabled || c == nil || m.FromMe {
		return false
	}
	// warm-up traffic between our own accounts
	if p.reg.Managed(m.Peer) {
		return false
	}
	o, ok, err := p.store.LatestOutreach(ctx, m.InstanceID, m.Peer)
	if err != nil {
		p.log.Warn("lookup outreach failed", logx.String("instance", m.InstanceID), logx.String("peer", m.Peer), logx.Err(err))
		return false
	}
	if !ok {
		return false
	}
	p.debounce.Trigger(o.ID, func() {
		_, _, base := p.snapshot()
		if _, err := p.Classify(base, o); err != nil {
			p.log.Warn("classification dropped", logx.String("outreach", o.ID), logx.String("peer", o.Peer), logx.Err(err))
		}
	})
	return true
}

// Pending is the number of armed debounce timers.
func (p *Pipeline) Pending() int { return p.debounce.Pending() }

// Window assembles the recent conversation for o, oldest first.
func (p *Pipeline) Window(ctx context.Context, o storage.Outreach) ([]Turn, error) {
	cfg, _, _ := p.snapshot()
	msgs, err := p.store.Conversation(ctx, o.InstanceID, o.Peer, p.now().Add(-cfg.Window), cfg.MaxTurns)
	if err != nil {
		return nil, err
	}
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		role := RoleLead
		if m.FromMe {
			role = RoleYou
		}
		turns = append(turns, Turn{Role: role, Text: m.Text, At: m.At})
	}
	return turns, nil
}

// Classify scores the conversation behind o, stores the verdict and acts on
// it. Auto-reply failures are logged, not returned.
func (p *Pipeline) Classify(ctx context.Context, o storage.Outreach) (storage.Classification, error) {
	cfg, c, _ := p.snapshot()
	start := p.now()
	turns, err := p.Window(ctx, o)
	if err != nil {
		return storage.Classification{}, err
	}
	v, err := c.Classify(ctx, Request{
		Locale:        cfg.Locale,
		Timezone:      cfg.Location.String(),
		ReferenceTime: start.In(cfg.Location),
		Outreach:      o.Text,
		Conversation:  turns,
	})
	if err != nil {
		return storage.Classification{}, err
	}
	v = Override(v, o.Text, turns)
	v.ClassifiedAt = p.now()

	if err := p.store.AppendClassification(ctx, o.ID, v); err != nil {
		return storage.Classification{}, err
	}
	p.log.Info("reply classified",
		logx.String("outreach", o.ID), logx.String("peer", o.Peer),
		logx.String("intent", v.Intent), logx.String("action", v.Action),
		logx.String("department", v.Department), logx.Int("turns", len(turns)))

	// Automated responders still get the neutral closing line before suppression.
	dnc := v.Action == ActionDoNotContact
	if cfg.AutoReply && v.SuggestedReply != "" && (!dnc || v.SuggestedReply == NeutralReply) {
		if _, err := p.reg.Send(ctx, o.InstanceID, o.Peer, transport.Content{Text: v.SuggestedReply}); err != nil {
			p.log.Warn("auto-reply failed", logx.String("outreach", o.ID), logx.String("instance", o.InstanceID), logx.Err(err))
		}
	}
	if dnc {
		if err := p.store.AddSuppression(ctx, o.Peer, "classified do-not-contact"); err != nil {
			p.log.Warn("suppress lead failed", logx.String("peer", o.Peer), logx.Err(err))
		}
	}

	if v.Interested {
		p.bus.Publish(eventbus.Event{Type: eventbus.OpportunityClassified, Data: eventbus.Opportunity{
			OutreachID: o.ID,
			InstanceID: o.InstanceID,
			Peer:       o.Peer,
			Intent:     v.Intent,
			Action:     v.Action,
			Department: v.Department,
			Confidence: v.Confidence,
			Reason:     v.Reason,
		}})
	}
	return v, nil
}

// Close cancels pending classifications and waits for running ones.
func (p *Pipeline) Close() { p.debounce.Stop() }
