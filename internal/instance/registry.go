package instance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"warmline/internal/eventbus"
	"warmline/internal/runtime/supervisor"
	"warmline/internal/storage"
	"warmline/internal/transport"
	logx "warmline/pkg/logx"
)

// Store is the persistence the registry needs.
type Store interface {
	storage.CredentialStore
	storage.InstanceStore
	storage.ChatStore
}

type Config struct {
	// WarmUpDays is how many distinct warm-up days graduate an instance.
	WarmUpDays   int
	SendTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Location     *time.Location
}

func (c Config) withDefaults() Config {
	if c.WarmUpDays <= 0 {
		c.WarmUpDays = 5
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 2 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 2 * time.Minute
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// entry is the live side of one instance. Guarded by Registry.mu.
type entry struct {
	rec    storage.InstanceRecord
	state  State
	holder string
	qr     string

	sess transport.Session
	stop chan struct{}
	// gen changes whenever the session is replaced; events from an older
	// generation are ignored.
	gen uint64

	reconnects int
}

type Registry struct {
	factory transport.Factory
	store   Store
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	sup     *supervisor.Supervisor

	mu  sync.Mutex
	cfg Config
	m   map[string]*entry
}

func New(factory transport.Factory, store Store, bus eventbus.Bus, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		factory: factory,
		store:   store,
		bus:     bus,
		now:     time.Now,
		cfg:     cfg.withDefaults(),
		m:       map[string]*entry{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if r.bus == nil {
		r.bus = eventbus.Nop{}
	}
	r.log = r.log.With(logx.String("comp", "registry"))
	r.sup = supervisor.New(context.Background(), supervisor.WithLogger(r.log))
	return r
}

// SetConfig applies a reloaded config. Existing sessions are kept.
func (r *Registry) SetConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *Registry) today() string {
	r.mu.Lock()
	loc := r.cfg.Location
	r.mu.Unlock()
	return r.now().In(loc).Format(dayLayout)
}

// Restore loads persisted instances and reconnects the active ones that
// already hold credentials.
func (r *Registry) Restore(ctx context.Context) error {
	recs, err := r.store.ListInstances(ctx)
	if err != nil {
		return err
	}
	var reconnect []string
	r.mu.Lock()
	for _, rec := range recs {
		if _, ok := r.m[rec.ID]; ok {
			continue
		}
		e := &entry{rec: rec, state: StateUnregistered}
		if !rec.IsActive {
			e.state = StateDisabled
		}
		r.m[rec.ID] = e
		if rec.IsActive {
			reconnect = append(reconnect, rec.ID)
		}
	}
	r.mu.Unlock()

	for _, id := range reconnect {
		creds, err := r.store.GetCredentials(ctx, id)
		if err != nil {
			r.log.Warn("restore: read credentials failed", logx.String("id", id), logx.Err(err))
			continue
		}
		if len(creds) == 0 {
			continue
		}
		if _, err := r.attach(ctx, id); err != nil {
			r.fail(ctx, id, 500, err)
		}
	}
	r.log.Info("instances restored", logx.Int("count", len(recs)), logx.Int("reconnecting", len(reconnect)))
	return nil
}

// AddInstance registers id and starts pairing. A live session for id is
// torn down before the new one is attached.
func (r *Registry) AddInstance(ctx context.Context, id string) (transport.Pairing, error) {
	if id == "" {
		return transport.Pairing{}, fmt.Errorf("%w: empty id", ErrRegistration)
	}
	r.mu.Lock()
	e := r.m[id]
	if e == nil {
		e = &entry{rec: storage.InstanceRecord{ID: id}}
		r.m[id] = e
	}
	hadSession := e.sess != nil
	e.rec.IsActive = true
	e.state = StateUnregistered
	r.mu.Unlock()

	if hadSession {
		r.log.Info("instance re-added; disabling live session first", logx.String("id", id))
		r.detach(ctx, id)
	}
	r.persist(ctx, id)

	p, err := r.attach(ctx, id)
	if err != nil {
		r.fail(ctx, id, 500, err)
		return transport.Pairing{}, fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	return p, nil
}

// DeleteInstance detaches and forgets id, purging its credentials.
// Unknown ids succeed.
func (r *Registry) DeleteInstance(ctx context.Context, id string) error {
	r.detach(ctx, id)
	r.mu.Lock()
	_, known := r.m[id]
	delete(r.m, id)
	r.mu.Unlock()

	if err := r.store.DeleteCredentials(ctx, id); err != nil {
		return err
	}
	if err := r.store.DeleteInstance(ctx, id); err != nil {
		return err
	}
	if known {
		r.bus.Publish(eventbus.Event{Type: eventbus.InstanceRemoved, Data: eventbus.InstanceUpdate{ID: id}})
		r.log.Info("instance deleted", logx.String("id", id))
	}
	return nil
}

func (r *Registry) Enable(ctx context.Context, id string) error {
	r.mu.Lock()
	e := r.m[id]
	if e == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.rec.IsActive = true
	if e.state == StateDisabled {
		e.state = StateUnregistered
	}
	r.mu.Unlock()
	r.persist(ctx, id)
	r.publishUpdate(id)

	_, err := r.Connect(ctx, id, false)
	return err
}

func (r *Registry) Disable(ctx context.Context, id string) error {
	r.mu.Lock()
	e := r.m[id]
	if e == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.rec.IsActive = false
	r.mu.Unlock()

	r.detach(ctx, id)
	r.mu.Lock()
	if e := r.m[id]; e != nil {
		e.state = StateDisabled
		e.qr = ""
	}
	r.mu.Unlock()
	r.persist(ctx, id)
	r.publishUpdate(id)
	return nil
}

// Connect (re)establishes id's session. Without forceRefresh a session that
// is already up is left alone.
func (r *Registry) Connect(ctx context.Context, id string, forceRefresh bool) (transport.Pairing, error) {
	r.mu.Lock()
	e := r.m[id]
	if e == nil {
		r.mu.Unlock()
		return transport.Pairing{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	live := e.sess != nil && (e.state == StateReady || e.state == StateConnected || e.state == StateRegistering)
	qr := e.qr
	r.mu.Unlock()

	if live && !forceRefresh {
		return transport.Pairing{QR: qr}, nil
	}
	if forceRefresh {
		r.detach(ctx, id)
	}
	p, err := r.attach(ctx, id)
	if err != nil {
		r.fail(ctx, id, 500, err)
		return transport.Pairing{}, err
	}
	return p, nil
}

// List returns ids matching f, sorted. It never does I/O.
func (r *Registry) List(f Filter) []string {
	today := r.today()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.m))
	for _, e := range r.m {
		if f.match(view(e, today)) {
			out = append(out, e.rec.ID)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Get(id string) (Instance, bool) {
	today := r.today()
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.m[id]
	if e == nil {
		return Instance{}, false
	}
	return view(e, today), true
}

// Snapshot returns every instance, sorted by id.
func (r *Registry) Snapshot() []Instance {
	today := r.today()
	r.mu.Lock()
	out := make([]Instance, 0, len(r.m))
	for _, e := range r.m {
		out = append(out, view(e, today))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Managed reports whether id is one of ours (used to skip warm-up traffic).
func (r *Registry) Managed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[id]
	return ok
}

func (r *Registry) readySession(id string) (transport.Session, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.m[id]
	if e == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.state != StateReady || e.sess == nil {
		return nil, 0, fmt.Errorf("%w: %s is %s", ErrNotReady, id, e.state)
	}
	return e.sess, r.cfg.SendTimeout, nil
}

// Send delivers content from instance from to recipient to.
func (r *Registry) Send(ctx context.Context, from, to string, c transport.Content) (transport.MessageKey, error) {
	sess, timeout, err := r.readySession(from)
	if err != nil {
		return transport.MessageKey{}, err
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	key, err := sess.Send(sctx, to, c)
	if err != nil {
		err = transport.Wrap(from, "send", err)
		r.bus.Publish(eventbus.Event{Type: eventbus.InstanceError, Data: eventbus.InstanceErrorData{ID: from, Cause: err.Error()}})
		return transport.MessageKey{}, err
	}

	today := r.today()
	r.mu.Lock()
	if e := r.m[from]; e != nil {
		rollover(&e.rec, today)
		e.rec.OutgoingCount++
		e.rec.DailyMessageCount++
	}
	r.mu.Unlock()
	r.persist(ctx, from)
	r.publishUpdate(from)
	return key, nil
}

// Read marks messages as read on id's session.
func (r *Registry) Read(ctx context.Context, id string, keys []transport.MessageKey) error {
	sess, timeout, err := r.readySession(id)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return transport.Wrap(id, "read", sess.Read(rctx, keys))
}

// Acquire leases id to holder. An instance has at most one holder.
func (r *Registry) Acquire(id, holder string) bool {
	r.mu.Lock()
	e := r.m[id]
	ok := e != nil && e.holder == ""
	if ok {
		e.holder = holder
	}
	r.mu.Unlock()
	if ok && holder == HolderWarmUp {
		r.publishUpdate(id)
	}
	return ok
}

func (r *Registry) Release(id, holder string) {
	r.mu.Lock()
	e := r.m[id]
	ok := e != nil && e.holder == holder
	if ok {
		e.holder = ""
	}
	r.mu.Unlock()
	if ok && holder == HolderWarmUp {
		r.publishUpdate(id)
	}
}

// IsWarmingUp reports whether id is in a warm-up conversation right now.
func (r *Registry) IsWarmingUp(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.m[id]
	return e != nil && e.holder == HolderWarmUp
}

// RecordWarmUp adds warm-up traffic to id's counters.
func (r *Registry) RecordWarmUp(ctx context.Context, id string, d WarmUpDelta) {
	today := r.today()
	r.mu.Lock()
	e := r.m[id]
	if e == nil {
		r.mu.Unlock()
		return
	}
	graduated := e.rec.HasWarmedUp
	applyWarmUp(&e.rec, today, d, r.cfg.WarmUpDays)
	graduated = !graduated && e.rec.HasWarmedUp
	day := e.rec.WarmUpDay
	r.mu.Unlock()
	if graduated {
		r.log.Info("instance finished warm-up", logx.String("id", id), logx.Int("warm_up_day", day))
	}
	r.persist(ctx, id)
	r.publishUpdate(id)
}

// Close disconnects every session and stops background work.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.m))
	for id := range r.m {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.detach(ctx, id)
	}
	return r.sup.Stop(ctx)
}

func (r *Registry) persist(ctx context.Context, id string) {
	r.mu.Lock()
	e := r.m[id]
	if e == nil {
		r.mu.Unlock()
		return
	}
	rec := e.rec
	r.mu.Unlock()
	if err := r.store.SaveInstance(ctx, rec); err != nil {
		r.log.Warn("persist instance failed", logx.String("id", id), logx.Err(err))
	}
}

func (r *Registry) publishUpdate(id string) {
	in, ok := r.Get(id)
	if !ok {
		return
	}
	active, warming := in.IsActive, in.IsWarmingUp
	out, inc, daily := in.OutgoingCount, in.IncomingCount, in.DailyMessageCount
	r.bus.Publish(eventbus.Event{Type: eventbus.InstanceUpdated, Data: eventbus.InstanceUpdate{
		ID:                id,
		State:             string(in.State),
		IsActive:          &active,
		IsWarmingUp:       &warming,
		StatusCode:        in.StatusCode,
		ErrorMessage:      in.ErrorMessage,
		OutgoingCount:     &out,
		IncomingCount:     &inc,
		DailyMessageCount: &daily,
	}})
}

// fail moves id to Error and announces the cause.
func (r *Registry) fail(ctx context.Context, id string, code int, err error) {
	r.mu.Lock()
	e := r.m[id]
	if e == nil {
		r.mu.Unlock()
		return
	}
	e.state = StateError
	e.rec.StatusCode = code
	e.rec.ErrorMessage = err.Error()
	r.mu.Unlock()
	r.log.Warn("instance error", logx.String("id", id), logx.Int("status", code), logx.Err(err))
	r.persist(ctx, id)
	r.bus.Publish(eventbus.Event{Type: eventbus.InstanceError, Data: eventbus.InstanceErrorData{ID: id, Cause: err.Error()}})
	r.publishUpdate(id)
}
