// Package hub fans domain events out to operator dashboard connections.
//
// Every connection belongs to one user and sits in that user's room; it can
// also join named rooms (one per open conversation, for example). Delivery
// never blocks: a connection whose outbox is full is dropped.
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	logx "warmline/pkg/logx"
)

// Frame is what a connection receives.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Room  string `json:"room,omitempty"`
}

type Config struct {
	PingInterval   time.Duration
	SendBuffer     int
	WriteTimeout   time.Duration
	AllowedOrigins []string // empty means same-origin only
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Conn is one registered connection.
type Conn struct {
	id   uint64
	user string
	out  chan Frame

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *Conn) User() string { return c.user }

// Outbox yields frames queued for this connection.
func (c *Conn) Outbox() <-chan Frame { return c.out }

// Done is closed once the connection is unregistered.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func userRoom(user string) string { return "user:" + user }

type Hub struct {
	log  logx.Logger
	auth Authenticator
	seq  atomic.Uint64

	mu     sync.RWMutex
	cfg    Config
	conns  map[*Conn]map[string]struct{} // conn -> rooms
	rooms  map[string]map[*Conn]struct{}
	replay []replayRule
}

type replayRule struct {
	event  string
	supply func() any
}

func New(auth Authenticator, cfg Config, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		log:   log.With(logx.String("comp", "hub")),
		auth:  auth,
		cfg:   cfg.withDefaults(),
		conns: map[*Conn]map[string]struct{}{},
		rooms: map[string]map[*Conn]struct{}{},
	}
}

// SetConfig applies to connections registered afterwards.
func (h *Hub) SetConfig(cfg Config) {
	h.mu.Lock()
	h.cfg = cfg.withDefaults()
	h.mu.Unlock()
}

func (h *Hub) SetAuthenticator(a Authenticator) {
	h.mu.Lock()
	h.auth = a
	h.mu.Unlock()
}

func (h *Hub) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Register adds a connection for user and pushes the replay frames.
func (h *Hub) Register(user string) *Conn {
	h.mu.Lock()
	c := &Conn{
		id:     h.seq.Add(1),
		user:   user,
		out:    make(chan Frame, h.cfg.SendBuffer),
		closed: make(chan struct{}),
	}
	h.conns[c] = map[string]struct{}{}
	h.joinLocked(c, userRoom(user))
	rules := append([]replayRule(nil), h.replay...)
	h.mu.Unlock()

	for _, r := range rules {
		h.deliver([]*Conn{c}, Frame{Event: r.event, Data: r.supply()})
	}
	h.log.Debug("connection registered", logx.String("user", user), logx.Int64("conn", int64(c.id)))
	return c
}

// Unregister removes c from every room. Safe to call more than once.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	rooms, ok := h.conns[c]
	if ok {
		for room := range rooms {
			h.leaveLocked(c, room)
		}
		delete(h.conns, c)
	}
	h.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	if ok {
		h.log.Debug("connection unregistered", logx.String("user", c.user), logx.Int64("conn", int64(c.id)))
	}
}

func (h *Hub) Join(c *Conn, room string) {
	if room == "" {
		return
	}
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		h.joinLocked(c, room)
	}
	h.mu.Unlock()
}

// Leave removes c from room. The user's own room cannot be left.
func (h *Hub) Leave(c *Conn, room string) {
	if room == "" || room == userRoom(c.user) {
		return
	}
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		h.leaveLocked(c, room)
	}
	h.mu.Unlock()
}

func (h *Hub) joinLocked(c *Conn, room string) {
	h.conns[c][room] = struct{}{}
	m := h.rooms[room]
	if m == nil {
		m = map[*Conn]struct{}{}
		h.rooms[room] = m
	}
	m[c] = struct{}{}
}

func (h *Hub) leaveLocked(c *Conn, room string) {
	delete(h.conns[c], room)
	if m := h.rooms[room]; m != nil {
		delete(m, c)
		if len(m) == 0 {
			delete(h.rooms, room)
		}
	}
}

// SendToUser delivers to the user's connections in room when at least one
// of them is in it, otherwise to all of the user's connections. It reports
// whether any connection was reached.
func (h *Hub) SendToUser(user, event string, payload any, room string) bool {
	h.mu.RLock()
	var targets []*Conn
	if room != "" {
		for c := range h.rooms[room] {
			if c.user == user {
				targets = append(targets, c)
			}
		}
	}
	if len(targets) == 0 {
		room = ""
		for c := range h.rooms[userRoom(user)] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	return h.deliver(targets, Frame{Event: event, Data: payload, Room: room}) > 0
}

// Broadcast reaches every connection except those of excluded users.
func (h *Hub) Broadcast(event string, payload any, exclude ...string) int {
	skip := make(map[string]bool, len(exclude))
	for _, u := range exclude {
		skip[u] = true
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		if !skip[c.user] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	return h.deliver(targets, Frame{Event: event, Data: payload})
}

// BroadcastRoom reaches every connection in room.
func (h *Hub) BroadcastRoom(room, event string, payload any) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	return h.deliver(targets, Frame{Event: event, Data: payload, Room: room})
}

// OnConnected remembers supply as the replay source for event, so each new
// connection gets the current state right away. Only the first call per
// event name takes effect; it reports whether this call did.
func (h *Hub) OnConnected(event string, supply func() any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.replay {
		if r.event == event {
			return false
		}
	}
	h.replay = append(h.replay, replayRule{event: event, supply: supply})
	return true
}

// Count is the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// deliver queues f on each target and drops the ones that cannot keep up.
func (h *Hub) deliver(targets []*Conn, f Frame) int {
	n := 0
	var slow []*Conn
	for _, c := range targets {
		select {
		case <-c.closed:
			continue
		default:
		}
		select {
		case c.out <- f:
			n++
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.log.Warn("dropping slow connection", logx.String("user", c.user), logx.Int64("conn", int64(c.id)), logx.String("event", f.Event))
		h.Unregister(c)
	}
	return n
}

// Close unregisters every connection; their writers send a close frame.
func (h *Hub) Close() int {
	h.mu.RLock()
	all := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.Unregister(c)
	}
	return len(all)
}
