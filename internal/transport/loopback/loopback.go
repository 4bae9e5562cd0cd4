// Package loopback is an in-process messaging network. Every connected
// session can message every other one; unknown recipients are accepted as
// external contacts and kept in an outbox.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"warmline/internal/storage"
	"warmline/internal/transport"
)

var (
	ErrNotPaired    = errors.New("loopback: session not paired")
	ErrClosed       = errors.New("loopback: session closed")
	ErrNoSession    = errors.New("loopback: no pending session")
	ErrAlreadyReady = errors.New("loopback: already paired")
)

type Option func(*Network)

// WithPairDelay completes pairing automatically after d.
func WithPairDelay(d time.Duration) Option { return func(n *Network) { n.pairDelay = d } }

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option { return func(n *Network) { n.now = now } }

type Network struct {
	pairDelay time.Duration
	now       func() time.Time

	mu        sync.Mutex
	sessions  map[string]*session // live (connected) sessions by id
	opened    map[string]int      // connect count minus disconnect count, per id
	failSends map[string]error
	outbox    map[string][]transport.Message
	reads     map[string]int
}

func NewNetwork(opts ...Option) *Network {
	n := &Network{
		now:       time.Now,
		sessions:  map[string]*session{},
		opened:    map[string]int{},
		failSends: map[string]error{},
		outbox:    map[string][]transport.Message{},
		reads:     map[string]int{},
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// New implements transport.Factory.
func (n *Network) New(id string, auth transport.AuthState) (transport.Session, error) {
	if id == "" {
		return nil, errors.New("loopback: empty id")
	}
	return &session{net: n, id: id, auth: auth, closed: make(chan struct{})}, nil
}

// Pair completes the QR flow for a session waiting on it.
func (n *Network) Pair(id string) error {
	n.mu.Lock()
	s := n.sessions[id]
	n.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}
	return s.completePairing(context.Background())
}

// FailSends makes every send from id fail with err. A nil err clears it.
func (n *Network) FailSends(id string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.failSends, id)
		return
	}
	n.failSends[id] = err
}

// Drop simulates the network closing id's connection.
func (n *Network) Drop(id string, loggedOut bool) {
	n.mu.Lock()
	s := n.sessions[id]
	n.mu.Unlock()
	if s == nil {
		return
	}
	cause := errors.New("connection lost")
	if loggedOut {
		cause = errors.New("logged out")
	}
	s.emit(transport.Event{Kind: transport.EventDisconnected, At: n.now(), Cause: cause, LoggedOut: loggedOut})
	s.close()
}

// Inject delivers a message from an external contact to instance to.
func (n *Network) Inject(from, to, text string) (transport.MessageKey, error) {
	n.mu.Lock()
	dst := n.sessions[to]
	n.mu.Unlock()
	if dst == nil || !dst.isReady() {
		return transport.MessageKey{}, fmt.Errorf("loopback: %s not connected", to)
	}
	key := transport.MessageKey{ID: uuid.NewString(), Peer: from}
	dst.emit(transport.Event{
		Kind:    transport.EventIncoming,
		At:      n.now(),
		Message: &transport.Message{Key: key, Text: text, At: n.now()},
	})
	return key, nil
}

// Outbox returns messages sent to the external contact to.
func (n *Network) Outbox(to string) []transport.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]transport.Message(nil), n.outbox[to]...)
}

// Reads reports how many read receipts id has issued.
func (n *Network) Reads(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reads[id]
}

// Open reports how many sessions for id are connected right now.
func (n *Network) Open(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opened[id]
}

func (n *Network) attach(s *session) {
	n.mu.Lock()
	n.sessions[s.id] = s
	n.opened[s.id]++
	n.mu.Unlock()
}

func (n *Network) detach(s *session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sessions[s.id] == s {
		delete(n.sessions, s.id)
	}
	if n.opened[s.id] > 0 {
		n.opened[s.id]--
	}
}

type session struct {
	net  *Network
	id   string
	auth transport.AuthState

	mu        sync.Mutex
	out       chan<- transport.Event
	ready     bool
	attached  bool
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *session) Connect(ctx context.Context, out chan<- transport.Event) (transport.Pairing, error) {
	creds, err := s.auth.Credentials(ctx)
	if err != nil {
		return transport.Pairing{}, err
	}
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return transport.Pairing{}, ErrClosed
	default:
	}
	s.out = out
	s.attached = true
	s.mu.Unlock()
	s.net.attach(s)

	if _, ok := creds["registered"]; ok {
		s.mu.Lock()
		s.ready = true
		s.mu.Unlock()
		s.emit(transport.Event{Kind: transport.EventReady, At: s.net.now()})
		return transport.Pairing{}, nil
	}

	qr := "loopback://pair/" + s.id + "/" + uuid.NewString()
	// Emitted before pairing can complete so events stay in order.
	s.emit(transport.Event{Kind: transport.EventPairing, At: s.net.now(), QR: qr})
	if d := s.net.pairDelay; d > 0 {
		time.AfterFunc(d, func() { _ = s.completePairing(context.Background()) })
	}
	return transport.Pairing{QR: qr}, nil
}

func (s *session) completePairing(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case !s.attached:
		s.mu.Unlock()
		return ErrNoSession
	case s.ready:
		s.mu.Unlock()
		return ErrAlreadyReady
	}
	s.ready = true
	s.mu.Unlock()

	if err := s.auth.SaveAuthKey(ctx, "identity", "0", []byte(uuid.NewString())); err != nil {
		return err
	}
	me, _ := json.Marshal(s.id)
	s.emit(transport.Event{Kind: transport.EventCredentials, At: s.net.now(), Credentials: storage.Credentials{
		"me":         me,
		"registered": json.RawMessage("true"),
	}})
	s.emit(transport.Event{Kind: transport.EventRegistered, At: s.net.now()})
	s.emit(transport.Event{Kind: transport.EventReady, At: s.net.now()})
	return nil
}

func (s *session) Send(ctx context.Context, to string, c transport.Content) (transport.MessageKey, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageKey{}, err
	}
	if !s.isReady() {
		return transport.MessageKey{}, ErrNotPaired
	}
	n := s.net
	n.mu.Lock()
	failErr := n.failSends[s.id]
	dst := n.sessions[to]
	n.mu.Unlock()
	if failErr != nil {
		return transport.MessageKey{}, failErr
	}

	now := n.now()
	id := uuid.NewString()
	key := transport.MessageKey{ID: id, Peer: to, FromMe: true}
	msg := transport.Message{Key: key, Text: c.Text, At: now}

	s.emit(transport.Event{Kind: transport.EventOutgoing, At: now, Message: &msg})
	status := transport.StatusSent
	if dst != nil && dst.isReady() {
		in := transport.Message{Key: transport.MessageKey{ID: id, Peer: s.id}, Text: c.Text, At: now}
		dst.emit(transport.Event{Kind: transport.EventIncoming, At: now, Message: &in})
		status = transport.StatusDelivered
	} else {
		n.mu.Lock()
		n.outbox[to] = append(n.outbox[to], msg)
		n.mu.Unlock()
	}
	s.emit(transport.Event{Kind: transport.EventDelivery, At: now, Key: key, Status: status})
	return key, nil
}

func (s *session) Read(ctx context.Context, keys []transport.MessageKey) error {
	if !s.isReady() {
		return ErrNotPaired
	}
	n := s.net
	for _, k := range keys {
		if k.FromMe {
			continue
		}
		n.mu.Lock()
		n.reads[s.id]++
		src := n.sessions[k.Peer]
		n.mu.Unlock()
		if src != nil {
			src.emit(transport.Event{
				Kind:   transport.EventDelivery,
				At:     n.now(),
				Key:    transport.MessageKey{ID: k.ID, Peer: s.id, FromMe: true},
				Status: transport.StatusRead,
			})
		}
	}
	return ctx.Err()
}

func (s *session) Disconnect(context.Context) error {
	s.close()
	return nil
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		attached := s.attached
		s.attached = false
		s.ready = false
		s.mu.Unlock()
		close(s.closed)
		if attached {
			s.net.detach(s)
		}
	})
}

func (s *session) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *session) emit(ev transport.Event) {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- ev:
	case <-s.closed:
	}
}
