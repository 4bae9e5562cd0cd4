package instance

import (
	"context"
	"errors"
	"time"

	"warmline/internal/eventbus"
	"warmline/internal/storage"
	"warmline/internal/transport"
	logx "warmline/pkg/logx"
)

const eventBuffer = 64

// attach opens a new session for id, replacing (and disconnecting) any
// previous one before the new one connects.
func (r *Registry) attach(ctx context.Context, id string) (transport.Pairing, error) {
	sess, err := r.factory.New(id, transport.ScopedAuth(r.store, id))
	if err != nil {
		return transport.Pairing{}, transport.Wrap(id, "new", err)
	}
	events := make(chan transport.Event, eventBuffer)
	stop := make(chan struct{})

	r.mu.Lock()
	e := r.m[id]
	if e == nil {
		r.mu.Unlock()
		return transport.Pairing{}, ErrNotFound
	}
	old, oldStop := e.sess, e.stop
	e.gen++
	gen := e.gen
	e.sess, e.stop = sess, stop
	r.mu.Unlock()

	if old != nil {
		close(oldStop)
		if err := old.Disconnect(ctx); err != nil {
			r.log.Debug("disconnect previous session", logx.String("id", id), logx.Err(err))
		}
	}

	r.sup.Go0("instance.pump."+id, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case ev := <-events:
				r.handle(ctx, id, gen, ev)
			}
		}
	})

	p, err := sess.Connect(ctx, events)
	if err != nil {
		r.detachGen(ctx, id, gen)
		return transport.Pairing{}, transport.Wrap(id, "connect", err)
	}

	r.mu.Lock()
	if e := r.m[id]; e != nil && e.gen == gen && e.state != StateReady {
		if p.QR != "" {
			e.state, e.qr = StateRegistering, p.QR
		} else {
			e.state = StateConnected
		}
	}
	r.mu.Unlock()
	r.publishUpdate(id)
	return p, nil
}

func (r *Registry) detach(ctx context.Context, id string) {
	r.mu.Lock()
	e := r.m[id]
	if e == nil {
		r.mu.Unlock()
		return
	}
	gen := e.gen
	r.mu.Unlock()
	r.detachGen(ctx, id, gen)
}

// detachGen tears down the session only if it is still generation gen.
func (r *Registry) detachGen(ctx context.Context, id string, gen uint64) {
	r.mu.Lock()
	e := r.m[id]
	if e == nil || e.gen != gen || e.sess == nil {
		r.mu.Unlock()
		return
	}
	sess, stop := e.sess, e.stop
	e.sess, e.stop = nil, nil
	e.gen++
	r.mu.Unlock()

	close(stop)
	if err := sess.Disconnect(ctx); err != nil {
		r.log.Debug("disconnect session", logx.String("id", id), logx.Err(err))
	}
}

func (r *Registry) handle(ctx context.Context, id string, gen uint64, ev transport.Event) {
	r.mu.Lock()
	e := r.m[id]
	if e == nil || e.gen != gen {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	switch ev.Kind {
	case transport.EventPairing:
		r.mu.Lock()
		if !pairable(e.state) {
			r.mu.Unlock()
			return
		}
		e.state, e.qr = StateRegistering, ev.QR
		r.mu.Unlock()
		r.bus.Publish(eventbus.Event{Type: eventbus.InstancePairing, Data: eventbus.InstancePairingData{ID: id, QR: ev.QR}})
		r.publishUpdate(id)

	case transport.EventCredentials:
		if err := r.store.SaveCredentials(ctx, id, ev.Credentials); err != nil {
			r.log.Error("save credentials failed", logx.String("id", id), logx.Err(err))
		}

	case transport.EventRegistered:
		r.mu.Lock()
		e.qr = ""
		r.mu.Unlock()
		r.log.Info("instance registered", logx.String("id", id))
		r.bus.Publish(eventbus.Event{Type: eventbus.InstanceRegistered, Data: eventbus.InstanceUpdate{ID: id}})

	case transport.EventReady:
		r.mu.Lock()
		e.state, e.qr, e.reconnects = StateReady, "", 0
		e.rec.StatusCode, e.rec.ErrorMessage = 0, ""
		r.mu.Unlock()
		r.log.Info("instance ready", logx.String("id", id))
		r.persist(ctx, id)
		r.publishUpdate(id)

	case transport.EventIncoming, transport.EventOutgoing:
		if ev.Message == nil {
			return
		}
		in := ev.Kind == transport.EventIncoming
		if in {
			today := r.today()
			r.mu.Lock()
			rollover(&e.rec, today)
			e.rec.IncomingCount++
			r.mu.Unlock()
			r.persist(ctx, id)
		}
		m := ev.Message
		if err := r.store.AppendChat(ctx, storage.ChatMessage{
			ID: m.Key.ID, InstanceID: id, Peer: m.Key.Peer, FromMe: !in, Text: m.Text, At: m.At,
		}); err != nil {
			r.log.Warn("append chat failed", logx.String("id", id), logx.Err(err))
		}
		topic := eventbus.MessageOutgoing
		if in {
			topic = eventbus.MessageIncoming
		}
		r.bus.Publish(eventbus.Event{Type: topic, Data: eventbus.ChatMessage{
			InstanceID: id, Peer: m.Key.Peer, MessageID: m.Key.ID, Text: m.Text, FromMe: !in, At: m.At,
		}})

	case transport.EventDelivery:
		r.bus.Publish(eventbus.Event{Type: eventbus.MessageDelivery, Data: eventbus.Delivery{
			InstanceID: id, Peer: ev.Key.Peer, MessageID: ev.Key.ID, Status: string(ev.Status),
		}})

	case transport.EventDisconnected:
		r.disconnected(ctx, id, gen, ev)
	}
}

// pairable reports whether a QR may still move an instance into registering.
func pairable(s State) bool {
	return s == StateUnregistered || s == StateRegistering || s == StateError
}

func (r *Registry) disconnected(ctx context.Context, id string, gen uint64, ev transport.Event) {
	cause := ev.Cause
	if cause == nil {
		cause = errors.New("disconnected")
	}
	r.detachGen(ctx, id, gen)

	if ev.LoggedOut {
		if err := r.store.DeleteCredentials(ctx, id); err != nil {
			r.log.Warn("purge credentials failed", logx.String("id", id), logx.Err(err))
		}
		r.mu.Lock()
		if e := r.m[id]; e != nil {
			e.state = StateUnregistered
			e.rec.StatusCode, e.rec.ErrorMessage = 401, cause.Error()
		}
		r.mu.Unlock()
		r.log.Warn("instance logged out", logx.String("id", id))
		r.persist(ctx, id)
		r.bus.Publish(eventbus.Event{Type: eventbus.InstanceError, Data: eventbus.InstanceErrorData{ID: id, Cause: cause.Error()}})
		r.publishUpdate(id)
		return
	}

	r.fail(ctx, id, 503, transport.Wrap(id, "session", cause))

	r.mu.Lock()
	e := r.m[id]
	if e == nil || !e.rec.IsActive {
		r.mu.Unlock()
		return
	}
	want := e.gen
	r.mu.Unlock()
	r.sup.Go0("instance.reconnect."+id, func(ctx context.Context) { r.reconnect(ctx, id, want) })
}

// reconnect retries attach with exponential backoff until it succeeds or
// the instance's session was changed elsewhere.
func (r *Registry) reconnect(ctx context.Context, id string, want uint64) {
	for {
		r.mu.Lock()
		e := r.m[id]
		if e == nil {
			r.mu.Unlock()
			return
		}
		e.reconnects++
		wait := backoff(r.cfg.ReconnectMin, r.cfg.ReconnectMax, e.reconnects)
		r.mu.Unlock()

		r.log.Info("reconnect scheduled", logx.String("id", id), logx.Duration("in", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		r.mu.Lock()
		e = r.m[id]
		stale := e == nil || e.gen != want || !e.rec.IsActive || e.sess != nil
		r.mu.Unlock()
		if stale {
			return
		}
		_, err := r.attach(ctx, id)
		if err == nil {
			return
		}
		r.fail(ctx, id, 500, err)
		r.mu.Lock()
		if e := r.m[id]; e != nil {
			want = e.gen
		}
		r.mu.Unlock()
	}
}

func backoff(base, ceil time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceil {
			return ceil
		}
	}
	return d
}
