package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"warmline/internal/circuit"
	"warmline/internal/eventbus"
	"warmline/internal/instance"
	"warmline/internal/storage"
	"warmline/internal/transport"
	"warmline/internal/transport/loopback"
)

// fakeRegistry sends through a func and tracks leases.
type fakeRegistry struct {
	mu   sync.Mutex
	ids  []string
	held map[string]string
	send func(from, to string) error
	sent []string
}

func newFake(ids ...string) *fakeRegistry {
	return &fakeRegistry{ids: ids, held: map[string]string{}}
}

func (f *fakeRegistry) List(instance.Filter) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func (f *fakeRegistry) Acquire(id, holder string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[id] != "" {
		return false
	}
	f.held[id] = holder
	return true
}

func (f *fakeRegistry) Release(id, holder string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[id] == holder {
		delete(f.held, id)
	}
}

func (f *fakeRegistry) Send(_ context.Context, from, to string, c transport.Content) (transport.MessageKey, error) {
	if f.send != nil {
		if err := f.send(from, to); err != nil {
			return transport.MessageKey{}, err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, to+":"+c.Text)
	f.mu.Unlock()
	return transport.MessageKey{ID: "k", Peer: to, FromMe: true}, nil
}

func (f *fakeRegistry) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// monday10 is inside a 09:00-18:00 Mon-Fri window.
var monday10 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func officeHours(t *testing.T) WorkHours {
	t.Helper()
	w, err := ParseWorkHours("09:00", "18:00", []string{"mon", "tue", "wed", "thu", "fri"}, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func newProcessor(t *testing.T, reg Registry, st storage.Store, bus eventbus.Bus, now time.Time) *Processor {
	t.Helper()
	return New(reg, st, bus, Config{WorkHours: officeHours(t), MaxAttempts: 3}, WithClock(func() time.Time { return now }), noTrip())
}

// noTrip keeps the breaker from benching instances between runs.
func noTrip() Option { return WithBreaker(circuit.New(circuit.Config{Trip: -1})) }

func waitIdle(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
}

func TestEnqueueDedupsThenSuppresses(t *testing.T) {
	st := storage.NewMemory(1)
	ctx := context.Background()
	_ = st.AddSuppression(ctx, "15550001", "opt-out")
	p := newProcessor(t, newFake(), st, nil, monday10)

	res, err := p.Enqueue(ctx, EnqueueRequest{
		TextMessage: "Hi {name}",
		Data: []Recipient{
			{"phoneNumber": "1 (555) 0001", "name": "A"},
			{"phoneNumber": "15550001", "name": "A"},
			{"phoneNumber": "15550002", "name": "B"},
			{"name": "no phone"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := EnqueueResult{AddedCount: 1, BlockedCount: 1, DuplicateCount: 1, InvalidCount: 1}
	if res != want {
		t.Fatalf("Enqueue = %+v, want %+v", res, want)
	}
	list, _ := p.List(ctx, 10)
	if len(list) != 1 || list[0].Recipient != "15550002" || list[0].Text != "Hi B" {
		t.Fatalf("queued = %+v", list)
	}
}

func TestScenarioSendsDuringWorkHours(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory(1)
	bus := eventbus.New()
	progress, unsub := bus.Subscribe(32, eventbus.QueueProgress)
	defer unsub()

	_ = st.SaveInstance(ctx, storage.InstanceRecord{ID: "100", IsActive: true})
	_ = st.SaveCredentials(ctx, "100", storage.Credentials{"registered": []byte("true")})
	n := loopback.NewNetwork()
	reg := instance.New(n, st, bus, instance.Config{Location: time.UTC})
	defer func() { _ = reg.Close(ctx) }()
	if err := reg.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	for deadline := time.Now().Add(2 * time.Second); len(reg.List(instance.Filter{Ready: true})) == 0; {
		if time.Now().After(deadline) {
			t.Fatal("instance never ready")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p := newProcessor(t, reg, st, bus, monday10)
	res, err := p.Enqueue(ctx, EnqueueRequest{
		TextMessage: "Hi {name}",
		Data:        []Recipient{{"phoneNumber": "15550001", "name": "A"}},
	})
	if err != nil || res.AddedCount != 1 {
		t.Fatalf("Enqueue = %+v, %v", res, err)
	}
	list, _ := p.List(ctx, 10)
	if len(list) != 1 || list[0].Text != "Hi A" || list[0].Attempt != 0 || list[0].SentAt != nil {
		t.Fatalf("queued = %+v", list)
	}

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitIdle(t, p)

	var last eventbus.QueueProgressData
	for drained := false; !drained; {
		select {
		case ev := <-progress:
			last = ev.Data.(eventbus.QueueProgressData)
		default:
			drained = true
		}
	}
	if last.MessageCount != 1 || last.MessagePass != 1 || last.IsSending {
		t.Fatalf("final progress = %+v", last)
	}
	if out := n.Outbox("15550001"); len(out) != 1 || out[0].Text != "Hi A" {
		t.Fatalf("outbox = %+v", out)
	}
	if o, ok, _ := st.LatestOutreach(ctx, "100", "15550001"); !ok || o.Text != "Hi A" {
		t.Fatalf("outreach = %+v %v", o, ok)
	}
}

func TestStartRejections(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory(1)

	sunday := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := newProcessor(t, newFake("a"), st, nil, sunday)
	if err := p.Start(ctx); !errors.Is(err, ErrOutOfHours) {
		t.Fatalf("Start on sunday = %v", err)
	}
	if p.State().IsSending {
		t.Fatal("rejected start must leave isSending=false")
	}

	p = newProcessor(t, newFake(), st, nil, monday10)
	if err := p.Start(ctx); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("Start without instances = %v", err)
	}
}

func TestStartWhileSendingIsNoop(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory(1)
	reg := newFake("a")
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	reg.send = func(string, string) error {
		entered <- struct{}{}
		<-gate
		return nil
	}
	now := monday10
	p := New(reg, st, nil, Config{WorkHours: officeHours(t)}, WithClock(func() time.Time { return now }), noTrip())
	_, _ = p.Enqueue(ctx, EnqueueRequest{TextMessage: "x", Data: []Recipient{{"phoneNumber": "1"}}})

	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	<-entered
	before := p.State()
	if err := p.Start(ctx); !errors.Is(err, ErrAlreadySending) {
		t.Fatalf("second Start = %v", err)
	}
	if p.State() != before {
		t.Fatalf("state changed: %+v -> %+v", before, p.State())
	}
	close(gate)
	waitIdle(t, p)
	if st := p.State(); st.IsSending || st.MessagePass != 1 {
		t.Fatalf("final state = %+v", st)
	}
}

func TestFailedSendsWalkTiers(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory(1)
	reg := newFake("a")
	reg.send = func(string, string) error { return errors.New("rejected") }
	p := New(reg, st, nil, Config{WorkHours: officeHours(t), MaxAttempts: 3},
		WithClock(func() time.Time { return monday10 }), noTrip())
	_, _ = p.Enqueue(ctx, EnqueueRequest{TextMessage: "x", Data: []Recipient{{"phoneNumber": "1"}}})

	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, p)
	list, _ := p.List(ctx, 10)
	if len(list) != 1 || list[0].Attempt != 3 || list[0].SentAt != nil || list[0].LastError == "" {
		t.Fatalf("after exhausting tiers = %+v", list)
	}
	if n, _ := st.CountPending(ctx, 3); n != 0 {
		t.Fatalf("exhausted message still pending: %d", n)
	}

	// A later run ignores it until reset.
	reg.send = nil
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, p)
	if reg.sentCount() != 0 {
		t.Fatal("exhausted message must not be retried")
	}
	if n, _ := p.ResetExhausted(ctx); n != 1 {
		t.Fatalf("ResetExhausted = %d", n)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, p)
	if reg.sentCount() != 1 {
		t.Fatalf("sent = %d after reset", reg.sentCount())
	}
}

func TestRetrySucceedsOnNextTier(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory(1)
	reg := newFake("a")
	calls := 0
	reg.send = func(string, string) error {
		calls++
		if calls == 1 {
			return errors.New("flaky")
		}
		return nil
	}
	p := New(reg, st, nil, Config{WorkHours: officeHours(t), MaxAttempts: 3},
		WithClock(func() time.Time { return monday10 }), noTrip())
	_, _ = p.Enqueue(ctx, EnqueueRequest{TextMessage: "x", Data: []Recipient{{"phoneNumber": "1"}}})
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, p)
	list, _ := p.List(ctx, 10)
	if list[0].SentAt == nil || list[0].Attempt != 1 {
		t.Fatalf("message = %+v", list[0])
	}
	if p.State().MessagePass != 1 {
		t.Fatalf("state = %+v", p.State())
	}
}

func TestStopFinishesInFlightSend(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory(1)
	reg := newFake("a")
	gate := make(chan struct{})
	entered := make(chan struct{}, 4)
	reg.send = func(string, string) error {
		entered <- struct{}{}
		<-gate
		return nil
	}
	p := New(reg, st, nil, Config{WorkHours: officeHours(t)}, WithClock(func() time.Time { return monday10 }), noTrip())
	_, _ = p.Enqueue(ctx, EnqueueRequest{TextMessage: "x", Data: []Recipient{{"phoneNumber": "1"}, {"phoneNumber": "2"}}})

	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	<-entered
	if !p.Stop() {
		t.Fatal("Stop should report an active run")
	}
	if p.State().IsSending {
		t.Fatal("isSending should drop immediately")
	}
	close(gate)
	waitIdle(t, p)
	if reg.sentCount() != 1 {
		t.Fatalf("sent = %d, want only the in-flight message", reg.sentCount())
	}
	if n, _ := p.Clear(ctx); n != 1 {
		t.Fatalf("Clear = %d", n)
	}
}

func TestClearDuringRunStopsAndEmpties(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory(1)
	reg := newFake("a")
	gate := make(chan struct{})
	entered := make(chan struct{}, 4)
	reg.send = func(string, string) error {
		entered <- struct{}{}
		<-gate
		return nil
	}
	p := New(reg, st, nil, Config{WorkHours: officeHours(t)}, WithClock(func() time.Time { return monday10 }), noTrip())
	_, _ = p.Enqueue(ctx, EnqueueRequest{TextMessage: "x", Data: []Recipient{{"phoneNumber": "1"}, {"phoneNumber": "2"}, {"phoneNumber": "3"}}})

	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	<-entered
	n, err := p.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 3 {
		t.Fatalf("Clear = %d, want 3", n)
	}
	if p.State().IsSending {
		t.Fatal("Clear must stop the run")
	}
	close(gate)
	waitIdle(t, p)
	if list, _ := p.List(ctx, 10); len(list) != 0 {
		t.Fatalf("queue after clear = %+v", list)
	}
	if reg.sentCount() != 1 {
		t.Fatalf("sent = %d, want only the in-flight message", reg.sentCount())
	}
}

func TestWorkHours(t *testing.T) {
	t.Parallel()
	night, err := ParseWorkHours("22:00", "02:00", []string{"friday"}, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	office, _ := ParseWorkHours("09:00", "18:00", nil, time.UTC)
	fri := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		w    WorkHours
		at   time.Time
		want bool
	}{
		{"office open", office, fri.Add(9 * time.Hour), true},
		{"office end exclusive", office, fri.Add(18 * time.Hour), false},
		{"office weekend", office, fri.Add(24*time.Hour + 10*time.Hour), false},
		{"night before start", night, fri.Add(21 * time.Hour), false},
		{"night same day", night, fri.Add(23 * time.Hour), true},
		{"night past midnight", night, fri.Add(25 * time.Hour), true},
		{"night thursday spill", night, fri.Add(time.Hour), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.w.Contains(tc.at); got != tc.want {
				t.Fatalf("Contains(%v) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}

	for _, bad := range [][2]string{{"9", "18:00"}, {"09:00", "25:00"}, {"09:61", "10:00"}} {
		if _, err := ParseWorkHours(bad[0], bad[1], nil, time.UTC); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
	if _, err := ParseWorkHours("", "", []string{"funday"}, time.UTC); err == nil {
		t.Fatal("expected unknown day error")
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	r := Recipient{"name": "Ana", "phoneNumber": "1555", "balance": 1200}
	got := Render("Hi {name}, about your {balance} ({missing})", r)
	if want := "Hi Ana, about your 1200 ({missing})"; got != want {
		t.Fatalf("Render = %q, want %q", got, want)
	}
}
