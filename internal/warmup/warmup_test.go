package warmup

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"warmline/internal/eventbus"
	"warmline/internal/instance"
	"warmline/internal/storage"
	"warmline/internal/transport/loopback"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func readyPool(t *testing.T, bus eventbus.Bus, ids ...string) (*instance.Registry, *loopback.Network) {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory(1)
	for _, id := range ids {
		_ = st.SaveInstance(ctx, storage.InstanceRecord{ID: id, IsActive: true})
		_ = st.SaveCredentials(ctx, id, storage.Credentials{"registered": []byte("true")})
	}
	n := loopback.NewNetwork()
	reg := instance.New(n, st, bus, instance.Config{Location: time.UTC})
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	if err := reg.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(reg.List(instance.Filter{Ready: true})) < len(ids) {
		if time.Now().After(deadline) {
			t.Fatalf("instances not ready: %v", reg.Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
	return reg, n
}

func ended(t *testing.T, ch <-chan eventbus.Event) eventbus.WarmConversation {
	t.Helper()
	select {
	case ev := <-ch:
		return ev.Data.(eventbus.WarmConversation)
	case <-time.After(2 * time.Second):
		t.Fatal("no conversation end event")
	}
	return eventbus.WarmConversation{}
}

func TestTickRunsConversation(t *testing.T) {
	bus := eventbus.New()
	ends, unsub := bus.Subscribe(4, eventbus.WarmUpConvEnded)
	defer unsub()
	reg, n := readyPool(t, bus, "a", "b")
	s := New(reg, bus, Config{MessagesPerConversation: 4, Location: time.UTC},
		WithRand(rand.New(rand.NewSource(3))), WithSleep(noSleep))

	if !s.Tick(context.Background()) {
		t.Fatal("expected a conversation")
	}
	conv := ended(t, ends)
	if !conv.OK || conv.SentMessages != 4 || conv.Failed != 0 {
		t.Fatalf("end event = %+v", conv)
	}
	for _, id := range []string{"a", "b"} {
		in, _ := reg.Get(id)
		if in.DailyWarmConversationCount != 1 || in.DailyWarmUpCount != 2 || in.IsWarmingUp {
			t.Fatalf("%s after warm-up = %+v", id, in)
		}
	}
	if n.Reads("a")+n.Reads("b") != 4 {
		t.Fatalf("every line should be read, got %d reads", n.Reads("a")+n.Reads("b"))
	}
	if len(s.Active()) != 0 {
		t.Fatalf("active = %+v", s.Active())
	}
}

func TestFailedConversationReportsZeroSent(t *testing.T) {
	bus := eventbus.New()
	ends, unsub := bus.Subscribe(4, eventbus.WarmUpConvEnded)
	defer unsub()
	reg, n := readyPool(t, bus, "a", "b")
	boom := errors.New("network down")
	n.FailSends("a", boom)
	n.FailSends("b", boom)
	s := New(reg, bus, Config{Location: time.UTC}, WithSleep(noSleep))

	if !s.Tick(context.Background()) {
		t.Fatal("expected an attempt")
	}
	conv := ended(t, ends)
	if conv.OK || conv.SentMessages != 0 || conv.Error == "" {
		t.Fatalf("end event = %+v", conv)
	}
	for _, id := range []string{"a", "b"} {
		in, _ := reg.Get(id)
		if in.IsWarmingUp || in.DailyWarmConversationCount != 0 {
			t.Fatalf("%s after failure = %+v", id, in)
		}
	}
}

func TestPairLimitAndLeases(t *testing.T) {
	bus := eventbus.New()
	reg, _ := readyPool(t, bus, "a", "b", "c")
	s := New(reg, bus, Config{PairDailyLimit: 1, MessagesPerConversation: 2, Location: time.UTC},
		WithSleep(noSleep))

	// c is busy with the queue, so only a-b is eligible, once.
	if !reg.Acquire("c", instance.HolderQueue) {
		t.Fatal("acquire c")
	}
	if !s.Tick(context.Background()) {
		t.Fatal("first tick should pair a and b")
	}
	if s.Tick(context.Background()) {
		t.Fatal("a-b exhausted its daily pair budget and c is leased")
	}
	if in, _ := reg.Get("c"); in.DailyWarmConversationCount != 0 {
		t.Fatal("leased instance must not be warmed")
	}

	reg.Release("c", instance.HolderQueue)
	if !s.Tick(context.Background()) {
		t.Fatal("c is free again")
	}
}

func TestEnableDisable(t *testing.T) {
	bus := eventbus.New()
	sched, unsub := bus.Subscribe(8, eventbus.WarmUpSchedule)
	defer unsub()
	reg, _ := readyPool(t, bus, "a")
	s := New(reg, bus, Config{IntervalMin: time.Hour, Location: time.UTC})
	s.Bind(context.Background())

	if err := s.Enable(); err != nil {
		t.Fatal(err)
	}
	if err := s.Enable(); !errors.Is(err, ErrAlreadyWarming) {
		t.Fatalf("second Enable = %v", err)
	}
	select {
	case ev := <-sched:
		ws := ev.Data.(eventbus.WarmSchedule)
		if !ws.IsWarming || ws.NextWarmAt == nil {
			t.Fatalf("schedule = %+v", ws)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no schedule announcement")
	}
	if sc := s.Schedule(); !sc.IsWarming || sc.NextWarmAt == nil {
		t.Fatalf("Schedule = %+v", sc)
	}

	s.Disable()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if sc := s.Schedule(); sc.IsWarming || sc.NextWarmAt != nil {
		t.Fatalf("Schedule after disable = %+v", sc)
	}
}

func TestReenableWaitsForDrainingLoop(t *testing.T) {
	bus := eventbus.New()
	started, unsub := bus.Subscribe(4, eventbus.WarmUpConvStarted)
	defer unsub()
	reg, _ := readyPool(t, bus, "a", "b", "c", "d")
	release := make(chan struct{})
	hold := func(ctx context.Context, _ time.Duration) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s := New(reg, bus, Config{IntervalMin: time.Millisecond, MessagesPerConversation: 2, Location: time.UTC},
		WithSleep(hold))
	s.Bind(context.Background())

	if err := s.Enable(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("no conversation started")
	}
	s.Disable()
	if err := s.Enable(); !errors.Is(err, ErrAlreadyWarming) {
		t.Fatalf("Enable while draining = %v, want ErrAlreadyWarming", err)
	}
	if got := len(s.Active()); got != 1 {
		t.Fatalf("active conversations = %d, want 1", got)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Enable(); err != nil {
		t.Fatalf("Enable after drain = %v", err)
	}
	s.Disable()
	if err := s.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestScriptShape(t *testing.T) {
	t.Parallel()
	lines := script(rand.New(rand.NewSource(1)), 5)
	if len(lines) != 5 {
		t.Fatalf("len = %d", len(lines))
	}
	for i := 1; i < len(lines); i++ {
		if lines[i] == lines[i-1] {
			t.Fatalf("repeated line at %d: %q", i, lines[i])
		}
	}
}
