package classify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"warmline/internal/eventbus"
	"warmline/internal/storage"
	"warmline/internal/transport"
)

func TestDebouncerCollapsesBurst(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	var calls atomic.Int32
	var last atomic.Int32
	for i := 1; i <= 3; i++ {
		i := i
		d.Trigger("k", func() { calls.Add(1); last.Store(int32(i)) })
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 1 || last.Load() != 3 {
		t.Fatalf("calls=%d last=%d, want one call from the last trigger", calls.Load(), last.Load())
	}
	if d.Pending() != 0 {
		t.Fatalf("pending = %d", d.Pending())
	}
}

func TestDebouncerCancelAndStop(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	var calls atomic.Int32
	d.Trigger("a", func() { calls.Add(1) })
	if !d.Cancel("a") {
		t.Fatal("Cancel should find the pending timer")
	}
	d.Trigger("b", func() { calls.Add(1) })
	d.Stop()
	d.Trigger("c", func() { calls.Add(1) })
	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("calls = %d after cancel/stop", calls.Load())
	}
}

func TestDepartmentFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text string
		want string
	}{
		{"Use the equity in your property, no collateral needed beyond it", DeptMortgage},
		{"Refinancing your home could lower payments", DeptMortgage},
		{"Quick cash against your car title", DeptAuto},
		{"Unsecured personal loan, no collateral", DeptUnsecured},
		{"Hi, are you still looking for funding?", DeptGeneral},
	}
	for _, tc := range cases {
		if got := DepartmentFor(tc.text); got != tc.want {
			t.Fatalf("DepartmentFor(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

func TestOverrideKeepsDepartmentStable(t *testing.T) {
	t.Parallel()
	outreach := "We can help with a loan secured by your property"
	replies := []string{"yes tell me more", "I want a car loan actually", "unsecured please", "stop"}
	for _, r := range replies {
		v := Override(storage.Classification{Intent: IntentInterested, Action: ActionReply, Department: DeptAuto},
			outreach, []Turn{{Role: RoleYou, Text: outreach}, {Role: RoleLead, Text: r}})
		if v.Department != DeptMortgage {
			t.Fatalf("reply %q flipped department to %s", r, v.Department)
		}
	}
}

func TestOverrideAutoResponder(t *testing.T) {
	t.Parallel()
	in := storage.Classification{Interested: true, Intent: IntentInterested, Action: ActionReply, SuggestedReply: "Great!", Confidence: 3}
	turns := []Turn{
		{Role: RoleYou, Text: "Hello"},
		{Role: RoleLead, Text: "I am currently out of the office and will get back to you as soon as possible."},
	}
	v := Override(in, "Hello", turns)
	if v.Interested || v.Intent != IntentOutOfScope || v.Action != ActionDoNotContact || v.SuggestedReply != NeutralReply {
		t.Fatalf("auto-responder not overridden: %+v", v)
	}

	// An earlier auto-reply followed by our message and a real answer does not count.
	turns = append(turns, Turn{Role: RoleYou, Text: "ping"}, Turn{Role: RoleLead, Text: "yes interested"})
	v = Override(in, "Hello", turns)
	if !v.Interested || v.Action != ActionReply || v.Confidence != 1 {
		t.Fatalf("real reply overridden: %+v", v)
	}
}

func TestOverrideNormalizes(t *testing.T) {
	t.Parallel()
	v := Override(storage.Classification{Intent: "MAYBE", Action: "CALL", FollowUpAt: "2026-01-01T10:00:00Z", Confidence: -1}, "", nil)
	if v.Intent != IntentOutOfScope || v.Action != ActionNone || v.FollowUpAt != "" || v.Confidence != 0 {
		t.Fatalf("not normalized: %+v", v)
	}
}

type fakeClassifier struct {
	mu    sync.Mutex
	calls int
	reqs  []Request
	v     storage.Classification
	err   error
}

func (f *fakeClassifier) Classify(_ context.Context, req Request) (storage.Classification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reqs = append(f.reqs, req)
	return f.v, f.err
}

func (f *fakeClassifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRegistry struct {
	mu      sync.Mutex
	managed map[string]bool
	sent    []string
}

func (r *fakeRegistry) Managed(id string) bool { return r.managed[id] }

func (r *fakeRegistry) Send(_ context.Context, from, to string, c transport.Content) (transport.MessageKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, from+"->"+to+":"+c.Text)
	return transport.MessageKey{ID: "r", Peer: to, FromMe: true}, nil
}

func (r *fakeRegistry) sentTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

type fixture struct {
	st  storage.Store
	reg *fakeRegistry
	cls *fakeClassifier
	bus eventbus.Bus
	p   *Pipeline
	o   storage.Outreach
}

func newFixture(t *testing.T, v storage.Classification) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		st:  storage.NewMemory(1),
		reg: &fakeRegistry{managed: map[string]bool{"200": true}},
		cls: &fakeClassifier{v: v},
		bus: eventbus.New(),
	}
	now := time.Now()
	f.o = storage.Outreach{ID: "o1", QueueID: "q1", InstanceID: "100", Peer: "15550001",
		Text: "Tap your property equity today", SentAt: now.Add(-time.Minute)}
	if err := f.st.SaveOutreach(ctx, f.o); err != nil {
		t.Fatal(err)
	}
	_ = f.st.AppendChat(ctx, storage.ChatMessage{ID: "m0", InstanceID: "100", Peer: "15550001", FromMe: true, Text: f.o.Text, At: f.o.SentAt})
	f.p = New(f.reg, f.st, f.bus, f.cls, Config{Enabled: true, Debounce: 30 * time.Millisecond, AutoReply: true, Location: time.UTC})
	t.Cleanup(f.p.Close)
	return f
}

func (f *fixture) reply(t *testing.T, id, text string) {
	t.Helper()
	m := storage.ChatMessage{ID: id, InstanceID: "100", Peer: "15550001", Text: text, At: time.Now()}
	_ = f.st.AppendChat(context.Background(), m)
	if !f.p.Observe(context.Background(), eventbus.ChatMessage{InstanceID: m.InstanceID, Peer: m.Peer, MessageID: id, Text: text, At: m.At}) {
		t.Fatalf("reply %s was not scheduled", id)
	}
}

func (f *fixture) waitVerdicts(t *testing.T, n int) []storage.Classification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := f.st.Classifications(context.Background(), f.o.ID)
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d verdicts, want %d", len(got), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBurstClassifiedOnce(t *testing.T) {
	f := newFixture(t, storage.Classification{
		Interested: true, Intent: IntentInterested, Action: ActionReply,
		SuggestedReply: "Great, when can we call?", Confidence: 0.9, Department: DeptGeneral,
	})
	opps, unsub := f.bus.Subscribe(4, eventbus.OpportunityClassified)
	defer unsub()

	f.reply(t, "m1", "hi")
	f.reply(t, "m2", "yes")
	f.reply(t, "m3", "how much can I get?")
	got := f.waitVerdicts(t, 1)
	time.Sleep(50 * time.Millisecond)

	if f.cls.count() != 1 {
		t.Fatalf("classifier calls = %d, want 1", f.cls.count())
	}
	req := f.cls.reqs[0]
	if len(req.Conversation) != 4 || req.Conversation[0].Role != RoleYou || req.Conversation[3].Text != "how much can I get?" {
		t.Fatalf("conversation = %+v", req.Conversation)
	}
	if req.Outreach != f.o.Text || req.Timezone != "UTC" {
		t.Fatalf("request = %+v", req)
	}
	if got[0].Department != DeptMortgage || got[0].ClassifiedAt.IsZero() {
		t.Fatalf("verdict = %+v", got[0])
	}
	if sent := f.reg.sentTexts(); len(sent) != 1 || sent[0] != "100->15550001:Great, when can we call?" {
		t.Fatalf("auto-reply = %v", sent)
	}
	select {
	case ev := <-opps:
		if o := ev.Data.(eventbus.Opportunity); o.OutreachID != "o1" || o.Department != DeptMortgage {
			t.Fatalf("opportunity = %+v", o)
		}
	case <-time.After(time.Second):
		t.Fatal("no opportunity event")
	}
}

func (f *fixture) waitSuppressed(t *testing.T, peer string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		blocked, _ := f.st.SuppressedAmong(context.Background(), []string{peer})
		if blocked[peer] {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s was not suppressed", peer)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDoNotContactSuppressesWithoutReply(t *testing.T) {
	f := newFixture(t, storage.Classification{Intent: IntentNotInterested, Action: ActionDoNotContact, SuggestedReply: "Sorry to bother you"})
	f.reply(t, "m1", "stop texting me")
	f.waitVerdicts(t, 1)
	f.waitSuppressed(t, "15550001")

	if sent := f.reg.sentTexts(); len(sent) != 0 {
		t.Fatalf("auto-reply sent for do-not-contact: %v", sent)
	}
}

func TestAutoResponderGetsNeutralReply(t *testing.T) {
	f := newFixture(t, storage.Classification{
		Interested: true, Intent: IntentInterested, Action: ActionReply, SuggestedReply: "Great, when can we call?",
	})
	f.reply(t, "m1", "I am currently away from my desk and will get back to you as soon as possible.")
	got := f.waitVerdicts(t, 1)
	f.waitSuppressed(t, "15550001")

	if got[0].Action != ActionDoNotContact || got[0].Interested {
		t.Fatalf("verdict = %+v", got[0])
	}
	if sent := f.reg.sentTexts(); len(sent) != 1 || sent[0] != "100->15550001:"+NeutralReply {
		t.Fatalf("auto-reply = %v", sent)
	}
}

func TestLaterReplyAppendsVerdict(t *testing.T) {
	f := newFixture(t, storage.Classification{Intent: IntentNeedsInfo, Action: ActionNone})
	f.reply(t, "m1", "what rate?")
	f.waitVerdicts(t, 1)
	f.reply(t, "m2", "hello?")
	if got := f.waitVerdicts(t, 2); got[0].Intent != IntentNeedsInfo || got[1].Intent != IntentNeedsInfo {
		t.Fatalf("verdicts = %+v", got)
	}
}

func TestObserveIgnores(t *testing.T) {
	f := newFixture(t, storage.Classification{Intent: IntentInterested, Action: ActionNone})
	ctx := context.Background()
	cases := []struct {
		name string
		m    eventbus.ChatMessage
	}{
		{"own message", eventbus.ChatMessage{InstanceID: "100", Peer: "15550001", FromMe: true}},
		{"managed peer", eventbus.ChatMessage{InstanceID: "100", Peer: "200"}},
		{"no outreach", eventbus.ChatMessage{InstanceID: "100", Peer: "15559999"}},
	}
	for _, tc := range cases {
		if f.p.Observe(ctx, tc.m) {
			t.Fatalf("%s: should not schedule", tc.name)
		}
	}

	f.p.SetConfig(Config{Enabled: false})
	if f.p.Observe(ctx, eventbus.ChatMessage{InstanceID: "100", Peer: "15550001"}) {
		t.Fatal("disabled pipeline should not schedule")
	}
}

func TestClassifierFailureDropsCycle(t *testing.T) {
	f := newFixture(t, storage.Classification{})
	f.cls.err = errors.Join(ErrClassification, errors.New("boom"))
	if _, err := f.p.Classify(context.Background(), f.o); !errors.Is(err, ErrClassification) {
		t.Fatalf("Classify err = %v", err)
	}
	if got, _ := f.st.Classifications(context.Background(), f.o.ID); len(got) != 0 {
		t.Fatalf("verdict stored after failure: %+v", got)
	}
}
