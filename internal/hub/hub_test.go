package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"warmline/internal/eventbus"
	logx "warmline/pkg/logx"
)

func newHub(buf int) *Hub {
	return New(TokenAuth{"t1": "alice", "t2": "bob"}, Config{SendBuffer: buf}, logx.Nop())
}

func drain(c *Conn) []Frame {
	var out []Frame
	for {
		select {
		case f := <-c.Outbox():
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestSendToUserRoomFallback(t *testing.T) {
	t.Parallel()
	h := newHub(8)
	a1, a2 := h.Register("alice"), h.Register("alice")
	b := h.Register("bob")
	h.Join(a2, "conversation:1:555")
	h.Join(b, "conversation:1:555")

	if !h.SendToUser("alice", "x", 1, "conversation:1:555") {
		t.Fatal("expected delivery")
	}
	if len(drain(a1)) != 0 {
		t.Fatal("scoped delivery leaked outside the room")
	}
	if f := drain(a2); len(f) != 1 || f[0].Room != "conversation:1:555" {
		t.Fatalf("a2 got %+v", f)
	}
	if len(drain(b)) != 0 {
		t.Fatal("other user received a user-scoped event")
	}

	// no alice connection in this room: fall back to all of alice's
	if !h.SendToUser("alice", "y", 2, "conversation:9:000") {
		t.Fatal("expected fallback delivery")
	}
	if len(drain(a1)) != 1 || len(drain(a2)) != 1 {
		t.Fatal("fallback should reach every alice connection")
	}
	if h.SendToUser("carol", "z", 3, "") {
		t.Fatal("unknown user should report no delivery")
	}
}

func TestBroadcastExclude(t *testing.T) {
	t.Parallel()
	h := newHub(8)
	a, b := h.Register("alice"), h.Register("bob")
	if n := h.Broadcast("e", nil, "bob"); n != 1 {
		t.Fatalf("reached %d", n)
	}
	if len(drain(a)) != 1 || len(drain(b)) != 0 {
		t.Fatal("exclusion not honoured")
	}
	h.Unregister(a)
	if n := h.Broadcast("e", nil); n != 1 {
		t.Fatalf("after unregister reached %d", n)
	}
	h.Unregister(a)
}

func TestOnConnectedFirstWins(t *testing.T) {
	t.Parallel()
	h := newHub(8)
	if !h.OnConnected("warmup.schedule", func() any { return "first" }) {
		t.Fatal("first registration should win")
	}
	if h.OnConnected("warmup.schedule", func() any { return "second" }) {
		t.Fatal("second registration should be ignored")
	}
	h.OnConnected("pool", func() any { return 3 })

	got := drain(h.Register("alice"))
	if len(got) != 2 || got[0].Event != "warmup.schedule" || got[0].Data != "first" || got[1].Data != 3 {
		t.Fatalf("replay = %+v", got)
	}
}

func TestSlowConnectionDropped(t *testing.T) {
	t.Parallel()
	h := newHub(1)
	c := h.Register("alice")
	h.Broadcast("a", nil)
	h.Broadcast("b", nil)
	select {
	case <-c.Done():
	default:
		t.Fatal("slow connection should be unregistered")
	}
	if h.Count() != 0 {
		t.Fatalf("count = %d", h.Count())
	}
}

func TestLeaveOwnRoomIgnored(t *testing.T) {
	t.Parallel()
	h := newHub(8)
	c := h.Register("alice")
	h.Leave(c, "user:alice")
	if !h.SendToUser("alice", "e", nil, "") {
		t.Fatal("user room membership must persist")
	}
}

func TestCloseUnregistersAll(t *testing.T) {
	t.Parallel()
	h := newHub(8)
	a, b := h.Register("alice"), h.Register("bob")
	if n := h.Close(); n != 2 {
		t.Fatalf("Close = %d, want 2", n)
	}
	for _, c := range []*Conn{a, b} {
		select {
		case <-c.Done():
		default:
			t.Fatalf("connection of %s still open", c.User())
		}
	}
	if h.Count() != 0 || h.Broadcast("e", nil) != 0 {
		t.Fatal("hub should be empty after Close")
	}
}

func TestRelayRoutesChatToConversationRoom(t *testing.T) {
	h := newHub(8)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = h.Relay(ctx, bus); close(done) }()

	in, out := h.Register("alice"), h.Register("bob")
	h.Join(in, ConversationRoom("100", "555"))
	time.Sleep(20 * time.Millisecond) // let Relay subscribe

	bus.Publish(eventbus.Event{Type: eventbus.MessageIncoming, Data: eventbus.ChatMessage{InstanceID: "100", Peer: "555", Text: "hi"}})
	bus.Publish(eventbus.Event{Type: eventbus.QueueProgress, Data: eventbus.QueueProgressData{MessageCount: 1}})
	time.Sleep(50 * time.Millisecond)

	if got := drain(in); len(got) != 2 || got[0].Event != "message.incoming" || got[1].Event != "queue.progress" {
		t.Fatalf("room member got %+v", got)
	}
	if got := drain(out); len(got) != 1 || got[0].Event != "queue.progress" {
		t.Fatalf("non-member got %+v", got)
	}
	cancel()
	<-done
}

func TestWebsocketHandshake(t *testing.T) {
	h := newHub(8)
	h.OnConnected("hello", func() any { return "state" })
	srv := httptest.NewServer(h)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	resp, err := http.Get(srv.URL + "?token=nope")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", resp.StatusCode)
	}

	hdr := http.Header{"Authorization": []string{"Bearer t1"}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var f Frame
	if err := ws.ReadJSON(&f); err != nil || f.Event != "hello" || f.Data != "state" {
		t.Fatalf("replay frame = %+v, %v", f, err)
	}
	if err := ws.WriteJSON(clientFrame{Op: "join", Room: "conversation:1:2"}); err != nil {
		t.Fatal(err)
	}
	if err := ws.ReadJSON(&f); err != nil || f.Event != "joined" {
		t.Fatalf("join ack = %+v, %v", f, err)
	}
	if n := h.BroadcastRoom("conversation:1:2", "message.incoming", "hi"); n != 1 {
		t.Fatalf("room broadcast reached %d", n)
	}
	if err := ws.ReadJSON(&f); err != nil || f.Event != "message.incoming" || f.Room != "conversation:1:2" {
		t.Fatalf("room frame = %+v, %v", f, err)
	}

	_ = ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection not unregistered after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
