package hub

import (
	"context"

	"warmline/internal/eventbus"
)

// ConversationRoom names the room for one instance/peer thread.
func ConversationRoom(instanceID, peer string) string {
	return "conversation:" + instanceID + ":" + peer
}

// Relay pushes bus events to connections until ctx ends. Chat traffic goes
// to the conversation room; everything else is broadcast.
func (h *Hub) Relay(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(512)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			h.relay(ev)
		}
	}
}

func (h *Hub) relay(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case eventbus.ChatMessage:
		h.BroadcastRoom(ConversationRoom(d.InstanceID, d.Peer), string(ev.Type), d)
	case eventbus.Delivery:
		h.BroadcastRoom(ConversationRoom(d.InstanceID, d.Peer), string(ev.Type), d)
	default:
		h.Broadcast(string(ev.Type), ev.Data)
	}
}
