// Package transport defines the boundary to the messaging network: one
// Session per account, opened through a Factory, reporting what happens on
// the wire as Events.
package transport

import (
	"context"
	"fmt"
	"time"

	"warmline/internal/storage"
)

type EventKind string

const (
	EventPairing      EventKind = "pairing"     // fresh QR payload to display
	EventCredentials  EventKind = "credentials" // partial credential update to persist
	EventRegistered   EventKind = "registered"
	EventReady        EventKind = "ready"
	EventIncoming     EventKind = "incoming"
	EventOutgoing     EventKind = "outgoing"
	EventDelivery     EventKind = "delivery"
	EventDisconnected EventKind = "disconnected"
)

// DeliveryStatus follows a sent message through the network.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// MessageKey identifies a message inside one session's chat with Peer.
type MessageKey struct {
	ID     string
	Peer   string
	FromMe bool
}

type Content struct {
	Text string
	TTS  bool // ask the network to deliver the text as synthesized voice
}

type Message struct {
	Key  MessageKey
	Text string
	At   time.Time
}

type Event struct {
	Kind EventKind
	At   time.Time

	QR          string              // EventPairing
	Credentials storage.Credentials // EventCredentials
	Message     *Message            // EventIncoming, EventOutgoing
	Key         MessageKey          // EventDelivery
	Status      DeliveryStatus      // EventDelivery

	// EventDisconnected
	Cause     error
	LoggedOut bool
}

// Pairing is returned by Connect. QR is empty when the session already has
// credentials and will go straight to Ready.
type Pairing struct {
	QR string
}

// Session is one live connection for one account. Events are written to the
// channel given to Connect until Disconnect returns; the session never
// closes it.
type Session interface {
	Connect(ctx context.Context, out chan<- Event) (Pairing, error)
	Send(ctx context.Context, to string, c Content) (MessageKey, error)
	Read(ctx context.Context, keys []MessageKey) error
	Disconnect(ctx context.Context) error
}

// AuthState is the slice of credential storage one session may touch.
type AuthState interface {
	Credentials(ctx context.Context) (storage.Credentials, error)
	SaveCredentials(ctx context.Context, partial storage.Credentials) error
	AuthKeys(ctx context.Context) (storage.AuthKeys, error)
	SaveAuthKey(ctx context.Context, keyType, keyID string, data []byte) error
}

type Factory interface {
	New(id string, auth AuthState) (Session, error)
}

// Error wraps any failure reported by a session.
type Error struct {
	InstanceID string
	Op         string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.InstanceID, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns err as *Error unless it already is one (or is nil).
func Wrap(id, op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{InstanceID: id, Op: op, Err: err}
}

type scopedAuth struct {
	store storage.CredentialStore
	id    string
}

// ScopedAuth binds a credential store to one instance id.
func ScopedAuth(store storage.CredentialStore, id string) AuthState {
	return scopedAuth{store: store, id: id}
}

func (a scopedAuth) Credentials(ctx context.Context) (storage.Credentials, error) {
	return a.store.GetCredentials(ctx, a.id)
}

func (a scopedAuth) SaveCredentials(ctx context.Context, partial storage.Credentials) error {
	return a.store.SaveCredentials(ctx, a.id, partial)
}

func (a scopedAuth) AuthKeys(ctx context.Context) (storage.AuthKeys, error) {
	return a.store.GetAuthKeys(ctx, a.id)
}

func (a scopedAuth) SaveAuthKey(ctx context.Context, keyType, keyID string, data []byte) error {
	return a.store.SaveAuthKey(ctx, a.id, keyType, keyID, data)
}
