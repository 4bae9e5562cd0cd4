package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process maps (lost on restart)
//
// An empty driver selects "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Seed makes the memory driver's sampler deterministic when non-zero.
	Seed int64
}

// Credentials is the opaque credential blob of one instance, owned by the
// session transport. Saves merge keys into the stored blob.
type Credentials map[string]json.RawMessage

// AuthKeys holds per-session key material: keyType -> keyID -> data.
type AuthKeys map[string]map[string][]byte

// InstanceRecord is the persisted part of an instance.
type InstanceRecord struct {
	ID       string
	IsActive bool

	OutgoingCount int64
	IncomingCount int64

	// Day is the local date ("2006-01-02") the daily counters belong to.
	Day                        string
	DailyMessageCount          int
	DailyWarmUpCount           int
	DailyWarmConversationCount int

	WarmUpDay        int
	HasWarmedUp      bool
	TotalWarmUpCount int
	LastWarmedUpDay  string

	StatusCode   int
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueuedMessage is one outbound message. SentAt != nil is terminal.
type QueuedMessage struct {
	ID         string
	Recipient  string
	Text       string
	TTS        bool
	Attempt    int
	InstanceID string
	SentAt     *time.Time
	LastError  string
	CreatedAt  time.Time
}

// ChatMessage is one message seen on an instance, in either direction.
type ChatMessage struct {
	ID         string
	InstanceID string
	Peer       string
	FromMe     bool
	Text       string
	At         time.Time
}

// Outreach is a delivered queue message that later replies are classified against.
type Outreach struct {
	ID         string
	QueueID    string
	InstanceID string
	Peer       string
	Text       string
	SentAt     time.Time
}

// Classification is an append-only verdict on an outreach thread.
type Classification struct {
	Interested     bool    `json:"interested"`
	Intent         string  `json:"intent"`
	Reason         string  `json:"reason"`
	Confidence     float64 `json:"confidence"`
	SuggestedReply string  `json:"suggestedReply,omitempty"`
	Action         string  `json:"action"`
	FollowUpAt     string  `json:"followUpAt,omitempty"`
	Department     string  `json:"department"`

	ClassifiedAt time.Time `json:"classifiedAt"`
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	Actor    string
	Action   string
	Target   string
	OK       bool
	Error    string
	TookMS   int64
	MetaJSON string
}
