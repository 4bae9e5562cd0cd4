package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "warmline/pkg/logx"
)

type CredentialStore interface {
	GetCredentials(ctx context.Context, id string) (Credentials, error)
	SaveCredentials(ctx context.Context, id string, partial Credentials) error
	DeleteCredentials(ctx context.Context, id string) error
	GetAuthKeys(ctx context.Context, id string) (AuthKeys, error)
	// SaveAuthKey stores one key; nil data deletes it.
	SaveAuthKey(ctx context.Context, id, keyType, keyID string, data []byte) error
}

type InstanceStore interface {
	SaveInstance(ctx context.Context, rec InstanceRecord) error
	ListInstances(ctx context.Context) ([]InstanceRecord, error)
	DeleteInstance(ctx context.Context, id string) error
}

type QueueStore interface {
	InsertQueued(ctx context.Context, msgs []QueuedMessage) error
	// SampleOneAtTier picks a random unsent message at the given attempt tier.
	SampleOneAtTier(ctx context.Context, tier int) (QueuedMessage, bool, error)
	MarkSent(ctx context.Context, id, instanceID string, at time.Time) error
	// MarkFailed increments the attempt tier and records the error.
	MarkFailed(ctx context.Context, id, errText string) error
	CountPending(ctx context.Context, maxAttempts int) (int, error)
	ListQueued(ctx context.Context, limit int) ([]QueuedMessage, error)
	DeleteQueued(ctx context.Context, id string) error
	ClearPending(ctx context.Context) (int, error)
	ResetExhausted(ctx context.Context, maxAttempts int) (int, error)
}

type SuppressionStore interface {
	AddSuppression(ctx context.Context, phone, reason string) error
	RemoveSuppression(ctx context.Context, phone string) error
	SuppressedAmong(ctx context.Context, phones []string) (map[string]bool, error)
}

type ChatStore interface {
	AppendChat(ctx context.Context, m ChatMessage) error
	// Conversation returns at most limit messages since the given time, oldest first.
	Conversation(ctx context.Context, instanceID, peer string, since time.Time, limit int) ([]ChatMessage, error)
}

type OutreachStore interface {
	SaveOutreach(ctx context.Context, o Outreach) error
	LatestOutreach(ctx context.Context, instanceID, peer string) (Outreach, bool, error)
	AppendClassification(ctx context.Context, outreachID string, c Classification) error
	Classifications(ctx context.Context, outreachID string) ([]Classification, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// Store is the full persistence API used by the services.
type Store interface {
	CredentialStore
	InstanceStore
	QueueStore
	SuppressionStore
	ChatStore
	OutreachStore
	AuditStore
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(cfg.Seed), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
