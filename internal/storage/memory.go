package storage

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in maps. Seeded so sampling is reproducible.
type memoryStore struct {
	mu  sync.Mutex
	rng *rand.Rand

	creds     map[string]Credentials
	keys      map[string]AuthKeys
	instances map[string]InstanceRecord
	queue     map[string]QueuedMessage
	suppress  map[string]string
	chat      []ChatMessage
	outreach  []Outreach
	verdicts  map[string][]Classification
	audit     []AuditEntry
}

// NewMemory returns an empty in-process store. A zero seed uses the clock.
func NewMemory(seed int64) Store {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &memoryStore{
		rng:       rand.New(rand.NewSource(seed)),
		creds:     map[string]Credentials{},
		keys:      map[string]AuthKeys{},
		instances: map[string]InstanceRecord{},
		queue:     map[string]QueuedMessage{},
		suppress:  map[string]string{},
		verdicts:  map[string][]Classification{},
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) GetCredentials(_ context.Context, id string) (Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.creds[id]
	if !ok {
		return nil, nil
	}
	out := make(Credentials, len(cur))
	for k, v := range cur {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *memoryStore) SaveCredentials(_ context.Context, id string, partial Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.creds[id]
	if cur == nil {
		cur = Credentials{}
		m.creds[id] = cur
	}
	for k, v := range partial {
		cur[k] = append([]byte(nil), v...)
	}
	return nil
}

func (m *memoryStore) DeleteCredentials(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, id)
	delete(m.keys, id)
	return nil
}

func (m *memoryStore) GetAuthKeys(_ context.Context, id string) (AuthKeys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := AuthKeys{}
	for typ, byID := range m.keys[id] {
		out[typ] = make(map[string][]byte, len(byID))
		for kid, data := range byID {
			out[typ][kid] = append([]byte(nil), data...)
		}
	}
	return out, nil
}

func (m *memoryStore) SaveAuthKey(_ context.Context, id, keyType, keyID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ak := m.keys[id]
	if data == nil {
		if ak != nil && ak[keyType] != nil {
			delete(ak[keyType], keyID)
		}
		return nil
	}
	if ak == nil {
		ak = AuthKeys{}
		m.keys[id] = ak
	}
	if ak[keyType] == nil {
		ak[keyType] = map[string][]byte{}
	}
	ak[keyType][keyID] = append([]byte(nil), data...)
	return nil
}

func (m *memoryStore) SaveInstance(_ context.Context, r InstanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if prev, ok := m.instances[r.ID]; ok && r.CreatedAt.IsZero() {
		r.CreatedAt = prev.CreatedAt
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.instances[r.ID] = r
	return nil
}

func (m *memoryStore) ListInstances(context.Context) ([]InstanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InstanceRecord, 0, len(m.instances))
	for _, r := range m.instances {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryStore) DeleteInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, id)
	return nil
}

func (m *memoryStore) InsertQueued(_ context.Context, msgs []QueuedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, q := range msgs {
		if q.CreatedAt.IsZero() {
			q.CreatedAt = now
		}
		q.SentAt, q.InstanceID, q.LastError = nil, "", ""
		m.queue[q.ID] = q
	}
	return nil
}

func (m *memoryStore) SampleOneAtTier(_ context.Context, tier int) (QueuedMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, q := range m.queue {
		if q.SentAt == nil && q.Attempt == tier {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return QueuedMessage{}, false, nil
	}
	// map order is random but not seeded; sort first so the seed decides.
	sort.Strings(ids)
	return m.queue[ids[m.rng.Intn(len(ids))]], true, nil
}

func (m *memoryStore) MarkSent(_ context.Context, id, instanceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queue[id]
	if !ok || q.SentAt != nil {
		return ErrNotFound
	}
	q.SentAt, q.InstanceID, q.LastError = &at, instanceID, ""
	m.queue[id] = q
	return nil
}

func (m *memoryStore) MarkFailed(_ context.Context, id, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queue[id]
	if !ok || q.SentAt != nil {
		return ErrNotFound
	}
	q.Attempt++
	q.LastError = errText
	m.queue[id] = q
	return nil
}

func (m *memoryStore) CountPending(_ context.Context, maxAttempts int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queue {
		if q.SentAt == nil && q.Attempt < maxAttempts {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) ListQueued(_ context.Context, limit int) ([]QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]QueuedMessage, 0, len(m.queue))
	for _, q := range m.queue {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) DeleteQueued(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue[id]; !ok {
		return ErrNotFound
	}
	delete(m.queue, id)
	return nil
}

func (m *memoryStore) ClearPending(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, q := range m.queue {
		if q.SentAt == nil {
			delete(m.queue, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) ResetExhausted(_ context.Context, maxAttempts int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, q := range m.queue {
		if q.SentAt == nil && q.Attempt >= maxAttempts {
			q.Attempt, q.LastError = 0, ""
			m.queue[id] = q
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) AddSuppression(_ context.Context, phone, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppress[phone] = reason
	return nil
}

func (m *memoryStore) RemoveSuppression(_ context.Context, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suppress, phone)
	return nil
}

func (m *memoryStore) SuppressedAmong(_ context.Context, phones []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for _, p := range phones {
		if _, ok := m.suppress[p]; ok {
			out[p] = true
		}
	}
	return out, nil
}

func (m *memoryStore) AppendChat(_ context.Context, c ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.At.IsZero() {
		c.At = time.Now()
	}
	m.chat = append(m.chat, c)
	return nil
}

func (m *memoryStore) Conversation(_ context.Context, instanceID, peer string, since time.Time, limit int) ([]ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []ChatMessage
	for _, c := range m.chat {
		if c.InstanceID == instanceID && c.Peer == peer && !c.At.Before(since) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memoryStore) SaveOutreach(_ context.Context, o Outreach) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.outreach {
		if cur.ID == o.ID {
			return nil
		}
	}
	m.outreach = append(m.outreach, o)
	return nil
}

func (m *memoryStore) LatestOutreach(_ context.Context, instanceID, peer string) (Outreach, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  Outreach
		found bool
	)
	for _, o := range m.outreach {
		if o.InstanceID != instanceID || o.Peer != peer {
			continue
		}
		if !found || !o.SentAt.Before(best.SentAt) {
			best, found = o, true
		}
	}
	return best, found, nil
}

func (m *memoryStore) AppendClassification(_ context.Context, outreachID string, c Classification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ClassifiedAt.IsZero() {
		c.ClassifiedAt = time.Now()
	}
	m.verdicts[outreachID] = append(m.verdicts[outreachID], c)
	return nil
}

func (m *memoryStore) Classifications(_ context.Context, outreachID string) ([]Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Classification(nil), m.verdicts[outreachID]...), nil
}

func (m *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}
