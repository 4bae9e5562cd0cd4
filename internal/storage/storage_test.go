package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	logx "warmline/pkg/logx"
)

func drivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "w.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	mem, err := Open(Config{Driver: "memory", Seed: 7}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	return map[string]Store{"sqlite": sq, "memory": mem}
}

func TestCredentialsMergeAndPurge(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.SaveCredentials(ctx, "1555", Credentials{"me": json.RawMessage(`"a"`)}); err != nil {
				t.Fatalf("SaveCredentials: %v", err)
			}
			if err := st.SaveCredentials(ctx, "1555", Credentials{"noise": json.RawMessage(`1`)}); err != nil {
				t.Fatalf("SaveCredentials: %v", err)
			}
			c, err := st.GetCredentials(ctx, "1555")
			if err != nil || len(c) != 2 || string(c["me"]) != `"a"` {
				t.Fatalf("merged credentials = %v, %v", c, err)
			}
			if err := st.SaveAuthKey(ctx, "1555", "pre-key", "1", []byte{1}); err != nil {
				t.Fatal(err)
			}
			if err := st.DeleteCredentials(ctx, "1555"); err != nil {
				t.Fatal(err)
			}
			c, _ = st.GetCredentials(ctx, "1555")
			keys, _ := st.GetAuthKeys(ctx, "1555")
			if len(c) != 0 || len(keys) != 0 {
				t.Fatalf("expected purge, got creds=%v keys=%v", c, keys)
			}
		})
	}
}

func TestQueueTiers(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := st.InsertQueued(ctx, []QueuedMessage{
				{ID: "a", Recipient: "1", Text: "x"},
				{ID: "b", Recipient: "2", Text: "y"},
			})
			if err != nil {
				t.Fatalf("InsertQueued: %v", err)
			}
			if n, _ := st.CountPending(ctx, 2); n != 2 {
				t.Fatalf("CountPending = %d", n)
			}
			if err := st.MarkSent(ctx, "a", "inst", time.Now()); err != nil {
				t.Fatalf("MarkSent: %v", err)
			}
			for i := 0; i < 5; i++ {
				m, ok, err := st.SampleOneAtTier(ctx, 0)
				if err != nil || !ok || m.ID != "b" {
					t.Fatalf("sample = %+v %v %v; sent messages must never be sampled", m, ok, err)
				}
			}
			if err := st.MarkFailed(ctx, "b", "boom"); err != nil {
				t.Fatal(err)
			}
			if err := st.MarkFailed(ctx, "b", "boom"); err != nil {
				t.Fatal(err)
			}
			if _, ok, _ := st.SampleOneAtTier(ctx, 0); ok {
				t.Fatal("tier 0 should be empty")
			}
			if n, _ := st.CountPending(ctx, 2); n != 0 {
				t.Fatalf("exhausted message counted as pending: %d", n)
			}
			if n, _ := st.ResetExhausted(ctx, 2); n != 1 {
				t.Fatalf("ResetExhausted = %d", n)
			}
			if err := st.MarkFailed(ctx, "a", "late"); err != ErrNotFound {
				t.Fatalf("MarkFailed on sent message = %v, want ErrNotFound", err)
			}
			if n, _ := st.ClearPending(ctx); n != 1 {
				t.Fatalf("ClearPending = %d", n)
			}
			list, _ := st.ListQueued(ctx, 10)
			if len(list) != 1 || list[0].SentAt == nil || list[0].InstanceID != "inst" {
				t.Fatalf("ListQueued = %+v", list)
			}
		})
	}
}

func TestConversationWindowOrdering(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
			for i, txt := range []string{"old", "one", "two", "three"} {
				_ = st.AppendChat(ctx, ChatMessage{InstanceID: "i", Peer: "p", FromMe: i%2 == 0, Text: txt, At: base.Add(time.Duration(i) * time.Minute)})
			}
			_ = st.AppendChat(ctx, ChatMessage{InstanceID: "i", Peer: "other", Text: "nope", At: base})
			got, err := st.Conversation(ctx, "i", "p", base.Add(time.Minute), 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].Text != "two" || got[1].Text != "three" {
				t.Fatalf("Conversation = %+v", got)
			}
		})
	}
}

func TestOutreachAndAppendOnlyVerdicts(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().Truncate(time.Millisecond)
			_ = st.SaveOutreach(ctx, Outreach{ID: "o1", InstanceID: "i", Peer: "p", Text: "first", SentAt: now.Add(-time.Hour)})
			_ = st.SaveOutreach(ctx, Outreach{ID: "o2", InstanceID: "i", Peer: "p", Text: "second", SentAt: now})
			o, ok, err := st.LatestOutreach(ctx, "i", "p")
			if err != nil || !ok || o.ID != "o2" {
				t.Fatalf("LatestOutreach = %+v %v %v", o, ok, err)
			}
			_ = st.AppendClassification(ctx, "o2", Classification{Intent: "A", Department: "GENERAL"})
			_ = st.AppendClassification(ctx, "o2", Classification{Intent: "B", Department: "GENERAL"})
			vs, _ := st.Classifications(ctx, "o2")
			if len(vs) != 2 || vs[0].Intent != "A" || vs[1].Intent != "B" {
				t.Fatalf("Classifications = %+v", vs)
			}
		})
	}
}

func TestSuppressionAndInstances(t *testing.T) {
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = st.AddSuppression(ctx, "100", "opt-out")
			got, err := st.SuppressedAmong(ctx, []string{"100", "200"})
			if err != nil || !got["100"] || got["200"] {
				t.Fatalf("SuppressedAmong = %v %v", got, err)
			}
			_ = st.RemoveSuppression(ctx, "100")
			if got, _ := st.SuppressedAmong(ctx, []string{"100"}); got["100"] {
				t.Fatal("expected suppression removed")
			}

			rec := InstanceRecord{ID: "1555", IsActive: true, OutgoingCount: 3, Day: "2026-01-02", HasWarmedUp: true}
			if err := st.SaveInstance(ctx, rec); err != nil {
				t.Fatal(err)
			}
			list, _ := st.ListInstances(ctx)
			if len(list) != 1 || !list[0].IsActive || list[0].OutgoingCount != 3 || !list[0].HasWarmedUp {
				t.Fatalf("ListInstances = %+v", list)
			}
			_ = st.DeleteInstance(ctx, "1555")
			if list, _ := st.ListInstances(ctx); len(list) != 0 {
				t.Fatalf("expected delete, got %+v", list)
			}
			if err := st.AppendAudit(ctx, AuditEntry{Actor: "ops", Action: "queue.start", OK: true}); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
