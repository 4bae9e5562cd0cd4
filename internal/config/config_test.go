package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDecodeYAMLAndJSONAgree(t *testing.T) {
	t.Parallel()
	js := []byte(`{"queue":{"work_start":"09:00","work_end":"18:00","workdays":["mon","tue"],"max_attempts":3},"hub":{"tokens":{"t1":"alice"}}}`)
	ym := []byte("queue:\n  work_start: \"09:00\"\n  work_end: \"18:00\"\n  workdays: [mon, tue]\n  max_attempts: 3\nhub:\n  tokens:\n    t1: alice\n")

	a, err := Decode("c.json", js)
	if err != nil {
		t.Fatalf("Decode json: %v", err)
	}
	b, err := Decode("c.yaml", ym)
	if err != nil {
		t.Fatalf("Decode yaml: %v", err)
	}
	if hashConfig(a) != hashConfig(b) {
		t.Fatalf("json and yaml decode differ: %+v vs %+v", a, b)
	}
	if b.Hub.Tokens["t1"] != "alice" {
		t.Fatalf("tokens = %v", b.Hub.Tokens)
	}
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"telegram":{}}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{}{}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected negative duration error")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a := &Config{Classifier: ClassifierConfig{APIKey: "one"}}
	b := &Config{Classifier: ClassifierConfig{APIKey: "two"}}
	if sections, _ := SummarizeConfigChange(a, b); len(sections) != 0 {
		t.Fatalf("rotating a set key should not report a change, got %v", sections)
	}
	b.Storage.Driver = "sqlite"
	sections, _ := SummarizeConfigChange(a, b)
	if got := RestartRequired(sections); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestWatchPublishesValidatedChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warmline.json")
	if err := os.WriteFile(path, []byte(`{"queue":{"max_attempts":3}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return nil })
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to attach before writing.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"queue":{"max_attempts":5}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Queue.MaxAttempts != 5 {
			t.Fatalf("max_attempts = %d, want 5", cfg.Queue.MaxAttempts)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for config reload")
	}
	if m.Get().Queue.MaxAttempts != 5 {
		t.Fatal("expected committed config to be updated")
	}
}
