package logx

import (
	"sync"
	"testing"
)

func TestOperatorSinkRespectsMinLevel(t *testing.T) {
	svc, log := New(Config{Level: "DEBUG", Operator: OperatorConfig{Enabled: true, MinLevel: "WARN", RatePerSec: 100}})
	defer svc.Close()

	var (
		mu  sync.Mutex
		got []Entry
	)
	svc.SetSink(func(e Entry) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	log.Info("quiet")
	log.Warn("loud", String("instance", "15550001"))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("sink entries = %d, want 1", len(got))
	}
	if got[0].Message != "loud" {
		t.Fatalf("message = %q, want loud", got[0].Message)
	}
	if got[0].Fields["instance"] != "15550001" {
		t.Fatalf("instance field = %v", got[0].Fields["instance"])
	}
}

func TestOperatorSinkRateLimited(t *testing.T) {
	svc, log := New(Config{Level: "DEBUG", Operator: OperatorConfig{Enabled: true, MinLevel: "WARN", RatePerSec: 1}})
	defer svc.Close()

	n := 0
	svc.SetSink(func(Entry) { n++ })
	for i := 0; i < 5; i++ {
		log.Error("burst")
	}
	if n != 1 {
		t.Fatalf("sink calls = %d, want 1 (burst of 1)", n)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("expected zero logger")
	}
	l.Info("does not panic")
	l.With(String("k", "v")).Warn("still fine")
}

func TestDecodeEntryNonJSON(t *testing.T) {
	e := decodeEntry(LevelWarn, []byte("  plain text \n"))
	if e.Message != "plain text" {
		t.Fatalf("message = %q", e.Message)
	}
	if e.Level != "warn" {
		t.Fatalf("level = %q", e.Level)
	}
}
