package circuit

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAndCoolsDown(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	b := New(Config{Trip: 2, BaseDelay: time.Second, MaxDelay: 3 * time.Second}).WithClock(func() time.Time { return now })
	boom := errors.New("boom")

	b.Record("k", boom)
	if ok, _ := b.Allow("k"); !ok {
		t.Fatal("one failure should not open the circuit")
	}
	b.Record("k", boom)
	ok, until := b.Allow("k")
	if ok || !until.Equal(now.Add(time.Second)) {
		t.Fatalf("Allow = %v, %v; want open until +1s", ok, until)
	}
	if b.Open() != 1 {
		t.Fatalf("Open = %d", b.Open())
	}

	// Cooldown doubles then caps.
	b.Record("k", boom)
	b.Record("k", boom)
	if _, until := b.Allow("k"); !until.Equal(now.Add(3 * time.Second)) {
		t.Fatalf("cooldown not capped: %v", until.Sub(now))
	}

	now = now.Add(4 * time.Second)
	if ok, _ := b.Allow("k"); !ok {
		t.Fatal("expected circuit to close after cooldown")
	}
	b.Record("k", nil)
	b.Record("k", boom)
	if ok, _ := b.Allow("k"); !ok {
		t.Fatal("success should reset failure count")
	}
}

func TestBreakerDisabled(t *testing.T) {
	t.Parallel()
	b := New(Config{Trip: -1})
	for i := 0; i < 10; i++ {
		b.Record("k", errors.New("x"))
	}
	if ok, _ := b.Allow("k"); !ok {
		t.Fatal("disabled breaker must always allow")
	}
}
