package circuitbreaker

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func trip(b *Breaker, key string, n int) {
	for i := 0; i < n; i++ {
		b.RecordFailure(key)
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	if !b.Allow("stripe") {
		t.Fatal("fresh circuit should allow")
	}

	trip(b, "stripe", 2)
	if !b.Allow("stripe") {
		t.Fatal("two failures should not trip a threshold of three")
	}

	b.RecordFailure("stripe")
	if b.Allow("stripe") {
		t.Fatal("third failure should open the circuit")
	}
	if got := b.State("stripe"); got != StateOpen {
		t.Fatalf("State = %v, want open", got)
	}
}

func TestBreakerProbesAfterOpenWindow(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	trip(b, "stripe", 2)
	if b.Allow("stripe") {
		t.Fatal("circuit should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow("stripe") {
		t.Fatal("elapsed window should admit a probe")
	}
	if got := b.State("stripe"); got != StateHalfOpen {
		t.Fatalf("State = %v, want half_open", got)
	}
	if b.Allow("stripe") {
		t.Fatal("only one probe may be in flight")
	}
}

func TestBreakerProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b := New(2, 50*time.Millisecond)
		trip(b, "stripe", 2)
		time.Sleep(60 * time.Millisecond)
		b.Allow("stripe")

		b.RecordSuccess("stripe")
		if got := b.State("stripe"); got != StateClosed {
			t.Fatalf("State = %v, want closed", got)
		}
		if !b.Allow("stripe") {
			t.Fatal("recovered circuit should allow")
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		b := New(2, 50*time.Millisecond)
		trip(b, "stripe", 2)
		time.Sleep(60 * time.Millisecond)
		b.Allow("stripe")

		b.RecordFailure("stripe")
		if got := b.State("stripe"); got != StateOpen {
			t.Fatalf("State = %v, want open", got)
		}
	})
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	trip(b, "stripe", 2)
	b.RecordSuccess("stripe")

	// The counter restarted, so one more failure is not enough.
	b.RecordFailure("stripe")
	if !b.Allow("stripe") {
		t.Fatal("circuit should still be closed after a reset")
	}
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	trip(b, "stripe", 2)

	if b.Allow("stripe") {
		t.Fatal("stripe should be open")
	}
	if !b.Allow("simulator") {
		t.Fatal("simulator should be unaffected")
	}
	if got := b.State("adyen"); got != StateClosed {
		t.Fatalf("unknown key State = %v, want closed", got)
	}
}

func TestBreakerOnTransition(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var seen []string
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		seen = append(seen, fmt.Sprintf("%s:%s>%s", key, from, to))
		mu.Unlock()
	})

	trip(b, "stripe", 2)

	// The callback runs on its own goroutine.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "stripe:closed>open" {
		t.Fatalf("transitions = %v, want [stripe:closed>open]", seen)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(99):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
