package service

import (
	"errors"
	"sync"
	"testing"
)

func TestTurnRegistryExclusive(t *testing.T) {
	r := NewTurnRegistry()

	if _, err := r.Begin("t1"); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	if _, err := r.Begin("t1"); !errors.Is(err, ErrTurnActive) {
		t.Fatalf("second Begin: got %v, want ErrTurnActive", err)
	}
	if _, err := r.Begin("t2"); err != nil {
		t.Fatalf("Begin for other task: %v", err)
	}

	r.End("t1")
	if _, err := r.Begin("t1"); err != nil {
		t.Fatalf("Begin after End: %v", err)
	}
}

func TestTurnRegistryConcurrentBegin(t *testing.T) {
	r := NewTurnRegistry()

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Begin("t1"); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Fatalf("got %d winners, want exactly 1", won)
	}
}

func TestTurnProviderErrorFirstWins(t *testing.T) {
	turn := &Turn{}

	turn.RecordProviderError("billing_error")
	turn.RecordProviderError("overloaded_error")

	if got := turn.ProviderError(); got != "billing_error" {
		t.Fatalf("ProviderError = %q, want first recorded error", got)
	}
}

func TestTurnSendWithoutProcess(t *testing.T) {
	turn := &Turn{}
	if err := turn.Send("anything"); err == nil {
		t.Fatal("Send without attached process should fail")
	}

	var sent any
	turn.attach(func(msg any) error {
		sent = msg
		return nil
	})
	if err := turn.Send("hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent != "hello" {
		t.Fatalf("sent = %v", sent)
	}
}

func TestTurnSessionLifecycle(t *testing.T) {
	turn := &Turn{}

	if _, active := turn.Session(); active {
		t.Fatal("new turn should have no active session")
	}

	turn.SessionStarted("sess-1")
	id, active := turn.Session()
	if !active || id != "sess-1" {
		t.Fatalf("Session = (%q, %v)", id, active)
	}

	turn.SessionEnded()
	if _, active := turn.Session(); active {
		t.Fatal("session should be inactive after SessionEnded")
	}
}
