package pending

import (
	"sync"
	"testing"
	"time"
)

func newTestStore(cfg Config) (*Store, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg.Clock = func() time.Time { return now }
	return NewStore(cfg), &now
}

func TestRetrieveAndClearIsOneShot(t *testing.T) {
	s, _ := newTestStore(Config{})
	s.Put("telegram:alice", Intent{RefID: "ref-1", AmountSats: 100})

	got, ok := s.RetrieveAndClear("telegram:alice")
	if !ok || got.RefID != "ref-1" {
		t.Fatalf("first retrieve = %+v, %v", got, ok)
	}
	if _, ok := s.RetrieveAndClear("telegram:alice"); ok {
		t.Fatal("second retrieve should miss")
	}
	if s.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0", s.PendingCount())
	}
}

func TestPutSupersedesPrevious(t *testing.T) {
	s, _ := newTestStore(Config{})
	s.Put("telegram:alice", Intent{RefID: "ref-old", AmountSats: 100})
	s.Put("telegram:alice", Intent{RefID: "ref-new", AmountSats: 200})

	if s.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", s.PendingCount())
	}
	got, ok := s.RetrieveAndClear("telegram:alice")
	if !ok || got.RefID != "ref-new" || got.AmountSats != 200 {
		t.Fatalf("retrieve = %+v, want the superseding intent", got)
	}
}

func TestExpiredEntryIsNotFound(t *testing.T) {
	s, now := newTestStore(Config{ConfirmTimeout: 300 * time.Second})
	s.Put("telegram:alice", Intent{RefID: "ref-1"})

	*now = now.Add(301 * time.Second)
	if _, ok := s.RetrieveAndClear("telegram:alice"); ok {
		t.Fatal("expired entry must read as not found")
	}
	// The stale row is gone either way.
	if s.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0", s.PendingCount())
	}
}

func TestEntryRetrievableAtBoundary(t *testing.T) {
	s, now := newTestStore(Config{ConfirmTimeout: 300 * time.Second})
	s.Put("telegram:alice", Intent{RefID: "ref-1"})

	*now = now.Add(300 * time.Second)
	if _, ok := s.RetrieveAndClear("telegram:alice"); !ok {
		t.Fatal("entry at exactly the timeout should still be retrievable")
	}
}

func TestSweepCollectsAbandonedEntries(t *testing.T) {
	s, now := newTestStore(Config{ConfirmTimeout: 300 * time.Second})
	s.Put("telegram:alice", Intent{RefID: "ref-1"})
	*now = now.Add(200 * time.Second)
	s.Put("telegram:bob", Intent{RefID: "ref-2"})

	*now = now.Add(150 * time.Second) // alice at 350s, bob at 150s
	if removed := s.Sweep(); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if _, ok := s.RetrieveAndClear("telegram:bob"); !ok {
		t.Fatal("fresh entry swept")
	}
}

func TestIdempotencyWindow(t *testing.T) {
	s, now := newTestStore(Config{IdempotencyTTL: 5 * time.Minute})

	if s.IsProcessed("ref-1") {
		t.Fatal("unseen ref reported processed")
	}
	s.MarkProcessed("ref-1")
	if !s.IsProcessed("ref-1") {
		t.Fatal("marked ref not reported processed")
	}

	*now = now.Add(6 * time.Minute)
	if s.IsProcessed("ref-1") {
		t.Fatal("ref survived past the idempotency TTL")
	}
}

func TestAutoApproveFiresWhenUnclaimed(t *testing.T) {
	s, _ := newTestStore(Config{})
	s.Put("telegram:alice", Intent{RefID: "ref-1"})

	fired := make(chan Intent, 1)
	s.ScheduleAutoApprove("telegram:alice", 10*time.Millisecond, func(i Intent) { fired <- i })

	select {
	case i := <-fired:
		if i.RefID != "ref-1" {
			t.Fatalf("auto-approved wrong intent: %+v", i)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("auto-approval never fired")
	}
	if _, ok := s.RetrieveAndClear("telegram:alice"); ok {
		t.Fatal("intent still present after auto-approval")
	}
}

func TestAutoApproveLosesToHumanReply(t *testing.T) {
	s, _ := newTestStore(Config{})
	s.Put("telegram:alice", Intent{RefID: "ref-1"})

	fired := make(chan Intent, 1)
	timer := s.ScheduleAutoApprove("telegram:alice", 20*time.Millisecond, func(i Intent) { fired <- i })
	defer timer.Stop()

	if _, ok := s.RetrieveAndClear("telegram:alice"); !ok {
		t.Fatal("human claim failed")
	}
	select {
	case i := <-fired:
		t.Fatalf("auto-approval ran after human claim: %+v", i)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExactlyOnceUnderConcurrentClaims(t *testing.T) {
	s, _ := newTestStore(Config{})
	s.Put("telegram:alice", Intent{RefID: "ref-1"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.RetrieveAndClear("telegram:alice"); ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if claims != 1 {
		t.Fatalf("intent claimed %d times, want exactly 1", claims)
	}
}
