// Package pending implements the two-party payment confirmation protocol: a
// time-bounded, one-time-retrieval intent store keyed by the human
// counterpart's address, an idempotency cache guarding duplicate initiation
// requests, and the delayed auto-approval task.
package pending

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/joelkehle/courier/internal/relay"
)

// Intent is a payment awaiting a human "yes".
type Intent struct {
	Type          string
	AmountSats    int64
	Address       string
	Invoice       string
	RefID         string
	CorrelationID string
	Routing       relay.RoutingContext
	CreatedAt     time.Time
}

type Config struct {
	// ConfirmTimeout bounds how long an intent stays retrievable.
	ConfirmTimeout time.Duration
	// SweepInterval is how often abandoned entries are collected.
	SweepInterval time.Duration
	// IdempotencyTTL bounds how long a processed refID is remembered.
	IdempotencyTTL time.Duration
	Clock          func() time.Time
}

type entry struct {
	intent   Intent
	storedAt time.Time
}

// Store holds at most one pending intent per address. All operations take
// the one mutex, so the read-check-delete of RetrieveAndClear is a single
// critical section; that atomicity is the only guard against a payment
// executing twice in the auto-approval race.
type Store struct {
	mu        sync.Mutex
	cfg       Config
	pending   map[string]entry
	processed map[string]time.Time
	logger    *log.Logger
}

func NewStore(cfg Config) *Store {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 300 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Store{
		cfg:       cfg,
		pending:   map[string]entry{},
		processed: map[string]time.Time{},
		logger:    log.New(os.Stdout, "pending ", log.LstdFlags),
	}
}

func (s *Store) now() time.Time {
	return s.cfg.Clock().UTC()
}

// Put inserts or overwrites the single pending intent for the address. A
// human only has one active "please reply YES" prompt at a time, so a second
// request silently supersedes the first.
func (s *Store) Put(address string, intent Intent) {
	now := s.now()
	intent.CreatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.pending[address]; ok {
		s.logger.Printf("superseding pending confirmation address=%s prev_ref=%s new_ref=%s",
			address, prev.intent.RefID, intent.RefID)
	}
	s.pending[address] = entry{intent: intent, storedAt: now}
}

// RetrieveAndClear returns the intent and removes it in one step. An entry
// older than the confirmation timeout is treated identically to "not found"
// even though the row existed.
func (s *Store) RetrieveAndClear(address string) (Intent, bool) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[address]
	if !ok {
		return Intent{}, false
	}
	delete(s.pending, address)
	if now.Sub(e.storedAt) > s.cfg.ConfirmTimeout {
		return Intent{}, false
	}
	return e.intent, true
}

// MarkProcessed records a payment-initiation refID in the TTL set.
func (s *Store) MarkProcessed(refID string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepProcessedLocked(now)
	s.processed[refID] = now
}

// IsProcessed reports whether the refID was seen within the TTL window.
func (s *Store) IsProcessed(refID string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepProcessedLocked(now)
	_, ok := s.processed[refID]
	return ok
}

func (s *Store) sweepProcessedLocked(now time.Time) {
	for k, at := range s.processed {
		if now.Sub(at) > s.cfg.IdempotencyTTL {
			delete(s.processed, k)
		}
	}
}

// Sweep removes pending entries older than the confirmation timeout that
// were never retrieved, bounding memory from abandoned confirmations. It
// returns how many entries were collected.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for addr, e := range s.pending {
		if now.Sub(e.storedAt) > s.cfg.ConfirmTimeout {
			delete(s.pending, addr)
			removed++
			s.logger.Printf("swept abandoned confirmation address=%s ref=%s", addr, e.intent.RefID)
		}
	}
	s.sweepProcessedLocked(now)
	return removed
}

// StartSweeper runs Sweep on the configured interval until done is closed.
func (s *Store) StartSweeper(done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-done:
				return
			}
		}
	}()
}

// ScheduleAutoApprove arms the delayed auto-approval task. The task always
// fires: if the human replied first, RetrieveAndClear already emptied the
// slot and the task is a no-op; if the delay elapses first, the task claims
// the intent itself and approve runs exactly once. The race is decided by
// whichever side calls RetrieveAndClear first.
func (s *Store) ScheduleAutoApprove(address string, delay time.Duration, approve func(Intent)) *time.Timer {
	return time.AfterFunc(delay, func() {
		intent, ok := s.RetrieveAndClear(address)
		if !ok {
			return
		}
		s.logger.Printf("auto-approving payment address=%s ref=%s", address, intent.RefID)
		approve(intent)
	})
}

// PendingCount reports the number of outstanding confirmations.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
