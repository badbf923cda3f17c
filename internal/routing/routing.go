// Package routing holds the ephemeral correlation-id keyed contexts used to
// route asynchronous replies back to their originating gateway and user.
package routing

import (
	"log"
	"os"
	"sync"

	"github.com/joelkehle/courier/internal/relay"
)

const DefaultCapacity = 2000

// ContextStore is a capacity-bounded cache, not a queue: insertion at
// capacity silently evicts the single oldest entry, trading routing ability
// for the oldest in-flight request against unbounded growth under reply-less
// traffic.
type ContextStore struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]relay.RoutingContext
	order    []string
	logger   *log.Logger
}

func NewContextStore(capacity int) *ContextStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ContextStore{
		capacity: capacity,
		entries:  map[string]relay.RoutingContext{},
		logger:   log.New(os.Stdout, "routing ", log.LstdFlags),
	}
}

// Remember stores the context under the correlation id, evicting the oldest
// entry first if the store is at capacity. Re-remembering an existing id
// replaces its context without consuming capacity twice.
func (s *ContextStore) Remember(correlationID string, rc relay.RoutingContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[correlationID]; exists {
		s.entries[correlationID] = rc
		return
	}
	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
		s.logger.Printf("evicted oldest routing context correlation_id=%s", oldest)
	}
	s.entries[correlationID] = rc
	s.order = append(s.order, correlationID)
}

// Get is a read-only lookup. The second return is false if the id is absent,
// already consumed, or was evicted.
func (s *ContextStore) Get(correlationID string) (relay.RoutingContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.entries[correlationID]
	return rc, ok
}

// Forget removes the entry once a reply has been dispatched or a terminal
// failure recorded.
func (s *ContextStore) Forget(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[correlationID]; !ok {
		return
	}
	delete(s.entries, correlationID)
	for i, id := range s.order {
		if id == correlationID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of in-flight contexts.
func (s *ContextStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
