package enrich

import (
	"fmt"
	"sync"
	"time"

	"github.com/getyourguide/extproc-enricher/api"
)

// TransactionContext records what a dispatched call is waiting for.
type TransactionContext struct {
	TransactionID string
	Direction     api.Direction
	DispatchedAt  time.Time
}

// Owner identifies one handle space in a Store. Handles of different owners
// never collide, even when their hosts allocate the same numbers.
type Owner uint64

type entry struct {
	owner  Owner
	handle Handle
}

// Store maps live handles to their transaction context. It is safe for
// concurrent use so several workers can share one store.
type Store struct {
	mu      sync.Mutex
	owners  Owner
	entries map[entry]TransactionContext
}

func NewStore() *Store {
	return &Store{
		entries: make(map[entry]TransactionContext),
	}
}

// NewOwner returns a handle space not used by anyone else in s.
func (s *Store) NewOwner() Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners++
	return s.owners
}

// Put starts tracking h for o. A handle that is still live is refused.
func (s *Store) Put(o Owner, h Handle, tc TransactionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entry{owner: o, handle: h}
	if prev, ok := s.entries[key]; ok {
		return fmt.Errorf("%w: %d held by transaction %s", ErrHandleInUse, h, prev.TransactionID)
	}
	s.entries[key] = tc
	return nil
}

// Take removes and returns the context of h. Only the first Take of a handle succeeds.
func (s *Store) Take(o Owner, h Handle) (TransactionContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entry{owner: o, handle: h}
	tc, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	return tc, ok
}

// Release forgets every handle o holds for a transaction and returns what
// was released.
func (s *Store) Release(o Owner, txID string) map[Handle]TransactionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := make(map[Handle]TransactionContext)
	for key, tc := range s.entries {
		if key.owner == o && tc.TransactionID == txID {
			delete(s.entries, key)
			released[key.handle] = tc
		}
	}
	return released
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
