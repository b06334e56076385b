package executor

import (
	"sync"

	"github.com/k11v/enclave/internal/interpreter"
)

// ValueStore keeps the runtime values produced by the instructions of an
// enclave. Values outlive runs so that cached instructions can be skipped.
type ValueStore struct {
	mu     sync.RWMutex
	values map[interpreter.Ref]string
}

func NewValueStore() *ValueStore {
	return &ValueStore{values: make(map[interpreter.Ref]string)}
}

func (s *ValueStore) Get(ref interpreter.Ref) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[ref]
	return v, ok
}

func (s *ValueStore) Set(ref interpreter.Ref, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[ref] = value
}

// All returns a copy of every value.
func (s *ValueStore) All() map[interpreter.Ref]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make(map[interpreter.Ref]string, len(s.values))
	for ref, v := range s.values {
		values[ref] = v
	}
	return values
}

// Truncate drops the values of instructions at index from and later.
func (s *ValueStore) Truncate(from int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref := range s.values {
		if ref.Index >= from {
			delete(s.values, ref)
		}
	}
}
