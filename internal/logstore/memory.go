package logstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type streamKey struct {
	enclave uuid.UUID
	service uuid.UUID
}

type stream struct {
	lines   []*Line
	changed chan struct{}
}

// MemoryStore keeps lines in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[streamKey]*stream
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[streamKey]*stream)}
}

func (s *MemoryStore) stream(key streamKey) *stream {
	st, ok := s.streams[key]
	if !ok {
		st = &stream{changed: make(chan struct{})}
		s.streams[key] = st
	}
	return st
}

func (s *MemoryStore) Append(_ context.Context, line *Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(streamKey{enclave: line.EnclaveUUID, service: line.ServiceUUID})
	l := *line
	st.lines = append(st.lines, &l)
	close(st.changed)
	st.changed = make(chan struct{})
	return nil
}

func (s *MemoryStore) Query(_ context.Context, params *QueryParams) ([]*Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(streamKey{enclave: params.EnclaveUUID, service: params.ServiceUUID})
	return Tail(st.lines, params), nil
}

func (s *MemoryStore) Follow(ctx context.Context, params *QueryParams, fn func(*Line) error) error {
	key := streamKey{enclave: params.EnclaveUUID, service: params.ServiceUUID}

	s.mu.Lock()
	st := s.stream(key)
	initial := Tail(st.lines, params)
	offset := len(st.lines)
	changed := st.changed
	s.mu.Unlock()

	for _, l := range initial {
		if err := fn(l); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}

		s.mu.Lock()
		fresh := append([]*Line(nil), st.lines[offset:]...)
		offset = len(st.lines)
		changed = st.changed
		s.mu.Unlock()

		for _, l := range fresh {
			if !params.Matcher.Match(l.Text) {
				continue
			}
			if err := fn(l); err != nil {
				return err
			}
		}
	}
}

// DeleteEnclave drops every line of an enclave.
func (s *MemoryStore) DeleteEnclave(_ context.Context, enclaveUUID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.streams {
		if key.enclave == enclaveUUID {
			delete(s.streams, key)
		}
	}
	return nil
}
