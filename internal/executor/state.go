package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/k11v/enclave/internal/interpreter"
	"github.com/k11v/enclave/internal/registry"
)

const stateRecordName = "instructions"

// State persists the history and the runtime values of an enclave as one
// registry record, so that an engine restart doesn't invalidate the cache.
type State struct {
	registry *registry.Registry // required

	mu sync.Mutex
	id uuid.UUID // zero until the first save
}

type stateData struct {
	Fingerprints []string      `json:"fingerprints"`
	Values       []storedValue `json:"values"`
}

type storedValue struct {
	Index int    `json:"index"`
	Field string `json:"field"`
	Value string `json:"value"`
}

func OpenState(ctx context.Context, db registry.Database, enclaveUUID uuid.UUID) (*State, error) {
	r, err := registry.Open(ctx, db, registry.KindInstructionState, enclaveUUID.String())
	if err != nil {
		return nil, fmt.Errorf("open instruction state: %w", err)
	}
	return &State{registry: r}, nil
}

// load returns the saved state. An enclave that never ran returns an empty state.
func (s *State) load() (*stateData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := &stateData{}
	records := s.registry.Live()
	if len(records) == 0 {
		return data, nil
	}
	s.id = records[0].UUID
	if err := json.Unmarshal(records[0].Data, data); err != nil {
		return nil, fmt.Errorf("load instruction state: %w", err)
	}
	return data, nil
}

func (s *State) save(ctx context.Context, data *stateData) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("save instruction state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id == uuid.Nil {
		record, err := s.registry.Create(ctx, stateRecordName, b)
		if err != nil {
			return fmt.Errorf("save instruction state: %w", err)
		}
		s.id = record.UUID
		return nil
	}
	if _, err = s.registry.Update(ctx, s.id, b); err != nil {
		return fmt.Errorf("save instruction state: %w", err)
	}
	return nil
}

// Restore replaces History and Values with what State saved.
func (e *Executor) Restore() error {
	if e.State == nil {
		return nil
	}
	data, err := e.State.load()
	if err != nil {
		return err
	}
	e.History.Set(data.Fingerprints)
	e.Values.Truncate(0)
	for _, v := range data.Values {
		e.Values.Set(interpreter.Ref{Index: v.Index, Field: v.Field}, v.Value)
	}
	return nil
}

// save writes History and Values to State. A failure only costs caching, so
// it is logged.
func (e *Executor) save(ctx context.Context) {
	if e.State == nil {
		return
	}

	values := e.Values.All()
	data := &stateData{
		Fingerprints: e.History.Fingerprints(),
		Values:       make([]storedValue, 0, len(values)),
	}
	for ref, v := range values {
		data.Values = append(data.Values, storedValue{Index: ref.Index, Field: ref.Field, Value: v})
	}
	sort.Slice(data.Values, func(i, j int) bool {
		if data.Values[i].Index != data.Values[j].Index {
			return data.Values[i].Index < data.Values[j].Index
		}
		return data.Values[i].Field < data.Values[j].Field
	})

	if err := e.State.save(context.WithoutCancel(ctx), data); err != nil {
		e.logger().Warn("didn't save instruction state", "error", err)
	}
}

// ClearHistory forgets every instruction so that the next run executes its
// whole plan. It follows changes made outside of runs.
func (e *Executor) ClearHistory(ctx context.Context) {
	e.History.Clear()
	e.save(ctx)
}
