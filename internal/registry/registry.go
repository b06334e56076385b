package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/enclave/internal/identifier"
)

// Registry is the in-memory index of one kind of identity within one scope.
// Every write goes to the Database first and is applied to the index only on success.
type Registry struct {
	db    Database // required
	kind  Kind     // required
	scope string

	mu      sync.RWMutex
	records map[uuid.UUID]*Record

	locks KeyedMutex

	now     func() time.Time
	newUUID func() uuid.UUID
}

// Open loads every record of kind within scope from db.
func Open(ctx context.Context, db Database, kind Kind, scope string) (*Registry, error) {
	records, err := db.ListRecords(ctx, &DatabaseListRecordsParams{Kind: kind, Scope: scope})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	r := &Registry{
		db:      db,
		kind:    kind,
		scope:   scope,
		records: make(map[uuid.UUID]*Record, len(records)),
		now:     time.Now,
		newUUID: uuid.New,
	}
	for _, record := range records {
		r.records[record.UUID] = record
	}
	return r, nil
}

// Create allocates a UUID and a shortened UUID for name and persists the record.
// It returns ErrNameTaken if a live record already has name.
func (r *Registry) Create(ctx context.Context, name string, data []byte) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, record := range r.records {
		if record.RemovedAt == nil && record.Name == name {
			return nil, ErrNameTaken
		}
	}

	id := r.newUUID()
	for _, exists := r.records[id]; exists; _, exists = r.records[id] {
		id = r.newUUID()
	}
	shortened := identifier.Shorten(id, func(s string) bool {
		for _, record := range r.records {
			if record.ShortenedUUID == s {
				return true
			}
		}
		return false
	})

	record := &Record{
		Kind:          r.kind,
		Scope:         r.scope,
		UUID:          id,
		Name:          name,
		ShortenedUUID: shortened,
		Data:          data,
		CreatedAt:     r.now().UTC(),
	}
	if err := r.db.CreateRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}

	r.records[id] = record.clone()
	return record, nil
}

// Resolve finds a live record by UUID, name or shortened UUID prefix.
func (r *Registry) Resolve(identifierStr string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make([]identifier.Identity, 0, len(r.records))
	for _, record := range r.records {
		if record.RemovedAt == nil {
			identities = append(identities, Identity(record))
		}
	}
	identity, err := identifier.Resolve(identities, identifierStr)
	if err != nil {
		return nil, err
	}
	return r.records[identity.UUID].clone(), nil
}

// Get returns the record with id, live or removed.
func (r *Registry) Get(id uuid.UUID) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return record.clone(), nil
}

// Live returns the records that weren't removed ordered by creation time.
func (r *Registry) Live() []*Record {
	return r.list(false)
}

// All returns live and removed records ordered by creation time.
func (r *Registry) All() []*Record {
	return r.list(true)
}

func (r *Registry) list(withRemoved bool) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*Record, 0, len(r.records))
	for _, record := range r.records {
		if withRemoved || record.RemovedAt == nil {
			records = append(records, record.clone())
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ShortenedUUID < records[j].ShortenedUUID
	})
	return records
}

// Update replaces the data of a live record.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, data []byte) (*Record, error) {
	unlock := r.locks.Lock(id.String())
	defer unlock()

	record, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if record.RemovedAt != nil {
		return nil, ErrNotFound
	}

	err = r.db.UpdateRecord(ctx, &DatabaseUpdateRecordParams{UUID: id, Data: data})
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	record.Data = data
	r.put(record)
	return record, nil
}

// Remove marks a live record as removed. Its identity stays retrievable through All.
func (r *Registry) Remove(ctx context.Context, id uuid.UUID) (*Record, error) {
	unlock := r.locks.Lock(id.String())
	defer unlock()

	record, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if record.RemovedAt != nil {
		return nil, ErrNotFound
	}

	removedAt := r.now().UTC()
	err = r.db.UpdateRecord(ctx, &DatabaseUpdateRecordParams{UUID: id, Data: record.Data, RemovedAt: &removedAt})
	if err != nil {
		return nil, fmt.Errorf("remove record: %w", err)
	}

	record.RemovedAt = &removedAt
	r.put(record)
	return record, nil
}

// Lock serializes a multi-step change to the entity with id,
// for example stopping its container and then recording the new status.
func (r *Registry) Lock(id uuid.UUID) (unlock func()) {
	return r.locks.Lock("entity/" + id.String())
}

func (r *Registry) put(record *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.UUID] = record.clone()
}

// Identity returns the identifying part of record.
func Identity(record *Record) identifier.Identity {
	return identifier.Identity{UUID: record.UUID, Name: record.Name, ShortenedUUID: record.ShortenedUUID}
}
