package registry

import (
	"context"
	"sync"
)

var _ Database = (*MemoryDatabase)(nil)

// MemoryDatabase keeps records in process memory.
// It enforces the same live name uniqueness as the PostgreSQL schema.
type MemoryDatabase struct {
	mu      sync.Mutex
	records []*Record
}

func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{}
}

// CreateRecord implements Database.
func (d *MemoryDatabase) CreateRecord(_ context.Context, record *Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range d.records {
		if r.Kind == record.Kind && r.Scope == record.Scope && r.RemovedAt == nil && r.Name == record.Name {
			return ErrNameTaken
		}
	}
	d.records = append(d.records, record.clone())
	return nil
}

// UpdateRecord implements Database.
func (d *MemoryDatabase) UpdateRecord(_ context.Context, params *DatabaseUpdateRecordParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range d.records {
		if r.UUID == params.UUID {
			updated := &Record{Data: params.Data, RemovedAt: params.RemovedAt}
			updated = updated.clone()
			r.Data = updated.Data
			r.RemovedAt = updated.RemovedAt
			return nil
		}
	}
	return ErrNotFound
}

// ListRecords implements Database.
func (d *MemoryDatabase) ListRecords(_ context.Context, params *DatabaseListRecordsParams) ([]*Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var records []*Record
	for _, r := range d.records {
		if r.Kind == params.Kind && r.Scope == params.Scope {
			records = append(records, r.clone())
		}
	}
	return records, nil
}
