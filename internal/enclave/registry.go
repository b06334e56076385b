package enclave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/k11v/enclave/internal/identifier"
	"github.com/k11v/enclave/internal/registry"
)

var ErrNameTaken = errors.New("enclave name taken")

type recordData struct {
	ContainersStatus     ContainersStatus   `json:"containers_status"`
	APIContainerStatus   APIContainerStatus `json:"api_container_status"`
	APIContainerVersion  string             `json:"api_container_version,omitempty"`
	APIContainerLogLevel string             `json:"api_container_log_level,omitempty"`
	Mode                 Mode               `json:"mode"`
	DebugMode            bool               `json:"debug_mode,omitempty"`
}

// Registry is the source of truth for the enclaves of an engine.
type Registry struct {
	registry *registry.Registry // required
}

func NewRegistry(ctx context.Context, db registry.Database) (*Registry, error) {
	r, err := registry.Open(ctx, db, registry.KindEnclave, "")
	if err != nil {
		return nil, fmt.Errorf("new enclave registry: %w", err)
	}
	return &Registry{registry: r}, nil
}

// Register allocates the identity of a new enclave. Its status fields are taken from e.
func (r *Registry) Register(ctx context.Context, e *Enclave) (*Enclave, error) {
	data, err := json.Marshal(dataFromEnclave(e))
	if err != nil {
		return nil, fmt.Errorf("register enclave: %w", err)
	}
	record, err := r.registry.Create(ctx, e.Name, data)
	if errors.Is(err, registry.ErrNameTaken) {
		return nil, fmt.Errorf("register enclave %q: %w", e.Name, ErrNameTaken)
	} else if err != nil {
		return nil, fmt.Errorf("register enclave: %w", err)
	}
	return enclaveFromRecord(record)
}

// Update applies fn to the enclave and persists the result.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, fn func(e *Enclave)) (*Enclave, error) {
	unlock := r.registry.Lock(id)
	defer unlock()

	record, err := r.registry.Get(id)
	if err != nil {
		return nil, err
	}
	e, err := enclaveFromRecord(record)
	if err != nil {
		return nil, err
	}
	fn(e)

	data, err := json.Marshal(dataFromEnclave(e))
	if err != nil {
		return nil, fmt.Errorf("update enclave: %w", err)
	}
	record, err = r.registry.Update(ctx, id, data)
	if err != nil {
		return nil, fmt.Errorf("update enclave: %w", err)
	}
	return enclaveFromRecord(record)
}

// Remove marks the enclave destroyed. Its identifiers stay historical.
func (r *Registry) Remove(ctx context.Context, id uuid.UUID) error {
	if _, err := r.registry.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove enclave: %w", err)
	}
	return nil
}

// Get resolves identifier among live enclaves.
func (r *Registry) Get(identifierStr string) (*Enclave, error) {
	record, err := r.registry.Resolve(identifierStr)
	if err != nil {
		return nil, err
	}
	return enclaveFromRecord(record)
}

// List returns the live enclaves ordered by creation time.
func (r *Registry) List() ([]*Enclave, error) {
	records := r.registry.Live()
	enclaves := make([]*Enclave, 0, len(records))
	for _, record := range records {
		e, err := enclaveFromRecord(record)
		if err != nil {
			return nil, err
		}
		enclaves = append(enclaves, e)
	}
	return enclaves, nil
}

// Identifiers returns the identities of live enclaves and of every enclave ever created.
func (r *Registry) Identifiers() (live []identifier.Identity, all []identifier.Identity) {
	for _, record := range r.registry.All() {
		identity := registry.Identity(record)
		if record.RemovedAt == nil {
			live = append(live, identity)
		}
		all = append(all, identity)
	}
	return live, all
}

func dataFromEnclave(e *Enclave) *recordData {
	return &recordData{
		ContainersStatus:     e.ContainersStatus,
		APIContainerStatus:   e.APIContainerStatus,
		APIContainerVersion:  e.APIContainerVersion,
		APIContainerLogLevel: e.APIContainerLogLevel,
		Mode:                 e.Mode,
		DebugMode:            e.DebugMode,
	}
}

func enclaveFromRecord(record *registry.Record) (*Enclave, error) {
	var data recordData
	if err := json.Unmarshal(record.Data, &data); err != nil {
		return nil, fmt.Errorf("enclave %s: %w", record.UUID, err)
	}
	return &Enclave{
		UUID:                 record.UUID,
		Name:                 record.Name,
		ShortenedUUID:        record.ShortenedUUID,
		ContainersStatus:     data.ContainersStatus,
		APIContainerStatus:   data.APIContainerStatus,
		APIContainerVersion:  data.APIContainerVersion,
		APIContainerLogLevel: data.APIContainerLogLevel,
		Mode:                 data.Mode,
		DebugMode:            data.DebugMode,
		CreatedAt:            record.CreatedAt,
	}, nil
}
