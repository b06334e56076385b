package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/k11v/enclave/internal/identifier"
	"github.com/k11v/enclave/internal/registry"
)

var ErrNameTaken = errors.New("service name taken")

type recordData struct {
	Status       Status          `json:"status"`
	PrivateIP    string          `json:"private_ip,omitempty"`
	PublicIP     string          `json:"public_ip,omitempty"`
	PrivatePorts map[string]Port `json:"private_ports,omitempty"`
	PublicPorts  map[string]Port `json:"public_ports,omitempty"`
	Container    ContainerInfo   `json:"container"`
	Config       *Config         `json:"config,omitempty"`
}

// Registry is the source of truth for the services of one enclave.
type Registry struct {
	registry *registry.Registry // required
}

func NewRegistry(ctx context.Context, db registry.Database, enclaveUUID uuid.UUID) (*Registry, error) {
	r, err := registry.Open(ctx, db, registry.KindService, enclaveUUID.String())
	if err != nil {
		return nil, fmt.Errorf("new service registry: %w", err)
	}
	return &Registry{registry: r}, nil
}

// Register allocates the identity of a new service in the UNKNOWN status.
func (r *Registry) Register(ctx context.Context, name string, config *Config) (*Service, error) {
	data, err := json.Marshal(&recordData{
		Status:       StatusUnknown,
		PrivatePorts: config.Ports,
		Container:    ContainerInfo{Image: config.Image, Entrypoint: config.Entrypoint, Cmd: config.Cmd, Env: config.Env},
		Config:       config,
	})
	if err != nil {
		return nil, fmt.Errorf("register service: %w", err)
	}
	record, err := r.registry.Create(ctx, name, data)
	if errors.Is(err, registry.ErrNameTaken) {
		return nil, fmt.Errorf("register service %q: %w", name, ErrNameTaken)
	} else if err != nil {
		return nil, fmt.Errorf("register service: %w", err)
	}
	return serviceFromRecord(record)
}

// Update applies fn to the service and persists the result.
// Concurrent updates of one service are serialized.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, fn func(s *Service)) (*Service, error) {
	unlock := r.registry.Lock(id)
	defer unlock()

	record, err := r.registry.Get(id)
	if err != nil {
		return nil, err
	}
	s, err := serviceFromRecord(record)
	if err != nil {
		return nil, err
	}
	fn(s)

	data, err := json.Marshal(&recordData{
		Status:       s.Status,
		PrivateIP:    s.PrivateIP,
		PublicIP:     s.PublicIP,
		PrivatePorts: s.PrivatePorts,
		PublicPorts:  s.PublicPorts,
		Container:    s.Container,
		Config:       s.Config,
	})
	if err != nil {
		return nil, fmt.Errorf("update service: %w", err)
	}
	record, err = r.registry.Update(ctx, id, data)
	if err != nil {
		return nil, fmt.Errorf("update service: %w", err)
	}
	return serviceFromRecord(record)
}

// Remove marks a service as removed. Its identifiers stay historical.
func (r *Registry) Remove(ctx context.Context, id uuid.UUID) error {
	if _, err := r.registry.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove service: %w", err)
	}
	return nil
}

// Get resolves identifier among live services.
func (r *Registry) Get(identifierStr string) (*Service, error) {
	record, err := r.registry.Resolve(identifierStr)
	if err != nil {
		return nil, err
	}
	return serviceFromRecord(record)
}

// List returns the live services ordered by creation time.
func (r *Registry) List() ([]*Service, error) {
	records := r.registry.Live()
	services := make([]*Service, 0, len(records))
	for _, record := range records {
		s, err := serviceFromRecord(record)
		if err != nil {
			return nil, err
		}
		services = append(services, s)
	}
	return services, nil
}

// Names returns the names of the live services.
func (r *Registry) Names() []string {
	records := r.registry.Live()
	names := make([]string, 0, len(records))
	for _, record := range records {
		names = append(names, record.Name)
	}
	return names
}

// Identifiers returns the identities of live services and of every service ever registered.
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

func serviceFromRecord(record *registry.Record) (*Service, error) {
	var data recordData
	if err := json.Unmarshal(record.Data, &data); err != nil {
		return nil, fmt.Errorf("service %s: %w", record.UUID, err)
	}
	return &Service{
		UUID:          record.UUID,
		Name:          record.Name,
		ShortenedUUID: record.ShortenedUUID,
		Status:        data.Status,
		PrivateIP:     data.PrivateIP,
		PublicIP:      data.PublicIP,
		PrivatePorts:  data.PrivatePorts,
		PublicPorts:   data.PublicPorts,
		Container:     data.Container,
		Config:        data.Config,
		CreatedAt:     record.CreatedAt,
		RemovedAt:     record.RemovedAt,
	}, nil
}
