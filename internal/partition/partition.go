package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
)

// DefaultPartitionID is the partition services join when nothing else places them.
const DefaultPartitionID PartitionID = "default"

var ErrInvalidTopology = errors.New("invalid topology")

type PartitionID string

// Connection is the network quality between two partitions.
type Connection struct {
	PacketLossPercentage float64 `json:"packet_loss_percentage"`
}

// ConnectionID names an unordered pair of partitions.
type ConnectionID struct {
	A PartitionID
	B PartitionID
}

// NewConnectionID returns the ID of the connection between a and b in a canonical order.
func NewConnectionID(a, b PartitionID) ConnectionID {
	if b < a {
		a, b = b, a
	}
	return ConnectionID{A: a, B: b}
}

// Topology assigns every service to one partition and describes the
// connections between partitions.
type Topology struct {
	Services          map[string]PartitionID
	Connections       map[ConnectionID]Connection
	DefaultConnection Connection
}

func (t *Topology) clone() *Topology {
	return &Topology{
		Services:          maps.Clone(t.Services),
		Connections:       maps.Clone(t.Connections),
		DefaultConnection: t.DefaultConnection,
	}
}

// Partitions returns the IDs of the partitions that have at least one service, sorted.
func (t *Topology) Partitions() []PartitionID {
	seen := make(map[PartitionID]bool)
	for _, p := range t.Services {
		seen[p] = true
	}
	ids := make([]PartitionID, 0, len(seen))
	for p := range seen {
		ids = append(ids, p)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ConnectionBetween returns the connection between the partitions of two services.
// Services in the same partition are connected without loss.
func (t *Topology) ConnectionBetween(serviceA, serviceB string) Connection {
	a, b := t.Services[serviceA], t.Services[serviceB]
	if a == b {
		return Connection{}
	}
	if c, ok := t.Connections[NewConnectionID(a, b)]; ok {
		return c
	}
	return t.DefaultConnection
}

// Enforcer makes the network match a topology.
type Enforcer interface {
	Apply(ctx context.Context, topology *Topology) error
}

// LoggingEnforcer records topologies without touching the network.
type LoggingEnforcer struct {
	Logger *slog.Logger
}

func (e *LoggingEnforcer) Apply(ctx context.Context, topology *Topology) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(
		ctx,
		"applied topology",
		"partitions", len(topology.Partitions()),
		"services", len(topology.Services),
		"connections", len(topology.Connections),
		"default_packet_loss", topology.DefaultConnection.PacketLossPercentage,
	)
	return nil
}

var _ Enforcer = (*LoggingEnforcer)(nil)

type RepartitionParams struct {
	Partitions        map[PartitionID][]string // required
	Connections       map[ConnectionID]Connection
	DefaultConnection Connection
}

// Manager holds the current topology of an enclave.
type Manager struct {
	enforcer Enforcer // required

	mu      sync.Mutex
	current *Topology
}

func NewManager(enforcer Enforcer) *Manager {
	return &Manager{
		enforcer: enforcer,
		current: &Topology{
			Services:    make(map[string]PartitionID),
			Connections: make(map[ConnectionID]Connection),
		},
	}
}

// Topology returns a copy of the current topology.
func (m *Manager) Topology() *Topology {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.clone()
}

// Repartition replaces the topology. services are the names of every current
// service and each of them must appear in exactly one partition. The new
// topology is swapped in only after the enforcer applied it.
func (m *Manager) Repartition(ctx context.Context, services []string, params *RepartitionParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := buildTopology(services, params)
	if err != nil {
		return err
	}
	if err = m.enforcer.Apply(ctx, next); err != nil {
		return fmt.Errorf("repartition: %w", err)
	}
	m.current = next
	return nil
}

// AddService places a new service into partition, or into the default one when partition is empty.
func (m *Manager) AddService(ctx context.Context, service string, partition PartitionID) error {
	if partition == "" {
		partition = DefaultPartitionID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.current.Services[service]; ok {
		return fmt.Errorf("%w: service %q already has a partition", ErrInvalidTopology, service)
	}
	next := m.current.clone()
	next.Services[service] = partition
	if err := m.enforcer.Apply(ctx, next); err != nil {
		return fmt.Errorf("add service to partition: %w", err)
	}
	m.current = next
	return nil
}

// RemoveService drops a service from the topology. Unknown services are ignored.
func (m *Manager) RemoveService(ctx context.Context, service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.current.Services[service]; !ok {
		return nil
	}
	next := m.current.clone()
	delete(next.Services, service)
	if err := m.enforcer.Apply(ctx, next); err != nil {
		return fmt.Errorf("remove service from partition: %w", err)
	}
	m.current = next
	return nil
}

func buildTopology(services []string, params *RepartitionParams) (*Topology, error) {
	t := &Topology{
		Services:          make(map[string]PartitionID, len(services)),
		Connections:       make(map[ConnectionID]Connection, len(params.Connections)),
		DefaultConnection: params.DefaultConnection,
	}

	current := make(map[string]bool, len(services))
	for _, s := range services {
		current[s] = true
	}

	for p, members := range params.Partitions {
		if p == "" {
			return nil, fmt.Errorf("%w: empty partition ID", ErrInvalidTopology)
		}
		for _, s := range members {
			if !current[s] {
				return nil, fmt.Errorf("%w: partition %q has unknown service %q", ErrInvalidTopology, p, s)
			}
			if other, ok := t.Services[s]; ok {
				return nil, fmt.Errorf("%w: service %q is in partitions %q and %q", ErrInvalidTopology, s, other, p)
			}
			t.Services[s] = p
		}
	}
	for _, s := range services {
		if _, ok := t.Services[s]; !ok {
			return nil, fmt.Errorf("%w: service %q is in no partition", ErrInvalidTopology, s)
		}
	}

	if err := validateConnection(params.DefaultConnection); err != nil {
		return nil, fmt.Errorf("%w: default connection: %w", ErrInvalidTopology, err)
	}
	for id, c := range params.Connections {
		for _, p := range []PartitionID{id.A, id.B} {
			if _, ok := params.Partitions[p]; !ok {
				return nil, fmt.Errorf("%w: connection references unknown partition %q", ErrInvalidTopology, p)
			}
		}
		if err := validateConnection(c); err != nil {
			return nil, fmt.Errorf("%w: connection %s-%s: %w", ErrInvalidTopology, id.A, id.B, err)
		}
		t.Connections[NewConnectionID(id.A, id.B)] = c
	}
	return t, nil
}

func validateConnection(c Connection) error {
	if c.PacketLossPercentage < 0 || c.PacketLossPercentage > 100 {
		return fmt.Errorf("packet loss %v is outside 0-100", c.PacketLossPercentage)
	}
	return nil
}
