// Package engine manages the enclaves of one host and the API container of each.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/k11v/enclave/internal/apic"
	"github.com/k11v/enclave/internal/artifact"
	"github.com/k11v/enclave/internal/enclave"
	"github.com/k11v/enclave/internal/executor"
	"github.com/k11v/enclave/internal/identifier"
	"github.com/k11v/enclave/internal/logstore"
	"github.com/k11v/enclave/internal/metrics"
	"github.com/k11v/enclave/internal/network"
	"github.com/k11v/enclave/internal/partition"
	"github.com/k11v/enclave/internal/registry"
	"github.com/k11v/enclave/internal/runtime"
)

var ErrEnclaveStopped = errors.New("enclave is stopped")

const (
	defaultLogLevel           = "info"
	maxNameGenerationAttempts = 5
)

// EnclaveLogDeleter is implemented by log stores that can drop the lines of a destroyed enclave.
type EnclaveLogDeleter interface {
	DeleteEnclave(ctx context.Context, enclaveUUID uuid.UUID) error
}

// Engine creates, stops and destroys enclaves and routes requests to their API containers.
type Engine struct {
	Enclaves   *enclave.Registry  // required
	Runtime    runtime.Runtime    // required
	Database   registry.Database  // required
	Storage    artifact.Storage   // required
	Logs       logstore.Store     // required
	Enforcer   partition.Enforcer // required
	Mirror     apic.EventMirror
	Metrics    *metrics.Collector
	HTTPClient *http.Client
	Logger     *slog.Logger
	Version    string

	mu    sync.Mutex
	apics map[uuid.UUID]*apic.APIContainer
}

type NewParams struct {
	Database   registry.Database  // required
	Storage    artifact.Storage   // required
	Runtime    runtime.Runtime    // required
	Logs       logstore.Store     // required
	Enforcer   partition.Enforcer // required
	Mirror     apic.EventMirror
	Metrics    *metrics.Collector
	HTTPClient *http.Client
	Logger     *slog.Logger
	Version    string
}

func New(ctx context.Context, params *NewParams) (*Engine, error) {
	enclaves, err := enclave.NewRegistry(ctx, params.Database)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		Enclaves:   enclaves,
		Runtime:    params.Runtime,
		Database:   params.Database,
		Storage:    params.Storage,
		Logs:       params.Logs,
		Enforcer:   params.Enforcer,
		Mirror:     params.Mirror,
		Metrics:    params.Metrics,
		HTTPClient: params.HTTPClient,
		Logger:     params.Logger,
		Version:    params.Version,
		apics:      make(map[uuid.UUID]*apic.APIContainer),
	}
	e.recordEnclaves()
	return e, nil
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default().With("component", "engine")
}

func (e *Engine) recordEnclaves() {
	enclaves, err := e.Enclaves.List()
	if err == nil {
		e.Metrics.RecordEnclaves(len(enclaves))
	}
}

type EngineInfo struct {
	Version string `json:"engine_version"`
}

func (e *Engine) GetEngineInfo(_ context.Context) *EngineInfo {
	return &EngineInfo{Version: e.Version}
}

type CreateEnclaveParams struct {
	Name                 string
	APIContainerVersion  string
	APIContainerLogLevel string
	Mode                 enclave.Mode
	DebugMode            bool
}

// CreateEnclave registers an enclave and creates its runtime network.
// An empty name is generated.
func (e *Engine) CreateEnclave(ctx context.Context, params *CreateEnclaveParams) (*enclave.Enclave, error) {
	info := &enclave.Enclave{
		Name:                 params.Name,
		ContainersStatus:     enclave.ContainersStatusEmpty,
		APIContainerStatus:   enclave.APIContainerStatusNonexistent,
		APIContainerVersion:  params.APIContainerVersion,
		APIContainerLogLevel: params.APIContainerLogLevel,
		Mode:                 params.Mode,
		DebugMode:            params.DebugMode,
	}
	if info.APIContainerVersion == "" {
		info.APIContainerVersion = e.Version
	}
	if info.APIContainerLogLevel == "" {
		info.APIContainerLogLevel = defaultLogLevel
	}
	if info.Mode == "" {
		info.Mode = enclave.ModeTest
	}
	if _, ok := enclave.ModeFromString(string(info.Mode)); !ok {
		return nil, fmt.Errorf("create enclave: unknown mode %q", info.Mode)
	}

	created, err := e.register(ctx, info)
	if err != nil {
		return nil, err
	}

	if err = e.Runtime.CreateEnclave(ctx, created.UUID); err != nil {
		if removeErr := e.Enclaves.Remove(context.WithoutCancel(ctx), created.UUID); removeErr != nil {
			e.logger().Warn("didn't remove failed enclave", "name", created.Name, "error", removeErr)
		}
		return nil, fmt.Errorf("create enclave %s: %w", created.Name, err)
	}
	if _, err = e.open(ctx, created); err != nil {
		return nil, err
	}

	e.recordEnclaves()
	e.logger().Info("created enclave", "name", created.Name, "enclave_uuid", created.UUID, "mode", created.Mode)
	return created, nil
}

func (e *Engine) register(ctx context.Context, info *enclave.Enclave) (*enclave.Enclave, error) {
	if info.Name != "" {
		if err := enclave.ValidateName(info.Name); err != nil {
			return nil, fmt.Errorf("create enclave: %w", err)
		}
		return e.Enclaves.Register(ctx, info)
	}
	for attempt := 0; attempt < maxNameGenerationAttempts; attempt++ {
		info.Name = artifact.RandomName()
		created, err := e.Enclaves.Register(ctx, info)
		if errors.Is(err, enclave.ErrNameTaken) {
			continue
		}
		return created, err
	}
	return nil, fmt.Errorf("create enclave: %w", enclave.ErrNameTaken)
}

// open returns the API container of an enclave, creating it on first use.
func (e *Engine) open(ctx context.Context, info *enclave.Enclave) (*apic.APIContainer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if a, ok := e.apics[info.UUID]; ok {
		return a, nil
	}

	logger := e.logger().With("enclave_uuid", info.UUID)
	n, err := network.New(ctx, &network.NewParams{
		EnclaveUUID: info.UUID,
		Database:    e.Database,
		Storage:     e.Storage,
		Runtime:     e.Runtime,
		Logs:        e.Logs,
		Enforcer:    e.Enforcer,
		HTTPClient:  e.HTTPClient,
		Logger:      logger.With("component", "network"),
	})
	if err != nil {
		return nil, fmt.Errorf("open enclave %s: %w", info.Name, err)
	}
	state, err := executor.OpenState(ctx, e.Database, info.UUID)
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("open enclave %s: %w", info.Name, err)
	}
	a := apic.New(&apic.NewParams{
		Network:    n,
		State:      state,
		Mirror:     e.Mirror,
		Metrics:    e.Metrics,
		HTTPClient: e.HTTPClient,
		Logger:     logger.With("component", "apic"),
	})
	id := info.UUID
	a.OnServiceStarted = func() {
		e.markRunning(id)
	}
	e.apics[info.UUID] = a
	return a, nil
}

// markRunning records that the enclave has started containers.
func (e *Engine) markRunning(id uuid.UUID) {
	_, err := e.Enclaves.Update(context.Background(), id, func(info *enclave.Enclave) {
		info.ContainersStatus = enclave.ContainersStatusRunning
		info.APIContainerStatus = enclave.APIContainerStatusRunning
	})
	if err != nil {
		e.logger().Warn("didn't mark enclave running", "enclave_uuid", id, "error", err)
	}
}

// APIContainer returns the API container of a live, not stopped enclave.
func (e *Engine) APIContainer(ctx context.Context, identifier string) (*apic.APIContainer, error) {
	info, err := e.Enclaves.Get(identifier)
	if err != nil {
		return nil, err
	}
	if info.ContainersStatus == enclave.ContainersStatusStopped {
		return nil, fmt.Errorf("%w: %s", ErrEnclaveStopped, info.Name)
	}
	return e.open(ctx, info)
}

func (e *Engine) GetEnclaves(_ context.Context) ([]*enclave.Enclave, error) {
	return e.Enclaves.List()
}

func (e *Engine) GetEnclave(_ context.Context, identifier string) (*enclave.Enclave, error) {
	return e.Enclaves.Get(identifier)
}

// GetExistingAndHistoricalEnclaveIdentifiers returns the identities of live
// enclaves and of every enclave ever created.
func (e *Engine) GetExistingAndHistoricalEnclaveIdentifiers(_ context.Context) (live []identifier.Identity, all []identifier.Identity) {
	return e.Enclaves.Identifiers()
}

// StopEnclave stops every container of an enclave. The enclave keeps its
// identity and services and can be destroyed later.
func (e *Engine) StopEnclave(ctx context.Context, identifier string) error {
	info, err := e.Enclaves.Get(identifier)
	if err != nil {
		return err
	}
	a, err := e.open(ctx, info)
	if err != nil {
		return err
	}
	if err = a.Network.StopAll(ctx); err != nil {
		return fmt.Errorf("stop enclave %s: %w", info.Name, err)
	}
	if err = e.Runtime.StopEnclave(ctx, info.UUID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return fmt.Errorf("stop enclave %s: %w", info.Name, err)
	}

	_, err = e.Enclaves.Update(ctx, info.UUID, func(info *enclave.Enclave) {
		info.ContainersStatus = enclave.ContainersStatusStopped
		if info.APIContainerStatus == enclave.APIContainerStatusRunning {
			info.APIContainerStatus = enclave.APIContainerStatusStopped
		}
	})
	if err != nil {
		return err
	}
	e.logger().Info("stopped enclave", "name", info.Name, "enclave_uuid", info.UUID)
	return nil
}

// DestroyEnclave removes the containers, network and logs of an enclave.
// Its identifiers stay historical.
func (e *Engine) DestroyEnclave(ctx context.Context, identifier string) error {
	info, err := e.Enclaves.Get(identifier)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if a, ok := e.apics[info.UUID]; ok {
		a.Close()
		delete(e.apics, info.UUID)
	}
	e.mu.Unlock()

	if err = e.Runtime.DestroyEnclave(ctx, info.UUID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return fmt.Errorf("destroy enclave %s: %w", info.Name, err)
	}
	if deleter, ok := e.Logs.(EnclaveLogDeleter); ok {
		if err = deleter.DeleteEnclave(ctx, info.UUID); err != nil {
			return fmt.Errorf("destroy enclave %s: %w", info.Name, err)
		}
	}
	if err = e.Enclaves.Remove(ctx, info.UUID); err != nil {
		return err
	}

	e.recordEnclaves()
	e.logger().Info("destroyed enclave", "name", info.Name, "enclave_uuid", info.UUID)
	return nil
}

// Clean destroys stopped enclaves, or every enclave when all is set.
func (e *Engine) Clean(ctx context.Context, all bool) ([]*enclave.Enclave, error) {
	enclaves, err := e.Enclaves.List()
	if err != nil {
		return nil, err
	}
	var removed []*enclave.Enclave
	for _, info := range enclaves {
		if !all && info.ContainersStatus != enclave.ContainersStatusStopped {
			continue
		}
		if err = e.DestroyEnclave(ctx, info.UUID.String()); err != nil {
			return removed, fmt.Errorf("clean: %w", err)
		}
		removed = append(removed, info)
	}
	return removed, nil
}

// Close stops the background work of every API container.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, a := range e.apics {
		a.Close()
		delete(e.apics, id)
	}
}
