package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/enclave/internal/artifact"
	"github.com/k11v/enclave/internal/identifier"
	"github.com/k11v/enclave/internal/logstore"
	"github.com/k11v/enclave/internal/partition"
	"github.com/k11v/enclave/internal/registry"
	"github.com/k11v/enclave/internal/runtime"
	"github.com/k11v/enclave/internal/service"
)

var ErrNoSuchPort = errors.New("service has no such port")

const (
	maxResponseBodySize = 16 * 1024 * 1024
	statusReadAttempts  = 3
	defaultParallelism  = 4
)

// Network performs the side effects on the services of one enclave and keeps
// the service registry, the partition topology and the log store in step with
// the container runtime.
type Network struct {
	EnclaveUUID uuid.UUID          // required
	Runtime     runtime.Runtime    // required
	Services    *service.Registry  // required
	Artifacts   *artifact.Store    // required
	Partitions  *partition.Manager // required
	Logs        logstore.Store     // required
	HTTPClient  *http.Client
	Logger      *slog.Logger

	mu         sync.Mutex
	collectors map[uuid.UUID]context.CancelFunc
}

type NewParams struct {
	EnclaveUUID uuid.UUID          // required
	Database    registry.Database  // required
	Storage     artifact.Storage   // required
	Runtime     runtime.Runtime    // required
	Logs        logstore.Store     // required
	Enforcer    partition.Enforcer // required
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// New opens the service and artifact registries of an enclave.
func New(ctx context.Context, params *NewParams) (*Network, error) {
	services, err := service.NewRegistry(ctx, params.Database, params.EnclaveUUID)
	if err != nil {
		return nil, err
	}
	artifacts, err := artifact.NewStore(ctx, params.Database, params.EnclaveUUID, params.Storage)
	if err != nil {
		return nil, err
	}
	return &Network{
		EnclaveUUID: params.EnclaveUUID,
		Runtime:     params.Runtime,
		Services:    services,
		Artifacts:   artifacts,
		Partitions:  partition.NewManager(params.Enforcer),
		Logs:        params.Logs,
		HTTPClient:  params.HTTPClient,
		Logger:      params.Logger,
	}, nil
}

func (n *Network) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default().With("component", "network", "enclave_uuid", n.EnclaveUUID)
}

func (n *Network) httpClient() *http.Client {
	if n.HTTPClient != nil {
		return n.HTTPClient
	}
	return http.DefaultClient
}

func (n *Network) ref(id uuid.UUID) runtime.ServiceRef {
	return runtime.ServiceRef{EnclaveUUID: n.EnclaveUUID, ServiceUUID: id}
}

// StartService registers and starts one service. The files artifacts the
// config mounts must exist. A service that fails to start keeps its
// identifiers as historical ones.
func (n *Network) StartService(ctx context.Context, name string, config *service.Config) (*service.Service, error) {
	if err := service.ValidateName(name); err != nil {
		return nil, fmt.Errorf("start service: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("start service %s: %w", name, err)
	}
	files, err := n.files(ctx, config.Files)
	if err != nil {
		return nil, fmt.Errorf("start service %s: %w", name, err)
	}

	s, err := n.Services.Register(ctx, name, config)
	if err != nil {
		return nil, err
	}
	ref := n.ref(s.UUID)

	c, err := n.Runtime.StartService(ctx, &runtime.StartServiceParams{
		ServiceRef:             ref,
		Name:                   name,
		Image:                  config.Image,
		Entrypoint:             config.Entrypoint,
		Cmd:                    config.Cmd,
		Env:                    config.Env,
		Ports:                  portSpecs(config.Ports),
		Files:                  files,
		CPUAllocationMillicpus: config.CPUAllocationMillicpus,
		MemoryAllocationMB:     config.MemoryAllocationMB,
	})
	if err != nil {
		n.discard(ctx, s, false)
		return nil, fmt.Errorf("start service %s: %w", name, err)
	}

	if err = n.Partitions.AddService(ctx, name, partition.PartitionID(config.Subnetwork)); err != nil {
		n.discard(ctx, s, true)
		return nil, fmt.Errorf("start service %s: %w", name, err)
	}

	started := s
	s, err = n.Services.Update(ctx, s.UUID, func(s *service.Service) {
		s.Status = service.StatusRunning
		s.PrivateIP = c.PrivateIP
		s.PublicIP = c.PublicIP
		s.PublicPorts = publicPorts(config.Ports, c.PublicPorts)
		s.Container.Status = string(c.Status)
	})
	if err != nil {
		if removeErr := n.Partitions.RemoveService(context.WithoutCancel(ctx), name); removeErr != nil {
			n.logger().Warn("didn't remove failed service from partitions", "name", name, "error", removeErr)
		}
		n.discard(ctx, started, true)
		return nil, fmt.Errorf("start service %s: %w", name, err)
	}

	n.collectLogs(ref)
	n.logger().Info("started service", "name", name, "service_uuid", s.UUID, "private_ip", s.PrivateIP)
	return s, nil
}

// discard undoes a partially started service. Failures are logged because the
// start error is what the caller needs to see.
func (n *Network) discard(ctx context.Context, s *service.Service, started bool) {
	ctx = context.WithoutCancel(ctx)
	if started {
		ref := n.ref(s.UUID)
		if err := n.Runtime.RemoveService(ctx, &ref); err != nil {
			n.logger().Warn("didn't remove container of failed service", "name", s.Name, "error", err)
		}
	}
	if err := n.Services.Remove(ctx, s.UUID); err != nil {
		n.logger().Warn("didn't remove failed service", "name", s.Name, "error", err)
	}
}

func (n *Network) files(ctx context.Context, mounts map[string]string) (map[string][]byte, error) {
	files := make(map[string][]byte, len(mounts))
	for dir, id := range mounts {
		content, _, err := n.Artifacts.Content(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("files artifact %q for %s: %w", id, dir, err)
		}
		files[dir] = content
	}
	return files, nil
}

type AddServicesResult struct {
	Succeeded map[string]*service.Service
	Failed    map[string]error
}

// AddServices starts services concurrently. A failure is reported for its
// service only and never fails the others.
func (n *Network) AddServices(ctx context.Context, configs map[string]*service.Config, parallelism int) *AddServicesResult {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	result := &AddServicesResult{
		Succeeded: make(map[string]*service.Service),
		Failed:    make(map[string]error),
	}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(parallelism)
	for name, config := range configs {
		g.Go(func() error {
			s, err := n.StartService(ctx, name, config)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[name] = err
			} else {
				result.Succeeded[name] = s
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// RemoveService destroys the container of a service and marks it removed.
func (n *Network) RemoveService(ctx context.Context, identifier string) (uuid.UUID, error) {
	s, err := n.Services.Get(identifier)
	if err != nil {
		return uuid.Nil, err
	}
	ref := n.ref(s.UUID)

	if err = n.Runtime.RemoveService(ctx, &ref); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("remove service %s: %w", s.Name, err)
	}
	n.stopLogs(s.UUID)
	if err = n.Partitions.RemoveService(ctx, s.Name); err != nil {
		return uuid.Nil, fmt.Errorf("remove service %s: %w", s.Name, err)
	}
	if err = n.Services.Remove(ctx, s.UUID); err != nil {
		return uuid.Nil, err
	}
	n.logger().Info("removed service", "name", s.Name, "service_uuid", s.UUID)
	return s.UUID, nil
}

// ReplaceService removes the live service called name, if any, and starts a new one.
func (n *Network) ReplaceService(ctx context.Context, name string, config *service.Config) (*service.Service, error) {
	var notFoundErr *identifier.NotFoundError
	if _, err := n.RemoveService(ctx, name); err != nil && !errors.As(err, &notFoundErr) {
		return nil, err
	}
	return n.StartService(ctx, name, config)
}

func (n *Network) PauseService(ctx context.Context, identifier string) error {
	return n.setPaused(ctx, identifier, true)
}

func (n *Network) UnpauseService(ctx context.Context, identifier string) error {
	return n.setPaused(ctx, identifier, false)
}

func (n *Network) setPaused(ctx context.Context, identifier string, paused bool) error {
	s, err := n.Services.Get(identifier)
	if err != nil {
		return err
	}
	ref := n.ref(s.UUID)
	status := runtime.ContainerStatusRunning
	if paused {
		err = n.Runtime.PauseService(ctx, &ref)
		status = runtime.ContainerStatusPaused
	} else {
		err = n.Runtime.UnpauseService(ctx, &ref)
	}
	if err != nil {
		return fmt.Errorf("pause service %s: %w", s.Name, err)
	}
	_, err = n.Services.Update(ctx, s.UUID, func(s *service.Service) {
		s.Container.Status = string(status)
	})
	return err
}

// RefreshStatus reads the container status of a service from the runtime.
// The read is retried because it has no side effects.
func (n *Network) RefreshStatus(ctx context.Context, s *service.Service) (*service.Service, error) {
	if s.Status == service.StatusUnknown {
		return s, nil
	}
	ref := n.ref(s.UUID)

	var status runtime.ContainerStatus
	var err error
	for attempt := 0; attempt < statusReadAttempts; attempt++ {
		status, err = n.Runtime.ServiceStatus(ctx, &ref)
		if err == nil || errors.Is(err, runtime.ErrNotFound) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}

	want := service.StatusRunning
	switch {
	case errors.Is(err, runtime.ErrNotFound):
		want, status = service.StatusStopped, runtime.ContainerStatusStopped
	case err != nil:
		return nil, fmt.Errorf("refresh service status %s: %w", s.Name, err)
	case status == runtime.ContainerStatusStopped:
		want = service.StatusStopped
	}
	if s.Status == want && s.Container.Status == string(status) {
		return s, nil
	}
	return n.Services.Update(ctx, s.UUID, func(s *service.Service) {
		s.Status = want
		s.Container.Status = string(status)
	})
}

// StopAll stops the containers of every live service. Their records stay.
func (n *Network) StopAll(ctx context.Context) error {
	services, err := n.Services.List()
	if err != nil {
		return err
	}
	for _, s := range services {
		ref := n.ref(s.UUID)
		if err = n.Runtime.StopService(ctx, &ref); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return fmt.Errorf("stop service %s: %w", s.Name, err)
		}
		n.stopLogs(s.UUID)
		_, err = n.Services.Update(ctx, s.UUID, func(s *service.Service) {
			s.Status = service.StatusStopped
			s.Container.Status = string(runtime.ContainerStatusStopped)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (n *Network) Exec(ctx context.Context, identifier string, cmd []string) (*runtime.ExecResult, error) {
	s, err := n.Services.Get(identifier)
	if err != nil {
		return nil, err
	}
	result, err := n.Runtime.Exec(ctx, &runtime.ExecParams{ServiceRef: n.ref(s.UUID), Cmd: cmd})
	if err != nil {
		return nil, fmt.Errorf("exec on service %s: %w", s.Name, err)
	}
	return result, nil
}

type HTTPRequestParams struct {
	ServiceIdentifier string // required
	PortID            string // required
	Method            string // required
	Path              string
	Body              string
	ContentType       string
}

type HTTPResponse struct {
	StatusCode int
	Body       []byte
}

// HTTPRequest sends a request to a port of a service. The public address is
// used when the port is published because the private one may not be
// routable from the control plane.
func (n *Network) HTTPRequest(ctx context.Context, params *HTTPRequestParams) (*HTTPResponse, error) {
	s, err := n.Services.Get(params.ServiceIdentifier)
	if err != nil {
		return nil, err
	}
	addr, err := address(s, params.PortID)
	if err != nil {
		return nil, err
	}

	url := "http://" + addr + "/" + strings.TrimPrefix(params.Path, "/")
	var body io.Reader
	if params.Body != "" {
		body = strings.NewReader(params.Body)
	}
	req, err := http.NewRequestWithContext(ctx, params.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if params.ContentType != "" {
		req.Header.Set("Content-Type", params.ContentType)
	}

	resp, err := n.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	return &HTTPResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
}

func address(s *service.Service, portID string) (string, error) {
	if p, ok := s.PublicPorts[portID]; ok && s.PublicIP != "" {
		return net.JoinHostPort(s.PublicIP, strconv.Itoa(int(p.Number))), nil
	}
	if p, ok := s.PrivatePorts[portID]; ok {
		return net.JoinHostPort(s.PrivateIP, strconv.Itoa(int(p.Number))), nil
	}
	return "", fmt.Errorf("%w: %s has no port %q", ErrNoSuchPort, s.Name, portID)
}

// StoreServiceFiles copies a path out of a service into a new files artifact.
func (n *Network) StoreServiceFiles(ctx context.Context, identifier string, src string, name string) (*artifact.Artifact, error) {
	s, err := n.Services.Get(identifier)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = n.Runtime.CopyFromService(ctx, &runtime.CopyFromServiceParams{ServiceRef: n.ref(s.UUID), Path: src, Writer: &buf})
	if err != nil {
		return nil, fmt.Errorf("store files of service %s: %w", s.Name, err)
	}
	archive, err := artifact.Gzip(&buf)
	if err != nil {
		return nil, fmt.Errorf("store files of service %s: %w", s.Name, err)
	}
	return n.StoreArtifact(ctx, name, archive)
}

// StoreArtifact puts content under name. An artifact that already holds the
// same content under that name is returned as is.
func (n *Network) StoreArtifact(ctx context.Context, name string, content []byte) (*artifact.Artifact, error) {
	a, err := n.Artifacts.Put(ctx, name, content)
	if errors.Is(err, artifact.ErrNameTaken) {
		existing, getErr := n.Artifacts.Get(name)
		if getErr == nil && existing.Digest == artifact.Digest(content) {
			return existing, nil
		}
	}
	return a, err
}

// Repartition replaces the partition topology of every live service.
func (n *Network) Repartition(ctx context.Context, params *partition.RepartitionParams) error {
	return n.Partitions.Repartition(ctx, n.Services.Names(), params)
}

func (n *Network) collectLogs(ref runtime.ServiceRef) {
	ctx, cancel := context.WithCancel(context.Background())

	n.mu.Lock()
	if n.collectors == nil {
		n.collectors = make(map[uuid.UUID]context.CancelFunc)
	}
	n.collectors[ref.ServiceUUID] = cancel
	n.mu.Unlock()

	go func() {
		defer cancel()
		output, err := n.Runtime.FollowLogs(ctx, &ref)
		if err != nil {
			n.logger().Warn("didn't follow service logs", "service_uuid", ref.ServiceUUID, "error", err)
			return
		}
		stop := context.AfterFunc(ctx, func() {
			_ = output.Close()
		})
		defer func() {
			stop()
			_ = output.Close()
		}()
		err = logstore.Collect(ctx, n.Logs, &logstore.CollectParams{
			EnclaveUUID: ref.EnclaveUUID,
			ServiceUUID: ref.ServiceUUID,
			Output:      output,
		})
		if err != nil && ctx.Err() == nil {
			n.logger().Warn("stopped collecting service logs", "service_uuid", ref.ServiceUUID, "error", err)
		}
	}()
}

func (n *Network) stopLogs(id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cancel, ok := n.collectors[id]; ok {
		cancel()
		delete(n.collectors, id)
	}
}

// Close stops collecting logs.
func (n *Network) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, cancel := range n.collectors {
		cancel()
		delete(n.collectors, id)
	}
}

func portSpecs(ports map[string]service.Port) map[string]runtime.PortSpec {
	specs := make(map[string]runtime.PortSpec, len(ports))
	for name, p := range ports {
		specs[name] = runtime.PortSpec{Number: p.Number, Protocol: strings.ToLower(string(p.TransportProtocol))}
	}
	return specs
}

func publicPorts(private map[string]service.Port, published map[string]runtime.PortSpec) map[string]service.Port {
	if len(published) == 0 {
		return nil
	}
	ports := make(map[string]service.Port, len(published))
	for name, spec := range published {
		p := private[name]
		p.Number = spec.Number
		ports[name] = p
	}
	return ports
}
