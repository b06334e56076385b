package runtimefake

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/k11v/enclave/internal/artifact"
	"github.com/k11v/enclave/internal/runtime"
)

// Runtime keeps enclave containers in memory. It never runs anything.
type Runtime struct {
	// FailImages makes StartService fail for the listed images.
	FailImages map[string]error
	// ExecFunc answers Exec. Without it every command succeeds with no output.
	ExecFunc func(params *runtime.ExecParams) (*runtime.ExecResult, error)
	// PublicIP is reported for every container. It defaults to 127.0.0.1.
	PublicIP string
	// PublicPort maps a private port to the public one. Without it they are equal.
	PublicPort func(serviceName string, portName string, port runtime.PortSpec) uint16

	mu       sync.Mutex
	enclaves map[uuid.UUID]*enclave
	nextIP   int
}

type enclave struct {
	stopped    bool
	containers map[uuid.UUID]*container
}

type container struct {
	params *runtime.StartServiceParams
	info   *runtime.Container
	files  map[string][]byte
	logs   *logBuffer
}

var _ runtime.Runtime = (*Runtime)(nil)

func New() *Runtime {
	return &Runtime{enclaves: make(map[uuid.UUID]*enclave)}
}

func (r *Runtime) CreateEnclave(_ context.Context, enclaveUUID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.enclaves[enclaveUUID]; ok {
		return runtime.ErrEnclaveExists
	}
	r.enclaves[enclaveUUID] = &enclave{containers: make(map[uuid.UUID]*container)}
	return nil
}

func (r *Runtime) StopEnclave(_ context.Context, enclaveUUID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.enclaves[enclaveUUID]
	if !ok {
		return runtime.ErrNotFound
	}
	e.stopped = true
	for _, c := range e.containers {
		c.info.Status = runtime.ContainerStatusStopped
		c.logs.close()
	}
	return nil
}

func (r *Runtime) DestroyEnclave(_ context.Context, enclaveUUID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.enclaves[enclaveUUID]
	if !ok {
		return runtime.ErrNotFound
	}
	for _, c := range e.containers {
		c.logs.close()
	}
	delete(r.enclaves, enclaveUUID)
	return nil
}

func (r *Runtime) StartService(_ context.Context, params *runtime.StartServiceParams) (*runtime.Container, error) {
	if err, ok := r.FailImages[params.Image]; ok {
		return nil, fmt.Errorf("start service %s: %w", params.Name, err)
	}

	files := make(map[string][]byte)
	for dir, archive := range params.Files {
		unpacked, err := artifact.Unarchive(archive)
		if err != nil {
			return nil, fmt.Errorf("start service %s: %w", params.Name, err)
		}
		for _, f := range unpacked {
			files[path.Join(dir, f.Path)] = f.Content
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.enclaves[params.EnclaveUUID]
	if !ok {
		return nil, runtime.ErrNotFound
	}
	e.stopped = false

	r.nextIP++
	publicIP := r.PublicIP
	if publicIP == "" {
		publicIP = "127.0.0.1"
	}
	publicPorts := make(map[string]runtime.PortSpec, len(params.Ports))
	for name, p := range params.Ports {
		public := p
		if r.PublicPort != nil {
			public.Number = r.PublicPort(params.Name, name, p)
		}
		publicPorts[name] = public
	}

	info := &runtime.Container{
		ID:          "fake-" + params.ServiceUUID.String(),
		PrivateIP:   fmt.Sprintf("10.%d.%d.%d", (r.nextIP>>16)&0xff, (r.nextIP>>8)&0xff, r.nextIP&0xff),
		PublicIP:    publicIP,
		PublicPorts: publicPorts,
		Status:      runtime.ContainerStatusRunning,
	}
	e.containers[params.ServiceUUID] = &container{params: params, info: info, files: files, logs: newLogBuffer()}

	c := *info
	return &c, nil
}

func (r *Runtime) StopService(_ context.Context, ref *runtime.ServiceRef) error {
	return r.withContainer(ref, func(c *container) error {
		c.info.Status = runtime.ContainerStatusStopped
		c.logs.close()
		return nil
	})
}

func (r *Runtime) RemoveService(_ context.Context, ref *runtime.ServiceRef) error {
	return r.withContainer(ref, func(c *container) error {
		c.logs.close()
		delete(r.enclaves[ref.EnclaveUUID].containers, ref.ServiceUUID)
		return nil
	})
}

func (r *Runtime) PauseService(_ context.Context, ref *runtime.ServiceRef) error {
	return r.withContainer(ref, func(c *container) error {
		if c.info.Status != runtime.ContainerStatusRunning {
			return fmt.Errorf("pause service: container is %s", c.info.Status)
		}
		c.info.Status = runtime.ContainerStatusPaused
		return nil
	})
}

func (r *Runtime) UnpauseService(_ context.Context, ref *runtime.ServiceRef) error {
	return r.withContainer(ref, func(c *container) error {
		if c.info.Status != runtime.ContainerStatusPaused {
			return fmt.Errorf("unpause service: container is %s", c.info.Status)
		}
		c.info.Status = runtime.ContainerStatusRunning
		return nil
	})
}

func (r *Runtime) ServiceStatus(_ context.Context, ref *runtime.ServiceRef) (runtime.ContainerStatus, error) {
	var status runtime.ContainerStatus
	err := r.withContainer(ref, func(c *container) error {
		status = c.info.Status
		return nil
	})
	return status, err
}

func (r *Runtime) Exec(_ context.Context, params *runtime.ExecParams) (*runtime.ExecResult, error) {
	err := r.withContainer(&params.ServiceRef, func(c *container) error {
		if c.info.Status != runtime.ContainerStatusRunning {
			return fmt.Errorf("exec: container is %s", c.info.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.ExecFunc != nil {
		return r.ExecFunc(params)
	}
	return &runtime.ExecResult{}, nil
}

// CopyFromService writes the files under params.Path as an uncompressed tar stream
// rooted at the base name of params.Path, the way docker cp does.
func (r *Runtime) CopyFromService(_ context.Context, params *runtime.CopyFromServiceParams) error {
	var buf bytes.Buffer
	err := r.withContainer(&params.ServiceRef, func(c *container) error {
		src := path.Clean(params.Path)
		base := path.Base(src)

		tw := tar.NewWriter(&buf)
		found := false
		for name, content := range c.files {
			var rel string
			switch {
			case name == src:
				rel = base
			case strings.HasPrefix(name, src+"/"):
				rel = path.Join(base, strings.TrimPrefix(name, src+"/"))
			default:
				continue
			}
			found = true
			hdr := &tar.Header{Name: rel, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if _, err := tw.Write(content); err != nil {
				return err
			}
		}
		if !found {
			return fmt.Errorf("copy %s: %w", params.Path, runtime.ErrNotFound)
		}
		return tw.Close()
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(params.Writer, &buf)
	return err
}

func (r *Runtime) FollowLogs(_ context.Context, ref *runtime.ServiceRef) (io.ReadCloser, error) {
	var logs *logBuffer
	err := r.withContainer(ref, func(c *container) error {
		logs = c.logs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs.reader(), nil
}

// WriteLogs appends output to the logs of a service as if its container printed it.
func (r *Runtime) WriteLogs(ref *runtime.ServiceRef, output string) error {
	return r.withContainer(ref, func(c *container) error {
		c.logs.write([]byte(output))
		return nil
	})
}

// Containers returns the started service UUIDs of an enclave.
func (r *Runtime) Containers(enclaveUUID uuid.UUID) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.enclaves[enclaveUUID]
	if !ok {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(e.containers))
	for id := range e.containers {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runtime) withContainer(ref *runtime.ServiceRef, fn func(c *container) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.enclaves[ref.EnclaveUUID]
	if !ok {
		return runtime.ErrNotFound
	}
	c, ok := e.containers[ref.ServiceUUID]
	if !ok {
		return runtime.ErrNotFound
	}
	return fn(c)
}
