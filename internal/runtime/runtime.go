package runtime

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("container not found")
	ErrEnclaveExists = errors.New("enclave network already exists")
)

type ContainerStatus string

const (
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusPaused  ContainerStatus = "paused"
	ContainerStatusStopped ContainerStatus = "stopped"
)

// Runtime runs the containers of enclave services.
type Runtime interface {
	CreateEnclave(ctx context.Context, enclaveUUID uuid.UUID) error
	StopEnclave(ctx context.Context, enclaveUUID uuid.UUID) error
	DestroyEnclave(ctx context.Context, enclaveUUID uuid.UUID) error

	StartService(ctx context.Context, params *StartServiceParams) (*Container, error)
	StopService(ctx context.Context, ref *ServiceRef) error
	RemoveService(ctx context.Context, ref *ServiceRef) error
	PauseService(ctx context.Context, ref *ServiceRef) error
	UnpauseService(ctx context.Context, ref *ServiceRef) error
	ServiceStatus(ctx context.Context, ref *ServiceRef) (ContainerStatus, error)

	Exec(ctx context.Context, params *ExecParams) (*ExecResult, error)
	// CopyFromService writes a tar stream of the file or directory at path to w.
	CopyFromService(ctx context.Context, params *CopyFromServiceParams) error
	// FollowLogs streams the combined stdout and stderr of a service until it stops or ctx ends.
	FollowLogs(ctx context.Context, ref *ServiceRef) (io.ReadCloser, error)
}

type ServiceRef struct {
	EnclaveUUID uuid.UUID // required
	ServiceUUID uuid.UUID // required
}

// PortSpec is a container port. Protocol is "tcp", "udp" or "sctp".
type PortSpec struct {
	Number   uint16
	Protocol string
}

type StartServiceParams struct {
	ServiceRef
	Name       string // required
	Image      string // required
	Entrypoint []string
	Cmd        []string
	Env        map[string]string
	Ports      map[string]PortSpec

	// Files maps a directory inside the container to a tar.gz archive
	// whose contents are extracted there before the container starts.
	Files map[string][]byte

	CPUAllocationMillicpus int
	MemoryAllocationMB     int
}

// Container is a started service container.
type Container struct {
	ID          string
	PrivateIP   string
	PublicIP    string
	PublicPorts map[string]PortSpec
	Status      ContainerStatus
}

type ExecParams struct {
	ServiceRef
	Cmd []string // required
}

type ExecResult struct {
	ExitCode int
	Output   string
}

type CopyFromServiceParams struct {
	ServiceRef
	Path   string    // required
	Writer io.Writer // required
}
