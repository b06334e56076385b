package runtimedocker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/k11v/enclave/internal/artifact"
	"github.com/k11v/enclave/internal/identifier"
	"github.com/k11v/enclave/internal/runtime"
)

const (
	labelEnclaveUUID = "enclave.uuid"
	labelServiceUUID = "enclave.service.uuid"
	labelServiceName = "enclave.service.name"
)

// Runtime runs enclave services as Docker containers attached to one bridge network per enclave.
type Runtime struct {
	client *client.Client // required
	log    *slog.Logger
}

var _ runtime.Runtime = (*Runtime)(nil)

func New() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runtimedocker.New: %w", err)
	}
	return &Runtime{client: cli, log: slog.With("component", "runtimedocker")}, nil
}

func (r *Runtime) Close() error {
	return r.client.Close()
}

func networkName(enclaveUUID uuid.UUID) string {
	return "enclave-" + identifier.Hex(enclaveUUID)
}

func containerName(name string, serviceUUID uuid.UUID) string {
	return name + "--" + identifier.Hex(serviceUUID)
}

func (r *Runtime) CreateEnclave(ctx context.Context, enclaveUUID uuid.UUID) error {
	_, err := r.client.NetworkCreate(ctx, networkName(enclaveUUID), network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{labelEnclaveUUID: enclaveUUID.String()},
	})
	if errdefs.IsConflict(err) {
		return runtime.ErrEnclaveExists
	}
	if err != nil {
		return fmt.Errorf("create enclave network: %w", err)
	}
	return nil
}

func (r *Runtime) StopEnclave(ctx context.Context, enclaveUUID uuid.UUID) error {
	ids, err := r.listContainers(ctx, filters.Arg("label", labelEnclaveUUID+"="+enclaveUUID.String()))
	if err != nil {
		return fmt.Errorf("stop enclave: %w", err)
	}
	for _, id := range ids {
		if err = r.client.ContainerStop(ctx, id, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("stop enclave: %w", err)
		}
	}
	return nil
}

func (r *Runtime) DestroyEnclave(ctx context.Context, enclaveUUID uuid.UUID) error {
	ids, err := r.listContainers(ctx, filters.Arg("label", labelEnclaveUUID+"="+enclaveUUID.String()))
	if err != nil {
		return fmt.Errorf("destroy enclave: %w", err)
	}
	for _, id := range ids {
		err = r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("destroy enclave: %w", err)
		}
	}
	err = r.client.NetworkRemove(ctx, networkName(enclaveUUID))
	if errdefs.IsNotFound(err) {
		return runtime.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("destroy enclave: %w", err)
	}
	return nil
}

func (r *Runtime) StartService(ctx context.Context, params *runtime.StartServiceParams) (*runtime.Container, error) {
	if err := r.ensureImage(ctx, params.Image); err != nil {
		return nil, fmt.Errorf("start service %s: %w", params.Name, err)
	}

	exposed := make(nat.PortSet, len(params.Ports))
	bindings := make(nat.PortMap, len(params.Ports))
	for name, p := range params.Ports {
		port, err := nat.NewPort(p.Protocol, strconv.Itoa(int(p.Number)))
		if err != nil {
			return nil, fmt.Errorf("start service %s: port %s: %w", params.Name, name, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0"}}
	}

	env := make([]string, 0, len(params.Env))
	for k, v := range params.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	netName := networkName(params.EnclaveUUID)
	createResp, err := r.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:        params.Image,
			Entrypoint:   params.Entrypoint,
			Cmd:          params.Cmd,
			Env:          env,
			ExposedPorts: exposed,
			Labels: map[string]string{
				labelEnclaveUUID: params.EnclaveUUID.String(),
				labelServiceUUID: params.ServiceUUID.String(),
				labelServiceName: params.Name,
			},
		},
		&container.HostConfig{
			PortBindings: bindings,
			NetworkMode:  container.NetworkMode(netName),
			Resources: container.Resources{
				NanoCPUs: int64(params.CPUAllocationMillicpus) * 1_000_000,
				Memory:   int64(params.MemoryAllocationMB) * 1024 * 1024,
			},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				netName: {Aliases: []string{params.Name}},
			},
		},
		nil,
		containerName(params.Name, params.ServiceUUID),
	)
	if err != nil {
		return nil, fmt.Errorf("start service %s: %w", params.Name, err)
	}
	if len(createResp.Warnings) > 0 {
		r.log.Warn("created container with warnings", "service", params.Name, "warnings", createResp.Warnings)
	}

	cleanup := func() {
		rmErr := r.client.ContainerRemove(context.WithoutCancel(ctx), createResp.ID, container.RemoveOptions{Force: true})
		if rmErr != nil {
			r.log.Error("failed to remove container", "id", createResp.ID, "error", rmErr)
		}
	}

	for dir, archive := range params.Files {
		rooted, err := reroot(archive, dir)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("start service %s: %w", params.Name, err)
		}
		err = r.client.CopyToContainer(ctx, createResp.ID, "/", rooted, container.CopyToContainerOptions{})
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("start service %s: copy files to %s: %w", params.Name, dir, err)
		}
	}

	if err = r.client.ContainerStart(ctx, createResp.ID, container.StartOptions{}); err != nil {
		cleanup()
		return nil, fmt.Errorf("start service %s: %w", params.Name, err)
	}

	return r.inspect(ctx, createResp.ID, params.Ports)
}

func (r *Runtime) StopService(ctx context.Context, ref *runtime.ServiceRef) error {
	id, err := r.containerID(ctx, ref)
	if err != nil {
		return err
	}
	if err = r.client.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}
	return nil
}

func (r *Runtime) RemoveService(ctx context.Context, ref *runtime.ServiceRef) error {
	id, err := r.containerID(ctx, ref)
	if err != nil {
		return err
	}
	if err = r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove service: %w", err)
	}
	return nil
}

func (r *Runtime) PauseService(ctx context.Context, ref *runtime.ServiceRef) error {
	id, err := r.containerID(ctx, ref)
	if err != nil {
		return err
	}
	if err = r.client.ContainerPause(ctx, id); err != nil {
		return fmt.Errorf("pause service: %w", err)
	}
	return nil
}

func (r *Runtime) UnpauseService(ctx context.Context, ref *runtime.ServiceRef) error {
	id, err := r.containerID(ctx, ref)
	if err != nil {
		return err
	}
	if err = r.client.ContainerUnpause(ctx, id); err != nil {
		return fmt.Errorf("unpause service: %w", err)
	}
	return nil
}

func (r *Runtime) ServiceStatus(ctx context.Context, ref *runtime.ServiceRef) (runtime.ContainerStatus, error) {
	id, err := r.containerID(ctx, ref)
	if err != nil {
		return "", err
	}
	inspect, err := r.client.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("service status: %w", err)
	}
	switch {
	case inspect.State == nil:
		return runtime.ContainerStatusStopped, nil
	case inspect.State.Paused:
		return runtime.ContainerStatusPaused, nil
	case inspect.State.Running:
		return runtime.ContainerStatusRunning, nil
	default:
		return runtime.ContainerStatusStopped, nil
	}
}

func (r *Runtime) Exec(ctx context.Context, params *runtime.ExecParams) (*runtime.ExecResult, error) {
	id, err := r.containerID(ctx, &params.ServiceRef)
	if err != nil {
		return nil, err
	}

	execResp, err := r.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          params.Cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}

	hijacked, err := r.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	defer hijacked.Close()

	var output limitedBuffer
	if _, err = stdcopy.StdCopy(&output, &output, hijacked.Reader); err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}

	inspect, err := r.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	return &runtime.ExecResult{ExitCode: inspect.ExitCode, Output: output.String()}, nil
}

func (r *Runtime) CopyFromService(ctx context.Context, params *runtime.CopyFromServiceParams) error {
	id, err := r.containerID(ctx, &params.ServiceRef)
	if err != nil {
		return err
	}
	rc, _, err := r.client.CopyFromContainer(ctx, id, params.Path)
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("copy %s: %w", params.Path, runtime.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("copy %s: %w", params.Path, err)
	}
	defer func() {
		_ = rc.Close()
	}()
	if _, err = io.Copy(params.Writer, rc); err != nil {
		return fmt.Errorf("copy %s: %w", params.Path, err)
	}
	return nil
}

func (r *Runtime) FollowLogs(ctx context.Context, ref *runtime.ServiceRef) (io.ReadCloser, error) {
	id, err := r.containerID(ctx, ref)
	if err != nil {
		return nil, err
	}
	multiplexed, err := r.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return nil, fmt.Errorf("follow logs: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, multiplexed)
		_ = multiplexed.Close()
		_ = pw.CloseWithError(copyErr)
	}()
	return pr, nil
}

func (r *Runtime) ensureImage(ctx context.Context, ref string) error {
	_, _, err := r.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return err
	}

	r.log.Info("pulling image", "image", ref)
	rc, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer func() {
		_ = rc.Close()
	}()
	if _, err = io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

func (r *Runtime) inspect(ctx context.Context, id string, ports map[string]runtime.PortSpec) (*runtime.Container, error) {
	inspect, err := r.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("inspect container: %w", err)
	}

	c := &runtime.Container{
		ID:          id,
		PublicIP:    "127.0.0.1",
		PublicPorts: make(map[string]runtime.PortSpec, len(ports)),
		Status:      runtime.ContainerStatusRunning,
	}
	if inspect.NetworkSettings != nil {
		for _, endpoint := range inspect.NetworkSettings.Networks {
			if endpoint != nil && endpoint.IPAddress != "" {
				c.PrivateIP = endpoint.IPAddress
				break
			}
		}
		for name, p := range ports {
			port, err := nat.NewPort(p.Protocol, strconv.Itoa(int(p.Number)))
			if err != nil {
				return nil, err
			}
			for _, binding := range inspect.NetworkSettings.Ports[port] {
				hostPort, err := strconv.ParseUint(binding.HostPort, 10, 16)
				if err != nil {
					continue
				}
				c.PublicPorts[name] = runtime.PortSpec{Number: uint16(hostPort), Protocol: p.Protocol}
				break
			}
		}
	}
	return c, nil
}

func (r *Runtime) containerID(ctx context.Context, ref *runtime.ServiceRef) (string, error) {
	ids, err := r.listContainers(
		ctx,
		filters.Arg("label", labelEnclaveUUID+"="+ref.EnclaveUUID.String()),
		filters.Arg("label", labelServiceUUID+"="+ref.ServiceUUID.String()),
	)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", runtime.ErrNotFound
	}
	return ids[0], nil
}

func (r *Runtime) listContainers(ctx context.Context, args ...filters.KeyValuePair) ([]string, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{All: true, Filters: filters.NewArgs(args...)})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// reroot rewrites a tar.gz artifact so that its files land under dir when extracted at /.
func reroot(archive []byte, dir string) (io.Reader, error) {
	files, err := artifact.Unarchive(archive)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		f.Path = path.Join(dir, f.Path)
	}
	rooted, err := artifact.Archive(files)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(rooted), nil
}
