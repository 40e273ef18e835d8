package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/task"
)

// logCollectTimeout bounds log collection after the run context expired
const logCollectTimeout = 10 * time.Second

// dockerAPI is the subset of the Engine API client the runtime uses
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

// DockerRuntime implements Runtime against the Docker Engine API
type DockerRuntime struct {
	logger *zap.Logger
	api    dockerAPI
}

// DockerRuntimeOption defines a functional option for DockerRuntime
type DockerRuntimeOption func(*DockerRuntime)

// WithDockerAPI replaces the Engine API client
func WithDockerAPI(api dockerAPI) DockerRuntimeOption {
	return func(d *DockerRuntime) {
		d.api = api
	}
}

// NewDockerRuntime connects to the daemon named by the DOCKER_* environment
func NewDockerRuntime(logger *zap.Logger, opts ...DockerRuntimeOption) (*DockerRuntime, error) {
	d := &DockerRuntime{logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	if d.api == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		d.api = cli
	}
	return d, nil
}

// Create creates a stopped container for spec
func (d *DockerRuntime) Create(ctx context.Context, spec Spec) (Handle, error) {
	name := spec.Name
	if name == "" {
		name = "pyexec-" + uuid.NewString()
	}

	labels := map[string]string{LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	networkMode := container.NetworkMode("none")
	if spec.Network {
		networkMode = container.NetworkMode(spec.NetworkMode)
		if spec.NetworkMode == "" {
			networkMode = "bridge"
		}
	}

	memory := int64(spec.MemoryMB) * 1024 * 1024
	resources := container.Resources{
		Memory:     memory,
		MemorySwap: memory,
		CPUShares:  int64(spec.CPUShares),
	}
	if spec.PidsLimit > 0 {
		pids := int64(spec.PidsLimit)
		resources.PidsLimit = &pids
	}

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             strslice.StrSlice(spec.Command),
		Env:             spec.EnvList(),
		User:            spec.User,
		WorkingDir:      spec.MountPath,
		Labels:          labels,
		NetworkDisabled: !spec.Network,
		Tty:             false,
	}
	hostCfg := &container.HostConfig{
		Binds:       []string{fmt.Sprintf("%s:%s:rw", spec.WorkspaceDir, spec.MountPath)},
		NetworkMode: networkMode,
		Resources:   resources,
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     strslice.StrSlice{"ALL"},
	}

	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: failed to create container: %v", task.ErrLaunch, err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("container create warning", zap.String("container", name), zap.String("warning", w))
	}

	return Handle{ID: resp.ID, Name: name}, nil
}

// Run starts the container and waits for it to exit or for timeout
func (d *DockerRuntime) Run(ctx context.Context, h Handle, timeout time.Duration) (RunResult, error) {
	if err := d.api.ContainerStart(ctx, h.ID, container.StartOptions{}); err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("%w: failed to start container: %v", task.ErrLaunch, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode := -1
	var runErr error
	statusCh, errCh := d.api.ContainerWait(runCtx, h.ID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
		if status.Error != nil && status.Error.Message != "" {
			runErr = fmt.Errorf("container wait reported: %s", status.Error.Message)
		}
	case err := <-errCh:
		runErr = d.waitError(ctx, runCtx, timeout, err)
	case <-runCtx.Done():
		runErr = d.waitError(ctx, runCtx, timeout, runCtx.Err())
	}

	// The run context may be gone; logs are collected on a fresh deadline.
	logCtx, logCancel := context.WithTimeout(context.WithoutCancel(ctx), logCollectTimeout)
	defer logCancel()
	res, logErr := d.logs(logCtx, h.ID)
	res.ExitCode = exitCode
	if runErr != nil {
		return res, runErr
	}
	if logErr != nil {
		return res, fmt.Errorf("failed to collect container logs: %w", logErr)
	}
	return res, nil
}

func (*DockerRuntime) waitError(parent, runCtx context.Context, timeout time.Duration, err error) error {
	if parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", task.ErrTimeout, timeout)
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	return fmt.Errorf("failed to wait for container: %w", err)
}

func (d *DockerRuntime) logs(ctx context.Context, id string) (RunResult, error) {
	out, err := d.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return RunResult{}, err
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out); err != nil {
		return RunResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}, err
	}
	return RunResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}, nil
}

// Kill sends SIGKILL to the container
func (d *DockerRuntime) Kill(ctx context.Context, h Handle) error {
	if err := d.api.ContainerKill(ctx, h.ID, "SIGKILL"); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill container %s: %w", h.Name, err)
	}
	return nil
}

// Remove force-removes the container; a container that is already gone is not an error
func (d *DockerRuntime) Remove(ctx context.Context, h Handle) error {
	err := d.api.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", h.Name, err)
	}
	return nil
}

// RemoveStale removes managed containers created more than olderThan ago
func (d *DockerRuntime) RemoveStale(ctx context.Context, olderThan time.Duration) (int, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	cutoff := time.Now().Add(-olderThan).Unix()
	removed := 0
	var errs []error
	for _, c := range list {
		if c.Created > cutoff {
			continue
		}
		h := Handle{ID: c.ID, Name: c.ID}
		if len(c.Names) > 0 {
			h.Name = c.Names[0]
		}
		if err := d.Remove(ctx, h); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		d.logger.Info("removed orphan sandbox",
			zap.String("container", h.Name),
			zap.String("session_id", c.Labels[LabelSession]),
			zap.Duration("age", time.Since(time.Unix(c.Created, 0))))
	}
	return removed, errors.Join(errs...)
}

// Close releases the Engine API client
func (d *DockerRuntime) Close() error {
	return d.api.Close()
}
