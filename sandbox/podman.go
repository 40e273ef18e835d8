package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/task"
)

// CLIRuntime implements Runtime by driving the podman (or docker) command line
type CLIRuntime struct {
	logger    *zap.Logger
	binary    string
	cmdRunner CommandRunner
}

// CLIRuntimeOption defines a functional option for CLIRuntime
type CLIRuntimeOption func(*CLIRuntime)

// WithCommandRunner sets the CommandRunner for CLIRuntime
func WithCommandRunner(cmdRunner CommandRunner) CLIRuntimeOption {
	return func(c *CLIRuntime) {
		c.cmdRunner = cmdRunner
	}
}

// NewCLIRuntime creates a CLIRuntime invoking binary
func NewCLIRuntime(logger *zap.Logger, binary string, opts ...CLIRuntimeOption) *CLIRuntime {
	if binary == "" {
		binary = "podman"
	}
	runtime := &CLIRuntime{
		logger:    logger,
		binary:    binary,
		cmdRunner: &RealCommandRunner{},
	}

	for _, opt := range opts {
		opt(runtime)
	}

	return runtime
}

// createArgs builds the create invocation with the isolation flags applied
func (c *CLIRuntime) createArgs(name string, spec Spec) []string {
	network := "none"
	if spec.Network {
		network = spec.NetworkMode
		if network == "" {
			network = "bridge"
		}
	}

	args := []string{
		c.binary, "create",
		"--name", name,
		"-v", fmt.Sprintf("%s:%s:rw", spec.WorkspaceDir, spec.MountPath),
		"--workdir", spec.MountPath,
		"--memory", fmt.Sprintf("%dm", spec.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", spec.MemoryMB),
		"--network", network,
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	if spec.CPUShares > 0 {
		args = append(args, "--cpu-shares", strconv.Itoa(spec.CPUShares))
	}
	if spec.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(spec.PidsLimit))
	}
	for _, l := range labelList(spec.Labels) {
		args = append(args, "--label", l)
	}
	for _, e := range spec.EnvList() {
		args = append(args, "-e", e)
	}

	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

// Create creates a stopped container for spec
func (c *CLIRuntime) Create(ctx context.Context, spec Spec) (Handle, error) {
	name := spec.Name
	if name == "" {
		name = "pyexec-" + uuid.NewString()
	}

	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, Command{Args: c.createArgs(name, spec)})
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %s create: %v", task.ErrLaunch, c.binary, err)
	}
	if exitCode != 0 {
		return Handle{}, fmt.Errorf("%w: %s create exited %d: %s", task.ErrLaunch, c.binary, exitCode, strings.TrimSpace(stderr))
	}

	id := strings.TrimSpace(stdout)
	if id == "" {
		id = name
	}
	return Handle{ID: id, Name: name}, nil
}

// Run starts the container attached and waits for it to exit or for timeout
func (c *CLIRuntime) Run(ctx context.Context, h Handle, timeout time.Duration) (RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(runCtx, Command{Args: []string{c.binary, "start", "--attach", h.ID}})
	res := RunResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}

	if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, fmt.Errorf("%w after %s", task.ErrTimeout, timeout)
	}
	if err != nil {
		return res, fmt.Errorf("%w: %s start: %v", task.ErrLaunch, c.binary, err)
	}
	// The CLI reports its own failures with exit code 125.
	if exitCode == 125 && isNotFound(stderr) {
		return res, fmt.Errorf("%w: %s", task.ErrLaunch, strings.TrimSpace(stderr))
	}
	return res, nil
}

// Kill sends SIGKILL to the container
func (c *CLIRuntime) Kill(ctx context.Context, h Handle) error {
	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, Command{Args: []string{c.binary, "kill", "--signal", "KILL", h.ID}})
	if err != nil {
		return fmt.Errorf("failed to kill container %s: %w", h.Name, err)
	}
	if exitCode != 0 && !isNotFound(stderr) {
		c.logger.Debug("kill returned non-zero", zap.String("container", h.Name), zap.String("stderr", stderr))
	}
	return nil
}

// Remove force-removes the container; a container that is already gone is not an error
func (c *CLIRuntime) Remove(ctx context.Context, h Handle) error {
	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, Command{Args: []string{c.binary, "rm", "-f", h.ID}})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", h.Name, err)
	}
	if exitCode != 0 && !isNotFound(stderr) {
		return fmt.Errorf("failed to remove container %s: exit %d: %s", h.Name, exitCode, strings.TrimSpace(stderr))
	}
	return nil
}
