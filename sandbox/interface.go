package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Labels applied to every sandbox this service creates
const (
	LabelManaged = "pyexec.managed"
	LabelSession = "pyexec.session"
	LabelTask    = "pyexec.task"
)

// Spec describes one disposable sandbox
type Spec struct {
	Name         string
	Image        string
	Command      []string
	WorkspaceDir string // host directory mounted read-write, the only writable surface
	MountPath    string
	User         string
	Env          map[string]string
	MemoryMB     int
	CPUShares    int
	PidsLimit    int
	Network      bool
	NetworkMode  string // used only when Network is true
	Labels       map[string]string
}

// EnvList returns the environment as sorted KEY=VALUE pairs
func (s Spec) EnvList() []string {
	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Handle identifies a created sandbox
type Handle struct {
	ID   string
	Name string
}

// RunResult represents the captured output of a sandbox run
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runtime is the sandbox runtime client. Run returns an error wrapping
// task.ErrTimeout together with whatever output was captured when the
// deadline expires; it does not kill the sandbox. Launch failures wrap
// task.ErrLaunch.
type Runtime interface {
	Create(ctx context.Context, spec Spec) (Handle, error)
	Run(ctx context.Context, h Handle, timeout time.Duration) (RunResult, error)
	Kill(ctx context.Context, h Handle) error
	Remove(ctx context.Context, h Handle) error
}

// Reaper is implemented by runtimes that can list the sandboxes they own
type Reaper interface {
	RemoveStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Command is a host process invocation
type Command struct {
	Args []string
	Dir  string
	Env  []string
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd Command) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, c Command) (stdout, stderr string, exitCode int, err error) {
	if len(c.Args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...) //nolint:gosec // arguments are assembled by the runtimes, not by callers
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = c.Env
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return stdoutBuf.String(), stderrBuf.String(), exitError.ExitCode(), nil
		}
		return stdoutBuf.String(), stderrBuf.String(), -1, err
	}

	return stdoutBuf.String(), stderrBuf.String(), 0, nil
}

func labelList(labels map[string]string) []string {
	out := make([]string, 0, len(labels)+1)
	out = append(out, LabelManaged+"=true")
	for k, v := range labels {
		out = append(out, k+"="+v)
	}
	sort.Strings(out[1:])
	return out
}

func isNotFound(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") || strings.Contains(s, "no container with name or id")
}
