package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/task"
)

// LocalRuntime runs sandbox commands directly on the host (for development only).
// There is no network, memory or identity isolation; the workspace directory
// is the working directory and the mount path in arguments is rewritten to it.
type LocalRuntime struct {
	logger    *zap.Logger
	cmdRunner CommandRunner

	mu      sync.Mutex
	specs   map[string]Spec
	cancels map[string]context.CancelFunc
}

// LocalRuntimeOption defines a functional option for LocalRuntime
type LocalRuntimeOption func(*LocalRuntime)

// WithLocalCommandRunner sets the CommandRunner for LocalRuntime
func WithLocalCommandRunner(cmdRunner CommandRunner) LocalRuntimeOption {
	return func(l *LocalRuntime) {
		l.cmdRunner = cmdRunner
	}
}

// NewLocalRuntime creates a LocalRuntime
func NewLocalRuntime(logger *zap.Logger, opts ...LocalRuntimeOption) *LocalRuntime {
	runtime := &LocalRuntime{
		logger:    logger,
		cmdRunner: &RealCommandRunner{},
		specs:     make(map[string]Spec),
		cancels:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(runtime)
	}
	logger.Warn("local sandbox runtime enabled; code runs unisolated on the host")
	return runtime
}

// Create records spec under a fresh handle
func (l *LocalRuntime) Create(_ context.Context, spec Spec) (Handle, error) {
	if len(spec.Command) == 0 {
		return Handle{}, fmt.Errorf("%w: empty command", task.ErrLaunch)
	}
	name := spec.Name
	if name == "" {
		name = "pyexec-" + uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs[name] = spec
	return Handle{ID: name, Name: name}, nil
}

// Run executes the recorded command as a host process
func (l *LocalRuntime) Run(ctx context.Context, h Handle, timeout time.Duration) (RunResult, error) {
	l.mu.Lock()
	spec, ok := l.specs[h.ID]
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	if ok {
		l.cancels[h.ID] = cancel
	}
	l.mu.Unlock()
	defer cancel()

	if !ok {
		return RunResult{ExitCode: -1}, fmt.Errorf("%w: unknown sandbox %s", task.ErrLaunch, h.Name)
	}

	args := make([]string, len(spec.Command))
	for i, a := range spec.Command {
		args[i] = rewriteMount(a, spec.MountPath, spec.WorkspaceDir)
	}
	env := append(hostEnv(), spec.EnvList()...)

	stdout, stderr, exitCode, err := l.cmdRunner.RunCommand(runCtx, Command{Args: args, Dir: spec.WorkspaceDir, Env: env})
	res := RunResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}

	if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, fmt.Errorf("%w after %s", task.ErrTimeout, timeout)
	}
	if err != nil {
		return res, fmt.Errorf("%w: %v", task.ErrLaunch, err)
	}
	return res, nil
}

// Kill cancels a run in progress
func (l *LocalRuntime) Kill(_ context.Context, h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.cancels[h.ID]; ok {
		cancel()
	}
	return nil
}

// Remove forgets the sandbox
func (l *LocalRuntime) Remove(_ context.Context, h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.cancels[h.ID]; ok {
		cancel()
		delete(l.cancels, h.ID)
	}
	delete(l.specs, h.ID)
	return nil
}

// Active returns the number of sandboxes not yet removed
func (l *LocalRuntime) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

// hostEnv is the only part of the server environment a local sandbox sees.
// Credentials such as API_KEY and the AWS keys must not leak into user code.
func hostEnv() []string {
	var env []string
	for _, k := range []string{"PATH", "LANG"} {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func rewriteMount(arg, mount, dir string) string {
	if mount == "" || mount == "/" {
		return arg
	}
	if arg == mount {
		return dir
	}
	if strings.HasPrefix(arg, mount+"/") {
		return dir + strings.TrimPrefix(arg, mount)
	}
	return arg
}
