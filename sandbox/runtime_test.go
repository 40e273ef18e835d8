package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/task"
)

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing
type MockCommandRunner struct {
	mu             sync.Mutex
	commandResults map[string]commandResult
	defaultResult  commandResult
	blockOn        string
	calls          []Command
}

func (m *MockCommandRunner) RunCommand(ctx context.Context, cmd Command) (stdout, stderr string, exitCode int, err error) {
	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	m.mu.Unlock()

	key := strings.Join(cmd.Args, " ")
	if m.blockOn != "" && strings.HasPrefix(key, m.blockOn) {
		<-ctx.Done()
		return "partial", "", -1, nil
	}
	for prefix, result := range m.commandResults {
		if strings.HasPrefix(key, prefix) {
			return result.stdout, result.stderr, result.exitCode, result.err
		}
	}
	return m.defaultResult.stdout, m.defaultResult.stderr, m.defaultResult.exitCode, m.defaultResult.err
}

func (m *MockCommandRunner) argsOf(sub string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if len(c.Args) > 1 && c.Args[1] == sub {
			return c.Args
		}
	}
	return nil
}

func testSpec(network bool) Spec {
	return Spec{
		Name:         "pyexec-test",
		Image:        "pyexec-base",
		Command:      []string{"/app/venv/bin/python", "/app/.pyexec-t1.py"},
		WorkspaceDir: "/tmp/sessions/s1",
		MountPath:    "/app",
		User:         "appuser",
		Env:          map[string]string{"B": "2", "A": "1"},
		MemoryMB:     256,
		CPUShares:    512,
		PidsLimit:    64,
		Network:      network,
		Labels:       map[string]string{LabelSession: "s1"},
	}
}

func TestCLIRuntimeConstructors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("DefaultConstructor", func(t *testing.T) {
		runtime := NewCLIRuntime(logger, "")
		require.NotNil(t, runtime)
		assert.Equal(t, "podman", runtime.binary)
		assert.NotNil(t, runtime.cmdRunner)
	})

	t.Run("ConstructorWithOptions", func(t *testing.T) {
		mockRunner := &MockCommandRunner{}
		runtime := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))
		assert.Equal(t, "docker", runtime.binary)
		assert.Equal(t, mockRunner, runtime.cmdRunner)
	})
}

func TestCLIRuntimeCreate(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("ExecuteHasNoNetwork", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: commandResult{stdout: "abc123\n"}}
		runtime := NewCLIRuntime(logger, "podman", WithCommandRunner(runner))

		h, err := runtime.Create(context.Background(), testSpec(false))
		require.NoError(t, err)
		assert.Equal(t, "abc123", h.ID)
		assert.Equal(t, "pyexec-test", h.Name)

		args := strings.Join(runner.argsOf("create"), " ")
		assert.Contains(t, args, "--network none")
		assert.Contains(t, args, "--memory 256m")
		assert.Contains(t, args, "--cpu-shares 512")
		assert.Contains(t, args, "--user appuser")
		assert.Contains(t, args, "--cap-drop ALL")
		assert.Contains(t, args, "-v /tmp/sessions/s1:/app:rw")
		assert.Contains(t, args, "--label pyexec.managed=true")
		assert.Contains(t, args, "-e A=1 -e B=2")
		assert.True(t, strings.HasSuffix(args, "pyexec-base /app/venv/bin/python /app/.pyexec-t1.py"))
	})

	t.Run("InstallUsesNetwork", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: commandResult{stdout: "id"}}
		runtime := NewCLIRuntime(logger, "podman", WithCommandRunner(runner))

		spec := testSpec(true)
		spec.NetworkMode = "slirp4netns"
		_, err := runtime.Create(context.Background(), spec)
		require.NoError(t, err)
		assert.Contains(t, strings.Join(runner.argsOf("create"), " "), "--network slirp4netns")
	})

	t.Run("CreateFailureIsLaunchError", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: commandResult{stderr: "image not known", exitCode: 125}}
		runtime := NewCLIRuntime(logger, "podman", WithCommandRunner(runner))

		_, err := runtime.Create(context.Background(), testSpec(false))
		require.Error(t, err)
		assert.ErrorIs(t, err, task.ErrLaunch)
		assert.Contains(t, err.Error(), "image not known")
	})

	t.Run("MissingBinaryIsLaunchError", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: commandResult{err: errors.New("executable file not found")}}
		runtime := NewCLIRuntime(logger, "podman", WithCommandRunner(runner))

		_, err := runtime.Create(context.Background(), testSpec(false))
		assert.ErrorIs(t, err, task.ErrLaunch)
	})
}

func TestCLIRuntimeRun(t *testing.T) {
	logger := zaptest.NewLogger(t)
	h := Handle{ID: "abc", Name: "pyexec-test"}

	t.Run("CapturesOutput", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: commandResult{stdout: "2\n", stderr: "warn", exitCode: 3}}
		runtime := NewCLIRuntime(logger, "podman", WithCommandRunner(runner))

		res, err := runtime.Run(context.Background(), h, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "2\n", res.Stdout)
		assert.Equal(t, "warn", res.Stderr)
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, []string{"podman", "start", "--attach", "abc"}, runner.argsOf("start"))
	})

	t.Run("Timeout", func(t *testing.T) {
		runner := &MockCommandRunner{blockOn: "podman start"}
		runtime := NewCLIRuntime(logger, "podman", WithCommandRunner(runner))

		res, err := runtime.Run(context.Background(), h, 20*time.Millisecond)
		require.Error(t, err)
		assert.ErrorIs(t, err, task.ErrTimeout)
		assert.Equal(t, "partial", res.Stdout)
	})

	t.Run("RemoveIgnoresMissing", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: commandResult{stderr: "Error: no such container abc", exitCode: 1}}
		runtime := NewCLIRuntime(logger, "docker", WithCommandRunner(runner))

		require.NoError(t, runtime.Remove(context.Background(), h))
		assert.Equal(t, []string{"docker", "rm", "-f", "abc"}, runner.argsOf("rm"))
	})

	t.Run("RemoveFailure", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: commandResult{stderr: "device busy", exitCode: 2}}
		runtime := NewCLIRuntime(logger, "podman", WithCommandRunner(runner))

		err := runtime.Remove(context.Background(), h)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "device busy")
	})
}

func TestLocalRuntime(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("RewritesMountPath", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: commandResult{stdout: "ok"}}
		runtime := NewLocalRuntime(logger, WithLocalCommandRunner(runner))

		h, err := runtime.Create(context.Background(), testSpec(false))
		require.NoError(t, err)
		assert.Equal(t, 1, runtime.Active())

		res, err := runtime.Run(context.Background(), h, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Stdout)

		runner.mu.Lock()
		call := runner.calls[0]
		runner.mu.Unlock()
		assert.Equal(t, []string{"/tmp/sessions/s1/venv/bin/python", "/tmp/sessions/s1/.pyexec-t1.py"}, call.Args)
		assert.Equal(t, "/tmp/sessions/s1", call.Dir)
		assert.Contains(t, call.Env, "A=1")

		require.NoError(t, runtime.Remove(context.Background(), h))
		assert.Equal(t, 0, runtime.Active())
	})

	t.Run("HidesServerEnvironment", func(t *testing.T) {
		t.Setenv("API_KEY", "server-secret")
		t.Setenv("AWS_SECRET_ACCESS_KEY", "aws-secret")
		t.Setenv("PATH", "/usr/bin:/bin")
		runner := &MockCommandRunner{}
		runtime := NewLocalRuntime(logger, WithLocalCommandRunner(runner))

		h, err := runtime.Create(context.Background(), testSpec(false))
		require.NoError(t, err)
		_, err = runtime.Run(context.Background(), h, time.Second)
		require.NoError(t, err)

		runner.mu.Lock()
		env := runner.calls[0].Env
		runner.mu.Unlock()
		assert.Contains(t, env, "PATH=/usr/bin:/bin")
		assert.Contains(t, env, "A=1")
		for _, kv := range env {
			assert.NotContains(t, kv, "secret")
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		runner := &MockCommandRunner{blockOn: "/tmp/sessions/s1/venv/bin/python"}
		runtime := NewLocalRuntime(logger, WithLocalCommandRunner(runner))

		h, err := runtime.Create(context.Background(), testSpec(false))
		require.NoError(t, err)
		_, err = runtime.Run(context.Background(), h, 20*time.Millisecond)
		assert.ErrorIs(t, err, task.ErrTimeout)
	})

	t.Run("UnknownHandle", func(t *testing.T) {
		runtime := NewLocalRuntime(logger)
		_, err := runtime.Run(context.Background(), Handle{ID: "nope"}, time.Second)
		assert.ErrorIs(t, err, task.ErrLaunch)
	})

	t.Run("EmptyCommand", func(t *testing.T) {
		runtime := NewLocalRuntime(logger)
		_, err := runtime.Create(context.Background(), Spec{})
		assert.ErrorIs(t, err, task.ErrLaunch)
	})
}

func TestNewRuntime(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("Podman", func(t *testing.T) {
		cfg := &config.Config{Sandbox: config.SandboxConfig{Runtime: "podman", CLIBinary: "podman"}}
		rt, err := NewRuntime(logger, cfg)
		require.NoError(t, err)
		assert.IsType(t, &CLIRuntime{}, rt)
	})

	t.Run("LocalRequiresFlag", func(t *testing.T) {
		cfg := &config.Config{Sandbox: config.SandboxConfig{Runtime: "local"}}
		_, err := NewRuntime(logger, cfg)
		require.Error(t, err)

		cfg.Sandbox.EnableLocalRuntime = true
		rt, err := NewRuntime(logger, cfg)
		require.NoError(t, err)
		assert.IsType(t, &LocalRuntime{}, rt)
	})

	t.Run("Unsupported", func(t *testing.T) {
		cfg := &config.Config{Sandbox: config.SandboxConfig{Runtime: "lxc"}}
		_, err := NewRuntime(logger, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported runtime")
	})
}
