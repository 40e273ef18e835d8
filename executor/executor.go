package executor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/sandbox"
	"github.com/isdmx/pyexec/session"
	"github.com/isdmx/pyexec/task"
)

// teardownTimeout bounds all removal attempts of one sandbox
const teardownTimeout = 30 * time.Second

// Executor runs one task in disposable sandboxes and reports its outcome.
// It never writes task status.
type Executor struct {
	logger     *zap.Logger
	runtime    sandbox.Runtime
	sessions   *session.Manager
	cfg        config.SandboxConfig
	onTeardown func(err error)
	newBackOff func() backoff.BackOff

	executeTimeout time.Duration
	installTimeout time.Duration
}

// Option defines a functional option for Executor
type Option func(*Executor)

// WithTeardownHook registers a callback invoked when a sandbox could not be removed
func WithTeardownHook(fn func(err error)) Option {
	return func(e *Executor) {
		e.onTeardown = fn
	}
}

// WithTeardownBackOff overrides the retry policy of sandbox removal
func WithTeardownBackOff(fn func() backoff.BackOff) Option {
	return func(e *Executor) {
		e.newBackOff = fn
	}
}

// New creates an Executor
func New(logger *zap.Logger, cfg *config.Config, runtime sandbox.Runtime, sessions *session.Manager, opts ...Option) *Executor {
	e := &Executor{
		logger:     logger.Named("executor"),
		runtime:    runtime,
		sessions:   sessions,
		cfg:        cfg.Sandbox,
		onTeardown: func(error) {},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			return backoff.WithMaxRetries(b, 4)
		},

		executeTimeout: cfg.ExecuteTimeout(),
		installTimeout: cfg.InstallTimeout(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes t. The returned error classifies a failed outcome: it wraps
// task.ErrNonZeroExit when user code failed, task.ErrTimeout when the
// wall-clock limit expired and anything else is an infrastructure failure.
// Captured output is returned in every case.
func (e *Executor) Run(ctx context.Context, t task.Task, req task.Request) (task.Outcome, error) {
	sess, err := e.sessions.ResolveOrCreate(ctx, t.SessionID)
	if err != nil {
		return task.Outcome{}, fmt.Errorf("failed to resolve session: %w", err)
	}

	switch t.Kind {
	case task.KindInstall:
		return e.install(ctx, sess, t, req)
	case task.KindExecute:
		return e.execute(ctx, sess, t, req)
	default:
		return task.Outcome{}, fmt.Errorf("unknown task kind %q", t.Kind)
	}
}

func (e *Executor) venvPython(mount bool, sess session.Session) string {
	if mount {
		return path.Join(e.cfg.MountPath, session.VenvDir, "bin", "python")
	}
	return filepath.Join(sess.WorkspaceDir, session.VenvDir, "bin", "python")
}

func (e *Executor) baseSpec(sess session.Session, t task.Task, command []string) sandbox.Spec {
	return sandbox.Spec{
		Name:         fmt.Sprintf("pyexec-%s-%d", t.ID, time.Now().UnixNano()),
		Image:        e.cfg.BaseImage,
		Command:      command,
		WorkspaceDir: sess.WorkspaceDir,
		MountPath:    e.cfg.MountPath,
		User:         e.cfg.User,
		CPUShares:    e.cfg.CPUShares,
		PidsLimit:    e.cfg.PidsLimit,
		Env:          map[string]string{"HOME": e.cfg.MountPath, "PYTHONUNBUFFERED": "1"},
		Labels: map[string]string{
			sandbox.LabelSession: sess.ID,
			sandbox.LabelTask:    t.ID,
		},
	}
}

// install provisions the session virtualenv on first use, then installs the
// packages into it. Both steps share one deadline and have network access.
func (e *Executor) install(ctx context.Context, sess session.Session, t task.Task, req task.Request) (task.Outcome, error) {
	deadline := time.Now().Add(e.installTimeout)
	var stdout, stderr strings.Builder
	outcome := func(exit *int) task.Outcome {
		return task.Outcome{Output: stdout.String(), ErrorOutput: stderr.String(), ExitCode: exit}
	}

	steps := make([][]string, 0, 2)
	if exists, _ := afero.Exists(e.sessions.FS(), e.venvPython(false, sess)); !exists {
		steps = append(steps, []string{"python", "-m", "venv", session.VenvDir})
	}
	pip := append([]string{e.venvPython(true, sess), "-m", "pip", "install", "--no-input", "--disable-pip-version-check"}, req.Packages...)
	steps = append(steps, pip)

	for _, cmd := range steps {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return outcome(nil), fmt.Errorf("%w: install deadline reached", task.ErrTimeout)
		}

		spec := e.baseSpec(sess, t, cmd)
		spec.MemoryMB = e.cfg.InstallMemoryMB
		spec.Network = true
		spec.NetworkMode = e.cfg.InstallNetwork

		res, err := e.runSandbox(ctx, t, spec, remaining)
		stdout.WriteString(res.Stdout)
		stderr.WriteString(res.Stderr)
		if err != nil {
			return outcome(nil), err
		}
		if res.ExitCode != 0 {
			return outcome(task.IntPtr(res.ExitCode)), fmt.Errorf("%w: %s exited with %d", task.ErrNonZeroExit, cmd[0], res.ExitCode)
		}
	}

	e.sessions.MarkEnvironmentReady(sess.ID)
	return outcome(task.IntPtr(0)), nil
}

// execute runs the submitted code with no network access. The code file is
// written into the workspace for this task only and removed afterwards.
func (e *Executor) execute(ctx context.Context, sess session.Session, t task.Task, req task.Request) (task.Outcome, error) {
	n, err := e.sessions.Sync(ctx, sess.ID)
	if err != nil {
		return task.Outcome{}, err
	}
	if n > 0 {
		e.logger.Debug("workspace materialized", zap.String("session_id", sess.ID), zap.Int("files", n))
	}

	fs := e.sessions.FS()
	codeFile := ".pyexec-" + t.ID + ".py"
	hostPath := filepath.Join(sess.WorkspaceDir, codeFile)
	if err := afero.WriteFile(fs, hostPath, []byte(req.Code), 0o644); err != nil {
		return task.Outcome{}, fmt.Errorf("failed to write code file: %w", err)
	}
	defer func() {
		if err := fs.Remove(hostPath); err != nil {
			e.logger.Warn("failed to remove code file", zap.String("path", hostPath), zap.Error(err))
		}
	}()

	python := "python"
	if exists, _ := afero.Exists(fs, e.venvPython(false, sess)); exists {
		python = e.venvPython(true, sess)
	}

	spec := e.baseSpec(sess, t, []string{python, path.Join(e.cfg.MountPath, codeFile)})
	spec.MemoryMB = e.cfg.MemoryMB
	spec.Network = false
	for k, v := range req.Env {
		spec.Env[k] = v
	}

	res, err := e.runSandbox(ctx, t, spec, e.executeTimeout)
	out := task.Outcome{Output: res.Stdout, ErrorOutput: res.Stderr}
	if err != nil {
		return out, err
	}
	out.ExitCode = task.IntPtr(res.ExitCode)
	if res.ExitCode != 0 {
		return out, fmt.Errorf("%w: exit code %d", task.ErrNonZeroExit, res.ExitCode)
	}
	return out, nil
}

// runSandbox creates, runs and always removes one sandbox. On timeout the
// sandbox is killed before removal.
func (e *Executor) runSandbox(ctx context.Context, t task.Task, spec sandbox.Spec, timeout time.Duration) (sandbox.RunResult, error) {
	log := e.logger.With(zap.String("task_id", t.ID), zap.String("session_id", t.SessionID))

	h, err := e.runtime.Create(ctx, spec)
	if err != nil {
		if !errors.Is(err, task.ErrLaunch) {
			err = fmt.Errorf("%w: %v", task.ErrLaunch, err)
		}
		return sandbox.RunResult{}, err
	}
	log = log.With(zap.String("sandbox", h.Name))
	defer e.teardown(log, h)

	log.Debug("sandbox started", zap.Strings("command", spec.Command), zap.Bool("network", spec.Network))
	res, err := e.runtime.Run(ctx, h, timeout)
	if errors.Is(err, task.ErrTimeout) || ctx.Err() != nil {
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		if kerr := e.runtime.Kill(killCtx, h); kerr != nil {
			log.Warn("failed to kill sandbox", zap.Error(kerr))
		}
		cancel()
		log.Info("sandbox killed", zap.Duration("timeout", timeout))
	}
	return res, err
}

func (e *Executor) teardown(log *zap.Logger, h sandbox.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	err := backoff.RetryNotify(func() error {
		return e.runtime.Remove(ctx, h)
	}, backoff.WithContext(e.newBackOff(), ctx), func(err error, next time.Duration) {
		log.Warn("sandbox removal failed, retrying", zap.Error(err), zap.Duration("next", next))
	})
	if err != nil {
		err = fmt.Errorf("%w: %v", task.ErrTeardown, err)
		log.Error("sandbox leaked", zap.Error(err))
		e.onTeardown(err)
		return
	}
	log.Debug("sandbox removed")
}
