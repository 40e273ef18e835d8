// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/isdmx/pyexec/sandbox"
	"github.com/isdmx/pyexec/task"
)

// Result is what a fake sandbox run produces
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Hang blocks the run until its timeout expires or the context ends
	Hang bool
	// Delay holds the sandbox running for a while before it exits
	Delay time.Duration
}

// Handler decides the result of a run from its spec
type Handler func(spec sandbox.Spec) Result

// Runtime is a fake sandbox.Runtime recording every call
type Runtime struct {
	Handler        Handler
	CreateErr      error
	StartErr       error
	RemoveFailures int // the first N Remove calls fail

	mu         sync.Mutex
	seq        int
	specs      map[string]sandbox.Spec
	order      []string
	removes    map[string]int
	kills      map[string]int
	active     map[string]bool
	running    map[string]int
	maxRunning map[string]int
}

// New creates a fake runtime using handler
func New(handler Handler) *Runtime {
	return &Runtime{
		Handler:    handler,
		specs:      make(map[string]sandbox.Spec),
		removes:    make(map[string]int),
		kills:      make(map[string]int),
		active:     make(map[string]bool),
		running:    make(map[string]int),
		maxRunning: make(map[string]int),
	}
}

// Create records spec
func (r *Runtime) Create(_ context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	if r.CreateErr != nil {
		return sandbox.Handle{}, fmt.Errorf("%w: %v", task.ErrLaunch, r.CreateErr)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("fake-%d", r.seq)
	r.specs[id] = spec
	r.order = append(r.order, id)
	r.active[id] = true
	return sandbox.Handle{ID: id, Name: spec.Name}, nil
}

// Run applies the handler
func (r *Runtime) Run(ctx context.Context, h sandbox.Handle, timeout time.Duration) (sandbox.RunResult, error) {
	if r.StartErr != nil {
		return sandbox.RunResult{ExitCode: -1}, fmt.Errorf("%w: %v", task.ErrLaunch, r.StartErr)
	}

	r.mu.Lock()
	spec, ok := r.specs[h.ID]
	sid := spec.Labels[sandbox.LabelSession]
	r.running[sid]++
	if r.running[sid] > r.maxRunning[sid] {
		r.maxRunning[sid] = r.running[sid]
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running[sid]--
		r.mu.Unlock()
	}()

	if !ok {
		return sandbox.RunResult{ExitCode: -1}, fmt.Errorf("%w: unknown sandbox %s", task.ErrLaunch, h.ID)
	}

	res := r.Handler(spec)
	wait := res.Delay
	if res.Hang {
		wait = timeout + time.Hour
	}
	if wait > 0 {
		timer := time.NewTimer(min(wait, timeout))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return sandbox.RunResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: -1}, ctx.Err()
		case <-timer.C:
		}
		if wait >= timeout {
			return sandbox.RunResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: -1},
				fmt.Errorf("%w after %s", task.ErrTimeout, timeout)
		}
	}
	return sandbox.RunResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// Kill records the kill
func (r *Runtime) Kill(_ context.Context, h sandbox.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kills[h.ID]++
	return nil
}

// Remove records the removal, failing the first RemoveFailures calls
func (r *Runtime) Remove(_ context.Context, h sandbox.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RemoveFailures > 0 {
		r.RemoveFailures--
		return errors.New("device or resource busy")
	}
	r.removes[h.ID]++
	delete(r.active, h.ID)
	return nil
}

// Specs returns the specs of all created sandboxes in creation order
func (r *Runtime) Specs() []sandbox.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sandbox.Spec, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.specs[id])
	}
	return out
}

// Created returns how many sandboxes were created
func (r *Runtime) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Active returns how many sandboxes were created but not removed
func (r *Runtime) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// RemovedOnce reports whether every created sandbox was removed exactly once
func (r *Runtime) RemovedOnce() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if r.removes[id] != 1 {
			return false
		}
	}
	return true
}

// Kills returns how many kill calls were made
func (r *Runtime) Kills() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.kills {
		n += k
	}
	return n
}

// MaxConcurrent returns the highest number of simultaneous runs seen for a session
func (r *Runtime) MaxConcurrent(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxRunning[sessionID]
}

var (
	printSum    = regexp.MustCompile(`^print\((\d+)\s*\+\s*(\d+)\)$`)
	printString = regexp.MustCompile(`^print\(['"](.*)['"]\)$`)
	sleepCall   = regexp.MustCompile(`time\.sleep\((\d+)\)`)
)

// Python returns a handler that imitates the base image: it creates the
// virtualenv on fs, reports pip installs and interprets a few one-line
// programs. Outbound network calls fail when the sandbox has no network.
func Python(fs afero.Fs) Handler {
	return func(spec sandbox.Spec) Result {
		cmd := spec.Command
		switch {
		case len(cmd) >= 4 && cmd[1] == "-m" && cmd[2] == "venv":
			py := path.Join(spec.WorkspaceDir, cmd[3], "bin", "python")
			_ = fs.MkdirAll(path.Dir(py), 0o755)
			_ = afero.WriteFile(fs, py, []byte("#!fake"), 0o755)
			return Result{}
		case len(cmd) >= 4 && cmd[1] == "-m" && cmd[2] == "pip":
			if !spec.Network {
				return Result{Stderr: "ERROR: Could not find a version that satisfies the requirement", ExitCode: 1}
			}
			var pkgs []string
			for _, a := range cmd[4:] {
				if !strings.HasPrefix(a, "-") {
					pkgs = append(pkgs, a)
				}
			}
			return Result{Stdout: "Successfully installed " + strings.Join(pkgs, " ") + "\n"}
		case len(cmd) == 2:
			host := spec.WorkspaceDir + strings.TrimPrefix(cmd[1], spec.MountPath)
			code, err := afero.ReadFile(fs, host)
			if err != nil {
				return Result{Stderr: "python: can't open file", ExitCode: 2}
			}
			return interpret(strings.TrimSpace(string(code)), spec)
		}
		return Result{Stderr: "unsupported command", ExitCode: 127}
	}
}

func interpret(code string, spec sandbox.Spec) Result {
	switch {
	case strings.Contains(code, "urlopen") || strings.Contains(code, "requests.get") || strings.Contains(code, "socket.create_connection"):
		if !spec.Network {
			return Result{
				Stderr:   "Traceback (most recent call last):\nOSError: [Errno 101] Network is unreachable\n",
				ExitCode: 1,
			}
		}
		return Result{Stdout: "200\n"}
	case sleepCall.MatchString(code):
		secs, _ := strconv.Atoi(sleepCall.FindStringSubmatch(code)[1])
		return Result{Delay: time.Duration(secs) * time.Second}
	case strings.HasPrefix(code, "raise") || strings.Contains(code, "sys.exit(1)"):
		return Result{Stderr: "Traceback (most recent call last):\nException\n", ExitCode: 1}
	case printSum.MatchString(code):
		m := printSum.FindStringSubmatch(code)
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		return Result{Stdout: strconv.Itoa(a+b) + "\n"}
	case printString.MatchString(code):
		return Result{Stdout: printString.FindStringSubmatch(code)[1] + "\n"}
	case code == "import os; print(os.environ['GREETING'])":
		return Result{Stdout: spec.Env["GREETING"] + "\n"}
	}
	return Result{}
}
