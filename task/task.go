package task

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of work a task performs
type Kind string

const (
	KindInstall Kind = "install"
	KindExecute Kind = "execute"
)

// Valid reports whether k is a known task kind
func (k Kind) Valid() bool {
	return k == KindInstall || k == KindExecute
}

// State is the lifecycle state of a task record
type State string

const (
	// StateNone is never stored; it stands for "no record" in compare-and-set calls.
	StateNone    State = ""
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailed  State = "failed"
)

// Terminal reports whether the state is final
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// Reason tags a failed task with the class of failure
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonNonZeroExit Reason = "non_zero_exit"
	ReasonTimeout     Reason = "timeout"
	ReasonInfra       Reason = "infrastructure_error"
)

// Task is the record persisted in the status backend
type Task struct {
	ID          string     `json:"task_id"`
	Kind        Kind       `json:"kind"`
	SessionID   string     `json:"session_id"`
	State       State      `json:"status"`
	Output      string     `json:"output"`
	ErrorOutput string     `json:"errors"`
	ExitCode    *int       `json:"exit_code"`
	Reason      Reason     `json:"reason,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Request carries the payload of a submitted task. It travels through the
// queue only and is never persisted.
type Request struct {
	Packages []string
	Code     string
	Env      map[string]string
}

var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrInvalidPath      = errors.New("invalid path")
	ErrInvalidPackages  = errors.New("invalid package list")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrNotFound         = errors.New("task not found")
	ErrQueueFull        = errors.New("task queue is full")
	ErrStopped          = errors.New("coordinator stopped")

	// Execution failures surfaced by the sandbox executor.
	ErrLaunch      = errors.New("sandbox launch failed")
	ErrTimeout     = errors.New("sandbox timed out")
	ErrNonZeroExit = errors.New("process exited with non-zero status")
	ErrTeardown    = errors.New("sandbox teardown failed")
)

const maxSessionIDLen = 128

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateSessionID rejects ids that cannot be used as a filesystem or
// object-store key.
func ValidateSessionID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	case len(id) > maxSessionIDLen:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidSessionID, maxSessionIDLen)
	case strings.Contains(id, ".."):
		return fmt.Errorf("%w: %q contains a parent reference", ErrInvalidSessionID, id)
	case !sessionIDPattern.MatchString(id):
		return fmt.Errorf("%w: %q contains unsupported characters", ErrInvalidSessionID, id)
	}
	return nil
}

// InstallID returns the deterministic install task id of a session.
// A second install submitted while the first is in flight maps to the same id.
func InstallID(sessionID string) string {
	return "install-" + sessionID
}

// NewExecuteID returns a fresh execute task id for a session
func NewExecuteID(sessionID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return "exec-" + sessionID + "-" + suffix
}

// New builds a queued record
func New(id string, kind Kind, sessionID string, now time.Time) Task {
	return Task{
		ID:        id,
		Kind:      kind,
		SessionID: sessionID,
		State:     StateQueued,
		CreatedAt: now.UTC(),
	}
}

// Clone returns a deep copy so callers can mutate records without aliasing
// pointer fields held by a backend.
func (t Task) Clone() Task {
	c := t
	if t.ExitCode != nil {
		v := *t.ExitCode
		c.ExitCode = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return c
}

// Running returns a copy transitioned to running
func (t Task) Running(now time.Time) Task {
	c := t.Clone()
	started := now.UTC()
	c.State = StateRunning
	c.StartedAt = &started
	return c
}

// Finished returns a copy transitioned to the given terminal state
func (t Task) Finished(state State, out Outcome, now time.Time) Task {
	c := t.Clone()
	completed := now.UTC()
	c.State = state
	c.Output = out.Output
	c.ErrorOutput = out.ErrorOutput
	c.Reason = out.Reason
	c.Error = out.Error
	c.CompletedAt = &completed
	if out.ExitCode != nil {
		v := *out.ExitCode
		c.ExitCode = &v
	}
	return c
}

// Outcome is what the executor reports for a finished task
type Outcome struct {
	Output      string
	ErrorOutput string
	ExitCode    *int
	Reason      Reason
	Error       string
}

// IntPtr is a small helper for optional exit codes
func IntPtr(v int) *int {
	return &v
}
