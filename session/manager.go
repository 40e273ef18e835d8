package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/storage"
	"github.com/isdmx/pyexec/task"
)

// VenvDir is the dependency environment directory inside a workspace
const VenvDir = "venv"

// Session is a snapshot of one session's metadata
type Session struct {
	ID               string
	WorkspaceRef     string
	WorkspaceDir     string // host directory mounted into sandboxes
	EnvironmentReady bool
	CreatedAt        time.Time
	LastUsedAt       time.Time
}

// Manager owns the mapping from session id to workspace
type Manager struct {
	logger     *zap.Logger
	fs         afero.Fs
	base       string
	storage    storage.Backend
	slots      Slots
	presignTTL time.Duration
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithFileSystem sets the host filesystem holding the workspaces
func WithFileSystem(fs afero.Fs) ManagerOption {
	return func(m *Manager) {
		m.fs = fs
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager rooted at BASE_SESSION_PATH
func NewManager(logger *zap.Logger, cfg *config.Config, backend storage.Backend, slots Slots, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:     logger.Named("session"),
		fs:         afero.NewOsFs(),
		base:       cfg.Storage.BaseSessionPath,
		storage:    backend,
		slots:      slots,
		presignTTL: time.Duration(cfg.Storage.PresignTTLSec) * time.Second,
		now:        time.Now,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FS returns the host filesystem holding the workspaces
func (m *Manager) FS() afero.Fs {
	return m.fs
}

// StorageName returns the name of the workspace storage backend
func (m *Manager) StorageName() string {
	return m.storage.Name()
}

// Slots returns the execution slot registry
func (m *Manager) Slots() Slots {
	return m.slots
}

// WorkspaceDir returns the host directory of a session
func (m *Manager) WorkspaceDir(sessionID string) string {
	return filepath.Join(m.base, sessionID)
}

// ResolveOrCreate returns the session, creating its workspace on first use
func (m *Manager) ResolveOrCreate(ctx context.Context, sessionID string) (Session, error) {
	if err := task.ValidateSessionID(sessionID); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	dir := m.WorkspaceDir(sessionID)
	if s, ok := m.sessions[sessionID]; ok {
		// The workspace may have been removed by an instance sharing the tree.
		if exists, _ := afero.DirExists(m.fs, dir); exists {
			s.LastUsedAt = now
			return *s, nil
		}
	}

	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return Session{}, fmt.Errorf("failed to create workspace %s: %w", dir, err)
	}
	if err := m.storage.EnsureNamespace(ctx, sessionID); err != nil {
		return Session{}, fmt.Errorf("failed to allocate storage namespace: %w", err)
	}

	ready, _ := afero.Exists(m.fs, filepath.Join(dir, VenvDir, "bin", "python"))
	s := &Session{
		ID:               sessionID,
		WorkspaceRef:     sessionID,
		WorkspaceDir:     dir,
		EnvironmentReady: ready,
		CreatedAt:        now,
		LastUsedAt:       now,
	}
	m.sessions[sessionID] = s
	m.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("storage", m.storage.Name()),
		zap.Bool("environment_ready", ready))
	return *s, nil
}

// Get returns the session if it is known to this instance
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// MarkEnvironmentReady records that the dependency environment exists
func (m *Manager) MarkEnvironmentReady(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.EnvironmentReady = true
	}
}

// Touch bumps the last-used time
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastUsedAt = m.now()
	}
}

// Idle returns the ids of sessions last used before the given time
func (m *Manager) Idle(before time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.sessions {
		if s.LastUsedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Terminate waits for the session's execution slot, then removes the
// workspace and storage namespace and forgets the session. It reports
// whether anything existed; terminating an unknown session is not an error.
func (m *Manager) Terminate(ctx context.Context, sessionID string) (bool, error) {
	if err := task.ValidateSessionID(sessionID); err != nil {
		return false, err
	}

	release, err := m.slots.Acquire(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to acquire execution slot: %w", err)
	}
	defer release()

	m.mu.Lock()
	_, known := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	dir := m.WorkspaceDir(sessionID)
	onDisk, _ := afero.DirExists(m.fs, dir)
	if err := m.fs.RemoveAll(dir); err != nil {
		return known || onDisk, fmt.Errorf("failed to remove workspace %s: %w", dir, err)
	}
	if err := m.storage.RemoveTree(ctx, sessionID); err != nil {
		return known || onDisk, fmt.Errorf("failed to remove storage namespace: %w", err)
	}

	existed := known || onDisk
	m.logger.Info("session terminated", zap.String("session_id", sessionID), zap.Bool("existed", existed))
	return existed, nil
}

// WriteFile stores an uploaded file in the session workspace. The execution
// slot is held so the write never lands in the middle of a running task.
func (m *Manager) WriteFile(ctx context.Context, sessionID, relPath string, data []byte) error {
	cleaned, err := storage.CleanPath(relPath)
	if err != nil {
		return err
	}
	if _, err := m.ResolveOrCreate(ctx, sessionID); err != nil {
		return err
	}

	release, err := m.slots.Acquire(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to acquire execution slot: %w", err)
	}
	defer release()

	if err := m.storage.WriteFile(ctx, sessionID, cleaned, data); err != nil {
		return err
	}
	m.logger.Debug("file stored", zap.String("session_id", sessionID), zap.String("path", cleaned), zap.Int("bytes", len(data)))
	return nil
}

// ReadFile returns a file from the session workspace
func (m *Manager) ReadFile(ctx context.Context, sessionID, relPath string) ([]byte, error) {
	if err := task.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	cleaned, err := storage.CleanPath(relPath)
	if err != nil {
		return nil, err
	}
	return m.storage.ReadFile(ctx, sessionID, cleaned)
}

// DownloadURL returns a direct link when the storage backend can presign one.
// ok is false for backends that serve bytes only.
func (m *Manager) DownloadURL(ctx context.Context, sessionID, relPath string) (url string, ok bool, err error) {
	p, isPresigner := m.storage.(storage.Presigner)
	if !isPresigner {
		return "", false, nil
	}
	if err := task.ValidateSessionID(sessionID); err != nil {
		return "", false, err
	}
	cleaned, err := storage.CleanPath(relPath)
	if err != nil {
		return "", false, err
	}
	url, err = p.DownloadURL(ctx, sessionID, cleaned, m.presignTTL)
	if err != nil {
		return "", false, err
	}
	return url, true, nil
}

// Sync materializes the storage namespace into the workspace directory.
// Callers hold the session's execution slot.
func (m *Manager) Sync(ctx context.Context, sessionID string) (int, error) {
	n, err := m.storage.Materialize(ctx, sessionID, m.fs, m.WorkspaceDir(sessionID))
	if err != nil {
		return n, fmt.Errorf("failed to materialize workspace: %w", err)
	}
	return n, nil
}
