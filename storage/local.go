package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/task"
)

const (
	dirPermission  = 0o755
	filePermission = 0o644
)

// LocalBackend keeps each namespace as a directory of an afero filesystem.
// In production the filesystem is a BasePathFs over BASE_SESSION_PATH, the
// same tree the sandboxes mount, so Materialize has nothing to copy.
type LocalBackend struct {
	logger *zap.Logger
	fs     afero.Fs
}

// NewLocalBackend creates a LocalBackend on fs
func NewLocalBackend(logger *zap.Logger, fs afero.Fs) *LocalBackend {
	return &LocalBackend{logger: logger, fs: fs}
}

// Name returns the backend name
func (*LocalBackend) Name() string { return "local" }

func (*LocalBackend) root(ref string) (string, error) {
	if err := task.ValidateSessionID(ref); err != nil {
		return "", err
	}
	return "/" + ref, nil
}

func (l *LocalBackend) resolve(ref, relPath string) (string, error) {
	root, err := l.root(ref)
	if err != nil {
		return "", err
	}
	cleaned, err := CleanPath(relPath)
	if err != nil {
		return "", err
	}
	return path.Join(root, cleaned), nil
}

// EnsureNamespace creates the namespace directory
func (l *LocalBackend) EnsureNamespace(_ context.Context, ref string) error {
	root, err := l.root(ref)
	if err != nil {
		return err
	}
	if err := l.fs.MkdirAll(root, dirPermission); err != nil {
		return fmt.Errorf("failed to create workspace %s: %w", ref, err)
	}
	return nil
}

// WriteFile writes data at relPath, creating parent directories
func (l *LocalBackend) WriteFile(_ context.Context, ref, relPath string, data []byte) error {
	p, err := l.resolve(ref, relPath)
	if err != nil {
		return err
	}
	if err := l.fs.MkdirAll(path.Dir(p), dirPermission); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := afero.WriteFile(l.fs, p, data, filePermission); err != nil {
		return fmt.Errorf("failed to write %s: %w", relPath, err)
	}
	return nil
}

// ReadFile returns the content at relPath; a missing file wraps os.ErrNotExist
func (l *LocalBackend) ReadFile(_ context.Context, ref, relPath string) ([]byte, error) {
	p, err := l.resolve(ref, relPath)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(l.fs, p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("file %s: %w", relPath, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read %s: %w", relPath, err)
	}
	return data, nil
}

// RemoveTree deletes the namespace recursively; a missing namespace is not an error
func (l *LocalBackend) RemoveTree(_ context.Context, ref string) error {
	root, err := l.root(ref)
	if err != nil {
		return err
	}
	if err := l.fs.RemoveAll(root); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", ref, err)
	}
	return nil
}

// Materialize is a no-op; the namespace already is the mounted directory
func (*LocalBackend) Materialize(context.Context, string, afero.Fs, string) (int, error) {
	return 0, nil
}
