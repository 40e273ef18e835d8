package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/task"
)

// Backend stores the files of one workspace namespace per session.
// Every relative path is resolved strictly under the namespace.
type Backend interface {
	Name() string
	EnsureNamespace(ctx context.Context, ref string) error
	WriteFile(ctx context.Context, ref, relPath string, data []byte) error
	ReadFile(ctx context.Context, ref, relPath string) ([]byte, error)
	RemoveTree(ctx context.Context, ref string) error
	// Materialize copies the namespace into dir on fs so a sandbox can mount it.
	// It returns the number of files written.
	Materialize(ctx context.Context, ref string, fs afero.Fs, dir string) (int, error)
}

// Presigner is implemented by backends that can hand out direct download links
type Presigner interface {
	DownloadURL(ctx context.Context, ref, relPath string, ttl time.Duration) (string, error)
}

// CleanPath validates a workspace-relative path and returns its canonical
// slash-separated form. Absolute paths and any ".." element are rejected.
func CleanPath(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("%w: empty path", task.ErrInvalidPath)
	}
	if strings.ContainsRune(relPath, '\\') || strings.ContainsRune(relPath, 0) {
		return "", fmt.Errorf("%w: %q contains unsupported characters", task.ErrInvalidPath, relPath)
	}
	if strings.HasPrefix(relPath, "/") {
		return "", fmt.Errorf("%w: %q is absolute", task.ErrInvalidPath, relPath)
	}
	for _, elem := range strings.Split(relPath, "/") {
		if elem == ".." {
			return "", fmt.Errorf("%w: %q escapes the workspace", task.ErrInvalidPath, relPath)
		}
	}
	cleaned := path.Clean(relPath)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q names the workspace root", task.ErrInvalidPath, relPath)
	}
	return cleaned, nil
}

// New creates the backend selected by the configuration
func New(ctx context.Context, logger *zap.Logger, cfg *config.Config) (Backend, error) {
	log := logger.Named("storage")

	switch cfg.StorageBackend() {
	case config.StorageBackendS3:
		b, err := NewS3Backend(ctx, log, cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		fs := afero.NewBasePathFs(afero.NewOsFs(), cfg.Storage.BaseSessionPath)
		return NewLocalBackend(log, fs), nil
	}
}
