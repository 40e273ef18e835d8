package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/storage"
	"github.com/isdmx/pyexec/task"
)

func newTestManager(t *testing.T) (*Manager, afero.Fs, *LocalSlots) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	fs := afero.NewMemMapFs()
	cfg := &config.Config{Storage: config.StorageConfig{BaseSessionPath: "/sessions", PresignTTLSec: 60}}
	backend := storage.NewLocalBackend(logger, afero.NewBasePathFs(fs, "/sessions"))
	slots := NewLocalSlots()
	return NewManager(logger, cfg, backend, slots, WithFileSystem(fs)), fs, slots
}

func TestResolveOrCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatesWorkspaceLazily", func(t *testing.T) {
		mgr, fs, _ := newTestManager(t)
		_, ok := mgr.Get("s1")
		assert.False(t, ok)

		s, err := mgr.ResolveOrCreate(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "s1", s.ID)
		assert.Equal(t, "/sessions/s1", s.WorkspaceDir)
		assert.False(t, s.EnvironmentReady)

		exists, err := afero.DirExists(fs, "/sessions/s1")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("ReturnsExisting", func(t *testing.T) {
		clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		mgr, _, _ := newTestManager(t)
		mgr.now = func() time.Time { return clock }

		first, err := mgr.ResolveOrCreate(ctx, "s1")
		require.NoError(t, err)
		clock = clock.Add(time.Minute)
		second, err := mgr.ResolveOrCreate(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, first.CreatedAt, second.CreatedAt)
		assert.Equal(t, clock, second.LastUsedAt)
	})

	t.Run("DetectsExistingEnvironment", func(t *testing.T) {
		mgr, fs, _ := newTestManager(t)
		require.NoError(t, afero.WriteFile(fs, "/sessions/s1/venv/bin/python", []byte{}, 0o755))

		s, err := mgr.ResolveOrCreate(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, s.EnvironmentReady)
	})

	t.Run("RejectsInvalidIDs", func(t *testing.T) {
		mgr, _, _ := newTestManager(t)
		for _, id := range []string{"", "..", "../etc", "a/b"} {
			_, err := mgr.ResolveOrCreate(ctx, id)
			assert.ErrorIs(t, err, task.ErrInvalidSessionID, id)
		}
	})

	t.Run("MarkReadyAndTouch", func(t *testing.T) {
		clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		mgr, _, _ := newTestManager(t)
		mgr.now = func() time.Time { return clock }
		_, err := mgr.ResolveOrCreate(ctx, "s1")
		require.NoError(t, err)
		_, err = mgr.ResolveOrCreate(ctx, "s2")
		require.NoError(t, err)

		mgr.MarkEnvironmentReady("s1")
		mgr.MarkEnvironmentReady("s1")
		mgr.MarkEnvironmentReady("unknown")
		s, _ := mgr.Get("s1")
		assert.True(t, s.EnvironmentReady)

		clock = clock.Add(time.Hour)
		mgr.Touch("s2")
		assert.Equal(t, []string{"s1"}, mgr.Idle(clock.Add(-time.Minute)))
	})
}

func TestTerminate(t *testing.T) {
	ctx := context.Background()

	t.Run("RemovesWorkspace", func(t *testing.T) {
		mgr, fs, _ := newTestManager(t)
		require.NoError(t, mgr.WriteFile(ctx, "s1", "data.txt", []byte("x")))

		existed, err := mgr.Terminate(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, existed)

		exists, err := afero.Exists(fs, "/sessions/s1")
		require.NoError(t, err)
		assert.False(t, exists)
		_, ok := mgr.Get("s1")
		assert.False(t, ok)
	})

	t.Run("Idempotent", func(t *testing.T) {
		mgr, _, _ := newTestManager(t)
		existed, err := mgr.Terminate(ctx, "never-seen")
		require.NoError(t, err)
		assert.False(t, existed)

		existed, err = mgr.Terminate(ctx, "never-seen")
		require.NoError(t, err)
		assert.False(t, existed)
	})

	t.Run("WaitsForRunningTask", func(t *testing.T) {
		mgr, fs, slots := newTestManager(t)
		_, err := mgr.ResolveOrCreate(ctx, "s1")
		require.NoError(t, err)

		release, ok, err := slots.TryAcquire(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := mgr.Terminate(ctx, "s1")
			assert.NoError(t, err)
		}()

		select {
		case <-done:
			t.Fatal("terminate must wait for the execution slot")
		case <-time.After(50 * time.Millisecond):
		}
		exists, _ := afero.DirExists(fs, "/sessions/s1")
		assert.True(t, exists, "workspace must survive while the task runs")

		release()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("terminate did not finish after release")
		}
		exists, _ = afero.DirExists(fs, "/sessions/s1")
		assert.False(t, exists)
	})

	t.Run("CancelledWait", func(t *testing.T) {
		mgr, _, slots := newTestManager(t)
		release, ok, err := slots.TryAcquire(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
		defer release()

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = mgr.Terminate(cctx, "s1")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestFiles(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	t.Run("RoundTrip", func(t *testing.T) {
		require.NoError(t, mgr.WriteFile(ctx, "s1", "dir/in.csv", []byte("1,2")))
		data, err := mgr.ReadFile(ctx, "s1", "dir/in.csv")
		require.NoError(t, err)
		assert.Equal(t, "1,2", string(data))
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := mgr.ReadFile(ctx, "s1", "nope")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("Traversal", func(t *testing.T) {
		assert.ErrorIs(t, mgr.WriteFile(ctx, "s1", "../s2/x.py", nil), task.ErrInvalidPath)
		_, err := mgr.ReadFile(ctx, "s1", "/etc/passwd")
		assert.ErrorIs(t, err, task.ErrInvalidPath)
	})

	t.Run("LocalHasNoDownloadURL", func(t *testing.T) {
		_, ok, err := mgr.DownloadURL(ctx, "s1", "dir/in.csv")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SyncLocalIsNoop", func(t *testing.T) {
		n, err := mgr.Sync(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}
