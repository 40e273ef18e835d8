package janitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/sandbox/sandboxtest"
	"github.com/isdmx/pyexec/session"
	"github.com/isdmx/pyexec/status"
	"github.com/isdmx/pyexec/storage"
	"github.com/isdmx/pyexec/task"
)

type reapingRuntime struct {
	*sandboxtest.Runtime
	calls     int
	olderThan time.Duration
	err       error
}

func (r *reapingRuntime) RemoveStale(_ context.Context, olderThan time.Duration) (int, error) {
	r.calls++
	r.olderThan = olderThan
	return 2, r.err
}

type fixture struct {
	janitor  *Janitor
	sessions *session.Manager
	status   *status.MemoryBackend
	runtime  *reapingRuntime
	fs       afero.Fs
	clock    *time.Time
}

func newFixture(t *testing.T, jcfg config.JanitorConfig) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	cfg := &config.Config{
		Storage: config.StorageConfig{BaseSessionPath: "/sessions"},
		Janitor: jcfg,
	}
	fs := afero.NewMemMapFs()
	backend := storage.NewLocalBackend(logger, afero.NewBasePathFs(fs, "/sessions"))
	sessions := session.NewManager(logger, cfg, backend, session.NewLocalSlots(),
		session.WithFileSystem(fs), session.WithClock(now))
	statusBackend := status.NewMemoryBackend(time.Minute)
	rt := &reapingRuntime{Runtime: sandboxtest.New(nil)}

	f := &fixture{sessions: sessions, status: statusBackend, runtime: rt, fs: fs, clock: &clock}
	f.janitor = New(logger, cfg, sessions, statusBackend, rt, WithClock(func() time.Time { return *f.clock }))
	return f
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("ReapsIdleSessions", func(t *testing.T) {
		f := newFixture(t, config.JanitorConfig{SessionIdleTTLSec: 600})
		_, err := f.sessions.ResolveOrCreate(ctx, "old")
		require.NoError(t, err)
		*f.clock = f.clock.Add(15 * time.Minute)
		_, err = f.sessions.ResolveOrCreate(ctx, "fresh")
		require.NoError(t, err)

		report, err := f.janitor.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.SessionsReaped)

		_, ok := f.sessions.Get("old")
		assert.False(t, ok)
		exists, _ := afero.DirExists(f.fs, "/sessions/old")
		assert.False(t, exists)
		_, ok = f.sessions.Get("fresh")
		assert.True(t, ok)
	})

	t.Run("SkipsBusySessions", func(t *testing.T) {
		f := newFixture(t, config.JanitorConfig{SessionIdleTTLSec: 60})
		_, err := f.sessions.ResolveOrCreate(ctx, "s1")
		require.NoError(t, err)
		*f.clock = f.clock.Add(time.Hour)

		release, err := f.sessions.Slots().Acquire(ctx, "s1")
		require.NoError(t, err)
		defer release()

		report, err := f.janitor.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.SessionsReaped)
		_, ok := f.sessions.Get("s1")
		assert.True(t, ok)
	})

	t.Run("IdleReapingDisabled", func(t *testing.T) {
		f := newFixture(t, config.JanitorConfig{})
		_, err := f.sessions.ResolveOrCreate(ctx, "s1")
		require.NoError(t, err)
		*f.clock = f.clock.Add(24 * time.Hour)

		report, err := f.janitor.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.SessionsReaped)
		assert.Zero(t, f.runtime.calls)
	})

	t.Run("SweepsRecordsAndSandboxes", func(t *testing.T) {
		f := newFixture(t, config.JanitorConfig{OrphanSandboxAgeSec: 3600})
		require.NoError(t, f.status.Put(ctx, task.New("exec-s1-1", task.KindExecute, "s1", time.Now())))
		require.Equal(t, 1, f.status.Len())

		*f.clock = time.Now().Add(2 * time.Minute)
		report, err := f.janitor.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.RecordsSwept)
		assert.Zero(t, f.status.Len())
		assert.Equal(t, 2, report.SandboxesReaped)
		assert.Equal(t, time.Hour, f.runtime.olderThan)
	})

	t.Run("JoinsErrors", func(t *testing.T) {
		f := newFixture(t, config.JanitorConfig{OrphanSandboxAgeSec: 60})
		f.runtime.err = errors.New("daemon unreachable")

		_, err := f.janitor.RunOnce(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "daemon unreachable")
	})
}

func TestSchedule(t *testing.T) {
	t.Run("RunsOnSchedule", func(t *testing.T) {
		f := newFixture(t, config.JanitorConfig{Schedule: "@every 1s", OrphanSandboxAgeSec: 60})
		require.NoError(t, f.janitor.Start())
		defer func() { _ = f.janitor.Stop(context.Background()) }()

		require.Eventually(t, func() bool {
			entries := f.janitor.scheduler.Entries()
			return len(entries) == 1 && !entries[0].Prev.IsZero()
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("InvalidSchedule", func(t *testing.T) {
		f := newFixture(t, config.JanitorConfig{Schedule: "every now and then"})
		err := f.janitor.Start()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid janitor.schedule")
	})

	t.Run("Disabled", func(t *testing.T) {
		f := newFixture(t, config.JanitorConfig{})
		require.NoError(t, f.janitor.Start())
		assert.Empty(t, f.janitor.scheduler.Entries())
		require.NoError(t, f.janitor.Stop(context.Background()))
	})
}
