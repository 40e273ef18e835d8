package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/sandbox"
	"github.com/isdmx/pyexec/session"
	"github.com/isdmx/pyexec/status"
)

// busyWait bounds how long a pass waits for an idle session's slot
const busyWait = time.Second

// Report summarizes one maintenance pass
type Report struct {
	SessionsReaped  int
	RecordsSwept    int
	SandboxesReaped int
}

// Janitor performs the periodic cleanup
type Janitor struct {
	logger    *zap.Logger
	cfg       config.JanitorConfig
	sessions  *session.Manager
	status    status.Backend
	runtime   sandbox.Runtime
	now       func() time.Time
	scheduler *cron.Cron
	passCtx   context.Context
	cancel    context.CancelFunc
}

// Option defines a functional option for Janitor
type Option func(*Janitor)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) {
		j.now = now
	}
}

// New creates a Janitor
func New(logger *zap.Logger, cfg *config.Config, sessions *session.Manager, backend status.Backend, runtime sandbox.Runtime, opts ...Option) *Janitor {
	log := logger.Named("janitor")
	cl := cronLogger{log}
	ctx, cancel := context.WithCancel(context.Background())
	j := &Janitor{
		logger:   log,
		cfg:      cfg.Janitor,
		sessions: sessions,
		status:   backend,
		runtime:  runtime,
		now:      time.Now,
		scheduler: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		passCtx: ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start schedules RunOnce. An empty schedule disables the janitor.
func (j *Janitor) Start() error {
	if j.cfg.Schedule == "" {
		j.logger.Info("janitor disabled")
		return nil
	}
	_, err := j.scheduler.AddFunc(j.cfg.Schedule, func() {
		report, err := j.RunOnce(j.passCtx)
		if err != nil {
			j.logger.Warn("maintenance pass incomplete", zap.Error(err))
		}
		j.logger.Debug("maintenance pass finished",
			zap.Int("sessions_reaped", report.SessionsReaped),
			zap.Int("records_swept", report.RecordsSwept),
			zap.Int("sandboxes_reaped", report.SandboxesReaped))
	})
	if err != nil {
		return fmt.Errorf("invalid janitor.schedule %q: %w", j.cfg.Schedule, err)
	}
	j.scheduler.Start()
	j.logger.Info("janitor started", zap.String("schedule", j.cfg.Schedule))
	return nil
}

// Stop waits for a running pass to finish, or cancels it when ctx expires
func (j *Janitor) Stop(ctx context.Context) error {
	defer j.cancel()
	select {
	case <-j.scheduler.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one maintenance pass. Every step runs even when an
// earlier one fails; the errors are joined.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	var errs []error

	n, err := j.reapSessions(ctx)
	report.SessionsReaped = n
	errs = append(errs, err)

	if sw, ok := j.status.(status.Sweeper); ok {
		report.RecordsSwept = sw.Sweep(j.now())
	}

	if r, ok := j.runtime.(sandbox.Reaper); ok && j.cfg.OrphanSandboxAgeSec > 0 {
		n, err := r.RemoveStale(ctx, time.Duration(j.cfg.OrphanSandboxAgeSec)*time.Second)
		report.SandboxesReaped = n
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to reap sandboxes: %w", err))
		}
	}

	if report != (Report{}) {
		j.logger.Info("maintenance pass",
			zap.Int("sessions_reaped", report.SessionsReaped),
			zap.Int("records_swept", report.RecordsSwept),
			zap.Int("sandboxes_reaped", report.SandboxesReaped))
	}
	return report, errors.Join(errs...)
}

func (j *Janitor) reapSessions(ctx context.Context) (int, error) {
	if j.cfg.SessionIdleTTLSec <= 0 {
		return 0, nil
	}
	cutoff := j.now().Add(-time.Duration(j.cfg.SessionIdleTTLSec) * time.Second)

	var errs []error
	reaped := 0
	for _, id := range j.sessions.Idle(cutoff) {
		tctx, cancel := context.WithTimeout(ctx, busyWait)
		_, err := j.sessions.Terminate(tctx, id)
		cancel()
		switch {
		case err == nil:
			reaped++
		case errors.Is(err, context.DeadlineExceeded):
			// Busy with a task; it is no longer idle by the next pass.
			j.logger.Debug("idle session busy, skipping", zap.String("session_id", id))
		default:
			errs = append(errs, fmt.Errorf("failed to terminate session %s: %w", id, err))
		}
	}
	return reaped, errors.Join(errs...)
}

// cronLogger routes cron's logging through zap
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
