package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/session"
	"github.com/isdmx/pyexec/status"
	"github.com/isdmx/pyexec/task"
	"github.com/isdmx/pyexec/telemetry"
)

// Runner executes one task to completion
type Runner interface {
	Run(ctx context.Context, t task.Task, req task.Request) (task.Outcome, error)
}

type job struct {
	task task.Task
	req  task.Request
	bo   backoff.BackOff
}

// Coordinator accepts task submissions and drives them through a bounded
// worker pool. A task only runs while its worker holds the session's
// execution slot; a busy session sends the task back to the queue.
type Coordinator struct {
	logger    *zap.Logger
	cfg       config.CoordinatorConfig
	status    status.Backend
	sessions  *session.Manager
	runner    Runner
	telemetry *telemetry.Provider
	now       func() time.Time

	queue chan job
	quit  chan struct{}
	wg    sync.WaitGroup

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
	timers  map[*time.Timer]struct{}
}

// Option defines a functional option for Coordinator
type Option func(*Coordinator)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New creates a Coordinator. Workers start with Start.
func New(
	logger *zap.Logger,
	cfg *config.Config,
	backend status.Backend,
	sessions *session.Manager,
	runner Runner,
	tel *telemetry.Provider,
	opts ...Option,
) *Coordinator {
	if tel == nil {
		tel = telemetry.Noop()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		logger:    logger.Named("coordinator"),
		cfg:       cfg.Coordinator,
		status:    backend,
		sessions:  sessions,
		runner:    runner,
		telemetry: tel,
		now:       time.Now,
		queue:     make(chan job, cfg.Coordinator.QueueSize),
		quit:      make(chan struct{}),
		runCtx:    runCtx,
		cancelRun: cancel,
		timers:    make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitInstall queues a package install for the session. While an install
// for the session is queued or running, the existing task id is returned
// and nothing new is queued.
func (c *Coordinator) SubmitInstall(ctx context.Context, sessionID string, packages []string) (string, error) {
	if err := task.ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	if err := task.ValidatePackages(packages); err != nil {
		return "", err
	}

	if err := c.accepting(); err != nil {
		return "", err
	}

	id := task.InstallID(sessionID)
	rec := task.New(id, task.KindInstall, sessionID, c.now())

	// A lost compare-and-set means another submitter just queued the same
	// install; the next read returns it.
	for range 3 {
		cur, err := c.status.Get(ctx, id)
		expected := task.StateNone
		var prior *task.Task
		switch {
		case errors.Is(err, task.ErrNotFound):
		case err != nil:
			return "", fmt.Errorf("failed to read task status: %w", err)
		case !cur.State.Terminal():
			c.logger.Debug("install already in flight",
				zap.String("task_id", id), zap.String("status", string(cur.State)))
			return id, nil
		default:
			expected = cur.State
			prior = &cur
		}

		ok, err := c.status.CompareAndSet(ctx, id, expected, rec)
		if err != nil {
			return "", fmt.Errorf("failed to record task: %w", err)
		}
		if ok {
			return id, c.submit(ctx, rec, task.Request{Packages: packages}, prior)
		}
	}
	return id, nil
}

// SubmitExecute queues code for execution in the session
func (c *Coordinator) SubmitExecute(ctx context.Context, sessionID, code string, env map[string]string) (string, error) {
	if err := task.ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	if code == "" {
		return "", fmt.Errorf("%w: code must not be empty", task.ErrInvalidRequest)
	}
	if err := task.ValidateEnv(env); err != nil {
		return "", err
	}

	if err := c.accepting(); err != nil {
		return "", err
	}

	rec := task.New(task.NewExecuteID(sessionID), task.KindExecute, sessionID, c.now())
	if err := c.status.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to record task: %w", err)
	}
	return rec.ID, c.submit(ctx, rec, task.Request{Code: code, Env: env}, nil)
}

// Status returns the task record, or task.ErrNotFound
func (c *Coordinator) Status(ctx context.Context, taskID string) (task.Task, error) {
	return c.status.Get(ctx, taskID)
}

// submit enqueues a record already written as queued. When the queue
// rejects it, prior (the finished record it replaced) is put back; a record
// with no predecessor is failed so pollers are not left waiting for a task
// nobody will run.
func (c *Coordinator) submit(ctx context.Context, rec task.Task, req task.Request, prior *task.Task) error {
	err := c.enqueue(job{task: rec, req: req})
	if err != nil {
		next := rec.Finished(task.StateFailed, task.Outcome{Reason: task.ReasonInfra, Error: err.Error()}, c.now())
		if prior != nil {
			next = *prior
		}
		if _, cerr := c.status.CompareAndSet(context.WithoutCancel(ctx), rec.ID, task.StateQueued, next); cerr != nil {
			c.logger.Error("failed to record rejected task", zap.String("task_id", rec.ID), zap.Error(cerr))
		}
		return err
	}

	c.telemetry.Metrics.TasksSubmitted.Add(ctx, 1,
		metric.WithAttributes(telemetry.AttrTaskKind.String(string(rec.Kind))))
	c.logger.Info("task queued",
		zap.String("task_id", rec.ID),
		zap.String("kind", string(rec.Kind)),
		zap.String("session_id", rec.SessionID))
	return nil
}

// accepting rejects submissions once Stop has been called
func (c *Coordinator) accepting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return task.ErrStopped
	}
	return nil
}

func (c *Coordinator) enqueue(j job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return task.ErrStopped
	}
	select {
	case c.queue <- j:
		c.telemetry.Metrics.QueueDepth.Add(context.Background(), 1)
		return nil
	default:
		return task.ErrQueueFull
	}
}

func (c *Coordinator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(c.cfg.RequeueInitialMS) * time.Millisecond
	b.MaxInterval = time.Duration(c.cfg.RequeueMaxMS) * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// requeue puts j back on the queue after its next backoff interval
func (c *Coordinator) requeue(j job) {
	if j.bo == nil {
		j.bo = c.newBackOff()
	}
	delay := j.bo.NextBackOff()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	var tm *time.Timer
	tm = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, tm)
		c.mu.Unlock()

		switch err := c.enqueue(j); {
		case errors.Is(err, task.ErrQueueFull):
			c.requeue(j)
		case errors.Is(err, task.ErrStopped):
			c.logger.Debug("dropping requeued task on shutdown", zap.String("task_id", j.task.ID))
		}
	})
	c.timers[tm] = struct{}{}
}

// Start launches the worker pool
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	for i := range c.cfg.Workers {
		c.wg.Add(1)
		go c.worker(i)
	}
	c.logger.Info("coordinator started",
		zap.Int("workers", c.cfg.Workers),
		zap.Int("queue_size", cap(c.queue)))
}

// Stop refuses new submissions, drops pending requeues and waits for the
// workers to finish their current task. When ctx expires first, running
// tasks are cancelled and recorded as failed.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	for tm := range c.timers {
		tm.Stop()
		delete(c.timers, tm)
	}
	close(c.quit)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	defer c.cancelRun()
	select {
	case <-done:
		c.logger.Info("coordinator stopped", zap.Int("abandoned", len(c.queue)))
		return nil
	case <-ctx.Done():
		c.cancelRun()
		<-done
		c.logger.Warn("coordinator stopped with running tasks cancelled")
		return ctx.Err()
	}
}

func (c *Coordinator) worker(n int) {
	defer c.wg.Done()
	log := c.logger.With(zap.Int("worker", n))
	for {
		select {
		case <-c.quit:
			return
		case j := <-c.queue:
			c.telemetry.Metrics.QueueDepth.Add(context.Background(), -1)
			c.dispatch(log, j)
		}
	}
}

func (c *Coordinator) dispatch(log *zap.Logger, j job) {
	log = log.With(zap.String("task_id", j.task.ID), zap.String("session_id", j.task.SessionID))

	release, ok, err := c.sessions.Slots().TryAcquire(c.runCtx, j.task.SessionID)
	if err != nil {
		log.Warn("failed to acquire execution slot", zap.Error(err))
		c.requeue(j)
		return
	}
	if !ok {
		log.Debug("session busy, requeueing")
		c.telemetry.Metrics.SlotRequeues.Add(c.runCtx, 1)
		c.requeue(j)
		return
	}
	defer release()

	c.run(log, j)
}

// run executes j while the caller holds the session slot
func (c *Coordinator) run(log *zap.Logger, j job) {
	ctx := c.runCtx
	running := j.task.Running(c.now())
	ok, err := c.status.CompareAndSet(ctx, running.ID, task.StateQueued, running)
	if err != nil {
		log.Warn("failed to mark task running", zap.Error(err))
		c.requeue(j)
		return
	}
	if !ok {
		log.Warn("task is no longer queued, skipping")
		return
	}

	ctx, span := telemetry.StartSpan(ctx, c.telemetry.Tracer, "task.run",
		telemetry.AttrTaskID.String(running.ID),
		telemetry.AttrTaskKind.String(string(running.Kind)),
		telemetry.AttrSessionID.String(running.SessionID))
	defer span.End()

	log.Info("task running", zap.String("kind", string(running.Kind)))
	start := time.Now()
	out, runErr := c.safeRun(ctx, running, j.req)
	elapsed := time.Since(start)
	c.sessions.Touch(running.SessionID)

	state, reason := classify(runErr)
	out.Reason = reason
	if runErr != nil && reason != task.ReasonNonZeroExit {
		out.Error = runErr.Error()
	}
	final := running.Finished(state, out, c.now())

	// The terminal record is written even when the run was cancelled on shutdown.
	ok, err = c.status.CompareAndSet(context.WithoutCancel(ctx), final.ID, task.StateRunning, final)
	switch {
	case err != nil:
		log.Error("failed to record task outcome", zap.Error(err))
	case !ok:
		log.Warn("terminal write rejected, record already changed")
	}

	attrs := metric.WithAttributes(
		telemetry.AttrTaskKind.String(string(final.Kind)),
		telemetry.AttrState.String(string(state)),
		telemetry.AttrReason.String(string(reason)))
	c.telemetry.Metrics.TaskDuration.Record(ctx, elapsed.Seconds(), attrs)
	c.telemetry.Metrics.TasksCompleted.Add(ctx, 1, attrs)
	span.SetAttributes(telemetry.AttrState.String(string(state)))
	if reason == task.ReasonInfra {
		span.SetStatus(codes.Error, out.Error)
	}

	fields := []zap.Field{
		zap.String("status", string(state)),
		zap.Duration("elapsed", elapsed),
	}
	if final.ExitCode != nil {
		fields = append(fields, zap.Int("exit_code", *final.ExitCode))
	}
	if reason == task.ReasonInfra {
		log.Error("task failed", append(fields, zap.Error(runErr))...)
		return
	}
	if reason != task.ReasonNone {
		fields = append(fields, zap.String("reason", string(reason)))
	}
	log.Info("task finished", fields...)
}

func (c *Coordinator) safeRun(ctx context.Context, t task.Task, req task.Request) (out task.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return c.runner.Run(ctx, t, req)
}

// classify maps an executor error to the terminal state and failure reason
func classify(err error) (task.State, task.Reason) {
	switch {
	case err == nil:
		return task.StateSuccess, task.ReasonNone
	case errors.Is(err, task.ErrNonZeroExit):
		return task.StateFailed, task.ReasonNonZeroExit
	case errors.Is(err, task.ErrTimeout):
		return task.StateFailed, task.ReasonTimeout
	default:
		return task.StateFailed, task.ReasonInfra
	}
}
