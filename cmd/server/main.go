package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/api"
	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/coordinator"
	"github.com/isdmx/pyexec/executor"
	"github.com/isdmx/pyexec/janitor"
	"github.com/isdmx/pyexec/logger"
	"github.com/isdmx/pyexec/mcpserver"
	"github.com/isdmx/pyexec/sandbox"
	"github.com/isdmx/pyexec/session"
	"github.com/isdmx/pyexec/status"
	"github.com/isdmx/pyexec/storage"
	"github.com/isdmx/pyexec/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Backends
			newRedisClient,
			newStorage,
			status.New,
			session.NewSlots,
			newSessionManager,

			// Execution
			newTelemetry,
			newRuntime,
			newExecutor,
			newCoordinator,
			newJanitor,

			// Front doors
			newAPI,
			newMCPServer,
		),

		fx.Invoke(startEngine, startTransport),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

func newRedisClient(lc fx.Lifecycle, cfg *config.Config) (redis.UniversalClient, error) {
	client, err := status.OpenRedis(cfg.Status.RedisURL)
	if err != nil || client == nil {
		return client, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newStorage(log *zap.Logger, cfg *config.Config) (storage.Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return storage.New(ctx, log, cfg)
}

func newSessionManager(log *zap.Logger, cfg *config.Config, backend storage.Backend, slots session.Slots) *session.Manager {
	return session.NewManager(log, cfg, backend, slots)
}

func newTelemetry(lc fx.Lifecycle, cfg *config.Config) (*telemetry.Provider, error) {
	tel, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: tel.Shutdown})
	return tel, nil
}

func newRuntime(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (sandbox.Runtime, error) {
	rt, err := sandbox.NewRuntime(log, cfg)
	if err != nil {
		return nil, err
	}
	if closer, ok := rt.(io.Closer); ok {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return closer.Close()
			},
		})
	}
	return rt, nil
}

func newExecutor(log *zap.Logger, cfg *config.Config, rt sandbox.Runtime, sessions *session.Manager, tel *telemetry.Provider) coordinator.Runner {
	return executor.New(log, cfg, rt, sessions,
		executor.WithTeardownHook(func(error) {
			tel.Metrics.TeardownErrors.Add(context.Background(), 1)
		}),
	)
}

func newCoordinator(
	log *zap.Logger,
	cfg *config.Config,
	backend status.Backend,
	sessions *session.Manager,
	runner coordinator.Runner,
	tel *telemetry.Provider,
) *coordinator.Coordinator {
	return coordinator.New(log, cfg, backend, sessions, runner, tel)
}

func newJanitor(log *zap.Logger, cfg *config.Config, sessions *session.Manager, backend status.Backend, rt sandbox.Runtime) *janitor.Janitor {
	return janitor.New(log, cfg, sessions, backend, rt)
}

func newAPI(log *zap.Logger, cfg *config.Config, c *coordinator.Coordinator, sessions *session.Manager, tel *telemetry.Provider) *api.Server {
	return api.New(log, cfg, c, sessions, tel)
}

func newMCPServer(cfg *config.Config, log *zap.Logger, c *coordinator.Coordinator, sessions *session.Manager) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, c, sessions)
}

// startEngine ties the worker pool and the janitor to the app lifecycle.
// Hooks stop in reverse order, so workers drain before telemetry flushes.
func startEngine(lc fx.Lifecycle, cfg *config.Config, c *coordinator.Coordinator, j *janitor.Janitor) {
	grace := time.Duration(cfg.Server.ShutdownTimeoutSec) * time.Second
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			c.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if grace > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, grace)
				defer cancel()
			}
			return c.Stop(ctx)
		},
	})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return j.Start()
		},
		OnStop: j.Stop,
	})
}

func startTransport(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	rest *api.Server,
	mcp *mcpserver.MCPServer,
) {
	switch cfg.Server.Transport {
	case "http":
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				return rest.Start()
			},
			OnStop: rest.Stop,
		})
	case "stdio":
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := mcp.ServeStdio(); err != nil {
						log.Error("stdio transport stopped", zap.Error(err))
					}
					// stdin closed, the client is gone
					_ = shutdowner.Shutdown()
				}()
				return nil
			},
		})
	case "mcp-http":
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := mcp.ServeHTTP(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("mcp http transport stopped", zap.Error(err))
						_ = shutdowner.Shutdown(fx.ExitCode(1))
					}
				}()
				return nil
			},
			OnStop: mcp.Shutdown,
		})
	}
}
