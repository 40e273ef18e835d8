package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/pyexec/config"
)

// NewRuntime creates the sandbox runtime selected by the configuration
func NewRuntime(logger *zap.Logger, cfg *config.Config) (Runtime, error) {
	log := logger.Named("sandbox")

	switch cfg.Sandbox.Runtime {
	case "docker":
		rt, err := NewDockerRuntime(log)
		if err != nil {
			return nil, err
		}
		return rt, nil
	case "podman":
		return NewCLIRuntime(log, cfg.Sandbox.CLIBinary), nil
	case "local":
		if !cfg.Sandbox.EnableLocalRuntime {
			return nil, fmt.Errorf("local runtime requires sandbox.enable_local_runtime")
		}
		return NewLocalRuntime(log), nil
	default:
		return nil, fmt.Errorf("unsupported runtime: %s", cfg.Sandbox.Runtime)
	}
}
