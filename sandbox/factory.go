package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
)

// NewProvider creates the isolation Provider selected by configuration.
// The process backend must be enabled explicitly because it offers weaker
// isolation than the container backends.
func NewProvider(logger *zap.Logger, cfg *config.Config) (Provider, error) {
	switch cfg.Sandbox.Backend {
	case "docker", "podman":
		return NewContainerProvider(logger, cfg.Sandbox.Backend), nil
	case "process":
		if !cfg.Sandbox.EnableProcessBackend {
			return nil, fmt.Errorf("process backend is disabled; set sandbox.enable_process_backend to use it")
		}
		return NewProcessProvider(logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend: %s", cfg.Sandbox.Backend)
	}
}
