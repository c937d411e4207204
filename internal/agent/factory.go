package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/evolved/api/schemas"
	"github.com/xkilldash9x/evolved/internal/config"
	"github.com/xkilldash9x/evolved/internal/harness"
	"github.com/xkilldash9x/evolved/internal/llmclient"
)

// NewAgent is a factory that creates a CodegenAgent from configuration.
func NewAgent(ctx context.Context, cfg config.AgentConfig, repoDir string, runner harness.Runner, logger *zap.Logger) (schemas.CodegenAgent, error) {
	switch cfg.Backend {
	case config.BackendCLI, "":
		if cfg.Command == "" {
			return nil, fmt.Errorf("agent.command is required for the cli backend")
		}
		return NewCLIAgent(cfg, repoDir, runner, logger), nil
	case config.BackendLLM:
		router, err := llmclient.NewRouter(ctx, cfg.LLM, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM router: %w", err)
		}
		return NewLLMAgent(router, repoDir, runner, logger), nil
	default:
		return nil, fmt.Errorf("unknown agent backend %q. Supported: [%s, %s]", cfg.Backend, config.BackendCLI, config.BackendLLM)
	}
}
