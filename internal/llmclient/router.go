// File: internal/llmclient/router.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/evolved/api/schemas"
	"github.com/xkilldash9x/evolved/internal/config"
)

// Router holds one client per model tier. The fast model serves short
// generations (commit messages, structure review); the powerful model
// serves planning and step execution.
type Router struct {
	fast     schemas.LLMClient
	powerful schemas.LLMClient
}

// NewRouter is a factory that builds the tiered clients from configuration.
func NewRouter(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) (*Router, error) {
	switch cfg.Provider {
	case config.ProviderGemini, "":
		fast, err := NewGeminiClient(ctx, cfg, cfg.FastModel, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create fast-tier client: %w", err)
		}
		powerful, err := NewGeminiClient(ctx, cfg, cfg.PowerfulModel, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create powerful-tier client: %w", err)
		}
		return &Router{fast: fast, powerful: powerful}, nil
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: %q. Supported: [%s]", cfg.Provider, config.ProviderGemini)
	}
}

// Fast returns the client for short, cheap generations.
func (r *Router) Fast() schemas.LLMClient { return r.fast }

// Powerful returns the client for planning and code generation.
func (r *Router) Powerful() schemas.LLMClient { return r.powerful }
