// File: internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/evolved/api/schemas"
	"github.com/xkilldash9x/evolved/internal/config"
)

// GeminiClient implements schemas.LLMClient for the Google Gemini API.
type GeminiClient struct {
	client  *genai.Client
	model   string
	cfg     config.LLMRouterConfig
	timeout time.Duration
	logger  *zap.Logger
}

// NewGeminiClient initializes a client bound to one model.
func NewGeminiClient(ctx context.Context, cfg config.LLMRouterConfig, model string, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("gemini model name is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &GeminiClient{
		client:  client,
		model:   model,
		cfg:     cfg,
		timeout: timeout,
		logger:  logger.Named("llm_client.gemini"),
	}, nil
}

// GenerateResponse sends the prompts to the Gemini API, retrying transient
// failures with exponential backoff.
func (c *GeminiClient) GenerateResponse(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Options.Temperature),
	}
	if c.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}
	if req.Options.ForceJSONFormat {
		genCfg.ResponseMIMEType = "application/json"
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second

	var responseContent string
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		resp, err := c.client.Models.GenerateContent(callCtx, c.model, genai.Text(req.UserPrompt), genCfg)
		if err != nil {
			if isTransient(err) {
				c.logger.Warn("Transient error during LLM request, retrying...", zap.Error(err))
				return err
			}
			return backoff.Permanent(fmt.Errorf("gemini API error: %w", err))
		}

		text := resp.Text()
		if text == "" {
			return backoff.Permanent(fmt.Errorf("gemini API returned empty content"))
		}

		c.logger.Info("LLM generation complete (Gemini)",
			zap.String("model", c.model),
			zap.Duration("duration", time.Since(start)))
		responseContent = text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return responseContent, nil
}

// isTransient classifies retryable API failures: rate limits, overload and
// server-side errors.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "resource_exhausted", "500", "503", "unavailable", "deadline exceeded", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
